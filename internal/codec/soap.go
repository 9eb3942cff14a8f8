package codec

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// SOAPArg is one ordered argument of a UPnP SOAP action. Argument order is
// significant per the IGD service specifications, so callers build a slice
// rather than a map.
type SOAPArg struct {
	Name  string
	Value string
}

// EncodeSOAPRequest builds a SOAP 1.1 envelope invoking action on
// serviceType with the given ordered arguments, the shape every IGD
// control point sends for AddPortMapping/AddAnyPortMapping/DeletePortMapping/
// GetExternalIPAddress/AddPinhole/UpdatePinhole/DeletePinhole.
func EncodeSOAPRequest(serviceType, action string, args []SOAPArg) []byte {
	var b bytes.Buffer
	b.WriteString(xml.Header)
	b.WriteString(`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/"><s:Body>`)
	fmt.Fprintf(&b, `<u:%s xmlns:u=%q>`, action, serviceType)
	for _, a := range args {
		fmt.Fprintf(&b, "<%s>%s</%s>", a.Name, xmlEscape(a.Value), a.Name)
	}
	fmt.Fprintf(&b, `</u:%s>`, action)
	b.WriteString(`</s:Body></s:Envelope>`)
	return b.Bytes()
}

// SOAPActionHeader is the value of the SOAPAction HTTP header for action on
// serviceType.
func SOAPActionHeader(serviceType, action string) string {
	return fmt.Sprintf(`"%s#%s"`, serviceType, action)
}

func xmlEscape(s string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return s
	}
	return b.String()
}

// SOAPFault describes a parsed SOAP/UPnP fault body.
type SOAPFault struct {
	Code        string
	Description string
	ErrorCode   int
}

func (f *SOAPFault) Error() string {
	if f.ErrorCode != 0 {
		return fmt.Sprintf("soap: UPnP error %d: %s", f.ErrorCode, f.Description)
	}
	return fmt.Sprintf("soap: fault %s: %s", f.Code, f.Description)
}

// DecodeSOAPResponse scans the response body for the element named
// action+"Response" and returns its children as name/value pairs,
// tolerating any namespace prefix the gateway used (encoding/xml strips
// prefixes into Name.Local regardless of whether the prefix's namespace was
// declared). If the body instead carries a SOAP Fault, it is returned as a
// *SOAPFault error.
func DecodeSOAPResponse(body []byte, action string) (map[string]string, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	wantTag := action + "Response"

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("soap: malformed response: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "Fault":
			return nil, decodeSOAPFault(dec, start)
		case wantTag:
			return decodeSOAPFields(dec, start)
		}
	}
	return nil, fmt.Errorf("soap: response missing %s element", wantTag)
}

func decodeSOAPFields(dec *xml.Decoder, start xml.StartElement) (map[string]string, error) {
	fields := make(map[string]string)
	depth := 0
	var currentName string
	var currentText strings.Builder

	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("soap: malformed response body: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				currentName = t.Name.Local
				currentText.Reset()
			}
			depth++
		case xml.CharData:
			if depth == 1 {
				currentText.Write(t)
			}
		case xml.EndElement:
			depth--
			if depth == 0 {
				fields[currentName] = currentText.String()
			}
			if t.Name == start.Name {
				return fields, nil
			}
		}
	}
}

func decodeSOAPFault(dec *xml.Decoder, start xml.StartElement) error {
	fault := &SOAPFault{}
	depth := 0
	var path []string

	for {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("soap: malformed fault body: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			path = append(path, t.Name.Local)
			depth++
		case xml.CharData:
			if len(path) == 0 {
				break
			}
			switch path[len(path)-1] {
			case "faultcode":
				fault.Code = string(t)
			case "faultstring":
				fault.Description = string(t)
			case "errorDescription":
				fault.Description = string(t)
			case "errorCode":
				if n, err := strconv.Atoi(strings.TrimSpace(string(t))); err == nil {
					fault.ErrorCode = n
				}
			}
		case xml.EndElement:
			depth--
			if len(path) > 0 {
				path = path[:len(path)-1]
			}
			if t.Name == start.Name {
				return fault
			}
		}
	}
}
