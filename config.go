package natportmap

import (
	"errors"
	"strings"
	"time"
)

// Options configures a single Map/MapAll/Unmap/ExternalIP call, or the
// gateway-wide defaults a client applies to calls that don't override them.
type Options struct {
	// TTL is the requested mapping lifetime. Converted to seconds on the
	// wire and clamped to >=120s for PCP and >=3600s for UPnP IPv6
	// pinholes. Default 1h.
	TTL time.Duration

	// Description is stored by the gateway alongside the mapping (UPnP)
	// or is otherwise unused (PCP/NAT-PMP carry no description field).
	Description string

	// AutoRefresh arms the gateway's refresh scheduler for this mapping.
	// Default true.
	AutoRefresh bool

	// RefreshTimeout is validated (default 10s) but is not passed to the
	// gateways: NAT-PMP and PCP bound each refresh attempt with a fixed 10s,
	// and UPnP with its fixed 5s SOAP timeout.
	RefreshTimeout time.Duration

	// RefreshThreshold is how long before expiry a UPnP/NAT-PMP mapping is
	// renewed. Default 60s. Unused by PCP, which renews at half-lifetime.
	RefreshThreshold time.Duration

	// ExternalPort is the caller's preferred external port. A PCP gateway
	// treats it as a suggestion and may assign another. UPnP requests a
	// non-zero port as-is with AddPortMapping, so it is not reassigned; only
	// 0 lets an IGDv2 device pick a port through AddAnyPortMapping.
	ExternalPort int

	// RemoteHost restricts the mapping to a single remote peer. Empty
	// means wildcard.
	RemoteHost string

	// RemotePort restricts an IPv6 pinhole (AddPinhole) to a single
	// remote port. 0 means wildcard. Unused by Map/MapAll.
	RemotePort int

	// Protocol is "TCP" or "UDP", case-insensitive.
	Protocol string
}

const (
	defaultTTL              = 1 * time.Hour
	defaultDescription      = "@achingbrain/nat-port-mapper"
	defaultRefreshTimeout   = 10 * time.Second
	defaultRefreshThreshold = 60 * time.Second

	minPCPTTL          = 120 * time.Second
	minUPnPPinholeTTL  = 3600 * time.Second
	maxPCPGrantedTTL   = 86400 * time.Second
	pcpRefreshInterval = 15 * time.Second
)

// DefaultOptions returns the option set applied when a caller passes none.
func DefaultOptions() *Options {
	return &Options{
		TTL:              defaultTTL,
		Description:      defaultDescription,
		AutoRefresh:      true,
		RefreshTimeout:   defaultRefreshTimeout,
		RefreshThreshold: defaultRefreshThreshold,
		Protocol:         "TCP",
	}
}

// Option mutates an Options value; ApplyOptions runs Validate afterward.
type Option func(*Options) error

func WithTTL(ttl time.Duration) Option {
	return func(o *Options) error {
		if ttl <= 0 {
			return errors.New("ttl must be positive")
		}
		o.TTL = ttl
		return nil
	}
}

func WithDescription(description string) Option {
	return func(o *Options) error {
		o.Description = description
		return nil
	}
}

func WithAutoRefresh(enabled bool) Option {
	return func(o *Options) error {
		o.AutoRefresh = enabled
		return nil
	}
}

func WithRefreshTimeout(timeout time.Duration) Option {
	return func(o *Options) error {
		if timeout <= 0 {
			return errors.New("refresh timeout must be positive")
		}
		o.RefreshTimeout = timeout
		return nil
	}
}

func WithRefreshThreshold(threshold time.Duration) Option {
	return func(o *Options) error {
		if threshold <= 0 {
			return errors.New("refresh threshold must be positive")
		}
		o.RefreshThreshold = threshold
		return nil
	}
}

func WithExternalPort(port int) Option {
	return func(o *Options) error {
		if port < 0 || port > 65535 {
			return errors.New("external port out of range")
		}
		o.ExternalPort = port
		return nil
	}
}

func WithRemoteHost(host string) Option {
	return func(o *Options) error {
		o.RemoteHost = host
		return nil
	}
}

func WithRemotePort(port int) Option {
	return func(o *Options) error {
		if port < 0 || port > 65535 {
			return errors.New("remote port out of range")
		}
		o.RemotePort = port
		return nil
	}
}

func WithProtocol(protocol string) Option {
	return func(o *Options) error {
		if !isTCP(protocol) && !isUDP(protocol) {
			return ErrInvalidProtocol
		}
		o.Protocol = protocol
		return nil
	}
}

// Validate reports whether o is internally consistent.
func (o *Options) Validate() error {
	if o == nil {
		return errors.New("options is nil")
	}
	if o.TTL <= 0 {
		return errors.New("ttl must be positive")
	}
	if o.RefreshTimeout <= 0 {
		return errors.New("refresh timeout must be positive")
	}
	if o.RefreshThreshold <= 0 {
		return errors.New("refresh threshold must be positive")
	}
	if o.Protocol != "" && !isTCP(o.Protocol) && !isUDP(o.Protocol) {
		return ErrInvalidProtocol
	}
	return nil
}

// ApplyOptions layers opts over DefaultOptions and validates the result.
func ApplyOptions(opts ...Option) (*Options, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

func isTCP(protocol string) bool {
	return strings.EqualFold(protocol, "TCP")
}

func isUDP(protocol string) bool {
	return strings.EqualFold(protocol, "UDP")
}
