// Package natportmap opens externally-reachable ports on a NAT gateway
// using UPnP Internet Gateway Device v1/v2, NAT-PMP, or PCP (RFC 6887).
//
// Construct a client with UPnPNAT, PMPNAT, or PCPNAT, then obtain one or
// more Gateway values from it and call Map/MapAll/Unmap/ExternalIP/Stop.
// Gateways renew their own mappings until Stop is called; callers only
// need to hold onto the Gateway and, optionally, cancel a context to abort
// an in-flight operation.
package natportmap
