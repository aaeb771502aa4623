package p2p

import (
	"bytes"
	"net"
	"strconv"
)

// AddressFamily distinguishes IPv4 from IPv6 endpoints.
type AddressFamily int

const (
	FamilyUnknown AddressFamily = iota
	FamilyIPv4
	FamilyIPv6
)

func (f AddressFamily) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return "unknown"
	}
}

// Endpoint is an (IP, port) pair, the unit of addressing for remote peers.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

// NewEndpoint builds an Endpoint from an IP and port, normalizing IPv4
// addresses represented in 16-byte form.
func NewEndpoint(ip net.IP, port uint16) Endpoint {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return Endpoint{IP: ip, Port: port}
}

// EndpointFromAddr converts a net.Addr (as returned by a TCP connection)
// into an Endpoint. Only *net.TCPAddr is understood.
func EndpointFromAddr(addr net.Addr) (Endpoint, bool) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return Endpoint{}, false
	}
	return NewEndpoint(tcp.IP, uint16(tcp.Port)), true
}

// Family classifies the endpoint's address family.
func (e Endpoint) Family() AddressFamily {
	if e.IP == nil {
		return FamilyUnknown
	}
	if e.IP.To4() != nil {
		return FamilyIPv4
	}
	if e.IP.To16() != nil {
		return FamilyIPv6
	}
	return FamilyUnknown
}

// WithPort returns a copy of the endpoint with a different port.
func (e Endpoint) WithPort(port uint16) Endpoint {
	return Endpoint{IP: e.IP, Port: port}
}

// Equal compares two endpoints by their full (IP, port) tuple.
func (e Endpoint) Equal(other Endpoint) bool {
	return e.Port == other.Port && e.IP.Equal(other.IP)
}

// IsZero reports whether the endpoint has no IP set.
func (e Endpoint) IsZero() bool {
	return len(e.IP) == 0
}

func (e Endpoint) String() string {
	if e.IP == nil {
		return "<nil>:" + strconv.Itoa(int(e.Port))
	}
	return net.JoinHostPort(e.IP.String(), strconv.Itoa(int(e.Port)))
}

// Less gives a total order over endpoints: by family, then IP bytes, then
// port. Nothing in this package calls it; it is not part of the wire
// protocol.
func (e Endpoint) Less(other Endpoint) bool {
	if e.Family() != other.Family() {
		return e.Family() < other.Family()
	}
	if c := bytes.Compare(e.IP, other.IP); c != 0 {
		return c < 0
	}
	return e.Port < other.Port
}

// privateIPv4Blocks are the RFC1918 + link-local + loopback ranges treated
// as "private" for IPv4 classification purposes.
var privateIPv4Blocks = func() []*net.IPNet {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"100.64.0.0/10", // carrier-grade NAT
		"0.0.0.0/8",
	}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}()

// IsPrivateIPv4 reports whether ip is an IPv4 address in a non-globally
// routable range (RFC1918, loopback, link-local, CGNAT).
func IsPrivateIPv4(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	for _, n := range privateIPv4Blocks {
		if n.Contains(v4) {
			return true
		}
	}
	return false
}

// IsPublicIPv4 is the negation of IsPrivateIPv4 for addresses that are
// actually IPv4.
func IsPublicIPv4(ip net.IP) bool {
	return ip.To4() != nil && !IsPrivateIPv4(ip)
}

// allowNewConnection implements the endpoint-swap policy of spec §4.1
// case 3: given the endpoint of an existing registry record and the
// endpoint of an incoming connection to the same peer id, decide whether
// the incoming connection may evict the existing one.
//
// The family mismatch check is asymmetric on purpose: it only rejects the
// new endpoint when the *existing* one is IPv4 and the new one is a
// different family, so an existing IPv4 endpoint is kept against an
// incoming IPv6 one, while an existing IPv6 endpoint may be replaced by an
// incoming IPv4 one.
// This is preserved literally per spec §9 — it is not "fixed" to be
// symmetric.
func allowNewConnection(existing, incoming Endpoint) bool {
	if existing.Family() != incoming.Family() && existing.Family() == FamilyIPv4 {
		return false
	}
	if existing.Family() == FamilyIPv4 && IsPrivateIPv4(existing.IP) {
		return false
	}
	return true
}
