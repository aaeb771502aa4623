package p2p

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// echoCheckTimeout bounds the HTTP round trip to the echo service.
const echoCheckTimeout = 10 * time.Second

// echoResponseMinLen is the smallest valid reply: success byte + family
// tag, with no address bytes (family tag "other = none").
const echoResponseMinLen = 2

const (
	webCheckSuccess byte = 0x01

	echoFamilyNone byte = 0
	echoFamilyIPv4 byte = 1
	echoFamilyIPv6 byte = 2
)

// echoClient asks an external echo service whether our advertised external
// port is actually reachable from the public internet (spec §4.6's
// "validation phase" web-reachability check, spec §4.7's binary response
// frame). There is no ecosystem HTTP client library among the retrieved
// examples beyond net/http itself, so this is built directly on it.
type echoClient struct {
	baseURL string
	http    *http.Client
}

func newEchoClient(baseURL string) *echoClient {
	return &echoClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: echoCheckTimeout},
	}
}

// Check queries the echo service for externalPort. It reports whether the
// port was reachable and, when it was, the endpoint the service observed
// us connecting from.
func (e *echoClient) Check(externalPort uint16) (bool, Endpoint, error) {
	u, err := url.Parse(e.baseURL)
	if err != nil {
		return false, Endpoint{}, err
	}
	q := u.Query()
	q.Set("port", fmt.Sprintf("%d", externalPort))
	u.RawQuery = q.Encode()

	resp, err := e.http.Get(u.String())
	if err != nil {
		return false, Endpoint{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, Endpoint{}, fmt.Errorf("p2p: echo service returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return false, Endpoint{}, err
	}
	if len(body) < echoResponseMinLen {
		return false, Endpoint{}, fmt.Errorf("p2p: malformed echo response")
	}

	if body[0] != webCheckSuccess {
		return false, Endpoint{}, nil
	}

	ep, err := parseEchoEndpoint(body[1:])
	if err != nil {
		return true, Endpoint{}, nil
	}
	return true, ep, nil
}

// parseEchoEndpoint decodes the family-tag + address + port suffix of the
// echo response frame. Port byte order is not restated by spec §4.7 for
// this frame the way it is for the handshake; this module treats it as
// network byte order (big-endian), the conventional choice for a value
// read off an actual accepted socket address rather than an in-protocol
// peer-supplied field like the handshake's service port.
func parseEchoEndpoint(b []byte) (Endpoint, error) {
	if len(b) < 1 {
		return Endpoint{}, fmt.Errorf("p2p: truncated echo endpoint")
	}
	family := b[0]
	b = b[1:]

	var addrLen int
	switch family {
	case echoFamilyIPv4:
		addrLen = 4
	case echoFamilyIPv6:
		addrLen = 16
	default:
		return Endpoint{}, fmt.Errorf("p2p: no endpoint in echo response")
	}
	if len(b) < addrLen+2 {
		return Endpoint{}, fmt.Errorf("p2p: truncated echo endpoint")
	}

	ip := net.IP(append([]byte{}, b[:addrLen]...))
	port := binary.BigEndian.Uint16(b[addrLen : addrLen+2])
	return NewEndpoint(ip, port), nil
}
