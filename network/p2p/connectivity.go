package p2p

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// InternetStatus classifies this host's reachability from the public
// internet, per spec §4.6.
type InternetStatus int

const (
	NoInternetConnection InternetStatus = iota
	DirectInternetConnection
	NatInternetConnection
	NatInternetConnectionViaUPnPRouter
)

func (s InternetStatus) String() string {
	switch s {
	case DirectInternetConnection:
		return "DirectInternetConnection"
	case NatInternetConnection:
		return "NatInternetConnection"
	case NatInternetConnectionViaUPnPRouter:
		return "NatInternetConnectionViaUPnPRouter"
	default:
		return "NoInternetConnection"
	}
}

// UPnPStatus refines NatInternetConnectionViaUPnPRouter (and the failed
// NatInternetConnection case) with the outcome of gateway discovery and
// port mapping.
type UPnPStatus int

const (
	UPnPStatusNone UPnPStatus = iota
	DeviceNotFound
	ExternalIpPrivate
	PortForwarded
	PortForwardingFailed
	PortForwardedNotAccessible
)

func (s UPnPStatus) String() string {
	switch s {
	case DeviceNotFound:
		return "DeviceNotFound"
	case ExternalIpPrivate:
		return "ExternalIpPrivate"
	case PortForwarded:
		return "PortForwarded"
	case PortForwardingFailed:
		return "PortForwardingFailed"
	case PortForwardedNotAccessible:
		return "PortForwardedNotAccessible"
	default:
		return "None"
	}
}

const (
	probeInitialDelay   = 1 * time.Second
	probeNormalInterval = 60 * time.Second
	probeErrorInterval  = 10 * time.Second

	upnpPortRangeStart  = 1024
	upnpPortRangeEnd    = 65535
	upnpMaxPortAttempts = upnpPortRangeEnd - upnpPortRangeStart + 1

	webCheckURL = "https://www.google.com/generate_204"
)

// ConnectivityState is a point-in-time snapshot of the probe's findings,
// carrying everything get_external_endpoint (spec §4.8) needs to derive
// an answer.
type ConnectivityState struct {
	InternetStatus InternetStatus
	UPnPStatus     UPnPStatus

	LocalLiveIP string // set only for DirectInternetConnection
	LocalPort   uint16

	UPnPExternalIP   string
	UPnPExternalPort int // -1 means "no mapping" / "mapping failed"

	WebCheckAttempted bool
	WebCheckSuccess   bool
	WebCheckError     bool

	EchoEndpoint        Endpoint
	ReceivedLiveInbound bool
}

// connectivityProbe is spec §4.6's background reachability loop.
type connectivityProbe struct {
	log *logrus.Entry

	localPort uint16

	discoverGateway func() (upnpGateway, error)
	igd             upnpGateway
	lastBroadcast   string

	echoClient *echoClient
	webClient  *http.Client

	receivedLiveInbound *boolFlag

	mu    sync.Mutex
	state ConnectivityState

	listenersMu sync.Mutex
	listeners   []func(ConnectivityState)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newConnectivityProbe(localPort uint16, discover func() (upnpGateway, error), echoClient *echoClient, flag *boolFlag, log *logrus.Entry) *connectivityProbe {
	return &connectivityProbe{
		log:                 log,
		localPort:           localPort,
		discoverGateway:     discover,
		echoClient:          echoClient,
		webClient:           &http.Client{Timeout: 10 * time.Second},
		receivedLiveInbound: flag,
		stopCh:              make(chan struct{}),
		state: ConnectivityState{
			LocalPort:        localPort,
			UPnPExternalPort: -1,
		},
	}
}

func (p *connectivityProbe) OnChange(fn func(ConnectivityState)) {
	p.listenersMu.Lock()
	p.listeners = append(p.listeners, fn)
	p.listenersMu.Unlock()
}

func (p *connectivityProbe) notify(state ConnectivityState) {
	p.listenersMu.Lock()
	listeners := append([]func(ConnectivityState){}, p.listeners...)
	p.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(state)
	}
}

func (p *connectivityProbe) Snapshot() ConnectivityState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *connectivityProbe) Start() {
	p.wg.Add(1)
	go p.run()
}

func (p *connectivityProbe) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *connectivityProbe) run() {
	defer p.wg.Done()

	timer := time.NewTimer(probeInitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-timer.C:
		}

		prev := p.Snapshot()
		next := p.tick(prev)

		p.mu.Lock()
		p.state = next
		p.mu.Unlock()

		if next.InternetStatus != prev.InternetStatus || next.UPnPStatus != prev.UPnPStatus {
			p.notify(next)
		}

		interval := probeNormalInterval
		if next.UPnPStatus == DeviceNotFound || next.UPnPStatus == PortForwardingFailed {
			interval = probeErrorInterval
		}
		timer.Reset(interval)
	}
}

// tick performs one probe cycle per spec §4.6.
func (p *connectivityProbe) tick(prev ConnectivityState) ConnectivityState {
	next := prev
	next.LocalPort = p.localPort

	localIP, isPrivate, ok := defaultInterfaceAddr()
	if !ok {
		next.InternetStatus = NoInternetConnection
		next.UPnPStatus = UPnPStatusNone
		next.LocalLiveIP = ""
		return p.validate(prev, next)
	}
	if !isPrivate {
		next.InternetStatus = DirectInternetConnection
		next.UPnPStatus = UPnPStatusNone
		next.LocalLiveIP = localIP
		return p.validate(prev, next)
	}
	next.LocalLiveIP = ""

	if p.igd == nil && p.discoverGateway != nil {
		igd, err := p.discoverGateway()
		if err != nil {
			next.InternetStatus = NatInternetConnection
			next.UPnPStatus = DeviceNotFound
			return p.validate(prev, next)
		}
		p.igd = igd
	}
	if p.igd == nil {
		next.InternetStatus = NatInternetConnection
		next.UPnPStatus = DeviceNotFound
		return p.validate(prev, next)
	}
	next.InternetStatus = NatInternetConnectionViaUPnPRouter

	extIP, err := p.igd.GetExternalIPAddress()
	if err != nil {
		next.InternetStatus = NatInternetConnection
		next.UPnPStatus = DeviceNotFound
		p.igd = nil
		return p.validate(prev, next)
	}
	next.UPnPExternalIP = extIP
	if ip := net.ParseIP(extIP); ip != nil && IsPrivateIPv4(ip) {
		next.UPnPStatus = ExternalIpPrivate
		next.UPnPExternalPort = -1
		return p.validate(prev, next)
	}

	port, err := p.ensureMapping()
	if err != nil {
		next.UPnPStatus = PortForwardingFailed
		next.UPnPExternalPort = -1
		return p.validate(prev, next)
	}
	next.UPnPStatus = PortForwarded
	next.UPnPExternalPort = int(port)

	return p.validate(prev, next)
}

// validate runs spec §4.6's validation phase, only when the status pair
// actually changed from the previous tick.
func (p *connectivityProbe) validate(prev, next ConnectivityState) ConnectivityState {
	if next.InternetStatus == prev.InternetStatus && next.UPnPStatus == prev.UPnPStatus {
		return next
	}

	webOK := p.checkWebAccess()
	next.WebCheckAttempted = true

	if !webOK {
		next.InternetStatus = NoInternetConnection
		next.UPnPStatus = UPnPStatusNone
		next.LocalLiveIP = ""
		next.UPnPExternalIP = ""
		next.UPnPExternalPort = -1
		next.WebCheckSuccess = false
		next.WebCheckError = false
		return next
	}

	switch next.InternetStatus {
	case DirectInternetConnection:
		ok, ep, err := p.runEchoCheck(p.localPort)
		next.WebCheckSuccess = ok
		next.WebCheckError = err != nil
		if !ok {
			next.LocalLiveIP = ""
		} else {
			next.EchoEndpoint = ep
		}
	case NatInternetConnection:
		ok, ep, err := p.runEchoCheck(p.localPort)
		next.WebCheckSuccess = ok
		next.WebCheckError = err != nil
		if ok {
			next.EchoEndpoint = ep
		}
	case NatInternetConnectionViaUPnPRouter:
		if next.UPnPStatus == PortForwarded {
			ok, ep, err := p.runEchoCheck(uint16(next.UPnPExternalPort))
			next.WebCheckSuccess = ok
			next.WebCheckError = err != nil
			if !ok {
				next.UPnPStatus = PortForwardedNotAccessible
			} else {
				next.EchoEndpoint = ep
			}
		}
	}

	if next.WebCheckSuccess {
		next.ReceivedLiveInbound = true
	}

	return next
}

func (p *connectivityProbe) runEchoCheck(port uint16) (bool, Endpoint, error) {
	if p.echoClient == nil {
		return false, Endpoint{}, nil
	}
	ok, ep, err := p.echoClient.Check(port)
	if err != nil {
		return false, Endpoint{}, err
	}
	if !ok {
		p.receivedLiveInbound.Clear()
		return false, Endpoint{}, nil
	}
	return true, ep, nil
}

func (p *connectivityProbe) checkWebAccess() bool {
	resp, err := p.webClient.Head(webCheckURL)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

// ensureMapping implements spec §4.6 steps 4-5 literally: starting from
// external port == local port, probe GetSpecificPortMappingEntry for each
// candidate port. An absent entry means the port is free and the search
// stops there; an entry that already maps to our own local endpoint is
// reused without ever calling AddPortMapping; anything else moves on to
// the next port, wrapping 65535 -> 1024 and capped at the full port space
// to guarantee termination. Once a port is chosen, AddPortMapping claims
// it; on failure the search retries once via DeletePortMapping followed by
// a second AddPortMapping attempt before giving up.
func (p *connectivityProbe) ensureMapping() (uint16, error) {
	localIP := localOutboundIP()

	port := p.localPort
	chosen := false
	for i := 0; i < upnpMaxPortAttempts; i++ {
		internalPort, internalClient, found, err := p.igd.GetSpecificPortMappingEntry(port)
		if err != nil {
			return 0, errUPnPMappingFailed
		}
		if !found {
			chosen = true
			break
		}
		if internalPort == p.localPort && internalClient == localIP {
			return port, nil
		}
		if port == upnpPortRangeEnd {
			port = upnpPortRangeStart
		} else {
			port++
		}
	}
	if !chosen {
		return 0, errUPnPMappingFailed
	}

	if err := p.igd.AddPortMapping(port, p.localPort, localIP); err == nil {
		return port, nil
	}
	_ = p.igd.DeletePortMapping(port)
	if err := p.igd.AddPortMapping(port, p.localPort, localIP); err != nil {
		return 0, errUPnPMappingFailed
	}
	return port, nil
}

// defaultInterfaceAddr returns the IP of the host's default outbound
// network interface and whether it is a private address, emulating
// spec §4.6 step 1's OS interface query without a dedicated ecosystem
// library (none of the examples use one for this).
func defaultInterfaceAddr() (ip string, private bool, ok bool) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", false, false
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", false, false
	}
	return addr.IP.String(), IsPrivateIPv4(addr.IP), true
}

func localOutboundIP() string {
	ip, _, ok := defaultInterfaceAddr()
	if !ok {
		return "0.0.0.0"
	}
	return ip
}
