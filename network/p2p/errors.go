package p2p

import "errors"

// Error taxonomy per spec §7. Transient per-connection errors are
// swallowed at their call site and never surface here. Most of these
// sentinels are categories that can reach callers of public operations;
// errUPnPMappingFailed is consumed inside the connectivity probe, and
// errNotVirtualCapable is not returned anywhere in this package.
var (
	errAlreadyInProgress      = errors.New("p2p: connection attempt already in progress")
	errSelfConnection         = errors.New("p2p: refusing to connect to own external endpoint")
	errServerStopped          = errors.New("p2p: manager is stopped")
	errNoPeerAvailable        = errors.New("p2p: no peer available to relay a virtual connection")
	errVirtualConnectTimedOut = errors.New("p2p: virtual connect timed out")
	errRejected               = errors.New("p2p: connection rejected by remote registry")
	errHandshakeVersion       = errors.New("p2p: unsupported handshake version")
	errInvalidPeerIdLength    = errors.New("p2p: invalid peer id length")
	errNotVirtualCapable      = errors.New("p2p: connection cannot originate a tunnel channel")
	errUPnPMappingFailed      = errors.New("p2p: no free external port available for UPnP mapping")
)
