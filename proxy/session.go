// Package proxy implements the tunnel session manager: the table of
// active virtual peer connections multiplexed over the relay socket and
// the dispatch of decoded proxy records to registered callbacks.
//
// The session holds no socket and performs no I/O; it is a pure state and
// dispatch layer over records the transport has already decoded.
package proxy

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nxldn/ldntunnel/protocol"
)

// ConfigCallback is invoked when the relay assigns virtual-network
// addressing.
type ConfigCallback func(config protocol.ProxyConfig)

// ConnectCallback is invoked when a peer opens a virtual connection.
type ConnectCallback func(info protocol.ProxyInfo)

// ConnectReplyCallback is invoked when a peer acknowledges a virtual
// connection.
type ConnectReplyCallback func(info protocol.ProxyInfo)

// DataCallback is invoked with the payload of one tunneled datagram or
// segment. The payload is never nil; zero-length data arrives as an empty
// slice.
type DataCallback func(info protocol.ProxyInfo, payload []byte)

// DisconnectCallback is invoked when a virtual connection closes.
type DisconnectCallback func(info protocol.ProxyInfo, reason protocol.DisconnectReason)

// Session tracks the virtual peer connections of one relay session. The
// table is keyed by the full 4-tuple plus protocol: the same addresses
// and ports over TCP and over UDP are two distinct connections.
type Session struct {
	mu          sync.RWMutex
	connections map[protocol.ProxyInfo]struct{}
	configured  bool
	proxyIP     uint32
	subnetMask  uint32

	onConfig       ConfigCallback
	onConnect      ConnectCallback
	onConnectReply ConnectReplyCallback
	onData         DataCallback
	onDisconnect   DisconnectCallback
}

// NewSession creates an empty, unconfigured session.
func NewSession() *Session {
	return &Session{
		connections: make(map[protocol.ProxyInfo]struct{}),
	}
}

// OnConfig registers the addressing callback. Nil disables it.
func (s *Session) OnConfig(cb ConfigCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConfig = cb
}

// OnConnect registers the connect callback. Nil disables it.
func (s *Session) OnConnect(cb ConnectCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = cb
}

// OnConnectReply registers the connect-reply callback. Nil disables it.
func (s *Session) OnConnectReply(cb ConnectReplyCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnectReply = cb
}

// OnData registers the data callback. Nil disables it.
func (s *Session) OnData(cb DataCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onData = cb
}

// OnDisconnect registers the disconnect callback. Nil disables it.
func (s *Session) OnDisconnect(cb DisconnectCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = cb
}

// HandleConfig stores the virtual-network addressing assigned by the
// relay. Later records overwrite earlier ones.
func (s *Session) HandleConfig(hdr *protocol.Header, config protocol.ProxyConfig) {
	s.mu.Lock()
	s.proxyIP = config.ProxyIP
	s.subnetMask = config.SubnetMask
	s.configured = true
	cb := s.onConfig
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"proxy_ip": protocol.IPv4String(config.ProxyIP),
		"mask":     protocol.IPv4String(config.SubnetMask),
	}).Info("Proxy addressing configured")

	if cb != nil {
		cb(config)
	}
}

// HandleConnect inserts the connection into the table and notifies the
// connect callback. Inserting a key that already exists is idempotent.
func (s *Session) HandleConnect(hdr *protocol.Header, req protocol.ProxyConnectRequest) {
	s.mu.Lock()
	s.connections[req.Info] = struct{}{}
	cb := s.onConnect
	s.mu.Unlock()

	if cb != nil {
		cb(req.Info)
	}
}

// HandleConnectReply notifies the connect-reply callback. The table is
// driven by connect and disconnect records only, so no entry is touched.
func (s *Session) HandleConnectReply(hdr *protocol.Header, resp protocol.ProxyConnectResponse) {
	s.mu.RLock()
	cb := s.onConnectReply
	s.mu.RUnlock()

	if cb != nil {
		cb(resp.Info)
	}
}

// HandleData delivers one tunneled payload to the data callback. A nil
// payload is delivered as an empty slice; an absent callback is a no-op.
func (s *Session) HandleData(hdr *protocol.Header, dataHdr protocol.ProxyDataHeader, payload []byte) {
	s.mu.RLock()
	cb := s.onData
	s.mu.RUnlock()

	if cb == nil {
		return
	}
	if payload == nil {
		payload = []byte{}
	}
	cb(dataHdr.Info, payload)
}

// HandleDisconnect removes the connection from the table and notifies the
// disconnect callback. Removing an absent key is a silent no-op.
func (s *Session) HandleDisconnect(hdr *protocol.Header, msg protocol.ProxyDisconnectMessage) {
	s.mu.Lock()
	delete(s.connections, msg.Info)
	cb := s.onDisconnect
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"connection": msg.Info.String(),
		"reason":     msg.Reason.String(),
	}).Debug("Proxy connection closed")

	if cb != nil {
		cb(msg.Info, msg.Reason)
	}
}

// Reset clears the connection table and the addressing configuration
// together under one lock; there is no state where one is cleared and the
// other is not.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connections = make(map[protocol.ProxyInfo]struct{})
	s.configured = false
	s.proxyIP = 0
	s.subnetMask = 0
}

// IsConfigured reports whether addressing has been assigned.
func (s *Session) IsConfigured() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.configured
}

// ConnectionCount returns the number of active virtual connections.
func (s *Session) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// HasConnection reports whether the exact 4-tuple plus protocol is in the
// table.
func (s *Session) HasConnection(info protocol.ProxyInfo) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.connections[info]
	return ok
}

// HasTuple reports whether any connection matches the 4-tuple regardless
// of transport protocol.
func (s *Session) HasTuple(srcIP uint32, srcPort uint16, dstIP uint32, dstPort uint16) bool {
	base := protocol.ProxyInfo{
		SourceIP:   srcIP,
		DestIP:     dstIP,
		SourcePort: srcPort,
		DestPort:   dstPort,
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, proto := range []protocol.TransportProtocol{protocol.ProtocolTCP, protocol.ProtocolUDP} {
		key := base
		key.Protocol = proto
		if _, ok := s.connections[key]; ok {
			return true
		}
	}
	return false
}

// ProxyIP returns the assigned virtual address, or 0 when unconfigured.
func (s *Session) ProxyIP() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.proxyIP
}

// SubnetMask returns the assigned virtual mask, or 0 when unconfigured.
func (s *Session) SubnetMask() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subnetMask
}
