package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// DisconnectReason explains why a session ended. The numeric values are
// shared with the relay server and must never be renumbered.
type DisconnectReason uint32

const (
	DisconnectNone DisconnectReason = iota
	DisconnectUser
	DisconnectSystemRequest
	DisconnectDestroyedByUser
	DisconnectDestroyedBySystem
	DisconnectRejected
	DisconnectConnectionFailed
	DisconnectSignalLost
)

// String returns a human-readable name for the reason.
func (r DisconnectReason) String() string {
	switch r {
	case DisconnectNone:
		return "None"
	case DisconnectUser:
		return "User"
	case DisconnectSystemRequest:
		return "SystemRequest"
	case DisconnectDestroyedByUser:
		return "DestroyedByUser"
	case DisconnectDestroyedBySystem:
		return "DestroyedBySystem"
	case DisconnectRejected:
		return "Rejected"
	case DisconnectConnectionFailed:
		return "ConnectionFailed"
	case DisconnectSignalLost:
		return "SignalLost"
	default:
		return fmt.Sprintf("DisconnectReason(%d)", uint32(r))
	}
}

// TransportProtocol tags a virtual connection as TCP or UDP. The values are
// the IANA protocol numbers carried on the wire.
type TransportProtocol uint32

const (
	ProtocolTCP TransportProtocol = 6
	ProtocolUDP TransportProtocol = 17
)

// String returns "tcp" or "udp".
func (p TransportProtocol) String() string {
	switch p {
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	default:
		return fmt.Sprintf("proto(%d)", uint32(p))
	}
}

// Wire sizes of the proxy records. Interop contract.
const (
	ProxyInfoSize       = 16
	ProxyConfigSize     = 8
	ProxyDataHeaderSize = 20
	ProxyDisconnectSize = 20
)

var errShortRecord = errors.New("protocol: proxy record too short")

// ProxyInfo identifies one virtual peer-to-peer connection tunneled over
// the relay socket. Two connections differing only in Protocol are
// distinct.
//
// Layout (16 bytes): source_ip (u32), dest_ip (u32), source_port (u16),
// dest_port (u16), protocol (u32).
type ProxyInfo struct {
	SourceIP   uint32
	DestIP     uint32
	SourcePort uint16
	DestPort   uint16
	Protocol   TransportProtocol
}

// Marshal converts the info to its 16-byte wire form.
func (pi *ProxyInfo) Marshal() []byte {
	buf := make([]byte, ProxyInfoSize)
	pi.put(buf)
	return buf
}

func (pi *ProxyInfo) put(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], pi.SourceIP)
	binary.BigEndian.PutUint32(buf[4:8], pi.DestIP)
	binary.BigEndian.PutUint16(buf[8:10], pi.SourcePort)
	binary.BigEndian.PutUint16(buf[10:12], pi.DestPort)
	binary.BigEndian.PutUint32(buf[12:16], uint32(pi.Protocol))
}

// Unmarshal parses a 16-byte wire form into the info.
func (pi *ProxyInfo) Unmarshal(data []byte) error {
	if len(data) < ProxyInfoSize {
		return errShortRecord
	}
	pi.SourceIP = binary.BigEndian.Uint32(data[0:4])
	pi.DestIP = binary.BigEndian.Uint32(data[4:8])
	pi.SourcePort = binary.BigEndian.Uint16(data[8:10])
	pi.DestPort = binary.BigEndian.Uint16(data[10:12])
	pi.Protocol = TransportProtocol(binary.BigEndian.Uint32(data[12:16]))
	return nil
}

// String renders the 4-tuple for logging.
func (pi *ProxyInfo) String() string {
	return fmt.Sprintf("%s %s:%d->%s:%d",
		pi.Protocol,
		IPv4String(pi.SourceIP), pi.SourcePort,
		IPv4String(pi.DestIP), pi.DestPort)
}

// IPv4String formats a host-order u32 address in dotted-quad form.
func IPv4String(addr uint32) string {
	return net.IPv4(byte(addr>>24), byte(addr>>16), byte(addr>>8), byte(addr)).String()
}

// ProxyConfig carries the virtual-network addressing assigned by the relay
// server.
//
// Layout (8 bytes): proxy_ip (u32), proxy_subnet_mask (u32).
type ProxyConfig struct {
	ProxyIP    uint32
	SubnetMask uint32
}

// Marshal converts the config to its 8-byte wire form.
func (pc *ProxyConfig) Marshal() []byte {
	buf := make([]byte, ProxyConfigSize)
	binary.BigEndian.PutUint32(buf[0:4], pc.ProxyIP)
	binary.BigEndian.PutUint32(buf[4:8], pc.SubnetMask)
	return buf
}

// Unmarshal parses an 8-byte wire form into the config.
func (pc *ProxyConfig) Unmarshal(data []byte) error {
	if len(data) < ProxyConfigSize {
		return errShortRecord
	}
	pc.ProxyIP = binary.BigEndian.Uint32(data[0:4])
	pc.SubnetMask = binary.BigEndian.Uint32(data[4:8])
	return nil
}

// ProxyConnectRequest asks the relay to open a virtual connection.
type ProxyConnectRequest struct {
	Info ProxyInfo
}

// Marshal converts the request to its 16-byte wire form.
func (r *ProxyConnectRequest) Marshal() []byte {
	return r.Info.Marshal()
}

// Unmarshal parses a 16-byte wire form into the request.
func (r *ProxyConnectRequest) Unmarshal(data []byte) error {
	return r.Info.Unmarshal(data)
}

// ProxyConnectResponse acknowledges a virtual connection.
type ProxyConnectResponse struct {
	Info ProxyInfo
}

// Marshal converts the response to its 16-byte wire form.
func (r *ProxyConnectResponse) Marshal() []byte {
	return r.Info.Marshal()
}

// Unmarshal parses a 16-byte wire form into the response.
func (r *ProxyConnectResponse) Unmarshal(data []byte) error {
	return r.Info.Unmarshal(data)
}

// ProxyDataHeader precedes DataLength raw payload bytes on the wire.
//
// Layout (20 bytes): ProxyInfo (16) + data_length (u32).
type ProxyDataHeader struct {
	Info       ProxyInfo
	DataLength uint32
}

// Marshal converts the header to its 20-byte wire form.
func (d *ProxyDataHeader) Marshal() []byte {
	buf := make([]byte, ProxyDataHeaderSize)
	d.Info.put(buf[0:ProxyInfoSize])
	binary.BigEndian.PutUint32(buf[16:20], d.DataLength)
	return buf
}

// Unmarshal parses a 20-byte wire form into the header.
func (d *ProxyDataHeader) Unmarshal(data []byte) error {
	if len(data) < ProxyDataHeaderSize {
		return errShortRecord
	}
	if err := d.Info.Unmarshal(data[0:ProxyInfoSize]); err != nil {
		return err
	}
	d.DataLength = binary.BigEndian.Uint32(data[16:20])
	return nil
}

// ProxyDisconnectMessage closes a virtual connection with a reason.
//
// Layout (20 bytes): ProxyInfo (16) + disconnect_reason (u32).
type ProxyDisconnectMessage struct {
	Info   ProxyInfo
	Reason DisconnectReason
}

// Marshal converts the message to its 20-byte wire form.
func (m *ProxyDisconnectMessage) Marshal() []byte {
	buf := make([]byte, ProxyDisconnectSize)
	m.Info.put(buf[0:ProxyInfoSize])
	binary.BigEndian.PutUint32(buf[16:20], uint32(m.Reason))
	return buf
}

// Unmarshal parses a 20-byte wire form into the message.
func (m *ProxyDisconnectMessage) Unmarshal(data []byte) error {
	if len(data) < ProxyDisconnectSize {
		return errShortRecord
	}
	if err := m.Info.Unmarshal(data[0:ProxyInfoSize]); err != nil {
		return err
	}
	m.Reason = DisconnectReason(binary.BigEndian.Uint32(data[16:20]))
	return nil
}
