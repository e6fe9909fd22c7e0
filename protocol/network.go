package protocol

import (
	"encoding/binary"
	"errors"

	"github.com/google/uuid"
)

// Descriptor sizes shared with the relay server. Interop contract.
const (
	MACAddressSize = 6
	SSIDSize       = 34
	SessionIDSize  = 16
	IntentIDSize   = 16
	NetworkIDSize  = 32
	NodeInfoSize   = 64

	// SSIDMaxLength is the longest raw SSID the 34-byte record can carry.
	SSIDMaxLength = 33

	// UserNameMaxLength is the longest user name NodeInfo can carry.
	UserNameMaxLength = 32
)

var (
	errShortDescriptor = errors.New("protocol: descriptor buffer too short")
	errSSIDTooLong     = errors.New("protocol: ssid exceeds 33 bytes")
	errUserNameTooLong = errors.New("protocol: user name exceeds 32 bytes")
)

// MACAddress is a 6-byte hardware address.
type MACAddress [MACAddressSize]byte

// Marshal returns the 6-byte wire form.
func (m MACAddress) Marshal() []byte {
	out := make([]byte, MACAddressSize)
	copy(out, m[:])
	return out
}

// Unmarshal parses a 6-byte wire form.
func (m *MACAddress) Unmarshal(data []byte) error {
	if len(data) < MACAddressSize {
		return errShortDescriptor
	}
	copy(m[:], data[:MACAddressSize])
	return nil
}

// SSID is the wireless network name: a length byte followed by up to 33
// raw bytes, always occupying 34 bytes on the wire.
type SSID struct {
	Length byte
	Raw    [SSIDMaxLength]byte
}

// NewSSID builds an SSID from a string.
func NewSSID(name string) (SSID, error) {
	var s SSID
	if len(name) > SSIDMaxLength {
		return s, errSSIDTooLong
	}
	s.Length = byte(len(name))
	copy(s.Raw[:], name)
	return s, nil
}

// String returns the SSID text.
func (s *SSID) String() string {
	n := int(s.Length)
	if n > SSIDMaxLength {
		n = SSIDMaxLength
	}
	return string(s.Raw[:n])
}

// Marshal returns the 34-byte wire form.
func (s *SSID) Marshal() []byte {
	buf := make([]byte, SSIDSize)
	buf[0] = s.Length
	copy(buf[1:], s.Raw[:])
	return buf
}

// Unmarshal parses a 34-byte wire form.
func (s *SSID) Unmarshal(data []byte) error {
	if len(data) < SSIDSize {
		return errShortDescriptor
	}
	s.Length = data[0]
	copy(s.Raw[:], data[1:SSIDSize])
	return nil
}

// SessionID is the 16-byte random identifier of one hosted network.
type SessionID [SessionIDSize]byte

// NewRandomSessionID derives a session identifier from a random UUID.
func NewRandomSessionID() SessionID {
	return SessionID(uuid.New())
}

// Marshal returns the 16-byte wire form.
func (s SessionID) Marshal() []byte {
	out := make([]byte, SessionIDSize)
	copy(out, s[:])
	return out
}

// Unmarshal parses a 16-byte wire form.
func (s *SessionID) Unmarshal(data []byte) error {
	if len(data) < SessionIDSize {
		return errShortDescriptor
	}
	copy(s[:], data[:SessionIDSize])
	return nil
}

// IntentID names the title and scene a network was created for.
//
// Layout (16 bytes): local_communication_id (u64), reserved (u16),
// scene_id (u16), reserved (u32).
type IntentID struct {
	LocalCommunicationID uint64
	SceneID              uint16
}

// Marshal returns the 16-byte wire form.
func (i *IntentID) Marshal() []byte {
	buf := make([]byte, IntentIDSize)
	binary.BigEndian.PutUint64(buf[0:8], i.LocalCommunicationID)
	// bytes 8-9 reserved
	binary.BigEndian.PutUint16(buf[10:12], i.SceneID)
	// bytes 12-15 reserved
	return buf
}

// Unmarshal parses a 16-byte wire form.
func (i *IntentID) Unmarshal(data []byte) error {
	if len(data) < IntentIDSize {
		return errShortDescriptor
	}
	i.LocalCommunicationID = binary.BigEndian.Uint64(data[0:8])
	i.SceneID = binary.BigEndian.Uint16(data[10:12])
	return nil
}

// NetworkID uniquely identifies one network: the intent it was created for
// plus the session hosting it.
//
// Layout (32 bytes): IntentID (16) + SessionID (16).
type NetworkID struct {
	Intent  IntentID
	Session SessionID
}

// Marshal returns the 32-byte wire form.
func (n *NetworkID) Marshal() []byte {
	buf := make([]byte, 0, NetworkIDSize)
	buf = append(buf, n.Intent.Marshal()...)
	buf = append(buf, n.Session.Marshal()...)
	return buf
}

// Unmarshal parses a 32-byte wire form.
func (n *NetworkID) Unmarshal(data []byte) error {
	if len(data) < NetworkIDSize {
		return errShortDescriptor
	}
	if err := n.Intent.Unmarshal(data[0:IntentIDSize]); err != nil {
		return err
	}
	return n.Session.Unmarshal(data[IntentIDSize:NetworkIDSize])
}

// NodeInfo describes one participant in a network.
//
// Layout (64 bytes): ipv4 (u32), mac (6), node_id (u8), is_connected (u8),
// user_name (1 length byte + 32 raw), reserved (u8),
// local_communication_version (u16), reserved (16).
type NodeInfo struct {
	IPv4Address               uint32
	MAC                       MACAddress
	NodeID                    byte
	IsConnected               bool
	UserName                  string
	LocalCommunicationVersion uint16
}

// Marshal returns the 64-byte wire form.
func (n *NodeInfo) Marshal() ([]byte, error) {
	if len(n.UserName) > UserNameMaxLength {
		return nil, errUserNameTooLong
	}

	buf := make([]byte, NodeInfoSize)
	binary.BigEndian.PutUint32(buf[0:4], n.IPv4Address)
	copy(buf[4:10], n.MAC[:])
	buf[10] = n.NodeID
	if n.IsConnected {
		buf[11] = 1
	}
	buf[12] = byte(len(n.UserName))
	copy(buf[13:45], n.UserName)
	// byte 45 reserved
	binary.BigEndian.PutUint16(buf[46:48], n.LocalCommunicationVersion)
	// bytes 48-63 reserved
	return buf, nil
}

// Unmarshal parses a 64-byte wire form.
func (n *NodeInfo) Unmarshal(data []byte) error {
	if len(data) < NodeInfoSize {
		return errShortDescriptor
	}
	n.IPv4Address = binary.BigEndian.Uint32(data[0:4])
	copy(n.MAC[:], data[4:10])
	n.NodeID = data[10]
	n.IsConnected = data[11] != 0
	nameLen := int(data[12])
	if nameLen > UserNameMaxLength {
		nameLen = UserNameMaxLength
	}
	n.UserName = string(data[13 : 13+nameLen])
	n.LocalCommunicationVersion = binary.BigEndian.Uint16(data[46:48])
	return nil
}
