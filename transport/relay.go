// Package transport implements the TCP connection to the LDN relay
// server.
//
// This package handles frame-level I/O only: writing encoded frames,
// reading headers, length-reading payloads and dispatching complete
// messages to registered per-type handlers. All lifecycle decisions are
// made by the connection package from the status events delivered here.
package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nxldn/ldntunnel/protocol"
)

// MessageHandler processes one complete inbound frame.
type MessageHandler func(hdr *protocol.Header, payload []byte)

// StatusCallback is invoked once when the relay connection drops, with
// the error that ended the read loop (io.EOF for an orderly close).
type StatusCallback func(err error)

// DialTimeout bounds the TCP connect to the relay.
const DialTimeout = 10 * time.Second

const writeTimeout = 5 * time.Second

// RelayTransport is a framed TCP client for the relay server. Send is
// safe for concurrent use; handlers run on the single read goroutine, so
// inbound dispatch is naturally serialized.
type RelayTransport struct {
	mu       sync.Mutex
	conn     net.Conn
	handlers map[protocol.MessageType]MessageHandler
	onStatus StatusCallback
	readCtx  context.Context
	cancel   context.CancelFunc
	started  bool
	closed   bool
}

// NewRelayTransport creates a transport with no connection established.
func NewRelayTransport() *RelayTransport {
	return &RelayTransport{
		handlers: make(map[protocol.MessageType]MessageHandler),
	}
}

// RegisterHandler registers a handler for a frame type, replacing any
// previous one.
func (t *RelayTransport) RegisterHandler(msgType protocol.MessageType, handler MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[msgType] = handler
}

// OnStatus registers the connection-loss callback.
func (t *RelayTransport) OnStatus(cb StatusCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onStatus = cb
}

// Connect dials the relay server, replacing any previous connection.
// Inbound frames are not read until Start is called, so callers can
// finish their own setup before the first dispatch.
func (t *RelayTransport) Connect(ctx context.Context, addr string) error {
	dialer := net.Dialer{Timeout: DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"relay": addr,
			"error": err.Error(),
		}).Warn("Relay dial failed")
		return err
	}

	readCtx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.conn = conn
	t.readCtx = readCtx
	t.cancel = cancel
	t.started = false
	t.closed = false
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"relay": addr,
		"local": conn.LocalAddr().String(),
	}).Info("Connected to relay")

	return nil
}

// Start launches the read loop for the current connection. Calling it
// again before the next Connect is a no-op.
func (t *RelayTransport) Start() {
	t.mu.Lock()
	conn := t.conn
	ctx := t.readCtx
	started := t.started
	t.started = true
	t.mu.Unlock()

	if conn == nil || started {
		return
	}
	go t.readLoop(ctx, conn)
}

// Send encodes and writes one frame to the relay.
func (t *RelayTransport) Send(msgType protocol.MessageType, payload []byte) error {
	frame := protocol.EncodeFrame(msgType, payload)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil || t.closed {
		return net.ErrClosed
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err := t.conn.Write(frame)
	return err
}

// SendProxyData writes a proxy data frame: the 20-byte data header
// followed by the raw payload.
func (t *RelayTransport) SendProxyData(info protocol.ProxyInfo, payload []byte) error {
	dataHdr := protocol.ProxyDataHeader{
		Info:       info,
		DataLength: uint32(len(payload)),
	}

	body := make([]byte, 0, protocol.ProxyDataHeaderSize+len(payload))
	body = append(body, dataHdr.Marshal()...)
	body = append(body, payload...)
	return t.Send(protocol.TypeProxyData, body)
}

// Close shuts the connection down. The status callback does not fire for
// a locally requested close.
func (t *RelayTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

// LocalAddr returns the local address of the relay connection, or nil
// when disconnected.
func (t *RelayTransport) LocalAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

// readLoop reads frames until the connection fails or the context is
// cancelled, then reports the loss.
func (t *RelayTransport) readLoop(ctx context.Context, conn net.Conn) {
	var loopErr error
	header := make([]byte, protocol.HeaderSize)

	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			loopErr = err
			break
		}

		hdr, err := protocol.DecodeHeader(header)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"error": err.Error(),
			}).Warn("Dropping relay connection on malformed header")
			loopErr = err
			break
		}

		payload := make([]byte, hdr.DataSize)
		if hdr.DataSize > 0 {
			if _, err := io.ReadFull(conn, payload); err != nil {
				loopErr = err
				break
			}
		}

		t.dispatch(hdr, payload)
	}

	conn.Close()

	select {
	case <-ctx.Done():
		// Locally requested close; no status event.
		return
	default:
	}

	t.mu.Lock()
	cb := t.onStatus
	closed := t.closed
	t.mu.Unlock()

	if closed {
		return
	}

	logrus.WithFields(logrus.Fields{
		"error": loopErr.Error(),
	}).Info("Relay connection lost")

	if cb != nil {
		cb(loopErr)
	}
}

func (t *RelayTransport) dispatch(hdr *protocol.Header, payload []byte) {
	t.mu.Lock()
	handler, ok := t.handlers[hdr.Type]
	t.mu.Unlock()

	if !ok {
		logrus.WithFields(logrus.Fields{
			"type": hdr.Type,
			"size": hdr.DataSize,
		}).Debug("No handler for frame type")
		return
	}
	handler(hdr, payload)
}
