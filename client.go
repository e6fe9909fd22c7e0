// Package ldntunnel implements the client-side network core for tunneling
// a console's local-wireless (LDN) protocol over a TCP relay server.
//
// A Client owns one relay connection and multiplexes virtual peer-to-peer
// proxy streams over it. The lifecycle is driven by a state machine with
// exponential-backoff reconnection; decoded proxy records are dispatched
// to a session manager once the connection is ready.
//
// Example:
//
//	cfg := config.Default()
//	cfg.RelayAddr = "relay.example.net:11451"
//
//	client := ldntunnel.New(cfg, clock.New())
//	client.Session().OnData(func(info protocol.ProxyInfo, payload []byte) {
//	    // deliver payload into the virtual network
//	})
//
//	if err := client.Connect(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
package ldntunnel

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/nxldn/ldntunnel/config"
	"github.com/nxldn/ldntunnel/connection"
	"github.com/nxldn/ldntunnel/protocol"
	"github.com/nxldn/ldntunnel/proxy"
	"github.com/nxldn/ldntunnel/transport"
)

// StateChangeCallback re-exports the state machine's transition callback.
type StateChangeCallback = connection.StateChangeCallback

// Client ties the transport, the connection state machine, the backoff
// reconnector, the failure classifier and the proxy session together into
// the tunnel's client core.
type Client struct {
	mu          sync.Mutex
	cfg         config.Config
	clock       clock.Clock
	transport   *transport.RelayTransport
	machine     *connection.StateMachine
	backoff     *connection.Backoff
	reconnector *connection.Reconnector
	classifier  *connection.Classifier
	session     *proxy.Session
	onChange    StateChangeCallback
}

// New creates a client from the configuration. Pass clock.New() in
// production and clock.NewMock() in tests.
func New(cfg config.Config, clk clock.Clock) *Client {
	c := &Client{
		cfg:        cfg,
		clock:      clk,
		transport:  transport.NewRelayTransport(),
		machine:    connection.NewStateMachine(),
		backoff:    connection.NewBackoff(cfg.Backoff()),
		classifier: connection.NewClassifier(),
		session:    proxy.NewSession(),
	}
	c.reconnector = connection.NewReconnector(clk, c.backoff, c.machine)

	c.machine.OnStateChange(c.handleStateChange)
	c.transport.OnStatus(c.handleTransportLoss)
	c.transport.RegisterHandler(protocol.TypeProxyConfig, c.handleProxyConfig)
	c.transport.RegisterHandler(protocol.TypeProxyConnect, c.handleProxyConnect)
	c.transport.RegisterHandler(protocol.TypeProxyConnectReply, c.handleProxyConnectReply)
	c.transport.RegisterHandler(protocol.TypeProxyData, c.handleProxyData)
	c.transport.RegisterHandler(protocol.TypeProxyDisconnect, c.handleProxyDisconnect)

	return c
}

// Session returns the proxy session manager for callback registration and
// connection-table queries.
func (c *Client) Session() *proxy.Session {
	return c.session
}

// StateMachine exposes the lifecycle state machine.
func (c *Client) StateMachine() *connection.StateMachine {
	return c.machine
}

// Classifier exposes the failure classifier.
func (c *Client) Classifier() *connection.Classifier {
	return c.classifier
}

// OnStateChange registers a callback observing lifecycle transitions in
// addition to the client's internal handling.
func (c *Client) OnStateChange(cb StateChangeCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = cb
}

// State returns the current lifecycle state.
func (c *Client) State() connection.State {
	return c.machine.State()
}

// Connect starts the session: dials the relay, and on success begins the
// handshake. A dial failure enters backoff and schedules a retry.
func (c *Client) Connect(ctx context.Context) error {
	if out := c.machine.ProcessEvent(connection.EventConnect); out != connection.OutcomeSuccess {
		logrus.WithFields(logrus.Fields{
			"state":   c.machine.State().String(),
			"outcome": out.String(),
		}).Warn("Connect request ignored")
		return nil
	}

	c.classifier.SetPhase(connection.PhaseSetup)
	return c.dial(ctx)
}

func (c *Client) dial(ctx context.Context) error {
	err := c.transport.Connect(ctx, c.cfg.RelayAddr)
	if err != nil {
		c.machine.ProcessEvent(connection.EventConnectFailed)
		return err
	}

	c.machine.ProcessEvent(connection.EventConnectSuccess)
	c.machine.ProcessEvent(connection.EventHandshakeStarted)
	c.transport.Start()
	return nil
}

// Disconnect ends the session from the local side. It cancels any pending
// backoff timer, closes the transport and resets the proxy session.
func (c *Client) Disconnect() {
	c.reconnector.Cancel()

	switch c.machine.State() {
	case connection.StateReady:
		c.machine.ProcessEvent(connection.EventDisconnect)
		c.transport.Close()
		c.machine.ProcessEvent(connection.EventConnectionLost)
	case connection.StateBackoff, connection.StateError:
		c.machine.ProcessEvent(connection.EventDisconnect)
	case connection.StateDisconnected:
		c.machine.ProcessEvent(connection.EventDisconnect) // AlreadyInState no-op
	default:
		// Mid-connect or mid-handshake: drop the socket, let the loss
		// transition reach Backoff, then leave through Backoff's
		// Disconnect edge.
		c.transport.Close()
		c.machine.ProcessEvent(connection.EventConnectionLost)
		c.reconnector.Cancel()
		c.machine.ProcessEvent(connection.EventDisconnect)
	}

	c.session.Reset()
	c.classifier.SetPhase(connection.PhaseNone)
	c.backoff.Reset()
}

// SendProxyConnect asks the relay to open a virtual connection.
func (c *Client) SendProxyConnect(info protocol.ProxyInfo) error {
	req := protocol.ProxyConnectRequest{Info: info}
	return c.transport.Send(protocol.TypeProxyConnect, req.Marshal())
}

// SendProxyData tunnels one payload to a virtual peer.
func (c *Client) SendProxyData(info protocol.ProxyInfo, payload []byte) error {
	return c.transport.SendProxyData(info, payload)
}

// SendProxyDisconnect closes a virtual connection with a reason.
func (c *Client) SendProxyDisconnect(info protocol.ProxyInfo, reason protocol.DisconnectReason) error {
	msg := protocol.ProxyDisconnectMessage{Info: info, Reason: reason}
	return c.transport.Send(protocol.TypeProxyDisconnect, msg.Marshal())
}

// handleStateChange reacts to lifecycle transitions: arming the
// reconnector on backoff entry, resetting it on ready, and re-dialing
// when a backoff period expires.
func (c *Client) handleStateChange(old, new connection.State, event connection.Event) {
	switch new {
	case connection.StateBackoff:
		if !c.reconnector.Arm(c.clock.Now().UnixNano()) {
			c.classifier.SetPhase(connection.PhaseError)
			c.machine.ProcessEvent(connection.EventFatalError)
		}

	case connection.StateReady:
		c.reconnector.Reset()
		c.classifier.SetPhase(connection.PhaseActive)

	case connection.StateRetrying:
		if c.classifier.CanRecover() {
			c.classifier.ResetError()
		}
		c.classifier.SetPhase(connection.PhaseSetup)
		go c.redial()
	}

	c.mu.Lock()
	cb := c.onChange
	c.mu.Unlock()
	if cb != nil {
		cb(old, new, event)
	}
}

// redial runs one reconnection attempt from StateRetrying.
func (c *Client) redial() {
	err := c.transport.Connect(context.Background(), c.cfg.RelayAddr)
	if err != nil {
		c.machine.ProcessEvent(connection.EventConnectFailed)
		return
	}
	c.machine.ProcessEvent(connection.EventConnectSuccess)
	c.machine.ProcessEvent(connection.EventHandshakeStarted)
	c.transport.Start()
}

// handleTransportLoss feeds a dropped relay connection through the
// classifier and the state machine.
func (c *Client) handleTransportLoss(err error) {
	retry := c.classifier.HandleConnectionLoss()

	switch c.machine.State() {
	case connection.StateDisconnecting:
		c.machine.ProcessEvent(connection.EventConnectionLost)
		return
	case connection.StateDisconnected:
		return
	}

	if !retry && !c.classifier.CanRecover() && c.classifier.Phase() == connection.PhaseError {
		// Terminal failure: surface the error state, no automatic retry.
		c.machine.ProcessEvent(connection.EventFatalError)
		c.session.Reset()
		return
	}

	c.machine.ProcessEvent(connection.EventConnectionLost)
}

// handleProxyConfig decodes virtual-network addressing. Receiving it
// completes the handshake when one is in progress.
func (c *Client) handleProxyConfig(hdr *protocol.Header, payload []byte) {
	var cfg protocol.ProxyConfig
	if err := cfg.Unmarshal(payload); err != nil {
		logrus.WithFields(logrus.Fields{
			"error": err.Error(),
		}).Warn("Malformed ProxyConfig record")
		return
	}

	if c.machine.State() == connection.StateHandshaking {
		c.machine.ProcessEvent(connection.EventHandshakeSuccess)
	}
	c.session.HandleConfig(hdr, cfg)
}

func (c *Client) handleProxyConnect(hdr *protocol.Header, payload []byte) {
	if c.machine.State() != connection.StateReady {
		return
	}
	var req protocol.ProxyConnectRequest
	if err := req.Unmarshal(payload); err != nil {
		logrus.WithFields(logrus.Fields{
			"error": err.Error(),
		}).Warn("Malformed ProxyConnect record")
		return
	}
	c.session.HandleConnect(hdr, req)
}

func (c *Client) handleProxyConnectReply(hdr *protocol.Header, payload []byte) {
	if c.machine.State() != connection.StateReady {
		return
	}
	var resp protocol.ProxyConnectResponse
	if err := resp.Unmarshal(payload); err != nil {
		logrus.WithFields(logrus.Fields{
			"error": err.Error(),
		}).Warn("Malformed ProxyConnectReply record")
		return
	}
	c.session.HandleConnectReply(hdr, resp)
}

func (c *Client) handleProxyData(hdr *protocol.Header, payload []byte) {
	if c.machine.State() != connection.StateReady {
		return
	}
	var dataHdr protocol.ProxyDataHeader
	if err := dataHdr.Unmarshal(payload); err != nil {
		logrus.WithFields(logrus.Fields{
			"error": err.Error(),
		}).Warn("Malformed ProxyData record")
		return
	}

	body := payload[protocol.ProxyDataHeaderSize:]
	if uint32(len(body)) > dataHdr.DataLength {
		body = body[:dataHdr.DataLength]
	}
	c.session.HandleData(hdr, dataHdr, body)
}

func (c *Client) handleProxyDisconnect(hdr *protocol.Header, payload []byte) {
	if c.machine.State() != connection.StateReady {
		return
	}
	var msg protocol.ProxyDisconnectMessage
	if err := msg.Unmarshal(payload); err != nil {
		logrus.WithFields(logrus.Fields{
			"error": err.Error(),
		}).Warn("Malformed ProxyDisconnect record")
		return
	}
	c.session.HandleDisconnect(hdr, msg)
}
