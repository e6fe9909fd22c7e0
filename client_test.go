package ldntunnel

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nxldn/ldntunnel/config"
	"github.com/nxldn/ldntunnel/connection"
	"github.com/nxldn/ldntunnel/protocol"
)

// fakeRelay accepts connections and immediately assigns proxy addressing,
// which is what a client needs to finish its handshake.
type fakeRelay struct {
	listener net.Listener

	mu    sync.Mutex
	conns []net.Conn
}

func startFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	r := &fakeRelay{listener: listener}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			cfg := protocol.ProxyConfig{
				ProxyIP:    0x0A0D0001,
				SubnetMask: protocol.SubnetMask,
			}
			conn.Write(protocol.EncodeFrame(protocol.TypeProxyConfig, cfg.Marshal()))

			r.mu.Lock()
			r.conns = append(r.conns, conn)
			r.mu.Unlock()
		}
	}()

	t.Cleanup(func() {
		listener.Close()
		r.mu.Lock()
		for _, c := range r.conns {
			c.Close()
		}
		r.mu.Unlock()
	})
	return r
}

func (r *fakeRelay) addr() string {
	return r.listener.Addr().String()
}

func (r *fakeRelay) conn(t *testing.T, i int) net.Conn {
	t.Helper()
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.conns) > i
	}, time.Second, 5*time.Millisecond)

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[i]
}

func testConfig(addr string) config.Config {
	cfg := config.Default()
	cfg.RelayAddr = addr
	cfg.Reconnect.JitterPercent = 0 // deterministic delays for mock clocks
	return cfg
}

func waitState(t *testing.T, c *Client, want connection.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.State() == want
	}, time.Second, 5*time.Millisecond, "expected state %s, got %s", want, c.State())
}

// TestClientConnectFlow: a clean connect lands in Ready with addressing
// configured and a zero retry count.
func TestClientConnectFlow(t *testing.T) {
	relay := startFakeRelay(t)
	c := New(testConfig(relay.addr()), clock.NewMock())
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background()))
	waitState(t, c, connection.StateReady)

	assert.Equal(t, uint32(0), c.StateMachine().RetryCount())
	assert.Equal(t, connection.PhaseActive, c.Classifier().Phase())

	require.Eventually(t, func() bool {
		return c.Session().IsConfigured()
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint32(0x0A0D0001), c.Session().ProxyIP())
}

// TestClientProxyRecords: connect/data/disconnect records from the relay
// drive the session table and callbacks once Ready.
func TestClientProxyRecords(t *testing.T) {
	relay := startFakeRelay(t)
	c := New(testConfig(relay.addr()), clock.NewMock())
	defer c.Disconnect()

	type delivery struct {
		info    protocol.ProxyInfo
		payload []byte
	}
	data := make(chan delivery, 1)
	c.Session().OnData(func(info protocol.ProxyInfo, payload []byte) {
		data <- delivery{info, append([]byte(nil), payload...)}
	})

	require.NoError(t, c.Connect(context.Background()))
	waitState(t, c, connection.StateReady)
	conn := relay.conn(t, 0)

	info := protocol.ProxyInfo{
		SourceIP: 0x0A0D0002, DestIP: 0x0A0D0001,
		SourcePort: 40000, DestPort: 40001,
		Protocol: protocol.ProtocolUDP,
	}

	req := protocol.ProxyConnectRequest{Info: info}
	_, err := conn.Write(protocol.EncodeFrame(protocol.TypeProxyConnect, req.Marshal()))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return c.Session().HasConnection(info)
	}, time.Second, 5*time.Millisecond)

	payload := []byte{1, 2, 3, 4}
	dataHdr := protocol.ProxyDataHeader{Info: info, DataLength: uint32(len(payload))}
	frame := append(dataHdr.Marshal(), payload...)
	_, err = conn.Write(protocol.EncodeFrame(protocol.TypeProxyData, frame))
	require.NoError(t, err)

	select {
	case d := <-data:
		assert.Equal(t, info, d.info)
		assert.Equal(t, payload, d.payload)
	case <-time.After(time.Second):
		t.Fatal("data callback was not invoked")
	}

	msg := protocol.ProxyDisconnectMessage{Info: info, Reason: protocol.DisconnectUser}
	_, err = conn.Write(protocol.EncodeFrame(protocol.TypeProxyDisconnect, msg.Marshal()))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return c.Session().ConnectionCount() == 0
	}, time.Second, 5*time.Millisecond)
}

// TestClientDialFailureEntersBackoff: a refused dial enters Backoff and a
// timer expiry drives one retry attempt.
func TestClientDialFailureEntersBackoff(t *testing.T) {
	// Claim a port, then close it so the dial is refused.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	listener.Close()

	mock := clock.NewMock()
	c := New(testConfig(addr), mock)
	defer c.Disconnect()

	require.Error(t, c.Connect(context.Background()))
	assert.Equal(t, connection.StateBackoff, c.State())

	// First failure: 2s delay with jitter disabled.
	mock.Add(2 * time.Second)
	require.Eventually(t, func() bool {
		return c.StateMachine().RetryCount() >= 1
	}, time.Second, 5*time.Millisecond)

	// The retry dial fails too, landing back in Backoff.
	waitState(t, c, connection.StateBackoff)
}

// TestClientRecoversAfterLoss: dropping the relay connection while Ready
// schedules a reconnect that succeeds.
func TestClientRecoversAfterLoss(t *testing.T) {
	relay := startFakeRelay(t)
	mock := clock.NewMock()
	c := New(testConfig(relay.addr()), mock)
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background()))
	waitState(t, c, connection.StateReady)

	relay.conn(t, 0).Close()
	waitState(t, c, connection.StateBackoff)

	// The timer is armed on the read-loop goroutine, so advance the
	// clock in steps until the retry lands.
	require.Eventually(t, func() bool {
		mock.Add(500 * time.Millisecond)
		return c.State() == connection.StateReady
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint32(0), c.StateMachine().RetryCount(),
		"reaching Ready must reset the retry count")
}

// TestClientDisconnectFromReady tears the session down cleanly.
func TestClientDisconnectFromReady(t *testing.T) {
	relay := startFakeRelay(t)
	c := New(testConfig(relay.addr()), clock.NewMock())

	require.NoError(t, c.Connect(context.Background()))
	waitState(t, c, connection.StateReady)

	c.Disconnect()
	assert.Equal(t, connection.StateDisconnected, c.State())
	assert.False(t, c.Session().IsConfigured())
	assert.Equal(t, 0, c.Session().ConnectionCount())
}

// TestClientDisconnectCancelsBackoff: Disconnect during Backoff aborts
// the pending retry for good.
func TestClientDisconnectCancelsBackoff(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	listener.Close()

	mock := clock.NewMock()
	c := New(testConfig(addr), mock)

	require.Error(t, c.Connect(context.Background()))
	require.Equal(t, connection.StateBackoff, c.State())

	c.Disconnect()
	assert.Equal(t, connection.StateDisconnected, c.State())

	mock.Add(time.Hour)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, connection.StateDisconnected, c.State())
}

// TestClientStateChangeCallback re-exports lifecycle transitions.
func TestClientStateChangeCallback(t *testing.T) {
	relay := startFakeRelay(t)
	c := New(testConfig(relay.addr()), clock.NewMock())
	defer c.Disconnect()

	var mu sync.Mutex
	var seen []connection.State
	c.OnStateChange(func(_, next connection.State, _ connection.Event) {
		mu.Lock()
		seen = append(seen, next)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	waitState(t, c, connection.StateReady)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []connection.State{
		connection.StateConnecting,
		connection.StateConnected,
		connection.StateHandshaking,
		connection.StateReady,
	}, seen)
}
