// Package portmap negotiates an externally reachable port through a UPnP
// internet gateway and keeps the mapping's lease alive.
//
// The core treats the resulting (ip, port) pair as opaque configuration;
// this package only has to produce it and renew it on schedule.
package portmap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/sirupsen/logrus"

	"github.com/nxldn/ldntunnel/protocol"
)

var (
	ErrNoGateway   = errors.New("portmap: no UPnP gateway found")
	ErrNoFreePort  = errors.New("portmap: no free port in range")
	ErrNotMapped   = errors.New("portmap: no active mapping")
	ErrAlreadyOpen = errors.New("portmap: mapping already active")
)

const mappingDescription = "ldntunnel"

// igdClient is the slice of WANIPConnection1 the mapper needs, split out
// so tests can substitute a fake gateway.
type igdClient interface {
	AddPortMapping(remoteHost string, externalPort uint16, protocol string,
		internalPort uint16, internalClient string, enabled bool,
		description string, leaseDuration uint32) error
	DeletePortMapping(remoteHost string, externalPort uint16, protocol string) error
	GetExternalIPAddress() (string, error)
}

// discoverIGD finds a WANIPConnection1 client on the local network. A
// variable so tests can stub discovery out.
var discoverIGD = func(ctx context.Context) (igdClient, error) {
	clients, _, err := internetgateway1.NewWANIPConnection1ClientsCtx(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoGateway, err)
	}
	if len(clients) == 0 {
		return nil, ErrNoGateway
	}
	return clients[0], nil
}

// Mapper owns one UPnP port mapping in the 39990-39999 range and renews
// it every 50 seconds until closed.
type Mapper struct {
	mu           sync.Mutex
	clock        clock.Clock
	client       igdClient
	internalIP   string
	externalIP   string
	externalPort uint16
	ticker       *clock.Ticker
	stop         chan struct{}
	active       bool
}

// NewMapper creates a mapper that will announce internalIP as the mapping
// target. Pass clock.New() in production and clock.NewMock() in tests.
func NewMapper(clk clock.Clock, internalIP string) *Mapper {
	return &Mapper{
		clock:      clk,
		internalIP: internalIP,
	}
}

// Open discovers the gateway, claims the first free port in the interop
// range with the 60 second lease and starts the renewal loop.
func (m *Mapper) Open(ctx context.Context) error {
	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return ErrAlreadyOpen
	}
	m.mu.Unlock()

	discoverCtx, cancel := context.WithTimeout(ctx, protocol.UPnPDiscoveryTimeout)
	defer cancel()

	client, err := discoverIGD(discoverCtx)
	if err != nil {
		return err
	}

	port, err := claimPort(client, m.internalIP)
	if err != nil {
		return err
	}

	extIP, err := client.GetExternalIPAddress()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"error": err.Error(),
		}).Warn("Gateway did not report an external address")
	}

	m.mu.Lock()
	m.client = client
	m.externalPort = port
	m.externalIP = extIP
	m.stop = make(chan struct{})
	m.ticker = m.clock.Ticker(protocol.PortLeaseRenewal)
	m.active = true
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"external_ip":   extIP,
		"external_port": port,
		"lease":         protocol.PortLeaseDuration,
	}).Info("Port mapping established")

	go m.renewLoop()
	return nil
}

// claimPort tries each port in 39990-39999 until one maps.
func claimPort(client igdClient, internalIP string) (uint16, error) {
	for i := 0; i < protocol.PortRange; i++ {
		port := uint16(protocol.PortBase + i)
		err := client.AddPortMapping("", port, "TCP", port, internalIP, true,
			mappingDescription, uint32(protocol.PortLeaseDuration.Seconds()))
		if err == nil {
			return port, nil
		}
		logrus.WithFields(logrus.Fields{
			"port":  port,
			"error": err.Error(),
		}).Debug("Port mapping attempt failed")
	}
	return 0, ErrNoFreePort
}

// ExternalAddr returns the mapped (ip, port) pair.
func (m *Mapper) ExternalAddr() (string, uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return "", 0, ErrNotMapped
	}
	return m.externalIP, m.externalPort, nil
}

// Close deletes the mapping and stops the renewal loop.
func (m *Mapper) Close() error {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return nil
	}
	m.active = false
	m.ticker.Stop()
	close(m.stop)
	client := m.client
	port := m.externalPort
	m.mu.Unlock()

	if err := client.DeletePortMapping("", port, "TCP"); err != nil {
		logrus.WithFields(logrus.Fields{
			"port":  port,
			"error": err.Error(),
		}).Warn("Failed to delete port mapping")
		return err
	}
	return nil
}

// renewLoop re-adds the mapping every renewal interval, keeping a 10
// second margin before the 60 second lease lapses.
func (m *Mapper) renewLoop() {
	for {
		m.mu.Lock()
		ticker := m.ticker
		stop := m.stop
		m.mu.Unlock()

		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		client := m.client
		port := m.externalPort
		active := m.active
		m.mu.Unlock()

		if !active {
			return
		}

		err := client.AddPortMapping("", port, "TCP", port, m.internalIP, true,
			mappingDescription, uint32(protocol.PortLeaseDuration.Seconds()))
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"port":  port,
				"error": err.Error(),
			}).Warn("Port mapping renewal failed")
			continue
		}
		logrus.WithFields(logrus.Fields{
			"port": port,
		}).Debug("Port mapping renewed")
	}
}
