package protocol

import "time"

// Port and timing constants shared with the relay server and the UPnP
// port-mapping layer. Interop contract.
const (
	// PortBase is the first port used for peer reachability mappings.
	PortBase = 39990

	// PortRange is the number of candidate ports starting at PortBase,
	// covering 39990-39999.
	PortRange = 10

	// UPnPDiscoveryTimeout bounds gateway discovery.
	UPnPDiscoveryTimeout = 2500 * time.Millisecond

	// PortLeaseDuration is the lifetime requested for each port mapping.
	PortLeaseDuration = 60 * time.Second

	// PortLeaseRenewal is how often mappings are refreshed, leaving a
	// 10 second margin before the lease expires.
	PortLeaseRenewal = 50 * time.Second

	// SubnetMask is the /16 mask of the virtual network.
	SubnetMask uint32 = 0xFFFF0000
)
