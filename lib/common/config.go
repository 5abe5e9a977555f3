package common

import (
	"fmt"
	"strconv"
	"strings"
)

// --------------------------------------------------------------------------
// Node configuration struct
// --------------------------------------------------------------------------

// PeerConfig identifies one remote node of the mesh
type PeerConfig struct {
	ID   uint32
	Host string
	Port int
}

// NodeConfig holds all configuration parameters for a single driftKV node.
type NodeConfig struct {
	// NodeID uniquely identifies this process in the cluster (required)
	NodeID uint32

	// Storage parameters
	WALPath string
	Shards  uint32

	// Mesh parameters
	MeshPort           int
	Peers              []PeerConfig
	SimulatedLatencyMs uint32

	// Anti-entropy parameters
	SyncIntervalMs uint32

	// HTTP api settings
	Endpoint string

	// Logging configuration
	LogLevel string
}

// Validate checks the configuration for fatal mistakes before startup
func (c *NodeConfig) Validate() error {
	if c.NodeID == 0 {
		return fmt.Errorf("node-id is required and must be non-zero")
	}
	if c.WALPath == "" {
		return fmt.Errorf("wal-path must not be empty")
	}
	if c.Shards == 0 {
		return fmt.Errorf("shards must be at least 1")
	}
	for _, p := range c.Peers {
		if p.ID == c.NodeID {
			return fmt.Errorf("peer %d duplicates the local node id", p.ID)
		}
	}
	return nil
}

// ParsePeers parses the peer list flag. Format: "id:host:port,id:host:port"
func ParsePeers(s string) ([]PeerConfig, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	var peers []PeerConfig
	for _, part := range strings.Split(s, ",") {
		fields := strings.Split(strings.TrimSpace(part), ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("invalid peer %q (expected id:host:port)", part)
		}

		id, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid peer id %q: %v", fields[0], err)
		}

		port, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("invalid peer port %q: %v", fields[2], err)
		}

		peers = append(peers, PeerConfig{ID: uint32(id), Host: fields[1], Port: port})
	}
	return peers, nil
}

// String returns a formatted string representation of the configuration
func (c *NodeConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// Node identity
	addSection("Node Identity")
	addField("Node ID", strconv.FormatUint(uint64(c.NodeID), 10))

	// Storage
	addSection("Storage")
	addField("WAL Path", c.WALPath)
	addField("Shards", strconv.FormatUint(uint64(c.Shards), 10))

	// Mesh
	addSection("Mesh")
	addField("Mesh Port", strconv.Itoa(c.MeshPort))
	if c.SimulatedLatencyMs > 0 {
		addField("Simulated Latency", fmt.Sprintf("%d ms", c.SimulatedLatencyMs))
	}
	if len(c.Peers) == 0 {
		addField("Peers", "(none)")
	}
	for _, p := range c.Peers {
		addField(fmt.Sprintf("Peer %d", p.ID), fmt.Sprintf("%s:%d", p.Host, p.Port))
	}

	// Anti-entropy
	addSection("Anti-Entropy")
	addField("Sync Interval", fmt.Sprintf("%d ms", c.SyncIntervalMs))

	// HTTP api
	addSection("HTTP API")
	addField("Endpoint", c.Endpoint)

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}
