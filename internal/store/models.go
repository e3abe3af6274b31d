package store

import (
	"time"

	"zwave-go-home/internal/bootstrap"
	"zwave-go-home/internal/security"
)

// Node is a Z-Wave node known to the controller.
type Node struct {
	ID           uint16  `json:"id"`
	FriendlyName string  `json:"friendly_name,omitempty"`
	Basic        uint8   `json:"basic"`
	Generic      uint8   `json:"generic"`
	Specific     uint8   `json:"specific"`
	SupportedCCs []uint8 `json:"supported_ccs,omitempty"`
	IsController bool    `json:"is_controller"`

	// Grants is nil until security bootstrapping has finished or been
	// skipped.
	Grants *security.Grants `json:"security_classes,omitempty"`
	DSK    string           `json:"dsk,omitempty"`

	// LowSecurity is set when the node was included with fewer classes
	// than it requested.
	LowSecurity       bool                    `json:"low_security"`
	LowSecurityReason bootstrap.FailureReason `json:"low_security_reason,omitempty"`

	Interviewed bool      `json:"interviewed"`
	AddedAt     time.Time `json:"added_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// HighestClass returns the strongest granted class, or ClassNone.
func (n *Node) HighestClass() security.Class {
	if n.Grants == nil {
		return security.ClassNone
	}
	return n.Grants.Highest()
}

// NetworkState is what the controller learned about its own network.
type NetworkState struct {
	HomeID    uint32    `json:"home_id"`
	OwnNodeID uint16    `json:"own_node_id"`
	UpdatedAt time.Time `json:"updated_at"`
}
