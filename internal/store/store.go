// Package store persists nodes, the provisioning list and network state.
package store

import (
	"errors"

	"zwave-go-home/internal/provisioning"
)

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	SaveNode(n *Node) error
	GetNode(id uint16) (*Node, error)
	DeleteNode(id uint16) error
	ListNodes() ([]*Node, error)

	// UpdateNode reads, modifies and saves a node in one transaction.
	// Returns ErrNotFound if the node does not exist.
	UpdateNode(id uint16, fn func(n *Node) error) error

	provisioning.Backend

	SaveNetworkState(state *NetworkState) error
	GetNetworkState() (*NetworkState, error)

	Close() error
}
