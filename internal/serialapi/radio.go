// Package serialapi defines the interface to the Z-Wave controller chip and
// a backend that speaks the Z-Wave Serial API over a serial port.
package serialapi

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrClosed           = errors.New("serialapi: radio closed")
	ErrCallbackNotOK    = errors.New("serialapi: command not accepted by controller")
	ErrNodeInfoFailed   = errors.New("serialapi: node info request failed")
	ErrTransmitFailed   = errors.New("serialapi: transmission failed")
	ErrRetriesExhausted = errors.New("serialapi: no ACK after retries")
)

// Radio is the controller chip as seen by the host. Status callbacks are
// delivered on the radio's read goroutine; handlers must not block on
// further radio requests.
type Radio interface {
	// Inclusion
	AddNode(ctx context.Context, mode AddNodeMode, flags AddNodeFlags) error
	AddNodeDSK(ctx context.Context, req SmartStartInclusion) error
	StopAddNode(ctx context.Context) error
	SetSmartStartListen(ctx context.Context, enabled bool) error

	// Exclusion
	RemoveNode(ctx context.Context, flags AddNodeFlags) error
	StopRemoveNode(ctx context.Context) error

	// Failed nodes
	IsFailedNode(ctx context.Context, nodeID uint16) (bool, error)
	ReplaceFailedNode(ctx context.Context, nodeID uint16) error
	RemoveFailedNode(ctx context.Context, nodeID uint16) error

	RequestNodeInfo(ctx context.Context, nodeID uint16) (*NodeInfo, error)
	SendData(ctx context.Context, nodeID uint16, payload []byte) error

	// Callbacks
	OnAddNodeStatus(handler func(AddNodeStatusEvent))
	OnRemoveNodeStatus(handler func(RemoveNodeStatusEvent))
	OnReplaceNodeStatus(handler func(ReplaceNodeStatusEvent))
	OnApplicationCommand(handler func(ApplicationCommandEvent))
	OnApplicationUpdate(handler func(ApplicationUpdateEvent))

	Close() error
}

// AddNodeMode selects what AddNode starts.
type AddNodeMode uint8

const (
	AddNodeAny              AddNodeMode = 0x01
	AddNodeController       AddNodeMode = 0x02
	AddNodeSlave            AddNodeMode = 0x03
	AddNodeExisting         AddNodeMode = 0x04
	AddNodeStop             AddNodeMode = 0x05
	AddNodeStopFailed       AddNodeMode = 0x06
	AddNodeSmartStartDSK    AddNodeMode = 0x08
	AddNodeSmartStartListen AddNodeMode = 0x09
)

// AddNodeFlags are OR-ed into the mode byte.
type AddNodeFlags uint8

const (
	FlagHighPower   AddNodeFlags = 0x80
	FlagNetworkWide AddNodeFlags = 0x40
)

// AddNodeStatus is the status byte of an AddNode callback.
type AddNodeStatus uint8

const (
	AddNodeStatusReady            AddNodeStatus = 0x01
	AddNodeStatusNodeFound        AddNodeStatus = 0x02
	AddNodeStatusAddingSlave      AddNodeStatus = 0x03
	AddNodeStatusAddingController AddNodeStatus = 0x04
	AddNodeStatusProtocolDone     AddNodeStatus = 0x05
	AddNodeStatusDone             AddNodeStatus = 0x06
	AddNodeStatusFailed           AddNodeStatus = 0x07
	AddNodeStatusNotPrimary       AddNodeStatus = 0x23
)

func (s AddNodeStatus) String() string {
	switch s {
	case AddNodeStatusReady:
		return "Ready"
	case AddNodeStatusNodeFound:
		return "NodeFound"
	case AddNodeStatusAddingSlave:
		return "AddingSlave"
	case AddNodeStatusAddingController:
		return "AddingController"
	case AddNodeStatusProtocolDone:
		return "ProtocolDone"
	case AddNodeStatusDone:
		return "Done"
	case AddNodeStatusFailed:
		return "Failed"
	case AddNodeStatusNotPrimary:
		return "NotPrimary"
	}
	return fmt.Sprintf("AddNodeStatus(0x%02X)", uint8(s))
}

// RemoveNodeStatus is the status byte of a RemoveNode callback.
type RemoveNodeStatus uint8

const (
	RemoveNodeStatusReady              RemoveNodeStatus = 0x01
	RemoveNodeStatusNodeFound          RemoveNodeStatus = 0x02
	RemoveNodeStatusRemovingSlave      RemoveNodeStatus = 0x03
	RemoveNodeStatusRemovingController RemoveNodeStatus = 0x04
	RemoveNodeStatusDone               RemoveNodeStatus = 0x06
	RemoveNodeStatusFailed             RemoveNodeStatus = 0x07
)

func (s RemoveNodeStatus) String() string {
	switch s {
	case RemoveNodeStatusReady:
		return "Ready"
	case RemoveNodeStatusNodeFound:
		return "NodeFound"
	case RemoveNodeStatusRemovingSlave:
		return "RemovingSlave"
	case RemoveNodeStatusRemovingController:
		return "RemovingController"
	case RemoveNodeStatusDone:
		return "Done"
	case RemoveNodeStatusFailed:
		return "Failed"
	}
	return fmt.Sprintf("RemoveNodeStatus(0x%02X)", uint8(s))
}

// ReplaceNodeStatus is the status byte of a ReplaceFailedNode callback.
type ReplaceNodeStatus uint8

const (
	ReplaceStatusNodeOK ReplaceNodeStatus = 0x00
	ReplaceStatusReady  ReplaceNodeStatus = 0x03
	ReplaceStatusDone   ReplaceNodeStatus = 0x04
	ReplaceStatusFailed ReplaceNodeStatus = 0x05
)

func (s ReplaceNodeStatus) String() string {
	switch s {
	case ReplaceStatusNodeOK:
		return "NodeOK"
	case ReplaceStatusReady:
		return "FailedNodeReplace"
	case ReplaceStatusDone:
		return "FailedNodeReplaceDone"
	case ReplaceStatusFailed:
		return "FailedNodeReplaceFailed"
	}
	return fmt.Sprintf("ReplaceNodeStatus(0x%02X)", uint8(s))
}

// UpdateKind is the status byte of an ApplicationUpdate.
type UpdateKind uint8

const (
	UpdateNodeInfoRequestFailed UpdateKind = 0x81
	UpdateNodeInfoReceived      UpdateKind = 0x84
	UpdateSmartStartHomeID      UpdateKind = 0x85
	UpdateIncludedNodeInfo      UpdateKind = 0x86
	UpdateSmartStartLRHomeID    UpdateKind = 0x87
	UpdateNodeAdded             UpdateKind = 0x40
	UpdateNodeRemoved           UpdateKind = 0x20
)

// NodeInfo is a node information frame as reported by the chip.
type NodeInfo struct {
	Basic        uint8   `json:"basic"`
	Generic      uint8   `json:"generic"`
	Specific     uint8   `json:"specific"`
	SupportedCCs []uint8 `json:"supported_ccs"`
}

// Supports reports whether the NIF lists command class ccID.
func (ni *NodeInfo) Supports(ccID uint8) bool {
	if ni == nil {
		return false
	}
	for _, c := range ni.SupportedCCs {
		if c == ccID {
			return true
		}
	}
	return false
}

// SmartStartInclusion starts inclusion of one provisioned node.
type SmartStartInclusion struct {
	NWIHomeID  [4]byte
	AuthHomeID [4]byte
	LongRange  bool
}

type AddNodeStatusEvent struct {
	Status AddNodeStatus
	NodeID uint16
	Info   *NodeInfo
}

type RemoveNodeStatusEvent struct {
	Status RemoveNodeStatus
	NodeID uint16
}

type ReplaceNodeStatusEvent struct {
	Status ReplaceNodeStatus
	NodeID uint16
}

// ApplicationCommandEvent is an application payload received from a node.
type ApplicationCommandEvent struct {
	NodeID  uint16
	Payload []byte
}

// ApplicationUpdateEvent carries node-info and SmartStart announcements.
// NWIHomeID is only set for the SmartStart kinds.
type ApplicationUpdateEvent struct {
	Kind      UpdateKind
	NodeID    uint16
	NWIHomeID [4]byte
	Info      *NodeInfo
}
