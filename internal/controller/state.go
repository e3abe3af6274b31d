package controller

import "zwave-go-home/internal/serialapi"

// StateKind names the live inclusion state.
type StateKind string

const (
	StateIdle                StateKind = "idle"
	StateIncluding           StateKind = "including"
	StateExcluding           StateKind = "excluding"
	StateBusy                StateKind = "busy"
	StateSmartStartListening StateKind = "smart_start_listening"
)

// state is the inclusion state machine. Each variant carries the data that
// only exists while it is live.
type state interface {
	kind() StateKind
}

type idleState struct{}

type listeningState struct{}

// includingState covers plain inclusion and replacing a failed node
// (replacing != 0).
type includingState struct {
	opts      InclusionOptions
	replacing uint16
	pending   *pendingNode
}

type excludingState struct {
	opts   ExclusionOptions
	nodeID uint16
}

// busyState holds the lock while a found node is bootstrapped and
// interviewed.
type busyState struct {
	nodeID uint16
	reason string
}

func (idleState) kind() StateKind      { return StateIdle }
func (listeningState) kind() StateKind { return StateSmartStartListening }
func (includingState) kind() StateKind { return StateIncluding }
func (excludingState) kind() StateKind { return StateExcluding }
func (busyState) kind() StateKind      { return StateBusy }

// pendingNode is a node the radio reported but that is not yet committed.
type pendingNode struct {
	id           uint16
	info         *serialapi.NodeInfo
	isController bool
}

// canStart reports whether a new operation may take over from s.
func canStart(s state) bool {
	switch s.(type) {
	case idleState, listeningState:
		return true
	}
	return false
}
