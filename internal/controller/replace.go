package controller

import (
	"context"
	"time"

	"zwave-go-home/internal/cc"
	"zwave-go-home/internal/serialapi"
	"zwave-go-home/internal/store"
)

// ReplaceFailedNode swaps a dead node for a new device that takes over its
// node ID. The node must be marked failed by the chip. It returns false
// when another operation is active. A SmartStart strategy is treated as
// SecurityS2.
func (c *Controller) ReplaceFailedNode(ctx context.Context, nodeID uint16, opts InclusionOptions) (bool, error) {
	if opts.Strategy == StrategySmartStart {
		opts.Strategy = StrategySecurityS2
	}
	if c.cfg.Insecure && opts.Strategy.secure() {
		return false, &OperationError{Op: "replace failed node", Err: ErrNoSecureTransport}
	}

	c.modeMu.Lock()
	defer c.modeMu.Unlock()

	prev, ok := c.transition(canStart, includingState{opts: opts, replacing: nodeID})
	if !ok {
		c.logger.Info("replace rejected", "state", prev.kind())
		return false, nil
	}
	attempt := c.newAttempt()
	c.leaveListening(ctx, prev)

	fail := func(err error) (bool, error) {
		c.logger.Error("replace failed node", "node", nodeID, "err", err)
		c.transition(nil, idleState{})
		c.emit(attempt, EventInclusionFailed, FailedData{Error: err.Error()})
		c.post(c.evaluateSmartStart)
		return false, &OperationError{Op: "replace failed node", Err: err}
	}

	failed, err := c.radio.IsFailedNode(ctx, nodeID)
	if err != nil {
		return fail(err)
	}
	if !failed {
		return fail(ErrNodeNotFailed)
	}
	if err := c.radio.ReplaceFailedNode(ctx, nodeID); err != nil {
		return fail(err)
	}

	c.logger.Info("replacing failed node", "node", nodeID, "strategy", opts.Strategy)
	c.emit(attempt, EventInclusionStarted, StartedData{Strategy: opts.Strategy.String(), NodeID: nodeID})
	return true, nil
}

func (c *Controller) handleReplaceStatus(evt serialapi.ReplaceNodeStatusEvent) {
	c.mu.Lock()
	st, ok := c.state.(includingState)
	attempt := c.attempt
	c.mu.Unlock()
	if !ok || st.replacing == 0 {
		c.logger.Debug("ReplaceFailedNode status outside replace", "status", evt.Status)
		return
	}
	id := st.replacing

	switch evt.Status {
	case serialapi.ReplaceStatusReady:
		c.logger.Info("waiting for the replacement node", "node", id)

	case serialapi.ReplaceStatusNodeOK, serialapi.ReplaceStatusFailed:
		c.logger.Warn("replace failed", "node", id, "status", evt.Status)
		if _, ok := c.transition(isReplacing, idleState{}); ok {
			c.emit(attempt, EventInclusionFailed, FailedData{Error: "radio reported " + evt.Status.String()})
			c.post(c.evaluateSmartStart)
		}

	case serialapi.ReplaceStatusDone:
		if _, ok := c.transition(isReplacing, busyState{nodeID: id, reason: "replace"}); !ok {
			return
		}
		c.emit(attempt, EventNodeRemoved, NodeRemovedData{NodeID: id, Reason: RemovedReplaced})
		now := time.Now()
		if err := c.store.SaveNode(&store.Node{ID: id, AddedAt: now, LastSeen: now}); err != nil {
			c.logger.Error("reset replaced node", "node", id, "err", err)
		}
		job := nodeJob{node: &pendingNode{id: id}, opts: st.opts, attempt: attempt}
		c.spawn(func() {
			job.node.info = c.replacementInfo(id, st.opts.Strategy)
			job.node.isController = job.node.info.IsController()
			if err := c.commitNode(job.node); err != nil {
				c.logger.Error("commit replacement node", "node", id, "err", err)
			}
			c.secureNode(job)
		})
	}
}

// replacementInfo asks the new device for its node information. When it
// does not answer, the strategy decides which security command class it
// is assumed to support.
func (c *Controller) replacementInfo(id uint16, strategy InclusionStrategy) *serialapi.NodeInfo {
	ctx, cancel := c.radioContext()
	defer cancel()
	info, err := c.radio.RequestNodeInfo(ctx, id)
	if err == nil {
		return info
	}
	c.logger.Warn("replacement node info unavailable", "node", id, "err", err)
	info = &serialapi.NodeInfo{}
	switch strategy {
	case StrategySecurityS2:
		info.SupportedCCs = []uint8{cc.ClassSecurity2}
	case StrategySecurityS0:
		info.SupportedCCs = []uint8{cc.ClassSecurity}
	}
	return info
}
