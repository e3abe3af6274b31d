package controller

import (
	"context"
	"errors"

	"zwave-go-home/internal/provisioning"
	"zwave-go-home/internal/serialapi"
)

// BeginExclusion starts listening for a node to remove. It returns false
// when another operation is active.
func (c *Controller) BeginExclusion(ctx context.Context, opts ExclusionOptions) (bool, error) {
	c.modeMu.Lock()
	defer c.modeMu.Unlock()

	prev, ok := c.transition(canStart, excludingState{opts: opts})
	if !ok {
		c.logger.Info("exclusion rejected", "state", prev.kind())
		return false, nil
	}
	attempt := c.newAttempt()
	c.leaveListening(ctx, prev)

	if err := c.radio.RemoveNode(ctx, addFlags); err != nil {
		c.logger.Error("begin exclusion", "err", err)
		c.transition(nil, idleState{})
		c.emit(attempt, EventExclusionFailed, FailedData{Error: err.Error()})
		c.post(c.evaluateSmartStart)
		return false, &OperationError{Op: "begin exclusion", Err: err}
	}
	c.logger.Info("exclusion started", "strategy", opts.Strategy)
	c.emit(attempt, EventExclusionStarted, StartedData{Strategy: opts.Strategy.String()})
	return true, nil
}

// StopExclusion stops a running exclusion. It returns false when no
// exclusion is active.
func (c *Controller) StopExclusion(ctx context.Context) (bool, error) {
	c.modeMu.Lock()
	defer c.modeMu.Unlock()

	if _, ok := c.transition(isExcluding, idleState{}); !ok {
		return false, nil
	}
	attempt := c.currentAttempt()
	err := c.radio.StopRemoveNode(ctx)
	c.post(c.evaluateSmartStart)
	if err != nil {
		c.logger.Error("stop exclusion", "err", err)
		c.emit(attempt, EventExclusionFailed, FailedData{Error: err.Error()})
		return false, &OperationError{Op: "stop exclusion", Err: err}
	}
	c.logger.Info("exclusion stopped")
	c.emit(attempt, EventExclusionStopped, nil)
	return true, nil
}

func (c *Controller) stopRemoveMode() {
	ctx, cancel := c.radioContext()
	defer cancel()
	c.modeMu.Lock()
	defer c.modeMu.Unlock()
	if err := c.radio.StopRemoveNode(ctx); err != nil {
		c.logger.Warn("stop remove mode", "err", err)
	}
}

func (c *Controller) handleRemoveNodeStatus(evt serialapi.RemoveNodeStatusEvent) {
	c.mu.Lock()
	st, ok := c.state.(excludingState)
	attempt := c.attempt
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("RemoveNode status outside exclusion", "status", evt.Status)
		return
	}

	switch evt.Status {
	case serialapi.RemoveNodeStatusReady:
		c.logger.Info("ready to remove a node")

	case serialapi.RemoveNodeStatusNodeFound:
		c.logger.Info("node found, removing")

	case serialapi.RemoveNodeStatusRemovingSlave, serialapi.RemoveNodeStatusRemovingController:
		c.mu.Lock()
		if cur, ok := c.state.(excludingState); ok {
			cur.nodeID = evt.NodeID
			c.state = cur
		}
		c.mu.Unlock()
		c.logger.Info("removing node", "node", evt.NodeID)

	case serialapi.RemoveNodeStatusDone:
		c.stopRemoveMode()
		id := evt.NodeID
		if id == 0 {
			c.mu.Lock()
			if cur, ok := c.state.(excludingState); ok {
				id = cur.nodeID
			}
			c.mu.Unlock()
		}
		if id != 0 {
			c.forgetNode(attempt, id, st.opts.Strategy, RemovedExcluded)
		} else {
			c.logger.Info("excluded a node that was not part of this network")
		}
		if _, ok := c.transition(isExcluding, idleState{}); ok {
			c.emit(attempt, EventExclusionStopped, nil)
			c.post(c.evaluateSmartStart)
		}

	case serialapi.RemoveNodeStatusFailed:
		c.stopRemoveMode()
		c.logger.Warn("exclusion failed")
		if _, ok := c.transition(isExcluding, idleState{}); ok {
			c.emit(attempt, EventExclusionFailed, FailedData{Error: "radio reported " + evt.Status.String()})
			c.post(c.evaluateSmartStart)
		}
	}
}

// forgetNode deletes a removed node and applies the exclusion strategy to
// its provisioning entry. The entry is found by the node's DSK, or by its
// node ID when the DSK is unknown.
func (c *Controller) forgetNode(attempt string, id uint16, strategy ExclusionStrategy, reason RemovedReason) {
	var dsk string
	if n, err := c.store.GetNode(id); err == nil {
		dsk = n.DSK
	}
	if err := c.store.DeleteNode(id); err != nil {
		c.logger.Error("delete node", "node", id, "err", err)
	}

	entry, ok := c.prov.Get(dsk)
	if !ok {
		entry, ok = c.prov.GetByNodeID(id)
	}
	if ok {
		var err error
		switch strategy {
		case DisableProvisioningEntry:
			err = c.prov.SetStatus(entry.DSK, provisioning.StatusInactive)
		case Unprovision:
			_, err = c.prov.Remove(entry.DSK)
		}
		if err != nil && !errors.Is(err, provisioning.ErrNotFound) {
			c.logger.Error("update provisioning entry", "node", id, "strategy", strategy, "err", err)
		}
	}

	c.logger.Info("node removed", "node", id, "reason", reason)
	c.emit(attempt, EventNodeRemoved, NodeRemovedData{NodeID: id, Reason: reason})
}
