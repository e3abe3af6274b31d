package controller

import (
	"context"
	"errors"

	"zwave-go-home/internal/cc"
	"zwave-go-home/internal/serialapi"
	"zwave-go-home/internal/transport"
)

func (c *Controller) handleApplicationUpdate(evt serialapi.ApplicationUpdateEvent) {
	switch evt.Kind {
	case serialapi.UpdateSmartStartHomeID, serialapi.UpdateSmartStartLRHomeID:
		c.handleSmartStartAnnouncement(evt)

	case serialapi.UpdateNodeAdded:
		c.handleProxyAdded(evt)

	case serialapi.UpdateNodeRemoved:
		if c.isKnownNode(evt.NodeID) {
			c.forgetNode(c.newAttempt(), evt.NodeID, DisableProvisioningEntry, RemovedExcluded)
			c.post(c.evaluateSmartStart)
		}

	default:
		c.logger.Debug("application update", "kind", hex8(uint8(evt.Kind)), "node", evt.NodeID)
	}
}

// handleProxyAdded reacts to a node that another controller added to the
// network. That controller is expected to hand the node over with an
// Inclusion Controller Initiate; without one the node is secured here.
func (c *Controller) handleProxyAdded(evt serialapi.ApplicationUpdateEvent) {
	if evt.NodeID == 0 || c.isKnownNode(evt.NodeID) {
		return
	}
	if prev, ok := c.transition(canStart, busyState{nodeID: evt.NodeID, reason: "proxy inclusion"}); !ok {
		c.logger.Warn("node added by another controller while busy", "node", evt.NodeID, "state", prev.kind())
		return
	}
	attempt := c.newAttempt()
	p := &pendingNode{id: evt.NodeID, info: evt.Info, isController: evt.Info.IsController()}
	if err := c.commitNode(p); err != nil {
		c.logger.Error("commit node", "node", p.id, "err", err)
	}
	c.logger.Info("node added by another controller", "node", p.id)
	c.emit(attempt, EventNodeFound, NodeFoundData{NodeID: p.id, Info: p.info})

	c.spawn(func() {
		job := nodeJob{node: p, attempt: attempt}
		rc, err := c.awaitInitiate(p.id)
		if err != nil {
			c.logger.Info("no handover from the including controller, securing node here", "node", p.id)
		} else {
			init := rc.Command.(*cc.InclusionControllerInitiate)
			job.initiator, job.step = rc.NodeID, init.Step
			c.logger.Info("inclusion controller handed over node", "node", p.id, "initiator", rc.NodeID, "step", init.Step)
		}
		c.secureNode(job)
	})
}

func (c *Controller) awaitInitiate(nodeID uint16) (*cc.Received, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ProxyInitiate)
	defer cancel()
	exp := c.host.Expect(func(rc *cc.Received) bool {
		init, ok := rc.Command.(*cc.InclusionControllerInitiate)
		return ok && uint16(init.IncludedNodeID) == nodeID
	})
	defer exp.Cancel()
	return exp.Wait(ctx)
}

// HandleUnsolicited takes commands no bootstrap step was waiting for. An
// Inclusion Controller Initiate for a known node starts the requested
// step right away.
func (c *Controller) HandleUnsolicited(rc *cc.Received) {
	init, ok := rc.Command.(*cc.InclusionControllerInitiate)
	if !ok {
		c.logger.Debug("unsolicited command", "cmd", rc)
		return
	}
	c.post(func() { c.startHandover(rc.NodeID, init) })
}

func (c *Controller) startHandover(initiator uint16, init *cc.InclusionControllerInitiate) {
	id := uint16(init.IncludedNodeID)
	n, err := c.store.GetNode(id)
	if err != nil {
		c.logger.Warn("handover for unknown node", "node", id, "initiator", initiator)
		c.replyHandover(initiator, init.Step, cc.StatusFailed)
		return
	}
	if prev, ok := c.transition(canStart, busyState{nodeID: id, reason: "proxy inclusion"}); !ok {
		c.logger.Warn("handover while busy", "node", id, "state", prev.kind())
		c.replyHandover(initiator, init.Step, cc.StatusFailed)
		return
	}
	attempt := c.newAttempt()
	p := &pendingNode{
		id:           id,
		info:         &serialapi.NodeInfo{Basic: n.Basic, Generic: n.Generic, Specific: n.Specific, SupportedCCs: n.SupportedCCs},
		isController: n.IsController,
	}
	job := nodeJob{node: p, attempt: attempt, initiator: initiator, step: init.Step}
	c.spawn(func() { c.secureNode(job) })
}

// completeProxy reports the handed-over step back to the initiator.
func (c *Controller) completeProxy(job nodeJob, ok bool) {
	status := cc.StatusOK
	if !ok {
		status = cc.StatusFailed
	}
	c.replyHandover(job.initiator, job.step, status)
}

func (c *Controller) replyHandover(initiator uint16, step cc.InclusionStep, status cc.InclusionStatus) {
	opts := transport.SendOptions{Security: securityFor(c, initiator)}
	ctx, cancel := c.radioContext()
	defer cancel()
	err := c.host.SendCommand(ctx, initiator, &cc.InclusionControllerComplete{Step: step, Status: status}, opts)
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("send inclusion complete", "initiator", initiator, "err", err)
	}
}
