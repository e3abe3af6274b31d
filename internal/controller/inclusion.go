package controller

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"zwave-go-home/internal/bootstrap"
	"zwave-go-home/internal/cc"
	"zwave-go-home/internal/provisioning"
	"zwave-go-home/internal/serialapi"
	"zwave-go-home/internal/store"
)

const addFlags = serialapi.FlagHighPower | serialapi.FlagNetworkWide

// BeginInclusion starts listening for a node to add. It returns false when
// another operation is active. A radio failure returns an
// *OperationError and leaves the controller idle.
func (c *Controller) BeginInclusion(ctx context.Context, opts InclusionOptions) (bool, error) {
	if opts.Strategy == StrategySmartStart && opts.Provisioning == nil {
		return false, &OperationError{Op: "begin inclusion", Err: ErrNoProvisioning}
	}
	if c.cfg.Insecure && opts.Strategy.secure() {
		return false, &OperationError{Op: "begin inclusion", Err: ErrNoSecureTransport}
	}

	c.modeMu.Lock()
	defer c.modeMu.Unlock()

	prev, ok := c.transition(canStart, includingState{opts: opts})
	if !ok {
		c.logger.Info("inclusion rejected", "state", prev.kind())
		return false, nil
	}
	attempt := c.newAttempt()

	c.leaveListening(ctx, prev)

	var err error
	if opts.Strategy == StrategySmartStart {
		err = c.addSmartStartNode(ctx, opts.Provisioning)
	} else {
		err = c.radio.AddNode(ctx, serialapi.AddNodeAny, addFlags)
	}
	if err != nil {
		c.logger.Error("begin inclusion", "err", err)
		c.transition(nil, idleState{})
		c.emit(attempt, EventInclusionFailed, FailedData{Error: err.Error()})
		c.post(c.evaluateSmartStart)
		return false, &OperationError{Op: "begin inclusion", Err: err}
	}

	c.logger.Info("inclusion started", "strategy", opts.Strategy)
	c.emit(attempt, EventInclusionStarted, StartedData{Strategy: opts.Strategy.String()})
	return true, nil
}

func (c *Controller) addSmartStartNode(ctx context.Context, e *provisioning.Entry) error {
	dsk, err := e.ParsedDSK()
	if err != nil {
		return err
	}
	return c.radio.AddNodeDSK(ctx, serialapi.SmartStartInclusion{
		NWIHomeID:  dsk.NWIHomeID(),
		AuthHomeID: dsk.AuthHomeID(),
		LongRange:  e.Protocol == provisioning.ProtocolZWaveLongRange,
	})
}

// StopInclusion stops a running inclusion. It returns false when no
// inclusion is active.
func (c *Controller) StopInclusion(ctx context.Context) (bool, error) {
	c.modeMu.Lock()
	defer c.modeMu.Unlock()

	if _, ok := c.transition(isIncluding, idleState{}); !ok {
		return false, nil
	}
	attempt := c.currentAttempt()
	err := c.radio.StopAddNode(ctx)
	c.post(c.evaluateSmartStart)
	if err != nil {
		c.logger.Error("stop inclusion", "err", err)
		c.emit(attempt, EventInclusionFailed, FailedData{Error: err.Error()})
		return false, &OperationError{Op: "stop inclusion", Err: err}
	}
	c.logger.Info("inclusion stopped")
	c.emit(attempt, EventInclusionStopped, nil)
	return true, nil
}

func (c *Controller) handleAddNodeStatus(evt serialapi.AddNodeStatusEvent) {
	c.mu.Lock()
	st, ok := c.state.(includingState)
	attempt := c.attempt
	c.mu.Unlock()
	if !ok || st.replacing != 0 {
		c.logger.Debug("AddNode status outside inclusion", "status", evt.Status)
		return
	}

	switch evt.Status {
	case serialapi.AddNodeStatusReady:
		c.logger.Info("ready to add a node")

	case serialapi.AddNodeStatusNodeFound:
		c.logger.Info("node found, adding")

	case serialapi.AddNodeStatusAddingSlave, serialapi.AddNodeStatusAddingController:
		p := &pendingNode{
			id:           evt.NodeID,
			info:         evt.Info,
			isController: evt.Status == serialapi.AddNodeStatusAddingController || evt.Info.IsController(),
		}
		c.mu.Lock()
		if cur, ok := c.state.(includingState); ok {
			cur.pending = p
			c.state = cur
		}
		c.mu.Unlock()
		c.logger.Info("adding node", "node", evt.NodeID, "controller", p.isController)
		c.emit(attempt, EventNodeFound, NodeFoundData{NodeID: evt.NodeID, Info: evt.Info})

	case serialapi.AddNodeStatusProtocolDone:
		c.completeAdd(attempt)

	case serialapi.AddNodeStatusDone:
		// The chip confirms a stop that was not preceded by a found node.
		c.finish(isIncluding)

	case serialapi.AddNodeStatusFailed, serialapi.AddNodeStatusNotPrimary:
		c.stopAddMode()
		c.logger.Warn("inclusion failed", "status", evt.Status)
		if _, ok := c.transition(isIncluding, idleState{}); ok {
			c.emit(attempt, EventInclusionFailed, FailedData{Error: "radio reported " + evt.Status.String()})
			c.post(c.evaluateSmartStart)
		}
	}
}

func (c *Controller) stopAddMode() {
	ctx, cancel := c.radioContext()
	defer cancel()
	c.modeMu.Lock()
	defer c.modeMu.Unlock()
	if err := c.radio.StopAddNode(ctx); err != nil {
		c.logger.Warn("stop add mode", "err", err)
	}
}

// completeAdd handles ProtocolDone: the radio part is over, so the node is
// committed and its bootstrap and interview start.
func (c *Controller) completeAdd(attempt string) {
	c.stopAddMode()

	c.mu.Lock()
	st, ok := c.state.(includingState)
	c.mu.Unlock()
	if !ok {
		return
	}
	p := st.pending
	if p == nil || p.id == 0 {
		c.logger.Warn("protocol done without a node")
		c.finish(isIncluding)
		c.emit(attempt, EventInclusionStopped, nil)
		return
	}
	if c.isKnownNode(p.id) {
		c.logger.Warn("protocol done for a node that is already known", "node", p.id)
		c.finish(isIncluding)
		c.emit(attempt, EventInclusionStopped, nil)
		return
	}
	if _, ok := c.transition(isIncluding, busyState{nodeID: p.id, reason: "bootstrap"}); !ok {
		return
	}
	if err := c.commitNode(p); err != nil {
		c.logger.Error("commit node", "node", p.id, "err", err)
	}

	job := nodeJob{node: p, opts: st.opts, attempt: attempt}
	c.spawn(func() { c.secureNode(job) })
}

func (c *Controller) commitNode(p *pendingNode) error {
	now := time.Now()
	n := &store.Node{
		ID:           p.id,
		IsController: p.isController,
		AddedAt:      now,
		LastSeen:     now,
	}
	if p.info != nil {
		n.Basic, n.Generic, n.Specific = p.info.Basic, p.info.Generic, p.info.Specific
		n.SupportedCCs = slices.Clone(p.info.SupportedCCs)
	}
	return c.store.SaveNode(n)
}

// nodeJob is one committed node waiting for bootstrap and interview.
type nodeJob struct {
	node    *pendingNode
	opts    InclusionOptions
	attempt string

	// Set when an inclusion controller handed the node over.
	initiator uint16
	step      cc.InclusionStep
}

type securityScheme uint8

const (
	schemeNone securityScheme = iota
	schemeS0
	schemeS2
)

// selectScheme picks exactly one bootstrap for a node.
func selectScheme(job nodeJob) securityScheme {
	info := job.node.info
	s2 := info.Supports(cc.ClassSecurity2)
	s0 := info.Supports(cc.ClassSecurity)

	if job.step == cc.StepS0Inclusion {
		if s0 {
			return schemeS0
		}
		return schemeNone
	}
	switch job.opts.Strategy {
	case StrategyInsecure:
		return schemeNone
	case StrategySmartStart:
		return schemeS2
	case StrategySecurityS2:
		if s2 {
			return schemeS2
		}
		if s0 {
			return schemeS0
		}
	case StrategySecurityS0:
		if s0 {
			return schemeS0
		}
	default:
		if s2 {
			return schemeS2
		}
		if s0 && (info.RequiresSecurity() || job.opts.ForceSecurity) {
			return schemeS0
		}
	}
	return schemeNone
}

func (c *Controller) runBootstrap(job nodeJob, scheme securityScheme) bootstrap.Outcome {
	cancel := c.openCancelSlot(job.node.id)
	defer c.closeCancelSlot()

	switch scheme {
	case schemeS2:
		callbacks := c.userCallbacks()
		if e := job.opts.Provisioning; job.opts.Strategy == StrategySmartStart && e != nil {
			dsk, err := e.ParsedDSK()
			if err != nil {
				return bootstrap.Outcome{Reason: bootstrap.ReasonUnknown}
			}
			callbacks = bootstrap.Provisioned{DSK: dsk, Classes: e.SecurityClasses}
		}
		return c.s2.Bootstrap(c.ctx, bootstrap.S2Request{
			NodeID:    job.node.id,
			Callbacks: callbacks,
			Cancel:    cancel,
		})
	case schemeS0:
		return c.s0.Bootstrap(c.ctx, bootstrap.S0Request{
			NodeID:        job.node.id,
			InheritScheme: job.node.isController,
			Cancel:        cancel,
		})
	}
	return bootstrap.Outcome{Success: true}
}

// secureNode bootstraps and interviews a committed node and releases the
// busy state.
func (c *Controller) secureNode(job nodeJob) {
	id := job.node.id
	scheme := selectScheme(job)
	if c.cfg.Insecure && scheme != schemeNone {
		c.logger.Warn("frame encryption unavailable, adding node without security", "node", id)
		scheme = schemeNone
	}
	c.logger.Info("securing node", "node", id, "strategy", job.opts.Strategy, "scheme", scheme)

	out := c.runBootstrap(job, scheme)
	failed := scheme != schemeNone && !out.Success
	if failed {
		c.logger.Warn("security bootstrap failed", "node", id, "reason", out.Reason)
	}
	c.recordOutcome(id, scheme, out)

	if failed && job.opts.Strategy == StrategySmartStart {
		c.removeFailedSmartStartNode(job)
		c.finish(isBusyWith(id))
		return
	}

	c.interview(id, scheme, failed)

	c.assignProvisioned(job, id, out)

	data := NodeAddedData{
		NodeID:   id,
		Strategy: job.opts.Strategy.String(),
		Granted:  out.Granted,
	}
	if failed {
		data.LowSecurity, data.Reason = true, out.Reason
	} else if out.Warning != bootstrap.ReasonNone {
		data.LowSecurity, data.Reason = true, out.Warning
	}
	if out.DSK != nil {
		data.DSK = out.DSK.String()
	}
	c.logger.Info("node added", "node", id, "classes", out.Granted, "low_security", data.LowSecurity)
	c.emit(job.attempt, EventNodeAdded, data)

	if job.initiator != 0 {
		c.completeProxy(job, !failed)
	}
	c.finish(isBusyWith(id))
}

// assignProvisioned links the node to the provisioning entry carrying its
// DSK, whichever strategy included it.
func (c *Controller) assignProvisioned(job nodeJob, id uint16, out bootstrap.Outcome) {
	var dsk string
	switch {
	case out.DSK != nil:
		dsk = out.DSK.String()
	case job.opts.Strategy == StrategySmartStart && job.opts.Provisioning != nil:
		dsk = job.opts.Provisioning.DSK
	default:
		return
	}
	entry, ok := c.prov.Get(dsk)
	if !ok || entry.NodeID == id {
		return
	}
	if err := c.prov.AssignNode(entry.DSK, id); err != nil {
		c.logger.Warn("record provisioned node", "node", id, "err", err)
	}
}

// recordOutcome rewrites the node's grants in full. A failed scheme's
// command class is dropped from the node's support list.
func (c *Controller) recordOutcome(id uint16, scheme securityScheme, out bootstrap.Outcome) {
	err := c.store.UpdateNode(id, func(n *store.Node) error {
		g := out.Granted
		n.Grants = &g
		if out.DSK != nil {
			n.DSK = out.DSK.String()
		}
		n.LowSecurity, n.LowSecurityReason = false, bootstrap.ReasonNone
		switch {
		case scheme != schemeNone && !out.Success:
			n.LowSecurity, n.LowSecurityReason = true, out.Reason
			n.SupportedCCs = slices.DeleteFunc(n.SupportedCCs, func(x uint8) bool { return x == schemeCC(scheme) })
		case out.Warning != bootstrap.ReasonNone:
			n.LowSecurity, n.LowSecurityReason = true, out.Warning
		}
		return nil
	})
	if err != nil {
		c.logger.Error("record security classes", "node", id, "err", err)
	}
}

func schemeCC(s securityScheme) uint8 {
	switch s {
	case schemeS0:
		return cc.ClassSecurity
	case schemeS2:
		return cc.ClassSecurity2
	}
	return 0
}

func (s securityScheme) String() string {
	switch s {
	case schemeS0:
		return "S0"
	case schemeS2:
		return "S2"
	}
	return "none"
}

// removeFailedSmartStartNode takes a node that failed SmartStart security
// out of the network again.
func (c *Controller) removeFailedSmartStartNode(job nodeJob) {
	id := job.node.id
	ctx, cancel := c.radioContext()
	defer cancel()
	if err := c.radio.RemoveFailedNode(ctx, id); err != nil {
		c.logger.Error("remove node after failed SmartStart bootstrap, exclude it manually", "node", id, "err", err)
		c.emit(job.attempt, EventInclusionFailed, FailedData{Error: fmt.Sprintf("node %d failed SmartStart security and could not be removed: %v", id, err)})
		return
	}
	if err := c.store.DeleteNode(id); err != nil {
		c.logger.Error("delete node", "node", id, "err", err)
	}
	c.logger.Info("removed node after failed SmartStart bootstrap", "node", id)
	c.emit(job.attempt, EventNodeRemoved, NodeRemovedData{NodeID: id, Reason: RemovedSmartStartFailed})
}

// interview refreshes the node information frame. A scheme whose
// bootstrap failed stays out of the support list.
func (c *Controller) interview(id uint16, scheme securityScheme, bootstrapFailed bool) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.InterviewTimeout)
	defer cancel()

	const maxRetries = 3
	for attempt := 1; attempt <= maxRetries; attempt++ {
		info, err := c.radio.RequestNodeInfo(ctx, id)
		if err == nil {
			err = c.store.UpdateNode(id, func(n *store.Node) error {
				n.Basic, n.Generic, n.Specific = info.Basic, info.Generic, info.Specific
				ccs := slices.Clone(info.SupportedCCs)
				if bootstrapFailed {
					ccs = slices.DeleteFunc(ccs, func(x uint8) bool { return x == schemeCC(scheme) })
				}
				n.SupportedCCs = ccs
				n.Interviewed = true
				n.LastSeen = time.Now()
				return nil
			})
			if err != nil {
				c.logger.Error("interview: save", "node", id, "err", err)
			}
			c.logger.Info("interview complete", "node", id, "generic", hex8(info.Generic), "ccs", len(info.SupportedCCs))
			return
		}

		c.logger.Warn("interview: node info failed", "node", id, "attempt", attempt, "err", err)
		if ctx.Err() != nil {
			return
		}
		if attempt < maxRetries {
			jitter := time.Duration(rand.Int64N(int64(c.cfg.InterviewRetryDelay)/2 + 1))
			select {
			case <-time.After(c.cfg.InterviewRetryDelay + jitter):
			case <-ctx.Done():
				return
			}
		}
	}
	c.logger.Error("interview failed after retries", "node", id, "attempts", maxRetries)
}
