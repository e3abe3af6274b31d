package controller

import (
	"context"

	"zwave-go-home/internal/provisioning"
	"zwave-go-home/internal/security"
	"zwave-go-home/internal/serialapi"
	"zwave-go-home/internal/store"
)

// evaluateSmartStart turns SmartStart listening on while an active
// provisioning entry has no node in the network, and off otherwise. It
// only acts when idle or already listening. Without frame encryption it
// never listens.
func (c *Controller) evaluateSmartStart() {
	want := !c.cfg.Insecure && c.prov.NeedsListening(c.isProvisionedPresent)

	c.modeMu.Lock()
	defer c.modeMu.Unlock()

	var ok bool
	if want {
		_, ok = c.transition(func(s state) bool { _, idle := s.(idleState); return idle }, listeningState{})
	} else {
		_, ok = c.transition(func(s state) bool { _, l := s.(listeningState); return l }, idleState{})
	}
	if !ok {
		return
	}

	ctx, cancel := c.radioContext()
	defer cancel()
	if err := c.radio.SetSmartStartListen(ctx, want); err != nil {
		c.logger.Error("set SmartStart listening", "enabled", want, "err", err)
		if want {
			c.transition(func(s state) bool { _, l := s.(listeningState); return l }, idleState{})
		}
		return
	}
	c.logger.Info("SmartStart listening", "enabled", want)
}

// leaveListening turns the chip's SmartStart listening off when an
// operation took over from the listening state.
func (c *Controller) leaveListening(ctx context.Context, prev state) {
	if _, ok := prev.(listeningState); !ok {
		return
	}
	if err := c.radio.SetSmartStartListen(ctx, false); err != nil {
		c.logger.Warn("stop SmartStart listening", "err", err)
	}
}

// isProvisionedPresent reports whether the entry's node is in the
// network, either by its assigned node ID or by a node carrying its DSK.
func (c *Controller) isProvisionedPresent(e provisioning.Entry) bool {
	if e.NodeID != 0 && c.isKnownNode(e.NodeID) {
		return true
	}
	_, ok := c.nodeByDSK(e.DSK)
	return ok
}

func (c *Controller) nodeByDSK(dsk string) (*store.Node, bool) {
	if dsk == "" {
		return nil, false
	}
	nodes, err := c.store.ListNodes()
	if err != nil {
		c.logger.Warn("list nodes", "err", err)
		return nil, false
	}
	for _, n := range nodes {
		if n.DSK == dsk {
			return n, true
		}
	}
	return nil, false
}

func (c *Controller) handleSmartStartAnnouncement(evt serialapi.ApplicationUpdateEvent) {
	c.mu.Lock()
	accepting := canStart(c.state)
	c.mu.Unlock()
	if !accepting {
		c.logger.Debug("SmartStart announcement while busy", "home_id", evt.NWIHomeID)
		return
	}

	entry, _, ok := c.matcher.Match(provisioning.Announcement{
		NWIHomeID: evt.NWIHomeID,
		LongRange: evt.Kind == serialapi.UpdateSmartStartLRHomeID,
	})
	if !ok {
		c.logger.Debug("SmartStart announcement without provisioning entry", "home_id", evt.NWIHomeID)
		return
	}
	c.logger.Info("SmartStart node announced", "dsk", entry.DSK)

	ctx, cancel := c.radioContext()
	defer cancel()
	if _, err := c.BeginInclusion(ctx, InclusionOptions{Strategy: StrategySmartStart, Provisioning: &entry}); err != nil {
		c.logger.Error("start SmartStart inclusion", "dsk", entry.DSK, "err", err)
	}
}

// ProvisionSmartStartNode adds or updates a provisioning entry.
func (c *Controller) ProvisionSmartStartNode(entry provisioning.Entry) error {
	return c.prov.Upsert(entry)
}

// UnprovisionSmartStartNode removes the entry with the given DSK, or the
// entry assigned to the given decimal node ID.
func (c *Controller) UnprovisionSmartStartNode(dskOrNodeID string) error {
	if id, ok := parseNodeRef(dskOrNodeID); ok {
		_, err := c.prov.RemoveByNodeID(id)
		return err
	}
	_, err := c.prov.Remove(dskOrNodeID)
	return err
}

// GetProvisioningEntries returns the provisioning list in order.
func (c *Controller) GetProvisioningEntries() []provisioning.Entry {
	return c.prov.All()
}

// GetProvisioningEntry looks an entry up by DSK or node ID.
func (c *Controller) GetProvisioningEntry(dskOrNodeID string) (provisioning.Entry, bool) {
	if id, ok := parseNodeRef(dskOrNodeID); ok {
		return c.prov.GetByNodeID(id)
	}
	return c.prov.Get(dskOrNodeID)
}

// securityFor returns the strongest class a node was granted.
func securityFor(c *Controller, nodeID uint16) security.Class {
	n, err := c.store.GetNode(nodeID)
	if err != nil {
		return security.ClassNone
	}
	return n.HighestClass()
}
