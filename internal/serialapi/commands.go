package serialapi

import (
	"context"
	"fmt"
	"time"
)

func (r *SerialRadio) addNode(ctx context.Context, control byte, extra ...byte) error {
	payload := append([]byte{control, r.nextCallbackID()}, extra...)
	_, err := r.request(ctx, funcAddNode, payload, false)
	return err
}

// AddNode puts the chip into inclusion mode.
func (r *SerialRadio) AddNode(ctx context.Context, mode AddNodeMode, flags AddNodeFlags) error {
	return r.addNode(ctx, byte(mode)|byte(flags))
}

// AddNodeDSK starts a SmartStart inclusion of the node announcing
// req.NWIHomeID.
func (r *SerialRadio) AddNodeDSK(ctx context.Context, req SmartStartInclusion) error {
	control := byte(AddNodeSmartStartDSK) | byte(FlagHighPower|FlagNetworkWide)
	if req.LongRange {
		control |= byte(FlagLongRange)
	}
	extra := make([]byte, 0, 8)
	extra = append(extra, req.NWIHomeID[:]...)
	extra = append(extra, req.AuthHomeID[:]...)
	return r.addNode(ctx, control, extra...)
}

func (r *SerialRadio) StopAddNode(ctx context.Context) error {
	return r.addNode(ctx, byte(AddNodeStop))
}

// SetSmartStartListen enables or disables listening for SmartStart
// announcements.
func (r *SerialRadio) SetSmartStartListen(ctx context.Context, enabled bool) error {
	if enabled {
		return r.addNode(ctx, byte(AddNodeSmartStartListen)|byte(FlagHighPower|FlagNetworkWide))
	}
	return r.StopAddNode(ctx)
}

func (r *SerialRadio) RemoveNode(ctx context.Context, flags AddNodeFlags) error {
	payload := []byte{byte(AddNodeAny) | byte(flags), r.nextCallbackID()}
	_, err := r.request(ctx, funcRemoveNode, payload, false)
	return err
}

func (r *SerialRadio) StopRemoveNode(ctx context.Context) error {
	payload := []byte{byte(AddNodeStop), r.nextCallbackID()}
	_, err := r.request(ctx, funcRemoveNode, payload, false)
	return err
}

// IsFailedNode asks the chip whether it has marked a node as failed.
func (r *SerialRadio) IsFailedNode(ctx context.Context, nodeID uint16) (bool, error) {
	resp, err := r.request(ctx, funcIsFailedNode, []byte{byte(nodeID)}, true)
	if err != nil {
		return false, err
	}
	if len(resp.Payload) < 1 {
		return false, fmt.Errorf("serialapi IsFailedNode: empty response")
	}
	return resp.Payload[0] != 0, nil
}

// ReplaceFailedNode starts replacing a failed node. Progress arrives via
// OnReplaceNodeStatus.
func (r *SerialRadio) ReplaceFailedNode(ctx context.Context, nodeID uint16) error {
	r.replacing.Store(uint32(nodeID))
	resp, err := r.request(ctx, funcReplaceFailedNode, []byte{byte(nodeID), r.nextCallbackID()}, true)
	if err != nil {
		return err
	}
	if len(resp.Payload) < 1 || resp.Payload[0] != 0 {
		return fmt.Errorf("replace node %d: %w (0x%X)", nodeID, ErrCallbackNotOK, resp.Payload)
	}
	return nil
}

// RemoveFailedNode removes a failed node from the chip's node table and
// waits for the result.
func (r *SerialRadio) RemoveFailedNode(ctx context.Context, nodeID uint16) error {
	cb, err := r.awaitCallback(ctx, func(cbID byte) error {
		resp, err := r.request(ctx, funcRemoveFailedNode, []byte{byte(nodeID), cbID}, true)
		if err != nil {
			return err
		}
		if len(resp.Payload) < 1 || resp.Payload[0] != 0 {
			return fmt.Errorf("remove failed node %d: %w", nodeID, ErrCallbackNotOK)
		}
		return nil
	})
	if err != nil {
		return err
	}
	// status 0x01: node removed
	if len(cb.Payload) < 2 || cb.Payload[1] != 0x01 {
		return fmt.Errorf("remove failed node %d: %w", nodeID, ErrCallbackNotOK)
	}
	return nil
}

// RequestNodeInfo asks a node for its node information frame.
func (r *SerialRadio) RequestNodeInfo(ctx context.Context, nodeID uint16) (*NodeInfo, error) {
	ch := make(chan ApplicationUpdateEvent, 1)
	r.niMu.Lock()
	r.niPending[nodeID] = ch
	r.niMu.Unlock()
	defer func() {
		r.niMu.Lock()
		delete(r.niPending, nodeID)
		r.niMu.Unlock()
	}()

	resp, err := r.request(ctx, funcRequestNodeInfo, []byte{byte(nodeID)}, true)
	if err != nil {
		return nil, err
	}
	if len(resp.Payload) < 1 || resp.Payload[0] == 0 {
		return nil, fmt.Errorf("request node info %d: %w", nodeID, ErrCallbackNotOK)
	}

	timer := time.NewTimer(nodeInfoTimeout)
	defer timer.Stop()
	select {
	case evt := <-ch:
		if evt.Kind != UpdateNodeInfoReceived || evt.Info == nil {
			return nil, fmt.Errorf("node %d: %w", nodeID, ErrNodeInfoFailed)
		}
		return evt.Info, nil
	case <-timer.C:
		return nil, fmt.Errorf("node %d: %w: timeout", nodeID, ErrNodeInfoFailed)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return nil, ErrClosed
	}
}

// SendData transmits an application payload and waits for the
// transmission report.
func (r *SerialRadio) SendData(ctx context.Context, nodeID uint16, payload []byte) error {
	if len(payload) > 0xFF {
		return fmt.Errorf("serialapi SendData: payload too long (%d)", len(payload))
	}
	cb, err := r.awaitCallback(ctx, func(cbID byte) error {
		p := make([]byte, 0, len(payload)+4)
		p = append(p, byte(nodeID), byte(len(payload)))
		p = append(p, payload...)
		p = append(p, defaultTxOptions, cbID)
		resp, err := r.request(ctx, funcSendData, p, true)
		if err != nil {
			return err
		}
		if len(resp.Payload) < 1 || resp.Payload[0] == 0 {
			return fmt.Errorf("send data to node %d: %w", nodeID, ErrCallbackNotOK)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(cb.Payload) < 2 || cb.Payload[1] != 0 {
		return fmt.Errorf("send data to node %d: %w (status 0x%X)", nodeID, ErrTransmitFailed, cb.Payload)
	}
	return nil
}
