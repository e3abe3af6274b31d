package serialapi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

const (
	ackTimeout       = 1600 * time.Millisecond
	maxRetries       = 3
	respTimeout      = 10 * time.Second
	callbackTimeout  = 65 * time.Second
	nodeInfoTimeout  = 15 * time.Second
	defaultTxOptions = 0x25 // ACK | auto route | explore
)

// FlagLongRange selects Z-Wave Long Range for SmartStart inclusion.
const FlagLongRange AddNodeFlags = 0x20

// SerialRadio implements Radio over the Z-Wave Serial API.
type SerialRadio struct {
	port   io.ReadWriteCloser
	reader *bufio.Reader
	logger *slog.Logger

	// One host request at a time; the chip does not interleave responses.
	reqMu    sync.Mutex
	writeMu  sync.Mutex
	ackCh    chan byte
	respMu   sync.Mutex
	respFunc byte
	respCh   chan frame

	callbackID atomic.Uint32
	cbMu       sync.Mutex
	cbPending  map[byte]chan frame

	niMu      sync.Mutex
	niPending map[uint16]chan ApplicationUpdateEvent

	// Node being replaced; ReplaceFailedNode callbacks do not carry it.
	replacing atomic.Uint32

	handlerMu sync.RWMutex
	onAdd     func(AddNodeStatusEvent)
	onRemove  func(RemoveNodeStatusEvent)
	onReplace func(ReplaceNodeStatusEvent)
	onCommand func(ApplicationCommandEvent)
	onUpdate  func(ApplicationUpdateEvent)

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open opens a serial port and starts the radio's read loop.
func Open(portName string, baudRate int, logger *slog.Logger) (*SerialRadio, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("serialapi: open %s: %w", portName, err)
	}
	return NewSerialRadio(port, logger), nil
}

// NewSerialRadio runs the Serial API over an already opened port.
func NewSerialRadio(port io.ReadWriteCloser, logger *slog.Logger) *SerialRadio {
	r := &SerialRadio{
		port:      port,
		reader:    bufio.NewReader(port),
		logger:    logger.With("component", "serialapi"),
		ackCh:     make(chan byte, 4),
		cbPending: make(map[byte]chan frame),
		niPending: make(map[uint16]chan ApplicationUpdateEvent),
		done:      make(chan struct{}),
	}
	r.wg.Add(1)
	go r.readLoop()
	return r
}

func (r *SerialRadio) nextCallbackID() byte {
	for {
		id := byte(r.callbackID.Add(1))
		if id != 0 {
			return id
		}
	}
}

// request writes a frame and, if wantResp, waits for the matching response.
func (r *SerialRadio) request(ctx context.Context, fn byte, payload []byte, wantResp bool) (*frame, error) {
	r.reqMu.Lock()
	defer r.reqMu.Unlock()

	var ch chan frame
	if wantResp {
		ch = make(chan frame, 1)
		r.respMu.Lock()
		r.respFunc, r.respCh = fn, ch
		r.respMu.Unlock()
		defer func() {
			r.respMu.Lock()
			r.respCh = nil
			r.respMu.Unlock()
		}()
	}

	raw := encodeFrame(frame{Type: frameRequest, Func: fn, Payload: payload})
	if err := r.writeWithACK(ctx, raw); err != nil {
		return nil, fmt.Errorf("serialapi %s: %w", funcName(fn), err)
	}
	r.logger.Debug("TX", "func", funcName(fn), "payload", fmt.Sprintf("%X", payload))
	if !wantResp {
		return nil, nil
	}

	timer := time.NewTimer(respTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		r.logger.Debug("RX response", "func", funcName(fn), "payload", fmt.Sprintf("%X", resp.Payload))
		return &resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("serialapi %s: response timeout", funcName(fn))
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return nil, ErrClosed
	}
}

func (r *SerialRadio) writeWithACK(ctx context.Context, raw []byte) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		r.writeMu.Lock()
		_, err := r.port.Write(raw)
		r.writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("serial write: %w", err)
		}

		timer := time.NewTimer(ackTimeout)
		select {
		case b := <-r.ackCh:
			timer.Stop()
			if b == frameACK {
				return nil
			}
			r.logger.Warn("frame rejected", "ctrl", fmt.Sprintf("0x%02X", b), "attempt", attempt+1)
			// Back off a little before retransmitting after NAK/CAN.
			select {
			case <-time.After(time.Duration(100+attempt*1000) * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			case <-r.done:
				return ErrClosed
			}
		case <-timer.C:
			r.logger.Warn("ACK timeout", "attempt", attempt+1)
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-r.done:
			timer.Stop()
			return ErrClosed
		}
	}
	return ErrRetriesExhausted
}

func (r *SerialRadio) writeCtrl(b byte) {
	r.writeMu.Lock()
	_, err := r.port.Write([]byte{b})
	r.writeMu.Unlock()
	if err != nil {
		r.logger.Error("write control byte", "err", err)
	}
}

func (r *SerialRadio) readLoop() {
	defer r.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-r.done:
			return
		default:
		}

		ctrl, raw, err := readUnit(r.reader)
		if err != nil {
			if errors.Is(err, errBadLength) {
				r.writeCtrl(frameNAK)
				continue
			}
			if err == io.EOF || errors.Is(err, io.ErrClosedPipe) || strings.Contains(err.Error(), "closed") {
				r.shutdown()
				return
			}
			r.logger.Error("read error", "err", err)
			select {
			case <-time.After(backoff):
			case <-r.done:
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = 10 * time.Millisecond

		if raw == nil {
			select {
			case r.ackCh <- ctrl:
			default:
			}
			continue
		}

		f, err := decodeFrame(raw)
		if err != nil {
			r.logger.Warn("decode error", "err", err, "raw", fmt.Sprintf("%X", raw))
			r.writeCtrl(frameNAK)
			continue
		}
		r.writeCtrl(frameACK)

		if f.Type == frameResponse {
			r.respMu.Lock()
			ch, fn := r.respCh, r.respFunc
			r.respMu.Unlock()
			if ch != nil && fn == f.Func {
				select {
				case ch <- f:
				default:
				}
			} else {
				r.logger.Warn("unexpected response", "func", funcName(f.Func))
			}
			continue
		}
		r.handleRequest(f)
	}
}

func (r *SerialRadio) shutdown() {
	r.closeOnce.Do(func() { close(r.done) })
}

// handleRequest dispatches unsolicited frames and callbacks from the chip.
func (r *SerialRadio) handleRequest(f frame) {
	r.handlerMu.RLock()
	onAdd, onRemove, onReplace := r.onAdd, r.onRemove, r.onReplace
	onCommand, onUpdate := r.onCommand, r.onUpdate
	r.handlerMu.RUnlock()

	p := f.Payload
	switch f.Func {
	case funcApplicationCommand:
		// rxStatus(1) + source(1) + len(1) + payload
		if len(p) < 3 || len(p) < 3+int(p[2]) {
			r.logger.Warn("short ApplicationCommandHandler", "payload", fmt.Sprintf("%X", p))
			return
		}
		if onCommand != nil {
			onCommand(ApplicationCommandEvent{
				NodeID:  uint16(p[1]),
				Payload: append([]byte(nil), p[3:3+int(p[2])]...),
			})
		}

	case funcApplicationUpdate:
		evt, ok := parseApplicationUpdate(p)
		if !ok {
			r.logger.Warn("short ApplicationUpdate", "payload", fmt.Sprintf("%X", p))
			return
		}
		if evt.Kind == UpdateNodeInfoReceived || evt.Kind == UpdateNodeInfoRequestFailed {
			r.niMu.Lock()
			ch, waiting := r.niPending[evt.NodeID]
			if evt.Kind == UpdateNodeInfoRequestFailed && !waiting {
				// Failure reports carry no node ID; hand it to the only waiter.
				for _, c := range r.niPending {
					ch, waiting = c, true
					break
				}
			}
			r.niMu.Unlock()
			if waiting {
				select {
				case ch <- evt:
				default:
				}
			}
		}
		if onUpdate != nil {
			onUpdate(evt)
		}

	case funcAddNode:
		if len(p) < 2 {
			return
		}
		evt := AddNodeStatusEvent{Status: AddNodeStatus(p[1])}
		if len(p) >= 3 {
			evt.NodeID = uint16(p[2])
		}
		if len(p) >= 4 && p[3] > 0 {
			evt.Info = parseNodeInfo(p[4:], int(p[3]))
		}
		r.logger.Info("AddNode status", "status", evt.Status, "node", evt.NodeID)
		if onAdd != nil {
			onAdd(evt)
		}

	case funcRemoveNode:
		if len(p) < 2 {
			return
		}
		evt := RemoveNodeStatusEvent{Status: RemoveNodeStatus(p[1])}
		if len(p) >= 3 {
			evt.NodeID = uint16(p[2])
		}
		r.logger.Info("RemoveNode status", "status", evt.Status, "node", evt.NodeID)
		if onRemove != nil {
			onRemove(evt)
		}

	case funcReplaceFailedNode:
		if len(p) < 2 {
			return
		}
		evt := ReplaceNodeStatusEvent{
			Status: ReplaceNodeStatus(p[1]),
			NodeID: uint16(r.replacing.Load()),
		}
		r.logger.Info("ReplaceFailedNode status", "status", evt.Status, "node", evt.NodeID)
		if onReplace != nil {
			onReplace(evt)
		}

	case funcSendData, funcRemoveFailedNode:
		if len(p) < 1 {
			return
		}
		r.cbMu.Lock()
		ch, ok := r.cbPending[p[0]]
		r.cbMu.Unlock()
		if ok {
			select {
			case ch <- f:
			default:
			}
		}

	default:
		r.logger.Debug("unhandled request", "func", funcName(f.Func), "payload", fmt.Sprintf("%X", p))
	}
}

// parseNodeInfo decodes len bytes of basic, generic, specific, CCs.
func parseNodeInfo(p []byte, n int) *NodeInfo {
	if n > len(p) {
		n = len(p)
	}
	if n < 3 {
		return nil
	}
	return &NodeInfo{
		Basic:        p[0],
		Generic:      p[1],
		Specific:     p[2],
		SupportedCCs: append([]uint8(nil), p[3:n]...),
	}
}

func parseApplicationUpdate(p []byte) (ApplicationUpdateEvent, bool) {
	if len(p) < 2 {
		return ApplicationUpdateEvent{}, false
	}
	evt := ApplicationUpdateEvent{Kind: UpdateKind(p[0]), NodeID: uint16(p[1])}
	switch evt.Kind {
	case UpdateSmartStartHomeID, UpdateSmartStartLRHomeID, UpdateIncludedNodeInfo:
		// status(1) + node(1) + rxStatus(1) + homeID(4) + len(1) + NIF
		if len(p) < 8 {
			return evt, false
		}
		copy(evt.NWIHomeID[:], p[3:7])
		evt.Info = parseNodeInfo(p[8:], int(p[7]))
	case UpdateNodeInfoRequestFailed, UpdateNodeRemoved:
	default:
		// status(1) + node(1) + len(1) + NIF
		if len(p) >= 3 {
			evt.Info = parseNodeInfo(p[3:], int(p[2]))
		}
	}
	return evt, true
}

// awaitCallback registers a one-shot callback slot, runs send and waits.
func (r *SerialRadio) awaitCallback(ctx context.Context, send func(cbID byte) error) (frame, error) {
	cbID := r.nextCallbackID()
	ch := make(chan frame, 1)
	r.cbMu.Lock()
	r.cbPending[cbID] = ch
	r.cbMu.Unlock()
	defer func() {
		r.cbMu.Lock()
		delete(r.cbPending, cbID)
		r.cbMu.Unlock()
	}()

	if err := send(cbID); err != nil {
		return frame{}, err
	}

	timer := time.NewTimer(callbackTimeout)
	defer timer.Stop()
	select {
	case f := <-ch:
		return f, nil
	case <-timer.C:
		return frame{}, errors.New("serialapi: callback timeout")
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case <-r.done:
		return frame{}, ErrClosed
	}
}

func (r *SerialRadio) OnAddNodeStatus(handler func(AddNodeStatusEvent)) {
	r.handlerMu.Lock()
	r.onAdd = handler
	r.handlerMu.Unlock()
}

func (r *SerialRadio) OnRemoveNodeStatus(handler func(RemoveNodeStatusEvent)) {
	r.handlerMu.Lock()
	r.onRemove = handler
	r.handlerMu.Unlock()
}

func (r *SerialRadio) OnReplaceNodeStatus(handler func(ReplaceNodeStatusEvent)) {
	r.handlerMu.Lock()
	r.onReplace = handler
	r.handlerMu.Unlock()
}

func (r *SerialRadio) OnApplicationCommand(handler func(ApplicationCommandEvent)) {
	r.handlerMu.Lock()
	r.onCommand = handler
	r.handlerMu.Unlock()
}

func (r *SerialRadio) OnApplicationUpdate(handler func(ApplicationUpdateEvent)) {
	r.handlerMu.Lock()
	r.onUpdate = handler
	r.handlerMu.Unlock()
}

// Close stops the read loop and closes the port.
func (r *SerialRadio) Close() error {
	r.shutdown()
	err := r.port.Close()
	r.wg.Wait()
	return err
}
