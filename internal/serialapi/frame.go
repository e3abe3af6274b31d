package serialapi

import (
	"bufio"
	"errors"
	"fmt"
)

// Serial API framing bytes.
const (
	frameSOF byte = 0x01
	frameACK byte = 0x06
	frameNAK byte = 0x15
	frameCAN byte = 0x18
)

// Frame types.
const (
	frameRequest  byte = 0x00
	frameResponse byte = 0x01
)

// Function IDs used by this package.
const (
	funcApplicationCommand byte = 0x04
	funcSendData           byte = 0x13
	funcApplicationUpdate  byte = 0x49
	funcAddNode            byte = 0x4A
	funcRemoveNode         byte = 0x4B
	funcRequestNodeInfo    byte = 0x60
	funcRemoveFailedNode   byte = 0x61
	funcIsFailedNode       byte = 0x62
	funcReplaceFailedNode  byte = 0x63
)

var (
	errBadChecksum = errors.New("serialapi: bad checksum")
	errBadLength   = errors.New("serialapi: bad frame length")
)

// frame is one Serial API data frame.
type frame struct {
	Type    byte
	Func    byte
	Payload []byte
}

func funcName(id byte) string {
	switch id {
	case funcApplicationCommand:
		return "ApplicationCommandHandler"
	case funcSendData:
		return "SendData"
	case funcApplicationUpdate:
		return "ApplicationUpdate"
	case funcAddNode:
		return "AddNodeToNetwork"
	case funcRemoveNode:
		return "RemoveNodeFromNetwork"
	case funcRequestNodeInfo:
		return "RequestNodeInfo"
	case funcRemoveFailedNode:
		return "RemoveFailedNode"
	case funcIsFailedNode:
		return "IsFailedNode"
	case funcReplaceFailedNode:
		return "ReplaceFailedNode"
	}
	return fmt.Sprintf("0x%02X", id)
}

func checksum(b []byte) byte {
	c := byte(0xFF)
	for _, v := range b {
		c ^= v
	}
	return c
}

// encodeFrame builds SOF, LEN, TYPE, FUNC, payload, checksum. LEN counts
// everything after itself including the checksum.
func encodeFrame(f frame) []byte {
	out := make([]byte, 0, len(f.Payload)+5)
	out = append(out, frameSOF, byte(len(f.Payload)+3), f.Type, f.Func)
	out = append(out, f.Payload...)
	return append(out, checksum(out[1:]))
}

func decodeFrame(raw []byte) (frame, error) {
	if len(raw) < 5 || raw[0] != frameSOF {
		return frame{}, errBadLength
	}
	if int(raw[1]) != len(raw)-2 {
		return frame{}, errBadLength
	}
	if checksum(raw[1:len(raw)-1]) != raw[len(raw)-1] {
		return frame{}, errBadChecksum
	}
	return frame{
		Type:    raw[2],
		Func:    raw[3],
		Payload: append([]byte(nil), raw[4:len(raw)-1]...),
	}, nil
}

// readUnit reads either a single control byte (ACK/NAK/CAN) or a whole
// data frame. Garbage before a SOF is skipped.
func readUnit(r *bufio.Reader) (ctrl byte, raw []byte, err error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, nil, err
		}
		switch b {
		case frameACK, frameNAK, frameCAN:
			return b, nil, nil
		case frameSOF:
			n, err := r.ReadByte()
			if err != nil {
				return 0, nil, err
			}
			if n < 3 {
				return 0, nil, errBadLength
			}
			buf := make([]byte, int(n)+2)
			buf[0], buf[1] = frameSOF, n
			for i := 2; i < len(buf); i++ {
				if buf[i], err = r.ReadByte(); err != nil {
					return 0, nil, err
				}
			}
			return 0, buf, nil
		}
	}
}
