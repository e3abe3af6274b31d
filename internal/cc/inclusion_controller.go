package cc

import "fmt"

// Inclusion Controller commands.
const (
	ICCmdInitiate uint8 = 0x01
	ICCmdComplete uint8 = 0x02
)

// InclusionStep identifies which part of an inclusion a controller hands
// over to the SIS.
type InclusionStep uint8

const (
	StepProxyInclusion        InclusionStep = 0x01
	StepS0Inclusion           InclusionStep = 0x02
	StepProxyInclusionReplace InclusionStep = 0x03
)

func (s InclusionStep) String() string {
	switch s {
	case StepProxyInclusion:
		return "ProxyInclusion"
	case StepS0Inclusion:
		return "S0Inclusion"
	case StepProxyInclusionReplace:
		return "ProxyInclusionReplace"
	}
	return fmt.Sprintf("InclusionStep(%d)", uint8(s))
}

// InclusionStatus is the result reported back with Complete.
type InclusionStatus uint8

const (
	StatusOK           InclusionStatus = 0x01
	StatusUserRejected InclusionStatus = 0x02
	StatusFailed       InclusionStatus = 0x03
	StatusNotSupported InclusionStatus = 0x04
)

type InclusionControllerInitiate struct {
	IncludedNodeID uint8
	Step           InclusionStep
}

func (c *InclusionControllerInitiate) CommandClass() uint8 { return ClassInclusionController }
func (c *InclusionControllerInitiate) CommandID() uint8    { return ICCmdInitiate }
func (c *InclusionControllerInitiate) MarshalBinary() ([]byte, error) {
	return header(c, c.IncludedNodeID, byte(c.Step)), nil
}

type InclusionControllerComplete struct {
	Step   InclusionStep
	Status InclusionStatus
}

func (c *InclusionControllerComplete) CommandClass() uint8 { return ClassInclusionController }
func (c *InclusionControllerComplete) CommandID() uint8    { return ICCmdComplete }
func (c *InclusionControllerComplete) MarshalBinary() ([]byte, error) {
	return header(c, byte(c.Step), byte(c.Status)), nil
}

var inclusionControllerCommands = []CommandDef{
	{ClassInclusionController, ICCmdInitiate, "InclusionControllerInitiate", func(p []byte) (Command, error) {
		if err := need(p, 2); err != nil {
			return nil, err
		}
		return &InclusionControllerInitiate{IncludedNodeID: p[0], Step: InclusionStep(p[1])}, nil
	}},
	{ClassInclusionController, ICCmdComplete, "InclusionControllerComplete", func(p []byte) (Command, error) {
		if err := need(p, 2); err != nil {
			return nil, err
		}
		return &InclusionControllerComplete{Step: InclusionStep(p[0]), Status: InclusionStatus(p[1])}, nil
	}},
}
