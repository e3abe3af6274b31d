package cc

import (
	"fmt"

	"zwave-go-home/internal/security"
)

// Security 2 commands.
const (
	S2CmdNonceGet             uint8 = 0x01
	S2CmdNonceReport          uint8 = 0x02
	S2CmdMessageEncapsulation uint8 = 0x03
	S2CmdKEXGet               uint8 = 0x04
	S2CmdKEXReport            uint8 = 0x05
	S2CmdKEXSet               uint8 = 0x06
	S2CmdKEXFail              uint8 = 0x07
	S2CmdPublicKeyReport      uint8 = 0x08
	S2CmdNetworkKeyGet        uint8 = 0x09
	S2CmdNetworkKeyReport     uint8 = 0x0A
	S2CmdNetworkKeyVerify     uint8 = 0x0B
	S2CmdTransferEnd          uint8 = 0x0C
)

// KEXScheme is a key exchange scheme. Only scheme 1 exists.
type KEXScheme uint8

const KEXScheme1 KEXScheme = 1

// ECDHProfile is a key exchange curve. Only Curve25519 exists.
type ECDHProfile uint8

const ECDHCurve25519 ECDHProfile = 0

// KEXFailType is the reason code carried by KEXFail.
type KEXFailType uint8

const (
	KEXFailNoKeyMatch            KEXFailType = 0x01
	KEXFailNoSupportedScheme     KEXFailType = 0x02
	KEXFailNoSupportedCurve      KEXFailType = 0x03
	KEXFailDecrypt               KEXFailType = 0x05
	KEXFailBootstrappingCanceled KEXFailType = 0x06
	KEXFailWrongSecurityLevel    KEXFailType = 0x07
	KEXFailKeyNotGranted         KEXFailType = 0x08
	KEXFailNoVerify              KEXFailType = 0x09
	KEXFailDifferentKey          KEXFailType = 0x0A
)

func (t KEXFailType) String() string {
	switch t {
	case KEXFailNoKeyMatch:
		return "NoKeyMatch"
	case KEXFailNoSupportedScheme:
		return "NoSupportedScheme"
	case KEXFailNoSupportedCurve:
		return "NoSupportedCurve"
	case KEXFailDecrypt:
		return "Decrypt"
	case KEXFailBootstrappingCanceled:
		return "BootstrappingCanceled"
	case KEXFailWrongSecurityLevel:
		return "WrongSecurityLevel"
	case KEXFailKeyNotGranted:
		return "KeyNotGranted"
	case KEXFailNoVerify:
		return "NoVerify"
	case KEXFailDifferentKey:
		return "DifferentKey"
	}
	return fmt.Sprintf("KEXFail(0x%02X)", uint8(t))
}

func schemesFromBitmask(b byte) []KEXScheme {
	var out []KEXScheme
	for i := 1; i < 8; i++ {
		if b&(1<<uint(i)) != 0 {
			out = append(out, KEXScheme(i))
		}
	}
	return out
}

func schemesBitmask(s []KEXScheme) byte {
	var b byte
	for _, v := range s {
		b |= 1 << uint(v)
	}
	return b
}

func profilesFromBitmask(b byte) []ECDHProfile {
	var out []ECDHProfile
	for i := 0; i < 8; i++ {
		if b&(1<<uint(i)) != 0 {
			out = append(out, ECDHProfile(i))
		}
	}
	return out
}

func profilesBitmask(p []ECDHProfile) byte {
	var b byte
	for _, v := range p {
		b |= 1 << uint(v)
	}
	return b
}

type S2KEXGet struct{}

func (c *S2KEXGet) CommandClass() uint8 { return ClassSecurity2 }
func (c *S2KEXGet) CommandID() uint8    { return S2CmdKEXGet }
func (c *S2KEXGet) MarshalBinary() ([]byte, error) {
	return header(c), nil
}

// S2KEXReport is sent by the joining node, first in reply to KEXGet and
// again as the echo of the granted parameters.
type S2KEXReport struct {
	Echo             bool
	RequestCSA       bool
	SupportedSchemes []KEXScheme
	SupportedCurves  []ECDHProfile
	RequestedKeys    []security.Class
}

func (c *S2KEXReport) CommandClass() uint8 { return ClassSecurity2 }
func (c *S2KEXReport) CommandID() uint8    { return S2CmdKEXReport }
func (c *S2KEXReport) MarshalBinary() ([]byte, error) {
	var flags byte
	if c.Echo {
		flags |= 0x01
	}
	if c.RequestCSA {
		flags |= 0x02
	}
	return header(c, flags, schemesBitmask(c.SupportedSchemes), profilesBitmask(c.SupportedCurves),
		security.KeyBitmask(c.RequestedKeys)), nil
}

// S2KEXSet carries the granted parameters from the including controller.
type S2KEXSet struct {
	Echo           bool
	PermitCSA      bool
	SelectedScheme KEXScheme
	SelectedCurve  ECDHProfile
	GrantedKeys    []security.Class
}

func (c *S2KEXSet) CommandClass() uint8 { return ClassSecurity2 }
func (c *S2KEXSet) CommandID() uint8    { return S2CmdKEXSet }
func (c *S2KEXSet) MarshalBinary() ([]byte, error) {
	var flags byte
	if c.Echo {
		flags |= 0x01
	}
	if c.PermitCSA {
		flags |= 0x02
	}
	return header(c, flags, 1<<uint(c.SelectedScheme), 1<<uint(c.SelectedCurve),
		security.KeyBitmask(c.GrantedKeys)), nil
}

type S2KEXFail struct {
	Type KEXFailType
}

func (c *S2KEXFail) CommandClass() uint8 { return ClassSecurity2 }
func (c *S2KEXFail) CommandID() uint8    { return S2CmdKEXFail }
func (c *S2KEXFail) MarshalBinary() ([]byte, error) {
	return header(c, byte(c.Type)), nil
}

type S2PublicKeyReport struct {
	IncludingNode bool
	PublicKey     [32]byte
}

func (c *S2PublicKeyReport) CommandClass() uint8 { return ClassSecurity2 }
func (c *S2PublicKeyReport) CommandID() uint8    { return S2CmdPublicKeyReport }
func (c *S2PublicKeyReport) MarshalBinary() ([]byte, error) {
	var flags byte
	if c.IncludingNode {
		flags = 0x01
	}
	return header(c, append([]byte{flags}, c.PublicKey[:]...)...), nil
}

type S2NetworkKeyGet struct {
	RequestedKey security.Class
}

func (c *S2NetworkKeyGet) CommandClass() uint8 { return ClassSecurity2 }
func (c *S2NetworkKeyGet) CommandID() uint8    { return S2CmdNetworkKeyGet }
func (c *S2NetworkKeyGet) MarshalBinary() ([]byte, error) {
	return header(c, security.KeyBitmask([]security.Class{c.RequestedKey})), nil
}

type S2NetworkKeyReport struct {
	GrantedKey security.Class
	Key        [16]byte
}

func (c *S2NetworkKeyReport) CommandClass() uint8 { return ClassSecurity2 }
func (c *S2NetworkKeyReport) CommandID() uint8    { return S2CmdNetworkKeyReport }
func (c *S2NetworkKeyReport) MarshalBinary() ([]byte, error) {
	b := security.KeyBitmask([]security.Class{c.GrantedKey})
	return header(c, append([]byte{b}, c.Key[:]...)...), nil
}

type S2NetworkKeyVerify struct{}

func (c *S2NetworkKeyVerify) CommandClass() uint8 { return ClassSecurity2 }
func (c *S2NetworkKeyVerify) CommandID() uint8    { return S2CmdNetworkKeyVerify }
func (c *S2NetworkKeyVerify) MarshalBinary() ([]byte, error) {
	return header(c), nil
}

type S2TransferEnd struct {
	KeyVerified        bool
	KeyRequestComplete bool
}

func (c *S2TransferEnd) CommandClass() uint8 { return ClassSecurity2 }
func (c *S2TransferEnd) CommandID() uint8    { return S2CmdTransferEnd }
func (c *S2TransferEnd) MarshalBinary() ([]byte, error) {
	var flags byte
	if c.KeyRequestComplete {
		flags |= 0x01
	}
	if c.KeyVerified {
		flags |= 0x02
	}
	return header(c, flags), nil
}

// singleClass decodes a bitmask that must name exactly one class.
func singleClass(b byte) (security.Class, error) {
	cls := security.ClassesFromBitmask(b)
	if len(cls) != 1 {
		return security.ClassNone, fmt.Errorf("key bitmask 0x%02X must name exactly one class", b)
	}
	return cls[0], nil
}

var security2Commands = []CommandDef{
	{ClassSecurity2, S2CmdKEXGet, "KEXGet", func(p []byte) (Command, error) {
		return &S2KEXGet{}, nil
	}},
	{ClassSecurity2, S2CmdKEXReport, "KEXReport", func(p []byte) (Command, error) {
		if err := need(p, 4); err != nil {
			return nil, err
		}
		return &S2KEXReport{
			Echo:             p[0]&0x01 != 0,
			RequestCSA:       p[0]&0x02 != 0,
			SupportedSchemes: schemesFromBitmask(p[1]),
			SupportedCurves:  profilesFromBitmask(p[2]),
			RequestedKeys:    security.ClassesFromBitmask(p[3]),
		}, nil
	}},
	{ClassSecurity2, S2CmdKEXSet, "KEXSet", func(p []byte) (Command, error) {
		if err := need(p, 4); err != nil {
			return nil, err
		}
		c := &S2KEXSet{
			Echo:        p[0]&0x01 != 0,
			PermitCSA:   p[0]&0x02 != 0,
			GrantedKeys: security.ClassesFromBitmask(p[3]),
		}
		if s := schemesFromBitmask(p[1]); len(s) == 1 {
			c.SelectedScheme = s[0]
		}
		if pr := profilesFromBitmask(p[2]); len(pr) == 1 {
			c.SelectedCurve = pr[0]
		}
		return c, nil
	}},
	{ClassSecurity2, S2CmdKEXFail, "KEXFail", func(p []byte) (Command, error) {
		if err := need(p, 1); err != nil {
			return nil, err
		}
		return &S2KEXFail{Type: KEXFailType(p[0])}, nil
	}},
	{ClassSecurity2, S2CmdPublicKeyReport, "PublicKeyReport", func(p []byte) (Command, error) {
		if err := need(p, 33); err != nil {
			return nil, err
		}
		c := &S2PublicKeyReport{IncludingNode: p[0]&0x01 != 0}
		copy(c.PublicKey[:], p[1:33])
		return c, nil
	}},
	{ClassSecurity2, S2CmdNetworkKeyGet, "NetworkKeyGet", func(p []byte) (Command, error) {
		if err := need(p, 1); err != nil {
			return nil, err
		}
		cls, err := singleClass(p[0])
		if err != nil {
			return nil, err
		}
		return &S2NetworkKeyGet{RequestedKey: cls}, nil
	}},
	{ClassSecurity2, S2CmdNetworkKeyReport, "NetworkKeyReport", func(p []byte) (Command, error) {
		if err := need(p, 17); err != nil {
			return nil, err
		}
		cls, err := singleClass(p[0])
		if err != nil {
			return nil, err
		}
		c := &S2NetworkKeyReport{GrantedKey: cls}
		copy(c.Key[:], p[1:17])
		return c, nil
	}},
	{ClassSecurity2, S2CmdNetworkKeyVerify, "NetworkKeyVerify", func(p []byte) (Command, error) {
		return &S2NetworkKeyVerify{}, nil
	}},
	{ClassSecurity2, S2CmdTransferEnd, "TransferEnd", func(p []byte) (Command, error) {
		if err := need(p, 1); err != nil {
			return nil, err
		}
		return &S2TransferEnd{
			KeyRequestComplete: p[0]&0x01 != 0,
			KeyVerified:        p[0]&0x02 != 0,
		}, nil
	}},
}
