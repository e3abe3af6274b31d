package cc

// Security (S0) commands.
const (
	S0CmdCommandsSupportedGet    uint8 = 0x02
	S0CmdCommandsSupportedReport uint8 = 0x03
	S0CmdSchemeGet               uint8 = 0x04
	S0CmdSchemeReport            uint8 = 0x05
	S0CmdNetworkKeySet           uint8 = 0x06
	S0CmdNetworkKeyVerify        uint8 = 0x07
	S0CmdSchemeInherit           uint8 = 0x08
	S0CmdNonceGet                uint8 = 0x40
	S0CmdNonceReport             uint8 = 0x80
	S0CmdMessageEncapsulation    uint8 = 0x81
)

// S0NonceSize is the length of an S0 receiver nonce.
const S0NonceSize = 8

type S0SchemeGet struct {
	// SupportedSchemes is always 0 (scheme 0 only).
	SupportedSchemes uint8
}

func (c *S0SchemeGet) CommandClass() uint8 { return ClassSecurity }
func (c *S0SchemeGet) CommandID() uint8    { return S0CmdSchemeGet }
func (c *S0SchemeGet) MarshalBinary() ([]byte, error) {
	return header(c, c.SupportedSchemes), nil
}

type S0SchemeReport struct {
	SupportedSchemes uint8
}

func (c *S0SchemeReport) CommandClass() uint8 { return ClassSecurity }
func (c *S0SchemeReport) CommandID() uint8    { return S0CmdSchemeReport }
func (c *S0SchemeReport) MarshalBinary() ([]byte, error) {
	return header(c, c.SupportedSchemes), nil
}

type S0NetworkKeySet struct {
	Key [16]byte
}

func (c *S0NetworkKeySet) CommandClass() uint8 { return ClassSecurity }
func (c *S0NetworkKeySet) CommandID() uint8    { return S0CmdNetworkKeySet }
func (c *S0NetworkKeySet) MarshalBinary() ([]byte, error) {
	return header(c, c.Key[:]...), nil
}

type S0NetworkKeyVerify struct{}

func (c *S0NetworkKeyVerify) CommandClass() uint8 { return ClassSecurity }
func (c *S0NetworkKeyVerify) CommandID() uint8    { return S0CmdNetworkKeyVerify }
func (c *S0NetworkKeyVerify) MarshalBinary() ([]byte, error) {
	return header(c), nil
}

type S0SchemeInherit struct {
	SupportedSchemes uint8
}

func (c *S0SchemeInherit) CommandClass() uint8 { return ClassSecurity }
func (c *S0SchemeInherit) CommandID() uint8    { return S0CmdSchemeInherit }
func (c *S0SchemeInherit) MarshalBinary() ([]byte, error) {
	return header(c, c.SupportedSchemes), nil
}

type S0NonceGet struct{}

func (c *S0NonceGet) CommandClass() uint8 { return ClassSecurity }
func (c *S0NonceGet) CommandID() uint8    { return S0CmdNonceGet }
func (c *S0NonceGet) MarshalBinary() ([]byte, error) {
	return header(c), nil
}

type S0NonceReport struct {
	Nonce [S0NonceSize]byte
}

func (c *S0NonceReport) CommandClass() uint8 { return ClassSecurity }
func (c *S0NonceReport) CommandID() uint8    { return S0CmdNonceReport }
func (c *S0NonceReport) MarshalBinary() ([]byte, error) {
	return header(c, c.Nonce[:]...), nil
}

var security0Commands = []CommandDef{
	{ClassSecurity, S0CmdSchemeGet, "SecuritySchemeGet", func(p []byte) (Command, error) {
		if err := need(p, 1); err != nil {
			return nil, err
		}
		return &S0SchemeGet{SupportedSchemes: p[0]}, nil
	}},
	{ClassSecurity, S0CmdSchemeReport, "SecuritySchemeReport", func(p []byte) (Command, error) {
		// Some nodes omit the schemes byte.
		c := &S0SchemeReport{}
		if len(p) > 0 {
			c.SupportedSchemes = p[0]
		}
		return c, nil
	}},
	{ClassSecurity, S0CmdNetworkKeySet, "NetworkKeySet", func(p []byte) (Command, error) {
		if err := need(p, 16); err != nil {
			return nil, err
		}
		c := &S0NetworkKeySet{}
		copy(c.Key[:], p)
		return c, nil
	}},
	{ClassSecurity, S0CmdNetworkKeyVerify, "NetworkKeyVerify", func(p []byte) (Command, error) {
		return &S0NetworkKeyVerify{}, nil
	}},
	{ClassSecurity, S0CmdSchemeInherit, "SecuritySchemeInherit", func(p []byte) (Command, error) {
		c := &S0SchemeInherit{}
		if len(p) > 0 {
			c.SupportedSchemes = p[0]
		}
		return c, nil
	}},
	{ClassSecurity, S0CmdNonceGet, "SecurityNonceGet", func(p []byte) (Command, error) {
		return &S0NonceGet{}, nil
	}},
	{ClassSecurity, S0CmdNonceReport, "SecurityNonceReport", func(p []byte) (Command, error) {
		if err := need(p, S0NonceSize); err != nil {
			return nil, err
		}
		c := &S0NonceReport{}
		copy(c.Nonce[:], p)
		return c, nil
	}},
}
