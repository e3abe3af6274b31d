package security

import (
	"crypto/aes"
	"fmt"
	"io"

	"github.com/aead/cmac"
	"golang.org/x/crypto/curve25519"
)

// KeyPair is an X25519 key pair used for one S2 key exchange.
type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateKeyPair creates a fresh X25519 key pair from rand.
func GenerateKeyPair(rand io.Reader) (KeyPair, error) {
	var kp KeyPair
	if _, err := io.ReadFull(rand, kp.Private[:]); err != nil {
		return kp, fmt.Errorf("generate private key: %w", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return kp, fmt.Errorf("derive public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedSecret computes the X25519 shared secret with a peer public key.
func (kp KeyPair) SharedSecret(peer [32]byte) ([32]byte, error) {
	var out [32]byte
	s, err := curve25519.X25519(kp.Private[:], peer[:])
	if err != nil {
		return out, fmt.Errorf("ecdh: %w", err)
	}
	copy(out[:], s)
	return out, nil
}

var (
	constPRK = repeat(0x33, KeySize)
	constTE  = repeat(0x88, 15)
)

func repeat(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func cmacSum(key, msg []byte) [KeySize]byte {
	var out [KeySize]byte
	block, err := aes.NewCipher(key)
	if err != nil {
		// key is always KeySize bytes here
		panic(err)
	}
	sum, err := cmac.Sum(msg, block, KeySize)
	if err != nil {
		panic(err)
	}
	copy(out[:], sum)
	return out
}

// ComputePRK runs the CKDF extract step over the ECDH shared secret and
// both public keys. pubA is the including controller's key, pubB the
// joining node's.
func ComputePRK(secret, pubA, pubB [32]byte) [KeySize]byte {
	msg := make([]byte, 0, 96)
	msg = append(msg, secret[:]...)
	msg = append(msg, pubA[:]...)
	msg = append(msg, pubB[:]...)
	return cmacSum(constPRK, msg)
}

// expand runs the three-round CKDF expand step with the given constant.
func expand(prk [KeySize]byte, constant []byte) (t1, t2, t3 [KeySize]byte) {
	msg := append(append([]byte(nil), constant...), 0x01)
	t1 = cmacSum(prk[:], msg)

	msg = append(append(append([]byte(nil), t1[:]...), constant...), 0x02)
	t2 = cmacSum(prk[:], msg)

	msg = append(append(append([]byte(nil), t2[:]...), constant...), 0x03)
	t3 = cmacSum(prk[:], msg)
	return
}

// DeriveTempKey derives the temporary CCM key and personalization string
// from the PRK of a key exchange.
func DeriveTempKey(prk [KeySize]byte) TempKey {
	t1, t2, t3 := expand(prk, constTE)
	var tk TempKey
	tk.CCM = t1
	copy(tk.Personalization[:16], t2[:])
	copy(tk.Personalization[16:], t3[:])
	return tk
}
