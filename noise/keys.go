// keys.go
//
// Curve25519 key types and Diffie-Hellman
//
// Contains:
// - Private, public and preshared key types with base64 text encoding
// - Key pair generation from an injected random source
// - X25519 shared secret computation with low-order point rejection
// - Zeroization of private material

package noise

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

const (
	KeySize = 32
)

var (
	// ErrRandomness is returned when the secure random source fails
	ErrRandomness = errors.New("noise: random source unavailable")
	// ErrLowOrderPoint is returned when a DH produces the all-zero output
	ErrLowOrderPoint = errors.New("noise: low order public key")
	// ErrKeySize occurs when decoding a key of the wrong length
	ErrKeySize = errors.New("noise: key size should be 32")
)

type (
	PrivateKey   [KeySize]byte
	PublicKey    [KeySize]byte
	PresharedKey [KeySize]byte
)

// KeyPair is a Curve25519 key pair. Ephemeral pairs live for one handshake
// attempt and are zeroed by their owner.
type KeyPair struct {
	Private PrivateKey
	Public  PublicKey
}

// GenerateKeyPair creates a new Curve25519 keypair from r
func GenerateKeyPair(r io.Reader) (KeyPair, error) {
	var kp KeyPair
	if _, err := io.ReadFull(r, kp.Private[:]); err != nil {
		kp.Zero()
		return kp, fmt.Errorf("%w: %w", ErrRandomness, err)
	}
	kp.Private.clamp()
	kp.Public = kp.Private.PublicKey()
	return kp, nil
}

// Zero wipes the private half of the pair
func (kp *KeyPair) Zero() {
	kp.Private.Zero()
}

func (sk *PrivateKey) clamp() {
	sk[0] &= 248
	sk[31] = (sk[31] & 127) | 64
}

// PublicKey derives the public key for sk
func (sk *PrivateKey) PublicKey() PublicKey {
	var pk PublicKey
	curve25519.ScalarBaseMult((*[32]byte)(&pk), (*[32]byte)(sk))
	return pk
}

// SharedSecret performs X25519(sk, pk). The result is secret; the caller wipes it.
func (sk *PrivateKey) SharedSecret(pk PublicKey) ([KeySize]byte, error) {
	var ss [KeySize]byte
	out, err := curve25519.X25519(sk[:], pk[:])
	if err != nil {
		return ss, fmt.Errorf("%w: %w", ErrLowOrderPoint, err)
	}
	copy(ss[:], out)
	ZeroBytes(out)
	return ss, nil
}

func (sk *PrivateKey) IsZero() bool {
	var zero PrivateKey
	return subtle.ConstantTimeCompare(sk[:], zero[:]) == 1
}

func (sk *PrivateKey) Zero() {
	ZeroBytes(sk[:])
}

func (psk *PresharedKey) Zero() {
	ZeroBytes(psk[:])
}

func (psk *PresharedKey) IsZero() bool {
	var zero PresharedKey
	return subtle.ConstantTimeCompare(psk[:], zero[:]) == 1
}

func (pk PublicKey) IsZero() bool {
	return pk == PublicKey{}
}

func (pk PublicKey) Equals(other PublicKey) bool {
	return subtle.ConstantTimeCompare(pk[:], other[:]) == 1
}

func (pk PublicKey) String() string {
	return base64.StdEncoding.EncodeToString(pk[:])
}

func (sk PrivateKey) String() string {
	return base64.StdEncoding.EncodeToString(sk[:])
}

func (psk PresharedKey) String() string {
	return base64.StdEncoding.EncodeToString(psk[:])
}

func decodeKey(dst []byte, s string) error {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("noise: invalid base64 key: %w", err)
	}
	defer ZeroBytes(b)
	if len(b) != KeySize {
		return ErrKeySize
	}
	copy(dst, b)
	return nil
}

// ParsePrivateKey decodes a base64 private key and clamps it
func ParsePrivateKey(s string) (PrivateKey, error) {
	var sk PrivateKey
	if err := decodeKey(sk[:], s); err != nil {
		return sk, err
	}
	sk.clamp()
	return sk, nil
}

func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	err := decodeKey(pk[:], s)
	return pk, err
}

func ParsePresharedKey(s string) (PresharedKey, error) {
	var psk PresharedKey
	err := decodeKey(psk[:], s)
	return psk, err
}

// UnmarshalText lets keys be decoded straight from text config formats
func (sk *PrivateKey) UnmarshalText(text []byte) error {
	k, err := ParsePrivateKey(string(text))
	if err != nil {
		return err
	}
	*sk = k
	return nil
}

func (pk *PublicKey) UnmarshalText(text []byte) error {
	k, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*pk = k
	return nil
}

func (psk *PresharedKey) UnmarshalText(text []byte) error {
	k, err := ParsePresharedKey(string(text))
	if err != nil {
		return err
	}
	*psk = k
	return nil
}
