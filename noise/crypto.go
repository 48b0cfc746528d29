// crypto.go
//
// Cryptographic primitives and key derivation functions
//
// Contains:
// - BLAKE2s hashing, keyed MAC and HMAC
// - HKDF key derivation (KDF1, KDF2, KDF3 from the Noise protocol)
// - ChaCha20Poly1305 and XChaCha20Poly1305 AEAD
// - Secret buffer zeroization

package noise

import (
	"crypto/hmac"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"runtime"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	HashSize   = blake2s.Size
	MACSize    = blake2s.Size128
	TagSize    = chacha20poly1305.Overhead
	XNonceSize = chacha20poly1305.NonceSizeX
)

// ErrOpen is returned when an AEAD tag does not verify
var ErrOpen = errors.New("noise: message authentication failed")

// Hash computes the unkeyed BLAKE2s-256 of the concatenated inputs
func Hash(inputs ...[]byte) [HashSize]byte {
	var sum [HashSize]byte
	h, _ := blake2s.New256(nil)
	for _, in := range inputs {
		h.Write(in)
	}
	h.Sum(sum[:0])
	return sum
}

// MAC computes keyed BLAKE2s with a 16-byte output. It backs MAC1, MAC2
// and cookie derivation.
func MAC(key []byte, inputs ...[]byte) [MACSize]byte {
	var sum [MACSize]byte
	h, err := blake2s.New128(key)
	if err != nil {
		// only reachable with an empty or oversized key, which no caller passes
		panic(fmt.Sprintf("noise: blake2s mac key: %v", err))
	}
	for _, in := range inputs {
		h.Write(in)
	}
	h.Sum(sum[:0])
	return sum
}

// EqualMAC compares two tags in constant time
func EqualMAC(a, b [MACSize]byte) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

func blake2s256() hash.Hash {
	h, _ := blake2s.New256(nil)
	return h
}

// HMAC computes HMAC-BLAKE2s-256
func HMAC(key []byte, inputs ...[]byte) [HashSize]byte {
	var sum [HashSize]byte
	mac := hmac.New(blake2s256, key)
	for _, in := range inputs {
		mac.Write(in)
	}
	mac.Sum(sum[:0])
	return sum
}

// KDF1 derives one key using HKDF.
//
// The chaining key is a running ledger of the handshake: every DH result and
// public key is extracted into it, and the final value carries evidence of
// every step that came before.
func KDF1(key []byte, input []byte) (t0 [HashSize]byte) {
	prk := HMAC(key, input)
	defer ZeroBytes(prk[:])
	t0 = HMAC(prk[:], []byte{0x1})
	return
}

// KDF2 derives two keys using HKDF
func KDF2(key []byte, input []byte) (t0, t1 [HashSize]byte) {
	prk := HMAC(key, input)
	defer ZeroBytes(prk[:])
	t0 = HMAC(prk[:], []byte{0x1})
	t1 = HMAC(prk[:], t0[:], []byte{0x2})
	return
}

// KDF3 derives three keys using HKDF
func KDF3(key []byte, input []byte) (t0, t1, t2 [HashSize]byte) {
	prk := HMAC(key, input)
	defer ZeroBytes(prk[:])
	t0 = HMAC(prk[:], []byte{0x1})
	t1 = HMAC(prk[:], t0[:], []byte{0x2})
	t2 = HMAC(prk[:], t1[:], []byte{0x3})
	return
}

// Seal encrypts plaintext with ChaCha20Poly1305.
// WireGuard nonce format: 4 bytes zeros + 8 bytes little-endian counter.
func Seal(key *[KeySize]byte, counter uint64, plaintext, additionalData []byte) []byte {
	aead, _ := chacha20poly1305.New(key[:])
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	return aead.Seal(nil, nonce[:], plaintext, additionalData)
}

// Open verifies and decrypts a ChaCha20Poly1305 ciphertext
func Open(key *[KeySize]byte, counter uint64, ciphertext, additionalData []byte) ([]byte, error) {
	aead, _ := chacha20poly1305.New(key[:])
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, additionalData)
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}

// XSeal encrypts with XChaCha20Poly1305 under a random 24-byte nonce
func XSeal(key *[KeySize]byte, nonce *[XNonceSize]byte, plaintext, additionalData []byte) []byte {
	aead, _ := chacha20poly1305.NewX(key[:])
	return aead.Seal(nil, nonce[:], plaintext, additionalData)
}

func XOpen(key *[KeySize]byte, nonce *[XNonceSize]byte, ciphertext, additionalData []byte) ([]byte, error) {
	aead, _ := chacha20poly1305.NewX(key[:])
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, additionalData)
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}

// ZeroBytes fills all slices passed in with zeros.
func ZeroBytes(bufs ...[]byte) {
	for _, b := range bufs {
		clear(b)
		runtime.KeepAlive(b)
	}
}
