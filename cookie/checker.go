// checker.go
//
// Receiver side of the cookie mechanism
//
// Contains:
// - MAC1 verification keyed by our own static public key
// - MAC2 verification against the current and previous rotating secret
// - Cookie reply creation (XChaCha20Poly1305 sealed cookie)
// - Secret rotation entry point for an external timer

package cookie

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"time"

	"github.com/drio/wghandshake/noise"
)

const (
	DefaultRotationPeriod  = 2 * time.Minute
	DefaultRetentionWindow = 2 * time.Minute

	// MAC1 and MAC2 occupy the last 32 bytes of initiation and response messages
	macsSize = 2 * noise.MACSize

	// SealedSize is the encrypted cookie plus its AEAD tag
	SealedSize = noise.MACSize + noise.TagSize
)

var (
	labelMAC1   = []byte("mac1----")
	labelCookie = []byte("cookie--")
)

var (
	// ErrRandomness is returned when a secret or nonce cannot be generated
	ErrRandomness = errors.New("cookie: random source unavailable")
	// ErrShortMessage is returned for a buffer too small to carry MAC1 and MAC2
	ErrShortMessage = errors.New("cookie: message too short")
	// ErrWiped is returned by a checker whose keys have been zeroed
	ErrWiped = errors.New("cookie: checker has been wiped")
)

// Config holds the checker's secret lifecycle settings. Zero values take
// the defaults.
type Config struct {
	RotationPeriod  time.Duration
	RetentionWindow time.Duration
	Rand            io.Reader
	Now             func() time.Time
}

func (c *Config) setDefaults() {
	if c.RotationPeriod <= 0 {
		c.RotationPeriod = DefaultRotationPeriod
	}
	if c.RetentionWindow <= 0 {
		c.RetentionWindow = DefaultRetentionWindow
	}
	if c.Rand == nil {
		c.Rand = rand.Reader
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type secret struct {
	value   [noise.HashSize]byte
	created time.Time
	retired time.Time
	valid   bool
}

func (s *secret) zero() {
	noise.ZeroBytes(s.value[:])
	s.valid = false
}

// Checker validates MACs on messages addressed to the local identity and
// mints cookies under load. There is one per local static key and it is
// safe for concurrent use.
type Checker struct {
	mac1Key       [noise.HashSize]byte
	encryptionKey [noise.KeySize]byte
	cfg           Config

	mu       sync.RWMutex
	current  secret
	previous secret
	wiped    bool
}

// NewChecker derives the MAC1 and cookie encryption keys from the local
// static public key and generates the first rotating secret.
func NewChecker(local noise.PublicKey, cfg Config) (*Checker, error) {
	cfg.setDefaults()
	c := &Checker{
		mac1Key:       noise.Hash(labelMAC1, local[:]),
		encryptionKey: noise.Hash(labelCookie, local[:]),
		cfg:           cfg,
	}
	if err := c.Rotate(); err != nil {
		return nil, err
	}
	return c, nil
}

// CheckMAC1 verifies the always-required tag over the bytes preceding it
func (c *Checker) CheckMAC1(msg []byte) bool {
	if len(msg) < macsSize {
		return false
	}
	mac1Off := len(msg) - macsSize
	var got [noise.MACSize]byte
	copy(got[:], msg[mac1Off:])

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.wiped {
		return false
	}
	return noise.EqualMAC(noise.MAC(c.mac1Key[:], msg[:mac1Off]), got)
}

// CheckMAC2 verifies the cookie tag against a cookie recomputed for src
// under every secret that is still within its validity window.
func (c *Checker) CheckMAC2(msg []byte, src netip.AddrPort) bool {
	if len(msg) < macsSize {
		return false
	}
	mac2Off := len(msg) - noise.MACSize
	var got [noise.MACSize]byte
	copy(got[:], msg[mac2Off:])

	addr, err := src.MarshalBinary()
	if err != nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.cfg.Now()
	ok := false
	for _, s := range c.usable(now) {
		cookie := noise.MAC(s.value[:], addr)
		if noise.EqualMAC(noise.MAC(cookie[:], msg[:mac2Off]), got) {
			ok = true
		}
		noise.ZeroBytes(cookie[:])
	}
	return ok
}

// usable lists the secrets a cookie may have been minted from at now.
// A current secret past its rotation period counts as retired at
// created+RotationPeriod, so a late Rotate does not shorten its life.
// Caller holds mu.
func (c *Checker) usable(now time.Time) []*secret {
	var out []*secret
	if c.current.valid && now.Sub(c.current.created) <= c.cfg.RotationPeriod+c.cfg.RetentionWindow {
		out = append(out, &c.current)
	}
	if c.previous.valid && now.Sub(c.previous.retired) <= c.cfg.RetentionWindow {
		out = append(out, &c.previous)
	}
	return out
}

// CreateReply builds the encrypted cookie for the sender of msg at src.
// The AAD is the MAC1 of msg so the reply only decrypts for the
// initiator that produced that exact message.
func (c *Checker) CreateReply(msg []byte, src netip.AddrPort) (nonce [noise.XNonceSize]byte, sealed [SealedSize]byte, err error) {
	if len(msg) < macsSize {
		return nonce, sealed, ErrShortMessage
	}
	addr, err := src.MarshalBinary()
	if err != nil {
		return nonce, sealed, fmt.Errorf("cookie: source address: %w", err)
	}

	c.mu.Lock()
	if c.wiped {
		c.mu.Unlock()
		return nonce, sealed, ErrWiped
	}
	if now := c.cfg.Now(); now.Sub(c.current.created) > c.cfg.RotationPeriod {
		if err := c.rotateLocked(now); err != nil {
			c.mu.Unlock()
			return nonce, sealed, err
		}
	}
	cookie := noise.MAC(c.current.value[:], addr)
	c.mu.Unlock()
	defer noise.ZeroBytes(cookie[:])

	if _, err := io.ReadFull(c.cfg.Rand, nonce[:]); err != nil {
		return nonce, sealed, fmt.Errorf("%w: %w", ErrRandomness, err)
	}

	mac1Off := len(msg) - macsSize
	ct := noise.XSeal(&c.encryptionKey, &nonce, cookie[:], msg[mac1Off:mac1Off+noise.MACSize])
	copy(sealed[:], ct)
	return nonce, sealed, nil
}

// Rotate retires the current secret and generates a new one. The old
// previous secret is wiped.
func (c *Checker) Rotate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wiped {
		return ErrWiped
	}
	return c.rotateLocked(c.cfg.Now())
}

func (c *Checker) rotateLocked(now time.Time) error {
	var next secret
	if _, err := io.ReadFull(c.cfg.Rand, next.value[:]); err != nil {
		next.zero()
		return fmt.Errorf("%w: %w", ErrRandomness, err)
	}
	next.created = now
	next.valid = true

	c.previous.zero()
	if c.current.valid {
		c.previous = c.current
		c.previous.retired = now
		if due := c.current.created.Add(c.cfg.RotationPeriod); due.Before(now) {
			c.previous.retired = due
		}
	}
	c.current = next
	next.zero()
	return nil
}

// Zero wipes every secret held by the checker. Afterwards every MAC check
// fails and CreateReply and Rotate return ErrWiped.
func (c *Checker) Zero() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wiped = true
	c.current.zero()
	c.previous.zero()
	noise.ZeroBytes(c.mac1Key[:], c.encryptionKey[:])
}
