// generator.go
//
// Sender side of the cookie mechanism
//
// Contains:
// - MAC1/MAC2 computation for outgoing handshake messages
// - Cookie reply decryption bound to the last MAC1 sent

package cookie

import (
	"errors"
	"sync"
	"time"

	"github.com/drio/wghandshake/noise"
)

// Lifetime is how long a received cookie is used for MAC2
const Lifetime = 2 * time.Minute

// ErrInvalidReply is returned when a cookie reply does not decrypt against
// the most recent MAC1 we sent.
var ErrInvalidReply = errors.New("cookie: invalid cookie reply")

// Generator writes MACs on messages sent to one remote peer and stores the
// cookie that peer hands back under load.
type Generator struct {
	mac1Key       [noise.HashSize]byte
	encryptionKey [noise.KeySize]byte
	now           func() time.Time

	mu          sync.Mutex
	cookie      [noise.MACSize]byte
	cookieTime  time.Time
	hasCookie   bool
	lastMAC1    [noise.MACSize]byte
	hasLastMAC1 bool
}

// NewGenerator derives the MAC keys from the remote static public key
func NewGenerator(remote noise.PublicKey, now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{
		mac1Key:       noise.Hash(labelMAC1, remote[:]),
		encryptionKey: noise.Hash(labelCookie, remote[:]),
		now:           now,
	}
}

// AddMACs fills the trailing MAC1 and MAC2 fields of msg in place. MAC2 is
// left zero unless a cookie younger than Lifetime is held.
func (g *Generator) AddMACs(msg []byte) error {
	if len(msg) < macsSize {
		return ErrShortMessage
	}
	mac1Off := len(msg) - macsSize
	mac2Off := len(msg) - noise.MACSize

	g.mu.Lock()
	defer g.mu.Unlock()

	mac1 := noise.MAC(g.mac1Key[:], msg[:mac1Off])
	copy(msg[mac1Off:], mac1[:])
	g.lastMAC1 = mac1
	g.hasLastMAC1 = true

	if !g.cookieValidLocked() {
		clear(msg[mac2Off:])
		return nil
	}
	mac2 := noise.MAC(g.cookie[:], msg[:mac2Off])
	copy(msg[mac2Off:], mac2[:])
	return nil
}

// ConsumeReply decrypts a cookie reply and stores the cookie for the
// next AddMACs.
func (g *Generator) ConsumeReply(nonce *[noise.XNonceSize]byte, sealed []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.hasLastMAC1 || len(sealed) != SealedSize {
		return ErrInvalidReply
	}
	cookie, err := noise.XOpen(&g.encryptionKey, nonce, sealed, g.lastMAC1[:])
	if err != nil {
		return ErrInvalidReply
	}
	defer noise.ZeroBytes(cookie)

	copy(g.cookie[:], cookie)
	g.cookieTime = g.now()
	g.hasCookie = true
	return nil
}

// HasCookie reports whether the next message will carry a MAC2
func (g *Generator) HasCookie() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cookieValidLocked()
}

func (g *Generator) cookieValidLocked() bool {
	return g.hasCookie && g.now().Sub(g.cookieTime) < Lifetime
}

func (g *Generator) Zero() {
	g.mu.Lock()
	defer g.mu.Unlock()
	noise.ZeroBytes(g.cookie[:])
	g.hasCookie = false
}
