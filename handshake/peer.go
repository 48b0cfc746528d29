package handshake

import (
	"sync"
	"time"

	"github.com/drio/wghandshake/cookie"
	"github.com/drio/wghandshake/noise"
)

// Peer is a remote static identity known to the engine
type Peer struct {
	publicKey noise.PublicKey
	cookies   *cookie.Generator

	mu           sync.RWMutex
	presharedKey noise.PresharedKey
}

func newPeer(pub noise.PublicKey, psk noise.PresharedKey, now func() time.Time) *Peer {
	return &Peer{
		publicKey:    pub,
		presharedKey: psk,
		cookies:      cookie.NewGenerator(pub, now),
	}
}

func (p *Peer) PublicKey() noise.PublicKey {
	return p.publicKey
}

// HasCookie reports whether the next message to this peer will carry a MAC2
func (p *Peer) HasCookie() bool {
	return p.cookies.HasCookie()
}

// HasPresharedKey reports whether a non-zero preshared key is mixed into
// handshakes with this peer
func (p *Peer) HasPresharedKey() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.presharedKey.IsZero()
}

// psk returns a copy the caller must wipe
func (p *Peer) psk() noise.PresharedKey {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.presharedKey
}

func (p *Peer) setPresharedKey(psk noise.PresharedKey) {
	p.mu.Lock()
	p.presharedKey = psk
	p.mu.Unlock()
}

// addMACs writes MAC1/MAC2 over the marshaled message and copies them back
func (p *Peer) addMACs(buf []byte, mac1, mac2 *[noise.MACSize]byte) error {
	if err := p.cookies.AddMACs(buf); err != nil {
		return err
	}
	n := len(buf)
	copy(mac1[:], buf[n-2*noise.MACSize:n-noise.MACSize])
	copy(mac2[:], buf[n-noise.MACSize:])
	return nil
}

func (p *Peer) zero() {
	p.mu.Lock()
	p.presharedKey.Zero()
	p.mu.Unlock()
	p.cookies.Zero()
}
