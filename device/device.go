// device.go
//
// Handshake device: one local identity, its peers and a UDP socket
//
// Contains:
// - Device configuration and construction
// - Pending initiator handshakes keyed by local index
// - Session hand-off to the transport layer
// - Shutdown coordination

package device

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/drio/wghandshake/conn"
	"github.com/drio/wghandshake/cookie"
	"github.com/drio/wghandshake/handshake"
	"github.com/drio/wghandshake/noise"
	"github.com/drio/wghandshake/replay"
)

// PeerConfig describes one remote peer. Endpoint may be left invalid for
// peers that only ever initiate to us.
type PeerConfig struct {
	PublicKey    noise.PublicKey
	PresharedKey noise.PresharedKey
	Endpoint     netip.AddrPort
}

// Config holds configuration for creating a Device
type Config struct {
	PrivateKey noise.PrivateKey
	Peers      []PeerConfig

	// QueueSize bounds the handshake messages waiting for the main loop.
	// The device considers itself under load once LoadThreshold of them
	// are queued, unless UnderLoad overrides the policy.
	QueueSize     int
	LoadThreshold int
	UnderLoad     func() bool

	CookieRotation  time.Duration
	CookieRetention time.Duration
	RekeyTimeout    time.Duration

	Rand    io.Reader
	Now     func() time.Time
	Logger  *logrus.Entry
	Metrics *Metrics
}

// Zero wipes the private and preshared keys held by the config
func (c *Config) Zero() {
	c.PrivateKey.Zero()
	for i := range c.Peers {
		c.Peers[i].PresharedKey.Zero()
	}
}

func (c *Config) setDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = HandshakeQueueSize
	}
	if c.LoadThreshold <= 0 {
		c.LoadThreshold = c.QueueSize / 8
		if c.LoadThreshold == 0 {
			c.LoadThreshold = 1
		}
	}
	if c.CookieRotation <= 0 {
		c.CookieRotation = cookie.DefaultRotationPeriod
	}
	if c.CookieRetention <= 0 {
		c.CookieRetention = cookie.DefaultRetentionWindow
	}
	if c.RekeyTimeout <= 0 {
		c.RekeyTimeout = REKEY_TIMEOUT
	}
	if c.Rand == nil {
		c.Rand = rand.Reader
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
}

// Session is a completed handshake handed to the transport layer, which
// owns the keys from then on.
type Session struct {
	Keys     *handshake.SessionKeys
	Endpoint netip.AddrPort
}

// pendingHandshake is an initiation we sent and have not had answered.
// hs is nil while the initiation is being built.
type pendingHandshake struct {
	hs       *handshake.Handshake
	peer     *handshake.Peer
	endpoint netip.AddrPort
	retried  bool
}

// Device runs the handshake side of a WireGuard interface
type Device struct {
	mutex sync.RWMutex // Protects pending, initiating and endpoints

	engine *handshake.Engine
	udp    conn.UDPConn

	pending    map[uint32]*pendingHandshake
	initiating map[noise.PublicKey]uint32
	endpoints  map[noise.PublicKey]netip.AddrPort

	handshakeEvents chan HandshakeEvent
	sessions        chan Session

	loadThreshold  int
	underLoad      func() bool
	cookieRotation time.Duration
	rekeyTimeout   time.Duration
	rand           io.Reader
	now            func() time.Time
	logger         *logrus.Entry
	metrics        *Metrics

	done      chan struct{}
	stopped   chan struct{}
	running   atomic.Bool
	closeOnce sync.Once
}

// New creates a device on udp with the configured identity and peers
func New(udp conn.UDPConn, cfg Config) (*Device, error) {
	cfg.setDefaults()
	defer cfg.PrivateKey.Zero()

	d := &Device{
		udp:             udp,
		pending:         make(map[uint32]*pendingHandshake),
		initiating:      make(map[noise.PublicKey]uint32),
		endpoints:       make(map[noise.PublicKey]netip.AddrPort),
		handshakeEvents: make(chan HandshakeEvent, cfg.QueueSize),
		sessions:        make(chan Session, SessionBuffer),
		loadThreshold:   cfg.LoadThreshold,
		underLoad:       cfg.UnderLoad,
		cookieRotation:  cfg.CookieRotation,
		rekeyTimeout:    cfg.RekeyTimeout,
		rand:            cfg.Rand,
		now:             cfg.Now,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		done:            make(chan struct{}),
		stopped:         make(chan struct{}),
	}
	if d.underLoad == nil {
		d.underLoad = d.queueUnderLoad
	}

	local := cfg.PrivateKey.PublicKey()
	cookies, err := cookie.NewChecker(local, cookie.Config{
		RotationPeriod:  cfg.CookieRotation,
		RetentionWindow: cfg.CookieRetention,
		Rand:            cfg.Rand,
		Now:             cfg.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("device: cookie checker: %w", err)
	}

	d.engine, err = handshake.NewEngine(handshake.Config{
		PrivateKey: cfg.PrivateKey,
		Replay:     replay.NewGuard(cfg.Logger),
		Cookies:    cookies,
		UnderLoad:  d.underLoad,
		Rand:       cfg.Rand,
		Now:        cfg.Now,
		Logger:     cfg.Logger,
	})
	if err != nil {
		cookies.Zero()
		return nil, fmt.Errorf("device: %w", err)
	}

	for _, pc := range cfg.Peers {
		if _, err := d.engine.AddPeer(pc.PublicKey, pc.PresharedKey); err != nil {
			d.wipe()
			return nil, fmt.Errorf("device: %w", err)
		}
		if pc.Endpoint.IsValid() {
			d.endpoints[pc.PublicKey] = pc.Endpoint
		}
	}

	d.logger.WithFields(logrus.Fields{
		"public_key": local.String(),
		"peers":      len(cfg.Peers),
	}).Info("Device created")
	return d, nil
}

// queueUnderLoad is the default load policy: too many handshakes waiting
func (d *Device) queueUnderLoad() bool {
	return len(d.handshakeEvents) >= d.loadThreshold
}

// Engine returns the handshake engine for inspection in tests and tools
func (d *Device) Engine() *handshake.Engine {
	return d.engine
}

// UDP returns the UDP connection interface for testing
func (d *Device) UDP() conn.UDPConn {
	return d.udp
}

// Sessions delivers established sessions. A session that finds the
// channel full is dropped and its keys are wiped.
func (d *Device) Sessions() <-chan Session {
	return d.sessions
}

// Done returns the done channel for shutdown coordination
func (d *Device) Done() <-chan struct{} {
	return d.done
}

// Endpoint returns the last known address of peer
func (d *Device) Endpoint(peer noise.PublicKey) (netip.AddrPort, bool) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	ep, ok := d.endpoints[peer]
	return ep, ok
}

// PendingCount returns the number of initiations awaiting an answer
func (d *Device) PendingCount() int {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return len(d.pending)
}

// Close stops the event loop and closes the socket. Secrets are wiped once
// the loop has exited, or right away if it never ran.
func (d *Device) Close() error {
	var closeErr error
	d.closeOnce.Do(func() {
		close(d.done)
		if d.udp != nil {
			closeErr = d.udp.Close()
		}
		if d.running.Load() {
			<-d.stopped
		} else {
			d.wipe()
		}
	})
	return closeErr
}

// wipe abandons every pending handshake and zeroes the engine's keys
func (d *Device) wipe() {
	d.mutex.Lock()
	pending := d.pending
	d.pending = make(map[uint32]*pendingHandshake)
	clear(d.initiating)
	d.mutex.Unlock()

	for _, p := range pending {
		if p.hs != nil {
			p.hs.Zero()
		}
	}
	d.engine.Cookies().Zero()
	d.engine.Zero()
	d.metrics.Pending(0)
}

// Initiate starts a handshake with peer at its known endpoint. It is a no-op
// while an initiation to the same peer is already pending.
func (d *Device) Initiate(peer noise.PublicKey) error {
	p := d.engine.LookupPeer(peer)
	if p == nil {
		return fmt.Errorf("device: %w: %s", handshake.ErrUnknownPeer, peer)
	}
	endpoint, ok := d.Endpoint(peer)
	if !ok {
		return fmt.Errorf("device: no endpoint for peer %s", peer)
	}
	return d.initiate(p, endpoint, false)
}

func (d *Device) initiate(peer *handshake.Peer, endpoint netip.AddrPort, retried bool) error {
	pub := peer.PublicKey()
	log := d.logger.WithFields(logrus.Fields{
		"peer":     pub.String(),
		"endpoint": endpoint.String(),
	})

	// Reserve an index under the lock, build the message without it
	d.mutex.Lock()
	if _, busy := d.initiating[pub]; busy {
		d.mutex.Unlock()
		log.Debug("Handshake already in progress - skipping initiation")
		return nil
	}
	index, err := d.newIndexLocked()
	if err != nil {
		d.mutex.Unlock()
		return fmt.Errorf("device: %w: %w", handshake.ErrRandomnessUnavailable, err)
	}
	p := &pendingHandshake{peer: peer, endpoint: endpoint, retried: retried}
	d.pending[index] = p
	d.initiating[pub] = index
	d.mutex.Unlock()

	msg, hs, err := d.engine.CreateMessageInitiation(peer, index)
	if err != nil {
		d.abandon(index)
		d.metrics.Initiation(dirSent, err)
		return fmt.Errorf("device: failed to create handshake initiation: %w", err)
	}

	d.mutex.Lock()
	p.hs = hs
	n := len(d.pending)
	d.mutex.Unlock()
	d.metrics.Pending(n)

	raw := msg.Marshal()
	if _, err := d.udp.WriteToUDPAddrPort(raw, endpoint); err != nil {
		d.abandon(index)
		d.metrics.Initiation(dirSent, err)
		return fmt.Errorf("device: failed to send handshake initiation: %w", err)
	}
	d.metrics.Initiation(dirSent, nil)

	log.WithFields(logrus.Fields{
		"index":  index,
		"cookie": peer.HasCookie(),
	}).Infof("Sent handshake initiation (%d bytes)", len(raw))
	return nil
}

// newIndexLocked picks a random non-zero index not used by a pending handshake
func (d *Device) newIndexLocked() (uint32, error) {
	var b [4]byte
	for {
		if _, err := io.ReadFull(d.rand, b[:]); err != nil {
			return 0, err
		}
		index := binary.LittleEndian.Uint32(b[:])
		if index == 0 {
			continue
		}
		if _, used := d.pending[index]; !used {
			return index, nil
		}
	}
}

func (d *Device) newIndex() (uint32, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.newIndexLocked()
}

// take removes the pending handshake for index and hands ownership to the caller
func (d *Device) take(index uint32) *pendingHandshake {
	d.mutex.Lock()
	p, ok := d.pending[index]
	if ok {
		delete(d.pending, index)
		if cur, ok := d.initiating[p.peer.PublicKey()]; ok && cur == index {
			delete(d.initiating, p.peer.PublicKey())
		}
	}
	n := len(d.pending)
	d.mutex.Unlock()

	d.metrics.Pending(n)
	return p
}

// abandon drops a pending handshake and wipes it
func (d *Device) abandon(index uint32) {
	if p := d.take(index); p != nil && p.hs != nil {
		p.hs.Zero()
	}
}

// expirePending abandons initiations that went unanswered for too long
func (d *Device) expirePending() {
	now := d.now()

	d.mutex.RLock()
	var expired []uint32
	for index, p := range d.pending {
		if p.hs != nil && now.Sub(p.hs.Created()) > d.rekeyTimeout {
			expired = append(expired, index)
		}
	}
	d.mutex.RUnlock()

	for _, index := range expired {
		d.abandon(index)
		d.metrics.Dropped("handshake_timeout")
		d.logger.WithField("index", index).Info("Handshake timed out - pending state discarded")
	}
}

func (d *Device) setEndpoint(peer noise.PublicKey, addr netip.AddrPort) {
	d.mutex.Lock()
	d.endpoints[peer] = addr
	d.mutex.Unlock()
}

// deliver hands a session to the transport layer without blocking
func (d *Device) deliver(s Session) {
	role := handshake.RoleResponder
	if s.Keys.IsInitiator {
		role = handshake.RoleInitiator
	}
	d.metrics.Session(role.String())

	log := d.logger.WithFields(logrus.Fields{
		"peer":     s.Keys.Peer.String(),
		"endpoint": s.Endpoint.String(),
		"role":     role.String(),
		"local":    s.Keys.LocalIndex,
		"remote":   s.Keys.RemoteIndex,
	})

	select {
	case d.sessions <- s:
		log.Info("Session established")
	default:
		s.Keys.Zero()
		d.metrics.Dropped("session_queue_full")
		log.Warn("Session dropped - no consumer, keys wiped")
	}
}
