// engine.go
//
// Local identity and its shared guards
//
// Contains:
// - Engine configuration and construction
// - In-memory peer table
// - MAC checking and the load shedding branch for incoming initiations

package handshake

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/drio/wghandshake/cookie"
	"github.com/drio/wghandshake/noise"
	"github.com/drio/wghandshake/replay"
)

// Config for an Engine. Only PrivateKey is required.
type Config struct {
	PrivateKey noise.PrivateKey

	// Shared guards. A nil guard is created with defaults.
	Replay  *replay.Guard
	Cookies *cookie.Checker

	// UnderLoad decides whether incoming initiations need a valid MAC2.
	// Nil means never.
	UnderLoad func() bool

	Rand   io.Reader
	Now    func() time.Time
	Logger *logrus.Entry
}

// Engine performs handshakes on behalf of one local static identity. All
// methods are safe for concurrent use; a single Handshake is not.
type Engine struct {
	static    noise.KeyPair
	replay    *replay.Guard
	cookies   *cookie.Checker
	underLoad func() bool
	rand      io.Reader
	now       func() time.Time
	stamper   *noise.Stamper
	logger    *logrus.Entry

	mu    sync.RWMutex
	peers map[noise.PublicKey]*Peer
}

// Result of answering an initiation. Reply is a *Response, or a
// *CookieReply when LoadShed is set, in which case Keys and Peer are nil.
type Result struct {
	Reply    Message
	Keys     *SessionKeys
	Peer     *Peer
	LoadShed bool
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.PrivateKey.IsZero() {
		return nil, errors.New("handshake: private key not set")
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.UnderLoad == nil {
		cfg.UnderLoad = func() bool { return false }
	}

	e := &Engine{
		static:    noise.KeyPair{Private: cfg.PrivateKey},
		replay:    cfg.Replay,
		cookies:   cfg.Cookies,
		underLoad: cfg.UnderLoad,
		rand:      cfg.Rand,
		now:       cfg.Now,
		stamper:   noise.NewStamper(cfg.Now),
		peers:     make(map[noise.PublicKey]*Peer),
	}
	e.static.Public = e.static.Private.PublicKey()
	e.logger = cfg.Logger.WithField("local", e.static.Public.String())

	if e.replay == nil {
		e.replay = replay.NewGuard(cfg.Logger)
	}
	if e.cookies == nil {
		c, err := cookie.NewChecker(e.static.Public, cookie.Config{Rand: cfg.Rand, Now: cfg.Now})
		if err != nil {
			e.static.Zero()
			return nil, fmt.Errorf("%w: %w", ErrRandomnessUnavailable, err)
		}
		e.cookies = c
	}
	return e, nil
}

func (e *Engine) PublicKey() noise.PublicKey {
	return e.static.Public
}

// Cookies returns the checker so an external timer can rotate its secret
func (e *Engine) Cookies() *cookie.Checker {
	return e.cookies
}

// Zero wipes the static private key and every peer's preshared key and
// cookie. The engine must not be used afterwards.
func (e *Engine) Zero() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.static.Zero()
	for _, p := range e.peers {
		p.zero()
	}
}

// AddPeer registers a remote static key with an optional preshared key.
// Adding a known peer replaces its preshared key.
func (e *Engine) AddPeer(pub noise.PublicKey, psk noise.PresharedKey) (*Peer, error) {
	if pub.Equals(e.static.Public) {
		return nil, errors.New("handshake: peer key equals local key")
	}
	// reject low order keys up front rather than on every handshake
	ss, err := e.static.Private.SharedSecret(pub)
	noise.ZeroBytes(ss[:])
	if err != nil {
		return nil, fmt.Errorf("handshake: peer %s: %w", pub, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.peers[pub]; ok {
		p.setPresharedKey(psk)
		return p, nil
	}
	p := newPeer(pub, psk, e.now)
	e.peers[pub] = p
	e.logger.WithField("peer", pub.String()).Debug("Peer added")
	return p, nil
}

func (e *Engine) LookupPeer(pub noise.PublicKey) *Peer {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.peers[pub]
}

// RemovePeer drops the peer, wipes its secrets and forgets its replay state
func (e *Engine) RemovePeer(pub noise.PublicKey) {
	e.mu.Lock()
	p, ok := e.peers[pub]
	delete(e.peers, pub)
	e.mu.Unlock()
	if !ok {
		return
	}
	p.zero()
	e.replay.Forget(pub)
	e.logger.WithField("peer", pub.String()).Debug("Peer removed")
}

// CheckMACs runs the cheap checks on a raw initiation before any DH work.
// It returns ErrAuthenticationFailed for a bad MAC1, and ErrLoadShedRequired
// when the engine is under load and MAC2 does not carry a valid cookie for src.
func (e *Engine) CheckMACs(buf []byte, src netip.AddrPort) error {
	if !e.cookies.CheckMAC1(buf) {
		return fmt.Errorf("%w: invalid mac1", ErrAuthenticationFailed)
	}
	if e.underLoad() && !e.cookies.CheckMAC2(buf, src) {
		return ErrLoadShedRequired
	}
	return nil
}

// CreateCookieReply answers the message in buf, sent from src with sender
// index receiver, with an encrypted cookie. No handshake state is created.
func (e *Engine) CreateCookieReply(buf []byte, receiver uint32, src netip.AddrPort) (*CookieReply, error) {
	nonce, sealed, err := e.cookies.CreateReply(buf, src)
	if err != nil {
		if errors.Is(err, cookie.ErrRandomness) {
			return nil, fmt.Errorf("%w: %w", ErrRandomnessUnavailable, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	return &CookieReply{Receiver: receiver, Nonce: nonce, Cookie: sealed}, nil
}

// HandleInitiation is the responder path for one initiation from src:
// MAC checks, the load branch, then consume and respond.
func (e *Engine) HandleInitiation(msg *Initiation, src netip.AddrPort, responderIndex uint32) (*Result, error) {
	buf := msg.Marshal()

	err := e.CheckMACs(buf, src)
	if errors.Is(err, ErrLoadShedRequired) {
		reply, err := e.CreateCookieReply(buf, msg.Sender, src)
		if err != nil {
			return nil, err
		}
		e.logger.WithFields(logrus.Fields{
			"src":    src.String(),
			"sender": msg.Sender,
		}).Debug("Under load, sent cookie reply")
		return &Result{Reply: reply, LoadShed: true}, nil
	}
	if err != nil {
		return nil, err
	}

	hs, err := e.ConsumeMessageInitiation(msg)
	if err != nil {
		return nil, err
	}
	resp, keys, err := e.CreateMessageResponse(hs, responderIndex)
	if err != nil {
		return nil, err
	}
	return &Result{Reply: resp, Keys: keys, Peer: hs.peer}, nil
}
