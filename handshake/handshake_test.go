package handshake

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drio/wghandshake/noise"
)

var src = netip.MustParseAddrPort("198.51.100.7:40000")

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type testSide struct {
	engine *Engine
	load   atomic.Bool
}

func newSide(t *testing.T) *testSide {
	t.Helper()
	kp, err := noise.GenerateKeyPair(rand.Reader)
	require.NoError(t, err)

	s := &testSide{}
	s.engine, err = NewEngine(Config{
		PrivateKey: kp.Private,
		UnderLoad:  s.load.Load,
		Logger:     quietLogger(),
	})
	require.NoError(t, err)
	return s
}

// setupPair creates an initiator and responder that know each other.
// It returns the responder as seen by the initiator.
func setupPair(t *testing.T, psk noise.PresharedKey) (initiator, responder *testSide, peer *Peer) {
	t.Helper()
	initiator = newSide(t)
	responder = newSide(t)

	peer, err := initiator.engine.AddPeer(responder.engine.PublicKey(), psk)
	require.NoError(t, err)
	_, err = responder.engine.AddPeer(initiator.engine.PublicKey(), psk)
	require.NoError(t, err)
	return initiator, responder, peer
}

// completeHandshake runs the full exchange and returns both sides' keys
func completeHandshake(t *testing.T, initiator, responder *testSide, peer *Peer) (*SessionKeys, *SessionKeys) {
	t.Helper()
	init, hs, err := initiator.engine.CreateMessageInitiation(peer, 11)
	require.NoError(t, err)
	require.Equal(t, StateInitiationSent, hs.State())

	res, err := responder.engine.HandleInitiation(init, src, 22)
	require.NoError(t, err)
	require.False(t, res.LoadShed)

	resp, ok := res.Reply.(*Response)
	require.True(t, ok, "reply should be a response")

	keys, err := initiator.engine.ConsumeMessageResponse(resp, hs)
	require.NoError(t, err)
	require.Equal(t, StateEstablished, hs.State())
	return keys, res.Keys
}

func TestCompleteHandshake(t *testing.T) {
	t.Run("No preshared key", func(t *testing.T) {
		initiator, responder, peer := setupPair(t, noise.PresharedKey{})
		iKeys, rKeys := completeHandshake(t, initiator, responder, peer)

		assert.Equal(t, iKeys.Send, rKeys.Receive, "initiator send must be responder receive")
		assert.Equal(t, iKeys.Receive, rKeys.Send, "initiator receive must be responder send")
		assert.NotEqual(t, iKeys.Send, iKeys.Receive)

		assert.Zero(t, iKeys.SendCounter)
		assert.Zero(t, iKeys.ReceiveCounter)
		assert.Zero(t, rKeys.SendCounter)
		assert.Zero(t, rKeys.ReceiveCounter)

		assert.True(t, iKeys.IsInitiator)
		assert.False(t, rKeys.IsInitiator)
		assert.Equal(t, uint32(11), iKeys.LocalIndex)
		assert.Equal(t, uint32(22), iKeys.RemoteIndex)
		assert.Equal(t, uint32(22), rKeys.LocalIndex)
		assert.Equal(t, uint32(11), rKeys.RemoteIndex)
		assert.Equal(t, responder.engine.PublicKey(), iKeys.Peer)
		assert.Equal(t, initiator.engine.PublicKey(), rKeys.Peer)
	})

	t.Run("With preshared key", func(t *testing.T) {
		var psk noise.PresharedKey
		_, err := rand.Read(psk[:])
		require.NoError(t, err)

		initiator, responder, peer := setupPair(t, psk)
		iKeys, rKeys := completeHandshake(t, initiator, responder, peer)
		assert.Equal(t, iKeys.Send, rKeys.Receive)
		assert.Equal(t, iKeys.Receive, rKeys.Send)
	})

	t.Run("Mismatched preshared key fails confirmation", func(t *testing.T) {
		initiator := newSide(t)
		responder := newSide(t)
		peer, err := initiator.engine.AddPeer(responder.engine.PublicKey(), noise.PresharedKey{1})
		require.NoError(t, err)
		_, err = responder.engine.AddPeer(initiator.engine.PublicKey(), noise.PresharedKey{2})
		require.NoError(t, err)

		init, hs, err := initiator.engine.CreateMessageInitiation(peer, 1)
		require.NoError(t, err)
		res, err := responder.engine.HandleInitiation(init, src, 2)
		require.NoError(t, err)

		_, err = initiator.engine.ConsumeMessageResponse(res.Reply.(*Response), hs)
		assert.ErrorIs(t, err, ErrDecryptionFailed)
		assert.Equal(t, StateFailed, hs.State())
	})

	t.Run("Every handshake derives fresh keys", func(t *testing.T) {
		initiator, responder, peer := setupPair(t, noise.PresharedKey{})
		first, _ := completeHandshake(t, initiator, responder, peer)
		second, _ := completeHandshake(t, initiator, responder, peer)
		assert.NotEqual(t, first.Send, second.Send)
	})

	t.Run("Zero wipes session keys", func(t *testing.T) {
		initiator, responder, peer := setupPair(t, noise.PresharedKey{})
		keys, _ := completeHandshake(t, initiator, responder, peer)
		keys.Zero()
		assert.Equal(t, [32]byte{}, keys.Send)
		assert.Equal(t, [32]byte{}, keys.Receive)
	})
}

func TestInitiationRejection(t *testing.T) {
	t.Run("Replayed initiation", func(t *testing.T) {
		initiator, responder, peer := setupPair(t, noise.PresharedKey{})
		init, _, err := initiator.engine.CreateMessageInitiation(peer, 1)
		require.NoError(t, err)

		_, err = responder.engine.HandleInitiation(init, src, 2)
		require.NoError(t, err)

		res, err := responder.engine.HandleInitiation(init, src, 3)
		assert.ErrorIs(t, err, ErrReplayRejected)
		assert.Nil(t, res)
	})

	t.Run("Older timestamp after a newer one", func(t *testing.T) {
		initiator, responder, peer := setupPair(t, noise.PresharedKey{})
		older, _, err := initiator.engine.CreateMessageInitiation(peer, 1)
		require.NoError(t, err)
		newer, _, err := initiator.engine.CreateMessageInitiation(peer, 2)
		require.NoError(t, err)

		_, err = responder.engine.HandleInitiation(newer, src, 10)
		require.NoError(t, err)
		_, err = responder.engine.HandleInitiation(older, src, 11)
		assert.ErrorIs(t, err, ErrReplayRejected)
	})

	t.Run("Unknown initiator static key", func(t *testing.T) {
		initiator := newSide(t)
		responder := newSide(t)
		peer, err := initiator.engine.AddPeer(responder.engine.PublicKey(), noise.PresharedKey{})
		require.NoError(t, err)

		init, _, err := initiator.engine.CreateMessageInitiation(peer, 1)
		require.NoError(t, err)

		_, err = responder.engine.HandleInitiation(init, src, 2)
		assert.ErrorIs(t, err, ErrDecryptionFailed)
		assert.ErrorIs(t, err, ErrUnknownPeer)
	})

	t.Run("Removed peer is unknown", func(t *testing.T) {
		initiator, responder, peer := setupPair(t, noise.PresharedKey{})
		responder.engine.RemovePeer(initiator.engine.PublicKey())

		init, _, err := initiator.engine.CreateMessageInitiation(peer, 1)
		require.NoError(t, err)
		_, err = responder.engine.HandleInitiation(init, src, 2)
		assert.ErrorIs(t, err, ErrUnknownPeer)
	})

	t.Run("Initiation for another responder", func(t *testing.T) {
		initiator, _, peer := setupPair(t, noise.PresharedKey{})
		other := newSide(t)
		_, err := other.engine.AddPeer(initiator.engine.PublicKey(), noise.PresharedKey{})
		require.NoError(t, err)

		init, _, err := initiator.engine.CreateMessageInitiation(peer, 1)
		require.NoError(t, err)
		_, err = other.engine.HandleInitiation(init, src, 2)
		assert.ErrorIs(t, err, ErrAuthenticationFailed)
	})

	t.Run("Any bit flip is rejected", func(t *testing.T) {
		initiator, responder, peer := setupPair(t, noise.PresharedKey{})
		init, _, err := initiator.engine.CreateMessageInitiation(peer, 1)
		require.NoError(t, err)
		raw := init.Marshal()

		// MAC2 is only consulted under load, so stop before it
		for i := 4; i < MessageInitiationSize-noise.MACSize; i++ {
			for _, bit := range []byte{0x01, 0x80} {
				tampered := bytes.Clone(raw)
				tampered[i] ^= bit
				msg, err := Parse(tampered)
				require.NoError(t, err)

				_, err = responder.engine.HandleInitiation(msg.(*Initiation), src, 2)
				require.Error(t, err, "byte %d bit %x accepted", i, bit)
				assert.True(t,
					errors.Is(err, ErrAuthenticationFailed) || errors.Is(err, ErrDecryptionFailed),
					"byte %d: unexpected error %v", i, err)
			}
		}

		// the untouched message is still fresh
		_, err = responder.engine.HandleInitiation(init, src, 2)
		assert.NoError(t, err)
	})
}

func TestResponseRejection(t *testing.T) {
	t.Run("Any bit flip is rejected", func(t *testing.T) {
		for i := 4; i < MessageResponseSize-noise.MACSize; i++ {
			initiator, responder, peer := setupPair(t, noise.PresharedKey{})
			init, hs, err := initiator.engine.CreateMessageInitiation(peer, 1)
			require.NoError(t, err)
			res, err := responder.engine.HandleInitiation(init, src, 2)
			require.NoError(t, err)

			tampered := res.Reply.Marshal()
			tampered[i] ^= 0x04
			msg, err := Parse(tampered)
			require.NoError(t, err)

			keys, err := initiator.engine.ConsumeMessageResponse(msg.(*Response), hs)
			assert.Nil(t, keys)
			if i >= 8 && i < 12 {
				// receiver index routes the message; a mismatch leaves hs pending
				assert.ErrorIs(t, err, ErrInvalidState)
				assert.Equal(t, StateInitiationSent, hs.State())
				continue
			}
			assert.True(t,
				errors.Is(err, ErrAuthenticationFailed) || errors.Is(err, ErrDecryptionFailed),
				"byte %d: unexpected error %v", i, err)
			assert.Equal(t, StateFailed, hs.State())
		}
	})

	t.Run("Response consumed twice", func(t *testing.T) {
		initiator, responder, peer := setupPair(t, noise.PresharedKey{})
		init, hs, err := initiator.engine.CreateMessageInitiation(peer, 1)
		require.NoError(t, err)
		res, err := responder.engine.HandleInitiation(init, src, 2)
		require.NoError(t, err)

		_, err = initiator.engine.ConsumeMessageResponse(res.Reply.(*Response), hs)
		require.NoError(t, err)
		_, err = initiator.engine.ConsumeMessageResponse(res.Reply.(*Response), hs)
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("Abandoned handshake", func(t *testing.T) {
		initiator, responder, peer := setupPair(t, noise.PresharedKey{})
		init, hs, err := initiator.engine.CreateMessageInitiation(peer, 1)
		require.NoError(t, err)
		res, err := responder.engine.HandleInitiation(init, src, 2)
		require.NoError(t, err)

		hs.Zero()
		assert.Equal(t, StateFailed, hs.State())
		assert.True(t, hs.ephemeral.Private.IsZero())

		_, err = initiator.engine.ConsumeMessageResponse(res.Reply.(*Response), hs)
		assert.ErrorIs(t, err, ErrInvalidState)
	})
}

func TestInvalidTransitions(t *testing.T) {
	initiator, responder, peer := setupPair(t, noise.PresharedKey{})
	init, hs, err := initiator.engine.CreateMessageInitiation(peer, 1)
	require.NoError(t, err)

	_, _, err = initiator.engine.CreateMessageResponse(hs, 5)
	assert.ErrorIs(t, err, ErrInvalidState, "initiator cannot respond")

	rhs, err := responder.engine.ConsumeMessageInitiation(init)
	require.NoError(t, err)
	assert.Equal(t, StateInitiationConsumed, rhs.State())
	assert.Equal(t, RoleResponder, rhs.Role())

	_, err = responder.engine.ConsumeMessageResponse(&Response{Receiver: 0}, rhs)
	assert.ErrorIs(t, err, ErrInvalidState, "responder cannot consume a response")

	_, _, err = responder.engine.CreateMessageResponse(rhs, 9)
	require.NoError(t, err)
	assert.Equal(t, StateEstablished, rhs.State())

	_, _, err = responder.engine.CreateMessageResponse(rhs, 9)
	assert.ErrorIs(t, err, ErrInvalidState, "response already sent")

	_, _, err = initiator.engine.CreateMessageInitiation(nil, 1)
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestLoadShedding(t *testing.T) {
	t.Run("Cookie reply then accepted retry", func(t *testing.T) {
		initiator, responder, peer := setupPair(t, noise.PresharedKey{})
		responder.load.Store(true)

		init, hs, err := initiator.engine.CreateMessageInitiation(peer, 1)
		require.NoError(t, err)

		res, err := responder.engine.HandleInitiation(init, src, 2)
		require.NoError(t, err)
		require.True(t, res.LoadShed)
		assert.Nil(t, res.Keys)
		assert.Nil(t, res.Peer)

		reply, ok := res.Reply.(*CookieReply)
		require.True(t, ok, "reply should be a cookie reply")
		assert.Equal(t, uint32(1), reply.Receiver)

		require.NoError(t, initiator.engine.ConsumeMessageCookieReply(reply, hs))
		assert.True(t, peer.HasCookie())

		// no transcript was created, so the original timestamp is still fresh
		_, ok = responder.engine.replay.Last(initiator.engine.PublicKey())
		assert.False(t, ok)

		hs.Zero()
		retry, hs2, err := initiator.engine.CreateMessageInitiation(peer, 3)
		require.NoError(t, err)
		assert.NotEqual(t, [16]byte{}, retry.MAC2)

		res, err = responder.engine.HandleInitiation(retry, src, 4)
		require.NoError(t, err)
		require.False(t, res.LoadShed)

		iKeys, err := initiator.engine.ConsumeMessageResponse(res.Reply.(*Response), hs2)
		require.NoError(t, err)
		assert.Equal(t, iKeys.Send, res.Keys.Receive)
	})

	t.Run("Cookie from another address is not enough", func(t *testing.T) {
		initiator, responder, peer := setupPair(t, noise.PresharedKey{})
		responder.load.Store(true)

		init, hs, err := initiator.engine.CreateMessageInitiation(peer, 1)
		require.NoError(t, err)
		res, err := responder.engine.HandleInitiation(init, src, 2)
		require.NoError(t, err)
		require.NoError(t, initiator.engine.ConsumeMessageCookieReply(res.Reply.(*CookieReply), hs))

		retry, _, err := initiator.engine.CreateMessageInitiation(peer, 3)
		require.NoError(t, err)
		res, err = responder.engine.HandleInitiation(retry, netip.MustParseAddrPort("198.51.100.8:40000"), 4)
		require.NoError(t, err)
		assert.True(t, res.LoadShed)
	})

	t.Run("Bad MAC1 is rejected even under load", func(t *testing.T) {
		initiator, responder, peer := setupPair(t, noise.PresharedKey{})
		responder.load.Store(true)

		init, _, err := initiator.engine.CreateMessageInitiation(peer, 1)
		require.NoError(t, err)
		init.MAC1[0] ^= 1

		_, err = responder.engine.HandleInitiation(init, src, 2)
		assert.ErrorIs(t, err, ErrAuthenticationFailed)
	})

	t.Run("Cookie reply for another index", func(t *testing.T) {
		initiator, responder, peer := setupPair(t, noise.PresharedKey{})
		responder.load.Store(true)

		init, hs, err := initiator.engine.CreateMessageInitiation(peer, 1)
		require.NoError(t, err)
		res, err := responder.engine.HandleInitiation(init, src, 2)
		require.NoError(t, err)

		reply := res.Reply.(*CookieReply)
		reply.Receiver = 99
		assert.ErrorIs(t, initiator.engine.ConsumeMessageCookieReply(reply, hs), ErrInvalidState)

		reply.Receiver = 1
		reply.Cookie[0] ^= 1
		assert.ErrorIs(t, initiator.engine.ConsumeMessageCookieReply(reply, hs), ErrDecryptionFailed)
		assert.False(t, peer.HasCookie())
	})

	t.Run("Initiator under load accepts response without MAC2", func(t *testing.T) {
		initiator, responder, peer := setupPair(t, noise.PresharedKey{})
		initiator.load.Store(true)

		init, hs, err := initiator.engine.CreateMessageInitiation(peer, 1)
		require.NoError(t, err)
		res, err := responder.engine.HandleInitiation(init, src, 2)
		require.NoError(t, err)
		resp := res.Reply.(*Response)
		require.Equal(t, [16]byte{}, resp.MAC2)

		keys, err := initiator.engine.ConsumeMessageResponse(resp, hs)
		require.NoError(t, err)
		assert.Equal(t, keys.Send, res.Keys.Receive)
	})
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestRandomnessUnavailable(t *testing.T) {
	responderKP, err := noise.GenerateKeyPair(rand.Reader)
	require.NoError(t, err)
	initiatorKP, err := noise.GenerateKeyPair(rand.Reader)
	require.NoError(t, err)

	t.Run("Engine needs randomness for the cookie secret", func(t *testing.T) {
		_, err := NewEngine(Config{PrivateKey: initiatorKP.Private, Rand: failingReader{}, Logger: quietLogger()})
		assert.ErrorIs(t, err, ErrRandomnessUnavailable)
	})

	t.Run("Initiation fails without an ephemeral", func(t *testing.T) {
		// 32 bytes for the cookie secret, then nothing
		e, err := NewEngine(Config{
			PrivateKey: initiatorKP.Private,
			Rand:       io.MultiReader(bytes.NewReader(make([]byte, 32)), failingReader{}),
			Logger:     quietLogger(),
		})
		require.NoError(t, err)
		peer, err := e.AddPeer(responderKP.Public, noise.PresharedKey{})
		require.NoError(t, err)

		msg, hs, err := e.CreateMessageInitiation(peer, 1)
		assert.ErrorIs(t, err, ErrRandomnessUnavailable)
		assert.Nil(t, msg)
		assert.Nil(t, hs)
	})
}

func TestPeerTable(t *testing.T) {
	s := newSide(t)
	other, err := noise.GenerateKeyPair(rand.Reader)
	require.NoError(t, err)

	t.Run("Own key is rejected", func(t *testing.T) {
		_, err := s.engine.AddPeer(s.engine.PublicKey(), noise.PresharedKey{})
		assert.Error(t, err)
	})

	t.Run("Low order key is rejected", func(t *testing.T) {
		_, err := s.engine.AddPeer(noise.PublicKey{}, noise.PresharedKey{})
		assert.ErrorIs(t, err, noise.ErrLowOrderPoint)
	})

	t.Run("Add, update and remove", func(t *testing.T) {
		p1, err := s.engine.AddPeer(other.Public, noise.PresharedKey{1})
		require.NoError(t, err)
		p2, err := s.engine.AddPeer(other.Public, noise.PresharedKey{2})
		require.NoError(t, err)
		assert.Same(t, p1, p2)
		assert.Equal(t, noise.PresharedKey{2}, p1.psk())
		assert.Same(t, p1, s.engine.LookupPeer(other.Public))

		s.engine.RemovePeer(other.Public)
		assert.Nil(t, s.engine.LookupPeer(other.Public))
		assert.Equal(t, noise.PresharedKey{}, p1.psk())
	})
}

func TestEngineZero(t *testing.T) {
	initiator, _, peer := setupPair(t, noise.PresharedKey{0xAA, 0xBB})
	_, _, err := initiator.engine.CreateMessageInitiation(peer, 1)
	require.NoError(t, err)
	require.True(t, peer.HasPresharedKey())
	require.False(t, peer.HasCookie())

	initiator.engine.Zero()

	assert.True(t, initiator.engine.static.Private.IsZero())
	assert.Equal(t, noise.PresharedKey{}, peer.psk())
	assert.False(t, peer.HasPresharedKey())
}

func TestEngineClock(t *testing.T) {
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	kp, err := noise.GenerateKeyPair(rand.Reader)
	require.NoError(t, err)
	responder := newSide(t)

	e, err := NewEngine(Config{PrivateKey: kp.Private, Now: func() time.Time { return fixed }, Logger: quietLogger()})
	require.NoError(t, err)
	peer, err := e.AddPeer(responder.engine.PublicKey(), noise.PresharedKey{})
	require.NoError(t, err)
	_, err = responder.engine.AddPeer(e.PublicKey(), noise.PresharedKey{})
	require.NoError(t, err)

	// a frozen clock still yields increasing timestamps
	first, _, err := e.CreateMessageInitiation(peer, 1)
	require.NoError(t, err)
	second, hs, err := e.CreateMessageInitiation(peer, 2)
	require.NoError(t, err)
	assert.Equal(t, fixed, hs.Created())

	_, err = responder.engine.HandleInitiation(first, src, 3)
	require.NoError(t, err)
	_, err = responder.engine.HandleInitiation(second, src, 4)
	require.NoError(t, err)
}
