package cookie

import (
	"bytes"
	"crypto/rand"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drio/wghandshake/noise"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// setup returns a checker for a responder and a generator aimed at it
func setup(t *testing.T, clock *fakeClock) (*Checker, *Generator) {
	t.Helper()
	kp, err := noise.GenerateKeyPair(rand.Reader)
	require.NoError(t, err)

	checker, err := NewChecker(kp.Public, Config{Now: clock.Now})
	require.NoError(t, err)
	return checker, NewGenerator(kp.Public, clock.Now)
}

func newMessage(t *testing.T) []byte {
	t.Helper()
	msg := make([]byte, 148)
	_, err := rand.Read(msg[:116])
	require.NoError(t, err)
	return msg
}

// obtainCookie runs the full reply exchange for msg and re-MACs it
func obtainCookie(t *testing.T, c *Checker, g *Generator, msg []byte, src netip.AddrPort) {
	t.Helper()
	require.NoError(t, g.AddMACs(msg))
	nonce, sealed, err := c.CreateReply(msg, src)
	require.NoError(t, err)
	require.NoError(t, g.ConsumeReply(&nonce, sealed[:]))
	require.NoError(t, g.AddMACs(msg))
}

var src = netip.MustParseAddrPort("192.0.2.10:51820")

func TestMAC1(t *testing.T) {
	clock := newFakeClock()
	c, g := setup(t, clock)

	t.Run("Valid MAC1", func(t *testing.T) {
		msg := newMessage(t)
		require.NoError(t, g.AddMACs(msg))
		assert.True(t, c.CheckMAC1(msg))
		assert.Equal(t, make([]byte, 16), msg[132:], "MAC2 must be zero without a cookie")
	})

	t.Run("Any bit flip before MAC2 breaks MAC1", func(t *testing.T) {
		msg := newMessage(t)
		require.NoError(t, g.AddMACs(msg))
		for i := 0; i < 132; i += 7 {
			tampered := bytes.Clone(msg)
			tampered[i] ^= 0x01
			assert.False(t, c.CheckMAC1(tampered), "byte %d", i)
		}
	})

	t.Run("MAC1 for another identity is rejected", func(t *testing.T) {
		other, _ := setup(t, clock)
		msg := newMessage(t)
		require.NoError(t, g.AddMACs(msg))
		assert.False(t, other.CheckMAC1(msg))
	})

	t.Run("Short message", func(t *testing.T) {
		assert.False(t, c.CheckMAC1(make([]byte, 10)))
		assert.ErrorIs(t, g.AddMACs(make([]byte, 10)), ErrShortMessage)
	})
}

func TestCookieExchange(t *testing.T) {
	t.Run("Fresh cookie validates MAC2", func(t *testing.T) {
		clock := newFakeClock()
		c, g := setup(t, clock)
		msg := newMessage(t)

		require.NoError(t, g.AddMACs(msg))
		assert.False(t, c.CheckMAC2(msg, src))

		obtainCookie(t, c, g, msg, src)
		assert.True(t, g.HasCookie())
		assert.True(t, c.CheckMAC1(msg))
		assert.True(t, c.CheckMAC2(msg, src))
	})

	t.Run("Cookie is bound to address and port", func(t *testing.T) {
		clock := newFakeClock()
		c, g := setup(t, clock)
		msg := newMessage(t)
		obtainCookie(t, c, g, msg, src)

		assert.False(t, c.CheckMAC2(msg, netip.MustParseAddrPort("192.0.2.10:51821")))
		assert.False(t, c.CheckMAC2(msg, netip.MustParseAddrPort("192.0.2.11:51820")))
	})

	t.Run("Reply only decrypts against the last MAC1", func(t *testing.T) {
		clock := newFakeClock()
		c, g := setup(t, clock)
		first := newMessage(t)
		require.NoError(t, g.AddMACs(first))
		nonce, sealed, err := c.CreateReply(first, src)
		require.NoError(t, err)

		// a newer message was sent before the reply arrived
		require.NoError(t, g.AddMACs(newMessage(t)))
		assert.ErrorIs(t, g.ConsumeReply(&nonce, sealed[:]), ErrInvalidReply)
		assert.False(t, g.HasCookie())
	})

	t.Run("Tampered reply is rejected", func(t *testing.T) {
		clock := newFakeClock()
		c, g := setup(t, clock)
		msg := newMessage(t)
		require.NoError(t, g.AddMACs(msg))
		nonce, sealed, err := c.CreateReply(msg, src)
		require.NoError(t, err)

		sealed[3] ^= 0x10
		assert.ErrorIs(t, g.ConsumeReply(&nonce, sealed[:]), ErrInvalidReply)
		assert.ErrorIs(t, g.ConsumeReply(&nonce, sealed[:5]), ErrInvalidReply)
	})

	t.Run("Reply without prior message", func(t *testing.T) {
		clock := newFakeClock()
		_, g := setup(t, clock)
		var nonce [noise.XNonceSize]byte
		assert.ErrorIs(t, g.ConsumeReply(&nonce, make([]byte, SealedSize)), ErrInvalidReply)
	})

	t.Run("Generator stops using an old cookie", func(t *testing.T) {
		clock := newFakeClock()
		c, g := setup(t, clock)
		obtainCookie(t, c, g, newMessage(t), src)

		clock.Advance(Lifetime)
		assert.False(t, g.HasCookie())

		msg := newMessage(t)
		require.NoError(t, g.AddMACs(msg))
		assert.Equal(t, make([]byte, 16), msg[132:])
	})
}

func TestSecretRotation(t *testing.T) {
	t.Run("Cookie survives one rotation", func(t *testing.T) {
		clock := newFakeClock()
		c, g := setup(t, clock)
		msg := newMessage(t)
		obtainCookie(t, c, g, msg, src)

		clock.Advance(time.Minute)
		require.NoError(t, c.Rotate())
		assert.True(t, c.CheckMAC2(msg, src), "previous secret is retained")
	})

	t.Run("Cookie rejected after retention window", func(t *testing.T) {
		clock := newFakeClock()
		c, g := setup(t, clock)
		msg := newMessage(t)
		obtainCookie(t, c, g, msg, src)

		clock.Advance(time.Minute)
		require.NoError(t, c.Rotate())
		clock.Advance(DefaultRetentionWindow + time.Second)
		assert.False(t, c.CheckMAC2(msg, src))
	})

	t.Run("Cookie rejected after two rotations", func(t *testing.T) {
		clock := newFakeClock()
		c, g := setup(t, clock)
		msg := newMessage(t)
		obtainCookie(t, c, g, msg, src)

		require.NoError(t, c.Rotate())
		require.NoError(t, c.Rotate())
		assert.False(t, c.CheckMAC2(msg, src))
	})

	t.Run("Overdue current secret without rotation", func(t *testing.T) {
		clock := newFakeClock()
		c, g := setup(t, clock)
		msg := newMessage(t)
		obtainCookie(t, c, g, msg, src)

		clock.Advance(DefaultRotationPeriod + time.Second)
		assert.True(t, c.CheckMAC2(msg, src), "retained as if rotated on time")

		clock.Advance(DefaultRetentionWindow)
		assert.False(t, c.CheckMAC2(msg, src))
	})

	t.Run("Cookie minted just before a late rotation", func(t *testing.T) {
		clock := newFakeClock()
		c, g := setup(t, clock)

		clock.Advance(DefaultRotationPeriod - time.Second)
		msg := newMessage(t)
		obtainCookie(t, c, g, msg, src)

		clock.Advance(2 * time.Second)
		assert.True(t, c.CheckMAC2(msg, src), "before the rotation runs")
		require.NoError(t, c.Rotate())
		assert.True(t, c.CheckMAC2(msg, src), "after the rotation runs")
	})

	t.Run("Late rotation does not extend retention", func(t *testing.T) {
		clock := newFakeClock()
		c, g := setup(t, clock)
		msg := newMessage(t)
		obtainCookie(t, c, g, msg, src)

		clock.Advance(DefaultRotationPeriod + time.Minute)
		require.NoError(t, c.Rotate())
		assert.True(t, c.CheckMAC2(msg, src))

		clock.Advance(DefaultRetentionWindow - time.Minute + time.Second)
		assert.False(t, c.CheckMAC2(msg, src))
	})

	t.Run("CreateReply rotates an expired secret", func(t *testing.T) {
		clock := newFakeClock()
		c, g := setup(t, clock)

		clock.Advance(DefaultRotationPeriod + time.Second)
		msg := newMessage(t)
		obtainCookie(t, c, g, msg, src)
		assert.True(t, c.CheckMAC2(msg, src))
	})

	t.Run("Failing random source keeps the current secret", func(t *testing.T) {
		clock := newFakeClock()
		kp, err := noise.GenerateKeyPair(rand.Reader)
		require.NoError(t, err)

		_, err = NewChecker(kp.Public, Config{Now: clock.Now, Rand: bytes.NewReader(nil)})
		assert.ErrorIs(t, err, ErrRandomness)

		// exactly one secret worth of randomness
		c, err := NewChecker(kp.Public, Config{Now: clock.Now, Rand: bytes.NewReader(make([]byte, 32))})
		require.NoError(t, err)
		g := NewGenerator(kp.Public, clock.Now)
		msg := newMessage(t)
		require.NoError(t, g.AddMACs(msg))

		assert.ErrorIs(t, c.Rotate(), ErrRandomness)
		_, _, err = c.CreateReply(msg, src)
		assert.ErrorIs(t, err, ErrRandomness, "no nonce available")
	})
}

func TestZero(t *testing.T) {
	clock := newFakeClock()
	c, g := setup(t, clock)
	msg := newMessage(t)
	obtainCookie(t, c, g, msg, src)
	require.True(t, c.CheckMAC1(msg))

	c.Zero()

	t.Run("MAC checks fail", func(t *testing.T) {
		assert.False(t, c.CheckMAC1(msg))
		assert.False(t, c.CheckMAC2(msg, src))
	})

	t.Run("No cookie from a wiped secret", func(t *testing.T) {
		_, _, err := c.CreateReply(msg, src)
		assert.ErrorIs(t, err, ErrWiped)

		clock.Advance(DefaultRotationPeriod + time.Second)
		_, _, err = c.CreateReply(msg, src)
		assert.ErrorIs(t, err, ErrWiped)
	})

	t.Run("Rotate does not revive the checker", func(t *testing.T) {
		assert.ErrorIs(t, c.Rotate(), ErrWiped)
		_, _, err := c.CreateReply(msg, src)
		assert.ErrorIs(t, err, ErrWiped)
	})
}

func TestConcurrentRotation(t *testing.T) {
	clock := newFakeClock()
	c, g := setup(t, clock)
	msg := newMessage(t)
	obtainCookie(t, c, g, msg, src)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, c.Rotate())
	}()
	for i := 0; i < 100; i++ {
		// valid under current before the rotation and previous after it
		assert.True(t, c.CheckMAC2(msg, src))
	}
	wg.Wait()
}
