package replay

import (
	"crypto/rand"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drio/wghandshake/noise"
)

func quietGuard() *Guard {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return NewGuard(logrus.NewEntry(l))
}

func randomPeer(t *testing.T) noise.PublicKey {
	kp, err := noise.GenerateKeyPair(rand.Reader)
	require.NoError(t, err)
	return kp.Public
}

func TestCheckAndUpdate(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	t1 := noise.TimestampFromTime(base)
	t2 := noise.TimestampFromTime(base.Add(time.Millisecond))

	t.Run("First timestamp is accepted", func(t *testing.T) {
		g := quietGuard()
		peer := randomPeer(t)
		require.NoError(t, g.CheckAndUpdate(peer, t1))

		last, ok := g.Last(peer)
		require.True(t, ok)
		assert.Equal(t, t1, last)
	})

	t.Run("Equal timestamp is rejected", func(t *testing.T) {
		g := quietGuard()
		peer := randomPeer(t)
		require.NoError(t, g.CheckAndUpdate(peer, t1))
		assert.ErrorIs(t, g.CheckAndUpdate(peer, t1), ErrStale)
	})

	t.Run("Older timestamp is rejected without state change", func(t *testing.T) {
		g := quietGuard()
		peer := randomPeer(t)
		require.NoError(t, g.CheckAndUpdate(peer, t2))
		assert.ErrorIs(t, g.CheckAndUpdate(peer, t1), ErrStale)

		last, _ := g.Last(peer)
		assert.Equal(t, t2, last)
	})

	t.Run("Newer timestamp advances", func(t *testing.T) {
		g := quietGuard()
		peer := randomPeer(t)
		require.NoError(t, g.CheckAndUpdate(peer, t1))
		require.NoError(t, g.CheckAndUpdate(peer, t2))
		last, _ := g.Last(peer)
		assert.Equal(t, t2, last)
	})

	t.Run("Peers are independent", func(t *testing.T) {
		g := quietGuard()
		a, b := randomPeer(t), randomPeer(t)
		require.NoError(t, g.CheckAndUpdate(a, t2))
		require.NoError(t, g.CheckAndUpdate(b, t1))
		assert.Equal(t, 2, g.Len())
	})

	t.Run("Forget clears the peer", func(t *testing.T) {
		g := quietGuard()
		peer := randomPeer(t)
		require.NoError(t, g.CheckAndUpdate(peer, t2))
		g.Forget(peer)
		_, ok := g.Last(peer)
		assert.False(t, ok)
		assert.NoError(t, g.CheckAndUpdate(peer, t1))
	})
}

func TestConcurrentSameTimestamp(t *testing.T) {
	g := quietGuard()
	peer := randomPeer(t)
	ts := noise.TimestampFromTime(time.Now())

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.CheckAndUpdate(peer, ts) == nil {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load(), "exactly one concurrent initiation may pass")
}
