// Package replay rejects handshake initiations whose timestamp is not newer
// than the last one accepted from the same peer.
//
// The guard is shared by every handshake the process answers, and a
// check followed by an update happens in one critical section so two
// concurrent initiations carrying the same timestamp cannot both pass.
package replay

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/drio/wghandshake/noise"
)

// ErrStale is returned for a timestamp that is not strictly newer than the
// last accepted one for the peer.
var ErrStale = errors.New("replay: timestamp not newer than last accepted")

// Guard tracks the greatest accepted initiation timestamp per peer static key
type Guard struct {
	mu     sync.Mutex
	latest map[noise.PublicKey]noise.Timestamp
	logger *logrus.Entry
}

// NewGuard creates an empty guard. A nil logger uses the logrus standard logger.
func NewGuard(logger *logrus.Entry) *Guard {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Guard{
		latest: make(map[noise.PublicKey]noise.Timestamp),
		logger: logger.WithField("component", "replay"),
	}
}

// CheckAndUpdate accepts ts iff it is strictly after the stored value for
// peer (or nothing is stored) and records it. A rejection leaves the table
// untouched.
func (g *Guard) CheckAndUpdate(peer noise.PublicKey, ts noise.Timestamp) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if last, ok := g.latest[peer]; ok && !ts.After(last) {
		g.logger.WithFields(logrus.Fields{
			"peer":      peer.String(),
			"timestamp": ts.Time().UTC(),
			"last":      last.Time().UTC(),
		}).Warn("Replay detected: handshake timestamp not newer than last accepted")
		return ErrStale
	}

	g.latest[peer] = ts
	return nil
}

// Last returns the greatest accepted timestamp for peer
func (g *Guard) Last(peer noise.PublicKey) (noise.Timestamp, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ts, ok := g.latest[peer]
	return ts, ok
}

// Forget drops the entry for a removed peer
func (g *Guard) Forget(peer noise.PublicKey) {
	g.mu.Lock()
	delete(g.latest, peer)
	g.mu.Unlock()
}

func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.latest)
}
