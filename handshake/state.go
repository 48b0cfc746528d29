package handshake

import (
	"fmt"
	"time"

	"github.com/drio/wghandshake/noise"
)

type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// State of a single handshake attempt
type State int

const (
	StateIdle State = iota
	StateInitiationSent
	StateInitiationConsumed
	StateEstablished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitiationSent:
		return "initiation-sent"
	case StateInitiationConsumed:
		return "initiation-consumed"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Handshake is one in-progress attempt. It is owned by exactly one
// goroutine from creation until it is established, failed or abandoned
// with Zero.
type Handshake struct {
	state State
	role  Role
	peer  *Peer

	localIndex  uint32
	remoteIndex uint32

	ss              noise.SymmetricState
	ephemeral       noise.KeyPair
	remoteEphemeral noise.PublicKey
	remoteStatic    noise.PublicKey

	created time.Time
}

func (hs *Handshake) State() State        { return hs.state }
func (hs *Handshake) Role() Role          { return hs.role }
func (hs *Handshake) Peer() *Peer         { return hs.peer }
func (hs *Handshake) LocalIndex() uint32  { return hs.localIndex }
func (hs *Handshake) RemoteIndex() uint32 { return hs.remoteIndex }
func (hs *Handshake) Created() time.Time  { return hs.created }

// Zero wipes every secret the attempt still holds. A handshake that is not
// established becomes failed; calling Zero is how a caller abandons one.
func (hs *Handshake) Zero() {
	hs.ss.Zero()
	hs.ephemeral.Zero()
	if hs.state != StateEstablished {
		hs.state = StateFailed
	}
}

// fail is deferred by every transition: unless the transition completed
// the attempt is wiped.
func (hs *Handshake) fail(ok *bool) {
	if !*ok {
		hs.Zero()
	}
}
