package handshake

import (
	"time"

	"github.com/drio/wghandshake/noise"
)

// SessionKeys is the output of a completed handshake, handed to the
// transport layer. The caller owns it and must call Zero when done.
type SessionKeys struct {
	Send    [noise.KeySize]byte
	Receive [noise.KeySize]byte

	SendCounter    uint64
	ReceiveCounter uint64

	LocalIndex  uint32
	RemoteIndex uint32
	IsInitiator bool
	Peer        noise.PublicKey
	Created     time.Time
}

// deriveSessionKeys splits the final chaining key into the two transport keys.
// The initiator sends with the first key, the responder with the second.
func deriveSessionKeys(hs *Handshake, created time.Time) *SessionKeys {
	first, second := hs.ss.Split()
	defer noise.ZeroBytes(first[:], second[:])

	keys := &SessionKeys{
		LocalIndex:  hs.localIndex,
		RemoteIndex: hs.remoteIndex,
		IsInitiator: hs.role == RoleInitiator,
		Peer:        hs.remoteStatic,
		Created:     created,
	}
	if keys.IsInitiator {
		keys.Send, keys.Receive = first, second
	} else {
		keys.Send, keys.Receive = second, first
	}
	return keys
}

func (k *SessionKeys) Zero() {
	noise.ZeroBytes(k.Send[:], k.Receive[:])
	k.SendCounter = 0
	k.ReceiveCounter = 0
}
