// handshake.go
//
// Noise_IKpsk2 handshake implementation for WireGuard
//
// WireGuard defines 4 distinct operations:
// 1. Initiator creates message 1 (CreateMessageInitiation)
// 2. Responder consumes message 1 (ConsumeMessageInitiation)
// 3. Responder creates message 2 (CreateMessageResponse)
// 4. Initiator consumes message 2 (ConsumeMessageResponse)
//
// plus ConsumeMessageCookieReply for the load shedding detour.
//
// Every transition defers hs.fail, so a handshake that does not complete
// a step is wiped and left in StateFailed.

package handshake

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/drio/wghandshake/noise"
)

// CreateMessageInitiation (Part 1/4) creates the first message of the
// handshake towards peer. The returned Handshake is pending in
// StateInitiationSent and is looked up by senderIndex when the answer arrives.
func (e *Engine) CreateMessageInitiation(peer *Peer, senderIndex uint32) (*Initiation, *Handshake, error) {
	if peer == nil {
		return nil, nil, ErrUnknownPeer
	}

	hs := &Handshake{
		state:        StateIdle,
		role:         RoleInitiator,
		peer:         peer,
		localIndex:   senderIndex,
		remoteStatic: peer.publicKey,
		ss:           noise.NewSymmetricState(),
		created:      e.now(),
	}
	ok := false
	defer hs.fail(&ok)

	// Step 1: Start the transcript with the responder's static key
	// hash = HASH(InitialHash || responder.static_public)
	hs.ss.MixHash(peer.publicKey[:])

	// Step 2: Generate ephemeral keypair
	// initiator.ephemeral_private = DH_GENERATE()
	eph, err := noise.GenerateKeyPair(e.rand)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrRandomnessUnavailable, err)
	}
	hs.ephemeral = eph
	eph.Zero()

	// Step 3: Mix ephemeral public key into hash and chaining key
	// hash = HASH(hash || msg.unencrypted_ephemeral)
	// chaining_key = KDF1(chaining_key, msg.unencrypted_ephemeral)
	hs.ss.MixHash(hs.ephemeral.Public[:])
	hs.ss.MixKey(hs.ephemeral.Public[:])

	// Step 4: es
	// (chaining_key, key) = KDF2(chaining_key, DH(initiator.ephemeral_private, responder.static_public))
	key, err := hs.ss.MixKeyDH(&hs.ephemeral.Private, peer.publicKey)
	defer noise.ZeroBytes(key[:])
	if err != nil {
		return nil, nil, fmt.Errorf("handshake: es: %w", err)
	}

	// Step 5: Encrypt our static public key
	// msg.encrypted_static = AEAD(key, 0, initiator.static_public, hash)
	// hash = HASH(hash || msg.encrypted_static)
	msg := &Initiation{
		Sender:    senderIndex,
		Ephemeral: hs.ephemeral.Public,
	}
	copy(msg.Static[:], hs.ss.EncryptAndHash(&key, e.static.Public[:]))

	// Step 6: ss
	// (chaining_key, key) = KDF2(chaining_key, DH(initiator.static_private, responder.static_public))
	tsKey, err := hs.ss.MixKeyDH(&e.static.Private, peer.publicKey)
	defer noise.ZeroBytes(tsKey[:])
	if err != nil {
		return nil, nil, fmt.Errorf("handshake: ss: %w", err)
	}

	// Step 7: Encrypt timestamp
	// msg.encrypted_timestamp = AEAD(key, 0, TAI64N(), hash)
	// hash = HASH(hash || msg.encrypted_timestamp)
	ts := e.stamper.Stamp()
	copy(msg.Timestamp[:], hs.ss.EncryptAndHash(&tsKey, ts[:]))

	// Step 8: MAC1 always, MAC2 if the responder gave us a cookie
	if err := peer.addMACs(msg.Marshal(), &msg.MAC1, &msg.MAC2); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	hs.state = StateInitiationSent
	ok = true

	e.logger.WithFields(logrus.Fields{
		"peer":   peer.publicKey.String(),
		"sender": senderIndex,
		"cookie": peer.HasCookie(),
	}).Debug("Created handshake initiation")
	return msg, hs, nil
}

// ConsumeMessageInitiation (Part 2/4) mirrors the initiator's steps with our
// static key. MACs must already have been checked (see CheckMACs). On
// success the returned Handshake is in StateInitiationConsumed and the
// initiator's timestamp has been recorded by the replay guard.
func (e *Engine) ConsumeMessageInitiation(msg *Initiation) (*Handshake, error) {
	hs := &Handshake{
		state:       StateIdle,
		role:        RoleResponder,
		remoteIndex: msg.Sender,
		ss:          noise.NewSymmetricState(),
		created:     e.now(),
	}
	ok := false
	defer hs.fail(&ok)

	// Step 1: hash = HASH(InitialHash || responder.static_public)
	hs.ss.MixHash(e.static.Public[:])

	// Step 2: Mix the initiator's ephemeral
	hs.ss.MixHash(msg.Ephemeral[:])
	hs.ss.MixKey(msg.Ephemeral[:])

	// Step 3: es, from our side
	// (chaining_key, key) = KDF2(chaining_key, DH(responder.static_private, initiator.ephemeral_public))
	key, err := hs.ss.MixKeyDH(&e.static.Private, msg.Ephemeral)
	defer noise.ZeroBytes(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: es: %w", ErrDecryptionFailed, err)
	}

	// Step 4: Decrypt the initiator's static key and find the peer
	static, err := hs.ss.DecryptAndHash(&key, msg.Static[:])
	if err != nil {
		return nil, fmt.Errorf("%w: static: %w", ErrDecryptionFailed, err)
	}
	copy(hs.remoteStatic[:], static)

	peer := e.LookupPeer(hs.remoteStatic)
	if peer == nil {
		e.logger.WithField("peer", hs.remoteStatic.String()).Debug("Initiation from unknown static key")
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, ErrUnknownPeer)
	}
	hs.peer = peer

	// Step 5: ss
	// (chaining_key, key) = KDF2(chaining_key, DH(responder.static_private, initiator.static_public))
	tsKey, err := hs.ss.MixKeyDH(&e.static.Private, hs.remoteStatic)
	defer noise.ZeroBytes(tsKey[:])
	if err != nil {
		return nil, fmt.Errorf("%w: ss: %w", ErrDecryptionFailed, err)
	}

	// Step 6: Decrypt timestamp
	plain, err := hs.ss.DecryptAndHash(&tsKey, msg.Timestamp[:])
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp: %w", ErrDecryptionFailed, err)
	}
	var ts noise.Timestamp
	copy(ts[:], plain)

	// Step 7: Timestamp must be newer than the last one we accepted from this peer
	if err := e.replay.CheckAndUpdate(peer.publicKey, ts); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReplayRejected, err)
	}

	hs.remoteEphemeral = msg.Ephemeral
	hs.state = StateInitiationConsumed
	ok = true

	e.logger.WithFields(logrus.Fields{
		"peer":   peer.publicKey.String(),
		"sender": msg.Sender,
	}).Debug("Consumed handshake initiation")
	return hs, nil
}

// CreateMessageResponse (Part 3/4) answers a consumed initiation. The
// responder is established as soon as the response exists, so the session
// keys are returned with it.
func (e *Engine) CreateMessageResponse(hs *Handshake, senderIndex uint32) (*Response, *SessionKeys, error) {
	if hs == nil || hs.role != RoleResponder || hs.state != StateInitiationConsumed {
		return nil, nil, ErrInvalidState
	}
	ok := false
	defer hs.fail(&ok)

	hs.localIndex = senderIndex

	// Step 1: Generate responder ephemeral keypair
	eph, err := noise.GenerateKeyPair(e.rand)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrRandomnessUnavailable, err)
	}
	hs.ephemeral = eph
	eph.Zero()

	msg := &Response{
		Sender:    senderIndex,
		Receiver:  hs.remoteIndex,
		Ephemeral: hs.ephemeral.Public,
	}

	// Step 2: Mix the responder's ephemeral
	// hash = HASH(hash || msg.unencrypted_ephemeral)
	// chaining_key = KDF1(chaining_key, msg.unencrypted_ephemeral)
	hs.ss.MixHash(hs.ephemeral.Public[:])
	hs.ss.MixKey(hs.ephemeral.Public[:])

	// Step 3: ee and se
	// chaining_key = KDF1(chaining_key, DH(responder.ephemeral_private, initiator.ephemeral_public))
	// chaining_key = KDF1(chaining_key, DH(responder.ephemeral_private, initiator.static_public))
	if err := hs.ss.MixDH(&hs.ephemeral.Private, hs.remoteEphemeral); err != nil {
		return nil, nil, fmt.Errorf("%w: ee: %w", ErrDecryptionFailed, err)
	}
	if err := hs.ss.MixDH(&hs.ephemeral.Private, hs.remoteStatic); err != nil {
		return nil, nil, fmt.Errorf("%w: se: %w", ErrDecryptionFailed, err)
	}

	// Step 4: psk
	// (chaining_key, tau, key) = KDF3(chaining_key, preshared_key)
	// hash = HASH(hash || tau)
	psk := hs.peer.psk()
	defer psk.Zero()
	key := hs.ss.MixKeyAndHash(&psk)
	defer noise.ZeroBytes(key[:])

	// Step 5: Seal the empty payload as transcript confirmation
	// msg.encrypted_nothing = AEAD(key, 0, "", hash)
	copy(msg.Empty[:], hs.ss.EncryptAndHash(&key, nil))

	// Step 6: MAC1 keyed by the initiator's static key
	if err := hs.peer.addMACs(msg.Marshal(), &msg.MAC1, &msg.MAC2); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	// Step 7: Derive transport keys, this wipes the symmetric state
	keys := deriveSessionKeys(hs, e.now())
	hs.ephemeral.Zero()
	hs.state = StateEstablished
	ok = true

	e.logger.WithFields(logrus.Fields{
		"peer":     hs.remoteStatic.String(),
		"sender":   senderIndex,
		"receiver": hs.remoteIndex,
	}).Debug("Created handshake response")
	return msg, keys, nil
}

// ConsumeMessageResponse (Part 4/4) completes the handshake on the initiator
// side. A response for another sender index is rejected without touching hs;
// any other failure wipes hs and leaves it in StateFailed. MAC2 is not
// checked here even under load: a response is only processed for an index
// this engine handed out, so unsolicited responses never reach the DH work.
func (e *Engine) ConsumeMessageResponse(msg *Response, hs *Handshake) (*SessionKeys, error) {
	if hs == nil || hs.role != RoleInitiator || hs.state != StateInitiationSent {
		return nil, ErrInvalidState
	}
	if msg.Receiver != hs.localIndex {
		return nil, fmt.Errorf("%w: response for index %d, pending %d", ErrInvalidState, msg.Receiver, hs.localIndex)
	}
	ok := false
	defer hs.fail(&ok)

	// Step 1: MAC1 keyed by our own static key, before any DH
	if !e.cookies.CheckMAC1(msg.Marshal()) {
		return nil, fmt.Errorf("%w: invalid mac1", ErrAuthenticationFailed)
	}

	// Step 2: Mix the responder's ephemeral
	hs.ss.MixHash(msg.Ephemeral[:])
	hs.ss.MixKey(msg.Ephemeral[:])

	// Step 3: ee and se, from our side
	if err := hs.ss.MixDH(&hs.ephemeral.Private, msg.Ephemeral); err != nil {
		return nil, fmt.Errorf("%w: ee: %w", ErrDecryptionFailed, err)
	}
	if err := hs.ss.MixDH(&e.static.Private, msg.Ephemeral); err != nil {
		return nil, fmt.Errorf("%w: se: %w", ErrDecryptionFailed, err)
	}

	// Step 4: psk
	psk := hs.peer.psk()
	defer psk.Zero()
	key := hs.ss.MixKeyAndHash(&psk)
	defer noise.ZeroBytes(key[:])

	// Step 5: The empty payload authenticates the whole transcript
	if _, err := hs.ss.DecryptAndHash(&key, msg.Empty[:]); err != nil {
		return nil, fmt.Errorf("%w: confirmation: %w", ErrDecryptionFailed, err)
	}

	hs.remoteIndex = msg.Sender
	hs.remoteEphemeral = msg.Ephemeral
	keys := deriveSessionKeys(hs, e.now())
	hs.ephemeral.Zero()
	hs.state = StateEstablished
	ok = true

	e.logger.WithFields(logrus.Fields{
		"peer":     hs.remoteStatic.String(),
		"sender":   hs.localIndex,
		"receiver": msg.Sender,
	}).Debug("Consumed handshake response")
	return keys, nil
}

// ConsumeMessageCookieReply stores the cookie carried by msg for hs's peer.
// hs is left pending; the caller abandons it and sends a fresh initiation,
// which will carry MAC2.
func (e *Engine) ConsumeMessageCookieReply(msg *CookieReply, hs *Handshake) error {
	if hs == nil || hs.role != RoleInitiator || hs.state != StateInitiationSent {
		return ErrInvalidState
	}
	if msg.Receiver != hs.localIndex {
		return fmt.Errorf("%w: cookie reply for index %d, pending %d", ErrInvalidState, msg.Receiver, hs.localIndex)
	}
	if err := hs.peer.cookies.ConsumeReply(&msg.Nonce, msg.Cookie[:]); err != nil {
		return fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}

	e.logger.WithFields(logrus.Fields{
		"peer":   hs.peer.publicKey.String(),
		"sender": hs.localIndex,
	}).Debug("Consumed cookie reply")
	return nil
}
