package noise

// Protocol constants from WireGuard specification
const (
	Construction = "Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s"
	Identifier   = "WireGuard v1 zx2c4 Jason@zx2c4.com"
)

// Precomputed initial transcript values:
// InitialChainKey = HASH(Construction), InitialHash = HASH(InitialChainKey || Identifier)
var (
	InitialChainKey [HashSize]byte
	InitialHash     [HashSize]byte
)

func init() {
	InitialChainKey = Hash([]byte(Construction))
	InitialHash = Hash(InitialChainKey[:], []byte(Identifier))
}

// SymmetricState is the transcript accumulator of a handshake.
// hash: a tamper-evident log of everything both parties have seen.
// chainKey: the secret ledger every DH result is extracted into.
type SymmetricState struct {
	chainKey [HashSize]byte
	hash     [HashSize]byte
}

// NewSymmetricState returns a state initialized from the protocol constants
func NewSymmetricState() SymmetricState {
	return SymmetricState{
		chainKey: InitialChainKey,
		hash:     InitialHash,
	}
}

func (s *SymmetricState) Hash() [HashSize]byte {
	return s.hash
}

// MixHash sets hash = HASH(hash || data)
func (s *SymmetricState) MixHash(data []byte) {
	s.hash = Hash(s.hash[:], data)
}

// MixKey sets chainKey = KDF1(chainKey, data). WireGuard applies it to
// ephemeral public keys.
func (s *SymmetricState) MixKey(data []byte) {
	s.chainKey = KDF1(s.chainKey[:], data)
}

// MixDH mixes DH(sk, pk) into the chaining key
func (s *SymmetricState) MixDH(sk *PrivateKey, pk PublicKey) error {
	ss, err := sk.SharedSecret(pk)
	defer ZeroBytes(ss[:])
	if err != nil {
		return err
	}
	s.MixKey(ss[:])
	return nil
}

// MixKeyDH mixes DH(sk, pk) into the chaining key and returns the derived
// AEAD key for the next encrypted field.
func (s *SymmetricState) MixKeyDH(sk *PrivateKey, pk PublicKey) (key [KeySize]byte, err error) {
	ss, err := sk.SharedSecret(pk)
	defer ZeroBytes(ss[:])
	if err != nil {
		return key, err
	}
	s.chainKey, key = KDF2(s.chainKey[:], ss[:])
	return key, nil
}

// MixKeyAndHash mixes the preshared key into both chaining key and hash
// and returns the AEAD key for the confirmation payload.
func (s *SymmetricState) MixKeyAndHash(psk *PresharedKey) (key [KeySize]byte) {
	var tau [HashSize]byte
	s.chainKey, tau, key = KDF3(s.chainKey[:], psk[:])
	s.MixHash(tau[:])
	ZeroBytes(tau[:])
	return key
}

// EncryptAndHash seals plaintext with the current hash as associated data
// and mixes the ciphertext into the hash.
func (s *SymmetricState) EncryptAndHash(key *[KeySize]byte, plaintext []byte) []byte {
	ciphertext := Seal(key, 0, plaintext, s.hash[:])
	s.MixHash(ciphertext)
	return ciphertext
}

// DecryptAndHash is the inverse of EncryptAndHash. The hash is only
// advanced when the ciphertext authenticates.
func (s *SymmetricState) DecryptAndHash(key *[KeySize]byte, ciphertext []byte) ([]byte, error) {
	plaintext, err := Open(key, 0, ciphertext, s.hash[:])
	if err != nil {
		return nil, err
	}
	s.MixHash(ciphertext)
	return plaintext, nil
}

// Split derives the two transport keys from the final chaining key and
// wipes the state.
func (s *SymmetricState) Split() (first, second [KeySize]byte) {
	first, second = KDF2(s.chainKey[:], nil)
	s.Zero()
	return first, second
}

func (s *SymmetricState) Zero() {
	ZeroBytes(s.chainKey[:], s.hash[:])
}
