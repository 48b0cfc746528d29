// messages.go
//
// WireGuard handshake message formats and serialization
//
// Contains:
// - Message type constants and sizes
// - Initiation, Response and CookieReply wire structures
// - Marshal and Parse for the closed set of message kinds

package handshake

import (
	"encoding/binary"
	"fmt"

	"github.com/drio/wghandshake/cookie"
	"github.com/drio/wghandshake/noise"
)

// MessageType is the leading type byte of a handshake message
type MessageType uint8

const (
	MessageInitiationType  MessageType = 1
	MessageResponseType    MessageType = 2
	MessageCookieReplyType MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case MessageInitiationType:
		return "initiation"
	case MessageResponseType:
		return "response"
	case MessageCookieReplyType:
		return "cookie-reply"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Message sizes
const (
	MessageInitiationSize  = 148 // 4 + 4 + 32 + 48 + 28 + 16 + 16
	MessageResponseSize    = 92  // 4 + 4 + 4 + 32 + 16 + 16 + 16
	MessageCookieReplySize = 64  // 4 + 4 + 24 + 32
)

const (
	encryptedStaticSize    = noise.KeySize + noise.TagSize
	encryptedTimestampSize = noise.TimestampSize + noise.TagSize
	encryptedNothingSize   = noise.TagSize
)

// Message is one of *Initiation, *Response or *CookieReply
type Message interface {
	Type() MessageType
	Marshal() []byte
	message()
}

// Initiation is the first handshake message (initiator -> responder).
// Layout: type(1) reserved(3) sender(4) ephemeral(32) static(48)
// timestamp(28) mac1(16) mac2(16)
type Initiation struct {
	Sender    uint32
	Ephemeral noise.PublicKey
	Static    [encryptedStaticSize]byte
	Timestamp [encryptedTimestampSize]byte
	MAC1      [noise.MACSize]byte
	MAC2      [noise.MACSize]byte
}

// Response is the second handshake message (responder -> initiator).
// Layout: type(1) reserved(3) sender(4) receiver(4) ephemeral(32)
// empty(16) mac1(16) mac2(16)
type Response struct {
	Sender    uint32
	Receiver  uint32
	Ephemeral noise.PublicKey
	Empty     [encryptedNothingSize]byte
	MAC1      [noise.MACSize]byte
	MAC2      [noise.MACSize]byte
}

// CookieReply is sent instead of a Response when the responder is under load.
// Layout: type(1) reserved(3) receiver(4) nonce(24) cookie(32)
type CookieReply struct {
	Receiver uint32
	Nonce    [noise.XNonceSize]byte
	Cookie   [cookie.SealedSize]byte
}

func (*Initiation) Type() MessageType  { return MessageInitiationType }
func (*Response) Type() MessageType    { return MessageResponseType }
func (*CookieReply) Type() MessageType { return MessageCookieReplyType }

func (*Initiation) message()  {}
func (*Response) message()    {}
func (*CookieReply) message() {}

func putHeader(buf []byte, t MessageType) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(t))
}

// Marshal converts the initiation to wire format
func (m *Initiation) Marshal() []byte {
	buf := make([]byte, MessageInitiationSize)
	putHeader(buf, MessageInitiationType)
	binary.LittleEndian.PutUint32(buf[4:8], m.Sender)
	copy(buf[8:40], m.Ephemeral[:])
	copy(buf[40:88], m.Static[:])
	copy(buf[88:116], m.Timestamp[:])
	copy(buf[116:132], m.MAC1[:])
	copy(buf[132:148], m.MAC2[:])
	return buf
}

// Marshal converts the response to wire format
func (m *Response) Marshal() []byte {
	buf := make([]byte, MessageResponseSize)
	putHeader(buf, MessageResponseType)
	binary.LittleEndian.PutUint32(buf[4:8], m.Sender)
	binary.LittleEndian.PutUint32(buf[8:12], m.Receiver)
	copy(buf[12:44], m.Ephemeral[:])
	copy(buf[44:60], m.Empty[:])
	copy(buf[60:76], m.MAC1[:])
	copy(buf[76:92], m.MAC2[:])
	return buf
}

func (m *CookieReply) Marshal() []byte {
	buf := make([]byte, MessageCookieReplySize)
	putHeader(buf, MessageCookieReplyType)
	binary.LittleEndian.PutUint32(buf[4:8], m.Receiver)
	copy(buf[8:32], m.Nonce[:])
	copy(buf[32:64], m.Cookie[:])
	return buf
}

// PeekType returns the type of a raw message without validating the rest
func PeekType(buf []byte) (MessageType, bool) {
	if len(buf) < 4 || buf[1]|buf[2]|buf[3] != 0 {
		return 0, false
	}
	return MessageType(buf[0]), true
}

// Parse dispatches on the leading type byte and decodes exactly one message kind
func Parse(buf []byte) (Message, error) {
	t, ok := PeekType(buf)
	if !ok {
		return nil, fmt.Errorf("%w: bad header", ErrMalformedMessage)
	}
	switch t {
	case MessageInitiationType:
		return parseInitiation(buf)
	case MessageResponseType:
		return parseResponse(buf)
	case MessageCookieReplyType:
		return parseCookieReply(buf)
	default:
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, t)
	}
}

func checkSize(buf []byte, t MessageType, want int) error {
	if len(buf) != want {
		return fmt.Errorf("%w: %v is %d bytes, expected %d", ErrMalformedMessage, t, len(buf), want)
	}
	return nil
}

func parseInitiation(buf []byte) (*Initiation, error) {
	if err := checkSize(buf, MessageInitiationType, MessageInitiationSize); err != nil {
		return nil, err
	}
	m := &Initiation{Sender: binary.LittleEndian.Uint32(buf[4:8])}
	copy(m.Ephemeral[:], buf[8:40])
	copy(m.Static[:], buf[40:88])
	copy(m.Timestamp[:], buf[88:116])
	copy(m.MAC1[:], buf[116:132])
	copy(m.MAC2[:], buf[132:148])
	return m, nil
}

func parseResponse(buf []byte) (*Response, error) {
	if err := checkSize(buf, MessageResponseType, MessageResponseSize); err != nil {
		return nil, err
	}
	m := &Response{
		Sender:   binary.LittleEndian.Uint32(buf[4:8]),
		Receiver: binary.LittleEndian.Uint32(buf[8:12]),
	}
	copy(m.Ephemeral[:], buf[12:44])
	copy(m.Empty[:], buf[44:60])
	copy(m.MAC1[:], buf[60:76])
	copy(m.MAC2[:], buf[76:92])
	return m, nil
}

func parseCookieReply(buf []byte) (*CookieReply, error) {
	if err := checkSize(buf, MessageCookieReplyType, MessageCookieReplySize); err != nil {
		return nil, err
	}
	m := &CookieReply{Receiver: binary.LittleEndian.Uint32(buf[4:8])}
	copy(m.Nonce[:], buf[8:32])
	copy(m.Cookie[:], buf[32:64])
	return m, nil
}
