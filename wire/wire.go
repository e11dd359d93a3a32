// Package wire implements the tagged-union messages exchanged with the
// bulletin-board server (dsnet spec §6): broadcast queries, pigeonhole
// messages, short-address notifications pushed over the notification
// stream, and MSPSI publication announcements. The tag occupies the
// first byte of every encoded message, mirroring the teacher's
// cborplugin.Command tagged-union convention.
package wire

import (
	"encoding/binary"
	"errors"
)

// Type is the first-byte discriminant of a wire message.
type Type byte

const (
	// TypeQuery tags a broadcast query.
	TypeQuery Type = 0x01
	// TypePigeonHoleMessage tags a response/message/pigeonhole write,
	// all of which share one wire shape (spec §6).
	TypePigeonHoleMessage Type = 0x02
	// TypeNotification tags a short-address push notification.
	TypeNotification Type = 0x03
	// TypePublication tags an MSPSI publication announcement.
	TypePublication Type = 0x04
)

var (
	// ErrTruncated is returned when a buffer is shorter than its
	// declared or required fixed fields.
	ErrTruncated = errors.New("wire: truncated message")
	// ErrUnknownType is returned by Decode for an unrecognized tag byte.
	ErrUnknownType = errors.New("wire: unknown message type")
)

// Message is any decoded wire message.
type Message interface {
	// Type returns the message's tag.
	Type() Type
	// ToBytes serializes the message back to wire format.
	ToBytes() []byte
}

const (
	pubKeyLen  = 32
	addrLen    = 32
	ed25519Sig = 64
)

// Query is the QUERY wire message: an ephemeral query public key, the
// Abe blind signature and its Ed25519 token subkey, the signature over
// (publicKey || payload), and the (possibly MSPSI-encoded) payload.
type Query struct {
	PublicKey      [pubKeyLen]byte
	TokenPublicKey [pubKeyLen]byte
	BlindSignature []byte
	Signature      [ed25519Sig]byte
	Payload        []byte
}

func (q *Query) Type() Type { return TypeQuery }

// ToBytes encodes: tag‖publicKey(32)‖tokenPublicKey(32)‖len(blindSig,u16)‖blindSig‖signature(64)‖payload
func (q *Query) ToBytes() []byte {
	out := make([]byte, 0, 1+pubKeyLen+pubKeyLen+2+len(q.BlindSignature)+ed25519Sig+len(q.Payload))
	out = append(out, byte(TypeQuery))
	out = append(out, q.PublicKey[:]...)
	out = append(out, q.TokenPublicKey[:]...)
	out = appendUint16Prefixed(out, q.BlindSignature)
	out = append(out, q.Signature[:]...)
	out = append(out, q.Payload...)
	return out
}

// SignedPayload returns the bytes that the Ed25519 signature is computed over.
func (q *Query) SignedPayload() []byte {
	out := make([]byte, 0, pubKeyLen+len(q.Payload))
	out = append(out, q.PublicKey[:]...)
	out = append(out, q.Payload...)
	return out
}

func decodeQuery(b []byte) (*Query, error) {
	if len(b) < pubKeyLen+pubKeyLen+2 {
		return nil, ErrTruncated
	}
	q := &Query{}
	off := 0
	copy(q.PublicKey[:], b[off:off+pubKeyLen])
	off += pubKeyLen
	copy(q.TokenPublicKey[:], b[off:off+pubKeyLen])
	off += pubKeyLen

	blindSig, off2, err := readUint16Prefixed(b, off)
	if err != nil {
		return nil, err
	}
	q.BlindSignature = blindSig
	off = off2

	if len(b) < off+ed25519Sig {
		return nil, ErrTruncated
	}
	copy(q.Signature[:], b[off:off+ed25519Sig])
	off += ed25519Sig
	q.Payload = append([]byte{}, b[off:]...)
	return q, nil
}

// PigeonHoleMessage is the RESPONSE/MESSAGE/PIGEONHOLE_MESSAGE wire
// message: a ciphertext addressed to a pigeonhole, plus the sender's
// public key so the recipient can identify the conversation.
type PigeonHoleMessage struct {
	Address [addrLen]byte
	FromKey [pubKeyLen]byte
	Payload []byte
}

func (m *PigeonHoleMessage) Type() Type { return TypePigeonHoleMessage }

func (m *PigeonHoleMessage) ToBytes() []byte {
	out := make([]byte, 0, 1+addrLen+pubKeyLen+len(m.Payload))
	out = append(out, byte(TypePigeonHoleMessage))
	out = append(out, m.Address[:]...)
	out = append(out, m.FromKey[:]...)
	out = append(out, m.Payload...)
	return out
}

func decodePigeonHoleMessage(b []byte) (*PigeonHoleMessage, error) {
	if len(b) < addrLen+pubKeyLen {
		return nil, ErrTruncated
	}
	m := &PigeonHoleMessage{}
	copy(m.Address[:], b[:addrLen])
	copy(m.FromKey[:], b[addrLen:addrLen+pubKeyLen])
	m.Payload = append([]byte{}, b[addrLen+pubKeyLen:]...)
	return m, nil
}

// AdrShortLen is the length in ASCII hex characters of a short address
// (3 raw bytes -> 6 hex chars).
const AdrShortLen = 6

// Notification is the NOTIFICATION wire message: the hex-encoded 3-byte
// address prefix a listener uses to cheaply filter pigeonholes without
// learning full addresses of traffic meant for other listeners.
type Notification struct {
	AdrShortHex string
}

func (n *Notification) Type() Type { return TypeNotification }

func (n *Notification) ToBytes() []byte {
	out := make([]byte, 0, 1+AdrShortLen)
	out = append(out, byte(TypeNotification))
	out = append(out, []byte(n.AdrShortHex)...)
	return out
}

func decodeNotification(b []byte) (*Notification, error) {
	if len(b) != AdrShortLen {
		return nil, ErrTruncated
	}
	return &Notification{AdrShortHex: string(b)}, nil
}

// Publication is the PUBLICATION wire message: an MSPSI data owner's
// announcement of a cuckoo filter covering its published documents.
type Publication struct {
	Nym                string
	PublisherPublicKey [pubKeyLen]byte
	CuckooFilter       []byte
	NbDocs             uint32
}

func (p *Publication) Type() Type { return TypePublication }

func (p *Publication) ToBytes() []byte {
	out := make([]byte, 0, 1+1+len(p.Nym)+pubKeyLen+4+len(p.CuckooFilter)+4)
	out = append(out, byte(TypePublication))
	out = append(out, byte(len(p.Nym)))
	out = append(out, []byte(p.Nym)...)
	out = append(out, p.PublisherPublicKey[:]...)
	out = appendUint32Prefixed(out, p.CuckooFilter)
	var nb [4]byte
	binary.BigEndian.PutUint32(nb[:], p.NbDocs)
	out = append(out, nb[:]...)
	return out
}

func decodePublication(b []byte) (*Publication, error) {
	if len(b) < 1 {
		return nil, ErrTruncated
	}
	nymLen := int(b[0])
	off := 1
	if len(b) < off+nymLen+pubKeyLen+4 {
		return nil, ErrTruncated
	}
	p := &Publication{}
	p.Nym = string(b[off : off+nymLen])
	off += nymLen
	copy(p.PublisherPublicKey[:], b[off:off+pubKeyLen])
	off += pubKeyLen

	filter, off2, err := readUint32Prefixed(b, off)
	if err != nil {
		return nil, err
	}
	p.CuckooFilter = filter
	off = off2

	if len(b) < off+4 {
		return nil, ErrTruncated
	}
	p.NbDocs = binary.BigEndian.Uint32(b[off : off+4])
	return p, nil
}

// Decode dispatches on the first byte of b and returns the decoded
// Message, mirroring MessageType.loads in the original implementation.
func Decode(b []byte) (Message, error) {
	if len(b) < 1 {
		return nil, ErrTruncated
	}
	switch Type(b[0]) {
	case TypeQuery:
		return decodeQuery(b[1:])
	case TypePigeonHoleMessage:
		return decodePigeonHoleMessage(b[1:])
	case TypeNotification:
		return decodeNotification(b[1:])
	case TypePublication:
		return decodePublication(b[1:])
	default:
		return nil, ErrUnknownType
	}
}

func appendUint16Prefixed(out []byte, data []byte) []byte {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(data)))
	out = append(out, l[:]...)
	return append(out, data...)
}

func readUint16Prefixed(b []byte, off int) ([]byte, int, error) {
	if len(b) < off+2 {
		return nil, 0, ErrTruncated
	}
	n := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if len(b) < off+n {
		return nil, 0, ErrTruncated
	}
	return append([]byte{}, b[off:off+n]...), off + n, nil
}

func appendUint32Prefixed(out []byte, data []byte) []byte {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(data)))
	out = append(out, l[:]...)
	return append(out, data...)
}

func readUint32Prefixed(b []byte, off int) ([]byte, int, error) {
	if len(b) < off+4 {
		return nil, 0, ErrTruncated
	}
	n := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if len(b) < off+n {
		return nil, 0, ErrTruncated
	}
	return append([]byte{}, b[off:off+n]...), off + n, nil
}
