// Package packet implements the RDT wire codec: a fixed binary header for
// data-direction datagrams plus a minimal tagged form for the ack direction,
// and the 16-bit Internet checksum the two sides use to detect corruption.
//
// The layout is the concrete binary realisation of the distilled protocol's
// self-describing record: a fixed header keeps decoding a matter of fixed
// offsets and keeps the checksum computation deterministic, which a
// reflection-driven encoder would not guarantee for free.
package packet

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// MaxSize is the upper bound on a single datagram, including header.
const MaxSize = 2048

// dataHeaderSize is terminate(1) + seq(4) + checksum(2) + payloadLen(4).
const dataHeaderSize = 1 + 4 + 2 + 4

// FinPayload is the sentinel payload carried by the FIN packet. Its content
// is never inspected by the receiver.
var FinPayload = []byte("Connection Termination")

var (
	// ErrTooShort signals a datagram too small to contain a header.
	ErrTooShort = errors.New("rdt: packet shorter than header")
	// ErrTooLarge signals a payload that would not fit in a single datagram.
	ErrTooLarge = errors.New("rdt: payload exceeds datagram capacity")
	// ErrChecksum signals a recomputed checksum that does not match the
	// one carried on the wire.
	ErrChecksum = errors.New("rdt: checksum mismatch")
	// ErrUnknownAckKind signals an ack-direction datagram whose tag byte
	// is neither ack nor fin-ack.
	ErrUnknownAckKind = errors.New("rdt: unrecognised ack datagram tag")
)

// Data is a data-direction datagram: either a numbered chunk of payload, or
// (when Terminate is set) the FIN.
type Data struct {
	Terminate bool
	Seq       uint32
	Payload   []byte
}

// Marshal encodes d into a fresh byte slice, computing the checksum over the
// header (with the checksum field zeroed) followed by the payload.
func (d *Data) Marshal() ([]byte, error) {
	total := dataHeaderSize + len(d.Payload)
	if total > MaxSize {
		return nil, ErrTooLarge
	}

	b := make([]byte, total)
	if d.Terminate {
		b[0] = 1
	}
	binary.BigEndian.PutUint32(b[1:5], d.Seq)
	// b[5:7] left zero for the checksum calculation
	binary.BigEndian.PutUint32(b[7:11], uint32(len(d.Payload)))
	copy(b[dataHeaderSize:], d.Payload)

	sum := checksum(b)
	binary.BigEndian.PutUint16(b[5:7], sum)

	return b, nil
}

// UnmarshalData decodes b into a Data record and verifies its checksum.
// A checksum mismatch returns ErrChecksum; the caller must treat that as a
// silent drop per the protocol's error taxonomy, not a fatal condition.
func UnmarshalData(b []byte) (*Data, error) {
	if len(b) < dataHeaderSize {
		return nil, ErrTooShort
	}

	wantSum := binary.BigEndian.Uint16(b[5:7])

	verify := make([]byte, len(b))
	copy(verify, b)
	verify[5], verify[6] = 0, 0
	gotSum := checksum(verify)
	if gotSum != wantSum {
		return nil, ErrChecksum
	}

	payloadLen := binary.BigEndian.Uint32(b[7:11])
	if dataHeaderSize+int(payloadLen) != len(b) {
		return nil, ErrTooShort
	}

	d := &Data{
		Terminate: b[0] != 0,
		Seq:       binary.BigEndian.Uint32(b[1:5]),
		Payload:   append([]byte{}, b[dataHeaderSize:]...),
	}
	return d, nil
}

// AckKind discriminates the two disjoint ack-direction forms.
type AckKind uint8

const (
	// KindAck acknowledges reception of a single data seq.
	KindAck AckKind = iota
	// KindFinAck confirms the FIN handshake.
	KindFinAck
)

// Ack is an ack-direction datagram. Seq is meaningful only for KindAck.
type Ack struct {
	Kind AckKind
	Seq  uint32
}

// Marshal encodes a into a fresh byte slice.
func (a *Ack) Marshal() []byte {
	switch a.Kind {
	case KindFinAck:
		return []byte{byte(KindFinAck)}
	default:
		b := make([]byte, 5)
		b[0] = byte(KindAck)
		binary.BigEndian.PutUint32(b[1:], a.Seq)
		return b
	}
}

// UnmarshalAck decodes b into an Ack record.
func UnmarshalAck(b []byte) (*Ack, error) {
	if len(b) < 1 {
		return nil, ErrTooShort
	}
	switch AckKind(b[0]) {
	case KindFinAck:
		return &Ack{Kind: KindFinAck}, nil
	case KindAck:
		if len(b) < 5 {
			return nil, ErrTooShort
		}
		return &Ack{Kind: KindAck, Seq: binary.BigEndian.Uint32(b[1:5])}, nil
	default:
		return nil, ErrUnknownAckKind
	}
}

// checksum computes the 16-bit one's-complement Internet checksum over b,
// padding with a trailing zero byte when b has odd length.
func checksum(b []byte) uint16 {
	if len(b)%2 == 1 {
		b = append(append([]byte(nil), b...), 0x00)
	}

	var sum uint32
	for i := 0; i < len(b); i += 2 {
		word := uint32(b[i])<<8 | uint32(b[i+1])
		sum += word
		sum = (sum & 0xFFFF) + (sum >> 16)
	}

	return ^uint16(sum)
}
