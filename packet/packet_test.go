package packet

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataRoundTrip(t *testing.T) {
	tests := []*Data{
		{Terminate: false, Seq: 0, Payload: []byte("hello")},
		{Terminate: false, Seq: 4294967295, Payload: []byte{}},
		{Terminate: true, Seq: 9, Payload: FinPayload},
		{Terminate: false, Seq: 1, Payload: []byte{0xff}}, // odd length payload
	}

	for _, want := range tests {
		b, err := want.Marshal()
		require.NoError(t, err)

		got, err := UnmarshalData(b)
		require.NoError(t, err)

		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestDataChecksumMismatchDetected(t *testing.T) {
	d := &Data{Seq: 3, Payload: []byte("corrupt me")}
	b, err := d.Marshal()
	require.NoError(t, err)

	b[5] ^= 0xFF // flip bits in the checksum field itself

	_, err = UnmarshalData(b)
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestDataPayloadCorruptionDetected(t *testing.T) {
	d := &Data{Seq: 3, Payload: []byte("don't touch this")}
	b, err := d.Marshal()
	require.NoError(t, err)

	b[len(b)-1] ^= 0x01

	_, err = UnmarshalData(b)
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestDataTooShort(t *testing.T) {
	_, err := UnmarshalData([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrTooShort)
}

func TestDataTooLarge(t *testing.T) {
	d := &Data{Payload: make([]byte, MaxSize)}
	_, err := d.Marshal()
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestAckRoundTrip(t *testing.T) {
	ack := &Ack{Kind: KindAck, Seq: 42}
	got, err := UnmarshalAck(ack.Marshal())
	require.NoError(t, err)
	assert.Equal(t, ack, got)

	finAck := &Ack{Kind: KindFinAck}
	got, err = UnmarshalAck(finAck.Marshal())
	require.NoError(t, err)
	assert.Equal(t, finAck, got)
}

func TestAckUnknownKind(t *testing.T) {
	_, err := UnmarshalAck([]byte{0xEE, 0, 0, 0, 0})
	assert.ErrorIs(t, err, ErrUnknownAckKind)
}

func TestChecksumInternetVector(t *testing.T) {
	// Known-good Internet checksum example: all-zero 16-bit words sum to
	// zero, whose complement is 0xFFFF.
	sum := checksum([]byte{0x00, 0x00, 0x00, 0x00})
	assert.Equal(t, uint16(0xFFFF), sum)
}
