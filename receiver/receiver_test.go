package receiver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjt7922/rdt/config"
	"github.com/cjt7922/rdt/packet"
)

func send(t *testing.T, conn *net.UDPConn, dst *net.UDPAddr, d *packet.Data) {
	t.Helper()
	b, err := d.Marshal()
	require.NoError(t, err)
	_, err = conn.WriteToUDP(b, dst)
	require.NoError(t, err)
}

func TestRunDeliversInOrderDespiteReordering(t *testing.T) {
	const sendPort = 54100
	const recvPort = sendPort + 1

	r := New(sendPort, config.Transport{WindowSize: 10, Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- r.Run(ctx) }()
	time.Sleep(50 * time.Millisecond) // let the bind happen

	src, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: sendPort})
	require.NoError(t, err)
	defer src.Close()
	dst := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: recvPort}

	chunks := [][]byte{[]byte("zero"), []byte("one"), []byte("two"), []byte("three")}
	order := []uint32{2, 0, 3, 1} // out of order arrival
	for _, seq := range order {
		send(t, src, dst, &packet.Data{Seq: seq, Payload: chunks[seq]})
	}
	time.Sleep(100 * time.Millisecond)

	send(t, src, dst, &packet.Data{Terminate: true, Seq: 4, Payload: packet.FinPayload})
	time.Sleep(100 * time.Millisecond)

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(7 * time.Second):
		t.Fatal("Run did not complete after FIN")
	}
	cancel()

	delivered := r.Delivered()
	require.Len(t, delivered, 4)
	for i, c := range chunks {
		assert.Equal(t, c, delivered[i])
	}
}

func TestRunDropsOutOfRangeAndChecksumInvalid(t *testing.T) {
	const sendPort = 54200
	const recvPort = sendPort + 1

	r := New(sendPort, config.Transport{WindowSize: 4, Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- r.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	src, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: sendPort})
	require.NoError(t, err)
	defer src.Close()
	dst := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: recvPort}

	// out of range: seq far beyond window
	send(t, src, dst, &packet.Data{Seq: 999, Payload: []byte("nope")})

	// checksum invalid: marshal then corrupt a payload byte
	good := &packet.Data{Seq: 0, Payload: []byte("ok")}
	b, err := good.Marshal()
	require.NoError(t, err)
	b[len(b)-1] ^= 0xFF
	_, err = src.WriteToUDP(b, dst)
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, r.Delivered())

	send(t, src, dst, &packet.Data{Terminate: true, Seq: 1, Payload: packet.FinPayload})

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(7 * time.Second):
		t.Fatal("Run did not complete")
	}
}

func TestRunBindFailureReturnsError(t *testing.T) {
	const sendPort = 54300
	const recvPort = sendPort + 1

	blocker, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: recvPort})
	require.NoError(t, err)
	defer blocker.Close()

	r := New(sendPort, config.Transport{WindowSize: 4, Timeout: time.Second})
	err = r.Run(context.Background())
	require.Error(t, err)
}

func TestRunLingerRespondsToDuplicateFin(t *testing.T) {
	const sendPort = 54400
	const recvPort = sendPort + 1

	r := New(sendPort, config.Transport{WindowSize: 4, Timeout: time.Second})

	runDone := make(chan error, 1)
	go func() { runDone <- r.Run(context.Background()) }()
	time.Sleep(50 * time.Millisecond)

	src, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: sendPort})
	require.NoError(t, err)
	defer src.Close()
	dst := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: recvPort}

	send(t, src, dst, &packet.Data{Terminate: true, Seq: 0, Payload: packet.FinPayload})

	// The FIN's seq 0 is in-window, so a plain ack for it precedes the
	// FIN-ACK.
	buf := make([]byte, packet.MaxSize)
	src.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := src.ReadFromUDP(buf)
	require.NoError(t, err)
	ack, err := packet.UnmarshalAck(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, packet.KindAck, ack.Kind)
	assert.Equal(t, uint32(0), ack.Seq)

	src.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err = src.ReadFromUDP(buf)
	require.NoError(t, err)
	ack, err = packet.UnmarshalAck(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, packet.KindFinAck, ack.Kind)

	// Retransmit the FIN as if the first FIN-ACK were lost; lingering must
	// answer it again.
	send(t, src, dst, &packet.Data{Terminate: true, Seq: 0, Payload: packet.FinPayload})
	src.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err = src.ReadFromUDP(buf)
	require.NoError(t, err)
	ack, err = packet.UnmarshalAck(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, packet.KindFinAck, ack.Kind)

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(7 * time.Second):
		t.Fatal("lingering phase never closed")
	}
}
