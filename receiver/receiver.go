// Package receiver implements the reordering and acknowledgement engine of
// §4.2: a single main loop that buffers out-of-order packets within the
// advertised window, acknowledges duplicates below it, drains contiguous
// buffered payloads into an in-order delivery sequence, and runs the
// termination handshake plus a lingering grace period for FIN retransmits.
package receiver

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cjt7922/rdt/config"
	"github.com/cjt7922/rdt/packet"
	"github.com/cjt7922/rdt/stats"
)

// lingerTimeout bounds the post-termination grace period during which a
// retransmitted FIN is still answered with FIN-ACK.
const lingerTimeout = 5 * time.Second

// readPoll is how long a single recvfrom blocks before the main loop
// rechecks ctx for cancellation. It has no protocol meaning.
const readPoll = time.Second

// State names a point in the receiver's Listening → Receiving → Draining →
// Lingering → Closed lifecycle (§4.2).
type State int

const (
	Listening State = iota
	Receiving
	Draining
	Lingering
	Closed
)

func (s State) String() string {
	switch s {
	case Listening:
		return "listening"
	case Receiving:
		return "receiving"
	case Draining:
		return "draining"
	case Lingering:
		return "lingering"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

type class int

const (
	classInWindow class = iota
	classDuplicate
	classOutOfRange
)

// Receiver accumulates an ordered delivery sequence from a single UDP
// session, from bind to socket close. It is not reusable across sessions;
// call New again for a new transfer.
type Receiver struct {
	config.Transport

	sendPort int // Ps: where acks and FIN-ACK are sent
	recvPort int // Ps+1: bound for inbound data
	dstAddr  string

	mu              sync.Mutex
	state           State
	expected        uint32
	buffer          map[uint32][]byte
	delivered       [][]byte
	terminationSeen bool

	log   *logrus.Entry
	stats *stats.Collector
}

// Option configures a Receiver at construction time.
type Option func(*Receiver)

func WithDestination(addr string) Option { return func(r *Receiver) { r.dstAddr = addr } }
func WithStats(c *stats.Collector) Option { return func(r *Receiver) { r.stats = c } }
func WithLogger(l *logrus.Entry) Option   { return func(r *Receiver) { r.log = l } }

// New returns a Receiver that will bind sendPort+1 for data and send acks
// to sendPort, per the port convention in §6.
func New(sendPort int, cfg config.Transport, opts ...Option) *Receiver {
	cfg.Check()

	r := &Receiver{
		Transport: cfg,
		sendPort:  sendPort,
		recvPort:  sendPort + 1,
		dstAddr:   "127.0.0.1",
		buffer:    make(map[uint32][]byte),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logrus.WithField("component", "receiver")
	}
	r.log = r.log.WithField("transfer_id", uuid.New().String())
	return r
}

// Delivered returns the in-order payloads accumulated so far. Safe to call
// concurrently with Run, though the canonical use is after Run returns.
func (r *Receiver) Delivered() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.delivered))
	copy(out, r.delivered)
	return out
}

// Run binds the receive endpoint and processes datagrams until a valid FIN
// has been observed and the out-of-order buffer is empty, then lingers to
// absorb FIN retransmissions before closing. A bind failure returns before
// the receiver ever reaches Listening.
func (r *Receiver) Run(ctx context.Context) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: r.recvPort})
	if err != nil {
		return errors.Wrapf(err, "receiver: bind recv port %d", r.recvPort)
	}
	defer conn.Close()

	r.setState(Listening)
	r.log.WithFields(logrus.Fields{"recv_port": r.recvPort, "send_port": r.sendPort}).Info("listening")

	dst := &net.UDPAddr{IP: net.ParseIP(r.dstAddr), Port: r.sendPort}
	buf := make([]byte, packet.MaxSize)

	for {
		if ctx.Err() != nil {
			return nil
		}

		conn.SetReadDeadline(time.Now().Add(readPoll))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return errors.Wrap(err, "receiver: read failed")
		}

		d, err := packet.UnmarshalData(buf[:n])
		if err != nil {
			r.stats.Inc(stats.ChecksumRejected)
			r.log.WithError(err).Debug("dropped malformed or corrupt packet")
			continue
		}

		if r.stateSafe() == Listening {
			r.setState(Receiving)
		}

		r.handle(conn, dst, d)

		if r.isDone() {
			break
		}
	}

	return r.linger(conn, dst)
}

func (r *Receiver) handle(conn *net.UDPConn, dst *net.UDPAddr, d *packet.Data) {
	c := r.classify(d.Seq)

	switch c {
	case classInWindow:
		r.sendAck(conn, dst, d.Seq)
		// The FIN's seq is treated as out-of-band (§9 open question,
		// option a): its payload never enters buffer even though its
		// seq may fall in-window.
		if !d.Terminate {
			r.mu.Lock()
			r.buffer[d.Seq] = d.Payload
			r.mu.Unlock()
			r.drain()
			r.stats.SetBufferDepth(r.bufferLen())
		}

	case classDuplicate:
		r.sendAck(conn, dst, d.Seq)
		r.stats.Inc(stats.DuplicateAcked)

	case classOutOfRange:
		r.stats.Inc(stats.OutOfRangeDropped)
	}

	if d.Terminate {
		r.mu.Lock()
		firstFin := !r.terminationSeen
		r.terminationSeen = true
		r.mu.Unlock()

		if firstFin {
			r.setState(Draining)
		}

		r.sendFinAck(conn, dst)
		r.log.WithField("seq", d.Seq).Info("received termination packet, sent FIN-ACK")
	}
}

// classify buckets seq per the window rules in §4.2, clamping the
// duplicate-below-window lower bound at 0 per §9's third open question.
func (r *Receiver) classify(seq uint32) class {
	r.mu.Lock()
	expected := r.expected
	r.mu.Unlock()

	w := r.WindowSize
	if seq >= expected && seq < expected+w {
		return classInWindow
	}

	var lower uint32
	if expected > w {
		lower = expected - w
	}
	if seq >= lower && seq < expected {
		return classDuplicate
	}
	return classOutOfRange
}

// drain appends every contiguous buffered payload starting at expected to
// delivered, in order.
func (r *Receiver) drain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		payload, ok := r.buffer[r.expected]
		if !ok {
			return
		}
		r.delivered = append(r.delivered, payload)
		delete(r.buffer, r.expected)
		r.expected++
		r.stats.Inc(stats.Delivered)
	}
}

func (r *Receiver) bufferLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffer)
}

func (r *Receiver) isDone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminationSeen && len(r.buffer) == 0
}

func (r *Receiver) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	r.log.WithField("state", s.String()).Debug("state transition")
}

func (r *Receiver) stateSafe() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Receiver) sendAck(conn *net.UDPConn, dst *net.UDPAddr, seq uint32) {
	ack := &packet.Ack{Kind: packet.KindAck, Seq: seq}
	if _, err := conn.WriteToUDP(ack.Marshal(), dst); err != nil {
		r.log.WithError(err).WithField("seq", seq).Warn("failed to send ack")
	}
}

func (r *Receiver) sendFinAck(conn *net.UDPConn, dst *net.UDPAddr) {
	ack := &packet.Ack{Kind: packet.KindFinAck}
	if _, err := conn.WriteToUDP(ack.Marshal(), dst); err != nil {
		r.log.WithError(err).Warn("failed to send FIN-ACK")
	}
}

// linger absorbs FIN retransmissions from a sender whose FIN-ACK was lost,
// for up to lingerTimeout of silence.
func (r *Receiver) linger(conn *net.UDPConn, dst *net.UDPAddr) error {
	r.setState(Lingering)
	defer r.setState(Closed)

	buf := make([]byte, packet.MaxSize)
	for {
		conn.SetReadDeadline(time.Now().Add(lingerTimeout))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return nil // timeout or socket closed: lingering ends either way
		}

		d, err := packet.UnmarshalData(buf[:n])
		if err != nil || !d.Terminate {
			continue
		}
		r.sendFinAck(conn, dst)
		r.log.Info("re-sent FIN-ACK during lingering phase")
	}
}
