// Package sender implements the sliding-window transmission engine
// described in §4.1: a main loop that fills the window, slides its left
// edge on cumulative acks, and retransmits on a per-packet timer, paired
// with a concurrent ack listener goroutine. Mutex discipline follows §5:
// window/ack/base mutation happens only under Sender.mu, and all socket
// I/O and sleeping happens outside it.
package sender

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cjt7922/rdt/config"
	"github.com/cjt7922/rdt/packet"
	"github.com/cjt7922/rdt/stats"
)

// pollInterval is the main loop's idle sleep. Per the distilled spec's §9
// design notes this is a correctness-safe upper bound on responsiveness,
// not a tuned value; a production rewrite would replace it with an
// event-driven wait on (ack-arrived, timer-fired, input-available).
const pollInterval = 100 * time.Millisecond

type windowSlot struct {
	payload []byte
	lastTx  time.Time
}

// Sender implements Send over a pair of UDP sockets: a send endpoint for
// data/FIN packets and a receive endpoint its ack listener owns exclusively.
type Sender struct {
	config.Transport

	recvPort int
	sendPort int
	dstAddr  string

	recvConn *net.UDPConn
	sendConn *net.UDPConn

	mu      sync.Mutex
	window  map[uint32]windowSlot
	acked   map[uint32]bool
	base    uint32
	seqNext uint32

	sending    bool
	terminated bool

	listenerDone chan struct{}

	log   *logrus.Entry
	stats *stats.Collector
}

// Option configures a Sender at construction time.
type Option func(*Sender)

// WithDestination overrides the loopback default, mostly useful in tests
// that want an explicit address rather than relying on the default.
func WithDestination(addr string) Option {
	return func(s *Sender) { s.dstAddr = addr }
}

// WithSendPort overrides the send port derived from recvPort+1, for
// deployments with nonstandard port wiring.
func WithSendPort(port int) Option {
	return func(s *Sender) { s.sendPort = port }
}

// WithStats attaches a metrics collector; nil is safe and simply disables
// metrics.
func WithStats(c *stats.Collector) Option {
	return func(s *Sender) { s.stats = c }
}

// WithLogger attaches a base logger entry; a transfer_id field is always
// added on top of it.
func WithLogger(l *logrus.Entry) Option {
	return func(s *Sender) { s.log = l }
}

// New returns a Sender that will bind recvPort for acks and send to
// recvPort+1, per the port convention in §6. The configuration's defaults
// are applied (and validated) before the Sender is returned.
func New(recvPort int, cfg config.Transport, opts ...Option) *Sender {
	cfg.Check()

	s := &Sender{
		Transport:    cfg,
		recvPort:     recvPort,
		sendPort:     recvPort + 1,
		dstAddr:      "127.0.0.1",
		window:       make(map[uint32]windowSlot),
		acked:        make(map[uint32]bool),
		listenerDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logrus.WithField("component", "sender")
	}
	s.log = s.log.WithField("transfer_id", uuid.New().String())
	return s
}

// Send consumes chunks in order, assigning each the next sequence number,
// retransmitting on a per-packet timeout until every chunk is acknowledged,
// then runs the FIN handshake. It returns nil on a clean finish or on retry
// exhaustion (treated as success-with-warning per §7); it returns a non-nil
// error when binding the receive endpoint or dialing the send endpoint fails
// before any transmission, or when closing the sockets at the end fails.
func (s *Sender) Send(ctx context.Context, chunks [][]byte) error {
	recvConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: s.recvPort})
	if err != nil {
		return errors.Wrapf(err, "sender: bind recv port %d", s.recvPort)
	}
	s.recvConn = recvConn

	sendConn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.ParseIP(s.dstAddr), Port: s.sendPort})
	if err != nil {
		recvConn.Close()
		return errors.Wrapf(err, "sender: dial send port %d", s.sendPort)
	}
	s.sendConn = sendConn

	s.log.WithFields(logrus.Fields{
		"recv_port": s.recvPort, "send_port": s.sendPort, "chunks": len(chunks),
	}).Info("starting transfer")

	s.mu.Lock()
	s.sending = true
	s.mu.Unlock()

	go s.listenAcks()

	remaining := make([][]byte, len(chunks))
	copy(remaining, chunks)

	for s.shouldContinue(len(remaining)) {
		if ctx.Err() != nil {
			s.mu.Lock()
			s.sending = false
			s.mu.Unlock()
			break
		}

		remaining = s.fillWindow(remaining)
		s.slide()
		s.retransmitExpired()

		time.Sleep(pollInterval)
	}

	s.mu.Lock()
	s.sending = false
	s.mu.Unlock()
	s.log.Info("all data sent and acknowledged or transfer terminated")

	return s.terminate()
}

// shouldContinue mirrors the distilled spec's main loop guard: keep going
// while input remains or any in-window packet is still unacknowledged, and
// the sender hasn't been force-stopped.
func (s *Sender) shouldContinue(remaining int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.sending {
		return false
	}
	if remaining > 0 {
		return true
	}
	for _, acked := range s.acked {
		if !acked {
			return true
		}
	}
	return false
}

// fillWindow transmits as many leading chunks as the window currently
// allows, returning the chunks not yet sent.
func (s *Sender) fillWindow(chunks [][]byte) [][]byte {
	for len(chunks) > 0 {
		s.mu.Lock()
		hasRoom := s.seqNext < s.base+s.WindowSize
		s.mu.Unlock()
		if !hasRoom {
			break
		}

		chunk := chunks[0]
		chunks = chunks[1:]

		s.mu.Lock()
		seq := s.seqNext
		s.seqNext++
		s.mu.Unlock()

		if err := s.transmit(seq, chunk, false); err != nil {
			s.log.WithError(err).WithField("seq", seq).Error("fatal send failure, forcing termination")
			s.mu.Lock()
			s.sending = false
			s.mu.Unlock()
			break
		}

		s.mu.Lock()
		s.window[seq] = windowSlot{payload: chunk, lastTx: time.Now()}
		s.acked[seq] = false
		s.mu.Unlock()

		s.stats.Inc(stats.Sent)
		s.log.WithField("seq", seq).Debug("sent")
	}
	return chunks
}

// slide advances base past every contiguous, already-acknowledged entry.
func (s *Sender) slide() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		acked, ok := s.acked[s.base]
		if !ok || !acked {
			return
		}
		delete(s.acked, s.base)
		delete(s.window, s.base)
		s.base++
	}
}

// retransmitExpired re-sends every unacknowledged window entry whose last
// transmission is older than Timeout.
func (s *Sender) retransmitExpired() {
	now := time.Now()

	type candidate struct {
		seq     uint32
		payload []byte
	}
	var due []candidate

	s.mu.Lock()
	for seq, slot := range s.window {
		if !s.acked[seq] && now.Sub(slot.lastTx) > s.Timeout {
			due = append(due, candidate{seq, slot.payload})
		}
	}
	s.mu.Unlock()

	for _, c := range due {
		if err := s.transmit(c.seq, c.payload, false); err != nil {
			s.log.WithError(err).WithField("seq", c.seq).Error("retransmit failed")
			continue
		}

		s.mu.Lock()
		if slot, ok := s.window[c.seq]; ok {
			slot.lastTx = time.Now()
			s.window[c.seq] = slot
		}
		s.mu.Unlock()

		s.stats.Inc(stats.Retransmitted)
		s.log.WithField("seq", c.seq).Debug("retransmitted")
	}
}

// transmit marshals and writes a single data packet. Socket I/O always
// happens outside s.mu.
func (s *Sender) transmit(seq uint32, payload []byte, terminate bool) error {
	d := &packet.Data{Terminate: terminate, Seq: seq, Payload: payload}
	b, err := d.Marshal()
	if err != nil {
		return errors.Wrap(err, "sender: marshal packet")
	}
	_, err = s.sendConn.Write(b)
	return err
}

// listenAcks is the ack-direction goroutine. It owns recvConn exclusively
// and is the only code path that reads from it.
func (s *Sender) listenAcks() {
	defer close(s.listenerDone)

	buf := make([]byte, packet.MaxSize)
	for {
		s.mu.Lock()
		keepGoing := s.sending || !s.terminated
		s.mu.Unlock()
		if !keepGoing {
			return
		}

		s.recvConn.SetReadDeadline(time.Now().Add(s.Timeout + 5*time.Second))
		n, err := s.recvConn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.log.WithError(err).Debug("ack listener exiting on socket error")
			return
		}

		ack, err := packet.UnmarshalAck(buf[:n])
		if err != nil {
			s.log.WithError(err).Warn("malformed ack datagram, terminating listener")
			return
		}

		switch ack.Kind {
		case packet.KindFinAck:
			s.mu.Lock()
			s.terminated = true
			s.mu.Unlock()
			s.log.Info("received FIN-ACK")
			return

		case packet.KindAck:
			s.mu.Lock()
			s.acked[ack.Seq] = true
			s.mu.Unlock()
			s.stats.Inc(stats.Acked)
			s.log.WithField("seq", ack.Seq).Debug("received ACK")
		}
	}
}

// terminate runs the FIN handshake: up to MaxFinRetries retransmissions of
// the FIN packet, each followed by a bounded wait for FIN-ACK, then closes
// both sockets and joins the listener regardless of outcome.
func (s *Sender) terminate() error {
	attempt := uint(0)
	for {
		s.mu.Lock()
		terminated := s.terminated
		seq := s.seqNext
		s.mu.Unlock()

		if terminated || attempt > s.MaxFinRetries {
			break
		}

		s.log.WithFields(logrus.Fields{"seq": seq, "attempt": attempt}).Info("sending FIN, awaiting FIN-ACK")
		if err := s.transmit(seq, packet.FinPayload, true); err != nil {
			s.log.WithError(err).Error("failed to send FIN")
		}

		waited := time.Duration(0)
		for waited < s.Timeout {
			s.mu.Lock()
			terminated = s.terminated
			s.mu.Unlock()
			if terminated {
				break
			}
			time.Sleep(pollInterval)
			waited += pollInterval
		}

		attempt++
	}

	if !s.terminatedSafe() {
		s.log.Warn("FIN retries exhausted, closing connection anyway")
	}

	return s.closeConnections()
}

func (s *Sender) terminatedSafe() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// closeConnections closes both sockets, tolerating double-close, and joins
// the listener goroutine with a bounded timeout.
func (s *Sender) closeConnections() error {
	var result *multierror.Error

	if s.sendConn != nil {
		if err := s.sendConn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, errors.Wrap(err, "sender: close send socket"))
		}
	}
	if s.recvConn != nil {
		if err := s.recvConn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, errors.Wrap(err, "sender: close recv socket"))
		}
	}

	select {
	case <-s.listenerDone:
	case <-time.After(2 * time.Second):
		s.log.Warn("ack listener join timed out")
	}

	s.log.Info("closed connection")
	return result.ErrorOrNil()
}
