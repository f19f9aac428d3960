// Package relay implements the fault-injecting intermediary of §4.4: a pair
// of directional forwarders that sit between a sender and a receiver and
// apply independent drop, delay, and (data-direction only) corruption to
// every datagram they forward.
package relay

import (
	"context"
	"encoding/binary"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cjt7922/rdt/config"
	"github.com/cjt7922/rdt/stats"
)

// readPoll bounds a single recvfrom so the shutdown flag is rechecked
// regularly. It has no protocol meaning.
const readPoll = time.Second

// Relay forwards two independent UDP streams (data and ack direction)
// between a sender and a receiver, applying fault injection to each.
// Ports follow the convention in §6: it binds the destination ports the two
// endpoints transmit to, and forwards to the ports they listen on.
type Relay struct {
	config.Relay

	dataListenPort  int // senderRecvPort+1: where the sender sends data
	dataForwardPort int // receiverSendPort+1: where the receiver listens for data
	ackListenPort   int // receiverSendPort: where the receiver sends acks
	ackForwardPort  int // senderRecvPort: where the sender listens for acks

	dataConn *net.UDPConn
	ackConn  *net.UDPConn

	shutdown     chan struct{}
	shutdownOnce sync.Once
	group        *errgroup.Group

	rngMu sync.Mutex
	rng   *rand.Rand

	log   *logrus.Entry
	stats *stats.Collector
}

// Option configures a Relay at construction time.
type Option func(*Relay)

// WithStats attaches a metrics collector; nil is safe and simply disables
// metrics.
func WithStats(c *stats.Collector) Option {
	return func(x *Relay) { x.stats = c }
}

// WithLogger attaches a base logger entry; a session_id field is always
// added on top of it.
func WithLogger(l *logrus.Entry) Option {
	return func(x *Relay) { x.log = l }
}

// New returns a Relay wired between a sender listening on senderRecvPort and
// a receiver configured with send port receiverSendPort (it listens on
// receiverSendPort+1), per the port convention in §6.
func New(senderRecvPort, receiverSendPort int, cfg config.Relay, opts ...Option) *Relay {
	cfg.Check()

	x := &Relay{
		Relay:           cfg,
		dataListenPort:  senderRecvPort + 1,
		dataForwardPort: receiverSendPort + 1,
		ackListenPort:   receiverSendPort,
		ackForwardPort:  senderRecvPort,
		shutdown:        make(chan struct{}),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(x)
	}
	if x.log == nil {
		x.log = logrus.WithField("component", "relay")
	}
	x.log = x.log.WithField("session_id", uuid.New().String())
	return x
}

// Start binds both directional sockets and launches their forwarding
// goroutines. It returns once both sockets are bound; forwarding continues
// in the background until Shutdown is called.
func (x *Relay) Start() error {
	dataConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: x.dataListenPort})
	if err != nil {
		return errors.Wrapf(err, "relay: bind data port %d", x.dataListenPort)
	}
	x.dataConn = dataConn

	ackConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: x.ackListenPort})
	if err != nil {
		dataConn.Close()
		return errors.Wrapf(err, "relay: bind ack port %d", x.ackListenPort)
	}
	x.ackConn = ackConn

	x.log.WithFields(logrus.Fields{
		"data_listen_port": x.dataListenPort, "data_forward_port": x.dataForwardPort,
		"ack_listen_port": x.ackListenPort, "ack_forward_port": x.ackForwardPort,
		"drop_prob": x.DropProb, "corrupt_prob": x.CorruptProb,
		"delay_min": x.DelayMin, "delay_max": x.DelayMax,
	}).Info("relay starting")

	x.group = &errgroup.Group{}
	x.group.Go(func() error { return x.forward(x.dataConn, x.dataForwardPort, true) })
	x.group.Go(func() error { return x.forward(x.ackConn, x.ackForwardPort, false) })
	return nil
}

// Run is a convenience wrapper for callers (e.g. an embedded test harness)
// that want Start plus a block until ctx is cancelled, followed by Shutdown.
func (x *Relay) Run(ctx context.Context) error {
	if err := x.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return x.Shutdown()
}

// forward reads datagrams from conn, applies drop/corrupt/delay, and writes
// survivors to forwardPort. dataDirection gates corruption, which only
// applies to the sender-to-receiver stream per §4.4.
func (x *Relay) forward(conn *net.UDPConn, forwardPort int, dataDirection bool) error {
	dst := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: forwardPort}
	buf := make([]byte, 2048)

	for {
		select {
		case <-x.shutdown:
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(readPoll))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return nil // socket closed during shutdown
		}

		pkt := append([]byte(nil), buf[:n]...)

		if x.randFloat() < x.DropProb {
			x.stats.Inc(stats.DroppedByRelay)
			x.log.Debug("dropped datagram")
			continue
		}

		if dataDirection && x.randFloat() < x.CorruptProb {
			if corrupted, ok := corrupt(pkt); ok {
				pkt = corrupted
				x.stats.Inc(stats.CorruptedByRelay)
				x.log.Debug("corrupted datagram")
			}
		}

		if delay := x.randomDelay(); delay > 0 {
			time.Sleep(delay)
		}

		if _, err := conn.WriteToUDP(pkt, dst); err != nil {
			x.log.WithError(err).Warn("forward write failed")
		}
	}
}

// corrupt bumps the two checksum bytes at the fixed offset §D.1 assigns
// them, invalidating the datagram without touching its payload. It mutates
// a copy and reports false if pkt is too short to carry a checksum field.
func corrupt(pkt []byte) ([]byte, bool) {
	const checksumOffset = 5
	if len(pkt) < checksumOffset+2 {
		return nil, false
	}
	out := append([]byte(nil), pkt...)
	sum := binary.BigEndian.Uint16(out[checksumOffset : checksumOffset+2])
	binary.BigEndian.PutUint16(out[checksumOffset:checksumOffset+2], sum+1)
	return out, true
}

func (x *Relay) randFloat() float64 {
	x.rngMu.Lock()
	defer x.rngMu.Unlock()
	return x.rng.Float64()
}

func (x *Relay) randomDelay() time.Duration {
	if x.DelayMax <= x.DelayMin {
		return x.DelayMin
	}
	x.rngMu.Lock()
	defer x.rngMu.Unlock()
	span := int64(x.DelayMax - x.DelayMin)
	return x.DelayMin + time.Duration(x.rng.Int63n(span))
}

// Shutdown signals both forwarders to stop, closes both sockets, and joins
// the goroutines with a bounded timeout, mirroring the sender's shutdown
// join in §5.
func (x *Relay) Shutdown() error {
	x.shutdownOnce.Do(func() { close(x.shutdown) })

	var result *multierror.Error
	if x.dataConn != nil {
		if err := x.dataConn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, errors.Wrap(err, "relay: close data socket"))
		}
	}
	if x.ackConn != nil {
		if err := x.ackConn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, errors.Wrap(err, "relay: close ack socket"))
		}
	}

	if x.group != nil {
		done := make(chan error, 1)
		go func() { done <- x.group.Wait() }()
		select {
		case err := <-done:
			if err != nil {
				result = multierror.Append(result, err)
			}
		case <-time.After(2 * time.Second):
			x.log.Warn("forwarder join timed out")
		}
	}

	x.log.Info("relay shut down")
	return result.ErrorOrNil()
}
