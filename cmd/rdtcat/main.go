// Command rdtcat drives a sender, a receiver, and a fault-injecting relay
// over loopback UDP and prints the message the receiver reconstructed under
// the configured channel conditions. It reproduces the embedded smoke test of
// the protocol's tester program, with flags added for fault injection and
// for driving the transfer from an input file instead of the built-in test
// vector.
package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/cjt7922/rdt/config"
	"github.com/cjt7922/rdt/receiver"
	"github.com/cjt7922/rdt/relay"
	"github.com/cjt7922/rdt/sender"
	"github.com/cjt7922/rdt/stats"
)

// testVector is the embedded message the bare `rdtcat run` invocation
// transfers, carried over from the original tester's hardcoded smoke test.
var testVector = [][]byte{
	[]byte("LeBron James stepped onto the court with that familiar calm intensity, "),
	[]byte("like a king surveying his kingdom before battle. "),
	[]byte("The crowds roar swelled to a thunder as the ball hit his hands, one bounce, two bounces, "),
	[]byte("and the game slowed down. "),
	[]byte("With a quick crossover and a burst of power, he soared toward the rim, "),
	[]byte("time itself pausing just long enough for everyone to realize "),
	[]byte("they were witnessing greatness again. "),
	[]byte("When the dunk landed, so did the cheers,"),
	[]byte("echoing through the arena like history being written in real time."),
}

// chunkSize bounds the fixed-size chunker used for --input-file, standing
// in for the file-chunking driver the distilled spec named out of scope.
const chunkSize = 512

const (
	senderRecvPort   = 41729
	receiverSendPort = 41735
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type runOptions struct {
	drop          float64
	delay         []float64
	corrupt       float64
	windowSize    uint32
	timeout       time.Duration
	maxFinRetries uint
	inputFile     string
	metricsAddr   string
}

func newRootCmd() *cobra.Command {
	opts := &runOptions{}

	root := &cobra.Command{
		Use:   "rdtcat",
		Short: "Exercise the RDT protocol over a simulated lossy channel",
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "Send a message through a sender/relay/receiver triple and print the reconstruction",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransfer(cmd.Context(), opts)
		},
	}

	flags := run.Flags()
	flags.Float64VarP(&opts.drop, "drop", "d", 0, "packet drop probability (0.0-1.0)")
	flags.Float64SliceVarP(&opts.delay, "delay", "w", nil, "artificial delay range in seconds, e.g. --delay 0,3")
	flags.Float64VarP(&opts.corrupt, "corrupt", "c", 0, "packet corruption probability (0.0-1.0)")
	flags.Uint32Var(&opts.windowSize, "window-size", 100, "sender/receiver sliding window size")
	flags.DurationVar(&opts.timeout, "timeout", 8*time.Second, "per-packet retransmit timeout")
	flags.UintVar(&opts.maxFinRetries, "max-fin-retries", 5, "FIN retransmissions before giving up")
	flags.StringVar(&opts.inputFile, "input-file", "", "chunk and transfer this file instead of the embedded test vector")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics for this run on this address (e.g. :9090)")

	root.AddCommand(run)
	return root
}

func runTransfer(ctx context.Context, opts *runOptions) error {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	relayCfg, err := relayConfig(opts)
	if err != nil {
		return err
	}

	transportCfg := config.Transport{
		WindowSize:    opts.windowSize,
		Timeout:       opts.timeout,
		MaxFinRetries: opts.maxFinRetries,
	}

	chunks, err := loadChunks(opts.inputFile)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	senderStats := stats.NewCollector(reg, "sender")
	receiverStats := stats.NewCollector(reg, "receiver")
	relayStats := stats.NewCollector(reg, "relay")

	if opts.metricsAddr != "" {
		stopMetrics := serveMetrics(opts.metricsAddr, reg)
		defer stopMetrics()
	}

	rcv := receiver.New(receiverSendPort, transportCfg, receiver.WithStats(receiverStats))
	rctx, cancelReceiver := context.WithCancel(ctx)
	defer cancelReceiver()

	recvDone := make(chan error, 1)
	go func() { recvDone <- rcv.Run(rctx) }()
	time.Sleep(200 * time.Millisecond) // let the bind settle, as the original tester does

	x := relay.New(senderRecvPort, receiverSendPort, relayCfg, relay.WithStats(relayStats))
	if err := x.Start(); err != nil {
		return fmt.Errorf("rdtcat: relay failed to start: %w", err)
	}
	defer x.Shutdown()
	time.Sleep(200 * time.Millisecond)

	snd := sender.New(senderRecvPort, transportCfg, sender.WithSendPort(senderRecvPort+1), sender.WithStats(senderStats))
	fmt.Println("Starting data transfer...")
	if err := snd.Send(ctx, chunks); err != nil {
		return fmt.Errorf("rdtcat: send failed: %w", err)
	}
	fmt.Println("Data transfer initiated")

	select {
	case err := <-recvDone:
		if err != nil {
			return fmt.Errorf("rdtcat: receiver failed: %w", err)
		}
	case <-time.After(10 * time.Second):
		cancelReceiver()
	}

	var full bytes.Buffer
	for _, chunk := range rcv.Delivered() {
		full.Write(chunk)
	}
	fmt.Printf("\nFull reconstructed message: %s\n", full.String())
	fmt.Println("Test completed")
	return nil
}

// serveMetrics exposes reg on addr under /metrics and returns a func that
// shuts the server down. A failure to bind is logged, not fatal, since
// metrics are diagnostic rather than part of the transfer itself.
func serveMetrics(addr string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Warn("metrics server stopped")
		}
	}()

	return func() { srv.Close() }
}

func relayConfig(opts *runOptions) (config.Relay, error) {
	c := config.Relay{
		DropProb:    opts.drop,
		CorruptProb: opts.corrupt,
	}
	if len(opts.delay) == 2 {
		c.DelayMin = time.Duration(opts.delay[0] * float64(time.Second))
		c.DelayMax = time.Duration(opts.delay[1] * float64(time.Second))
	} else if len(opts.delay) != 0 {
		return config.Relay{}, fmt.Errorf("rdtcat: --delay takes exactly two values, got %d", len(opts.delay))
	}

	// Check panics on an out-of-range value; convert that into a plain
	// error so a bad flag combination yields a clean non-zero exit
	// instead of a stack trace.
	var checkErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				checkErr = fmt.Errorf("rdtcat: invalid relay configuration: %v", r)
			}
		}()
		c.Check()
	}()
	return c, checkErr
}

// loadChunks returns the embedded test vector, or splits path into
// fixed-size chunks via afero when one is given.
func loadChunks(path string) ([][]byte, error) {
	if path == "" {
		return testVector, nil
	}

	b, err := afero.ReadFile(afero.NewOsFs(), path)
	if err != nil {
		return nil, fmt.Errorf("rdtcat: read input file: %w", err)
	}

	var chunks [][]byte
	for len(b) > 0 {
		n := chunkSize
		if n > len(b) {
			n = len(b)
		}
		chunks = append(chunks, b[:n])
		b = b[n:]
	}
	return chunks, nil
}
