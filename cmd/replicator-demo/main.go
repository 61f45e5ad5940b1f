// replicator-demo is a small command-line harness for exercising the
// transport: it either runs a single live node (serve), or spins up two
// in-process nodes over a loopback TCP pair and shows them converge
// (loopback), grounded on the teacher's cmd/stdiotunnel entry point and
// styled on zombar-tunnelmesh's cobra-based cmd/tunnelmesh/main.go.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tcpreplicator "github.com/lwwcluster/tcpreplicator"
	"github.com/lwwcluster/tcpreplicator/internal/config"
	"github.com/lwwcluster/tcpreplicator/internal/testmap"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	logLevel     string
	localID      uint8
	serverPort   int
	peerAddr     string
	heartbeatMs  int
	throttleBits int64
	configPath   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "replicator-demo",
		Short: "Exercise the LWW cluster replication transport",
	}
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a single live node, accepting and/or dialing peers",
		RunE:  runServe,
	}
	serveCmd.Flags().Uint8Var(&localID, "id", 1, "local node identifier (1-127)")
	serveCmd.Flags().IntVar(&serverPort, "port", 0, "TCP port to accept peer connections on (0 disables)")
	serveCmd.Flags().StringVar(&peerAddr, "peer", "", "address of one peer to dial (host:port)")
	serveCmd.Flags().IntVar(&heartbeatMs, "heartbeat-ms", 5000, "heartbeat interval in milliseconds")
	serveCmd.Flags().Int64Var(&throttleBits, "throttle-bits-per-day", 0, "outbound throttle (0 disables)")
	serveCmd.Flags().StringVar(&configPath, "config", "", "YAML config file; overrides the flags above when set")
	rootCmd.AddCommand(serveCmd)

	loopbackCmd := &cobra.Command{
		Use:   "loopback",
		Short: "Run two in-process nodes over a loopback TCP pair and show them converge",
		RunE:  runLoopback,
	}
	rootCmd.AddCommand(loopbackCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}

func runServe(cmd *cobra.Command, args []string) error {
	log := newLogger()

	var cfg tcpreplicator.Config
	if configPath != "" {
		nc, err := config.LoadNodeConfig(configPath)
		if err != nil {
			return err
		}
		cfg = tcpreplicator.Config{
			LocalIdentifier:    tcpreplicator.NodeID(nc.LocalIdentifier),
			ServerPort:         nc.ServerPort,
			Endpoints:          nc.Endpoints,
			HeartbeatInterval:  nc.Heartbeat(),
			PacketSize:         nc.PacketSize,
			MaxEntrySize:       nc.MaxEntrySize,
			ThrottleBitsPerDay: nc.ThrottleBitsPerDay,
			Logger:             log,
		}
		localID = nc.LocalIdentifier
		serverPort = nc.ServerPort
	} else {
		var endpoints []string
		if peerAddr != "" {
			endpoints = []string{peerAddr}
		}
		cfg = tcpreplicator.Config{
			LocalIdentifier:    tcpreplicator.NodeID(localID),
			ServerPort:         serverPort,
			Endpoints:          endpoints,
			HeartbeatInterval:  time.Duration(heartbeatMs) * time.Millisecond,
			ThrottleBitsPerDay: throttleBits,
			Logger:             log,
		}
	}

	r := tcpreplicator.New(cfg)
	m := testmap.New(tcpreplicator.NodeID(localID))
	if err := r.AddChannel(1, m, m); err != nil {
		return fmt.Errorf("add channel: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	r.Start(ctx)

	log.Info().Uint8("id", localID).Int("port", serverPort).Str("peer", peerAddr).Msg("node running; Ctrl-C to stop")

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	counter := 0
	for {
		select {
		case <-ctx.Done():
			return r.Close()
		case <-ticker.C:
			counter++
			key := fmt.Sprintf("node-%d-key-%d", localID, counter)
			m.Put(key, []byte(time.Now().String()), time.Now().UnixMilli())
			log.Info().Str("key", key).Msg("wrote local entry")
		}
	}
}

// runLoopback starts two nodes connected over real TCP on loopback (node b
// dials node a's listener), writes one key to each, and waits for them to
// converge, printing on each side the key written by the other.
func runLoopback(cmd *cobra.Command, args []string) error {
	log := newLogger()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mapA := testmap.New(1)
	mapB := testmap.New(2)

	nodeA := tcpreplicator.New(tcpreplicator.Config{
		LocalIdentifier:   1,
		ServerPort:        19601,
		HeartbeatInterval: 200 * time.Millisecond,
		Logger:            log.With().Str("node", "a").Logger(),
	})
	nodeB := tcpreplicator.New(tcpreplicator.Config{
		LocalIdentifier:   2,
		Endpoints:         []string{"127.0.0.1:19601"},
		HeartbeatInterval: 200 * time.Millisecond,
		Logger:            log.With().Str("node", "b").Logger(),
	})
	if err := nodeA.AddChannel(1, mapA, mapA); err != nil {
		return err
	}
	if err := nodeB.AddChannel(1, mapB, mapB); err != nil {
		return err
	}

	nodeA.Start(ctx)
	nodeB.Start(ctx)
	defer nodeA.Close()
	defer nodeB.Close()

	now := time.Now().UnixMilli()
	mapA.Put("greeting", []byte("hello from a"), now)
	mapB.Put("reply", []byte("hello from b"), now+1)

	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		_, aHasReply := mapA.Get("reply")
		_, bHasGreeting := mapB.Get("greeting")
		if aHasReply && bHasGreeting {
			log.Info().Msg("converged")
			reply, _ := mapA.Get("reply")
			greeting, _ := mapB.Get("greeting")
			fmt.Println("node a sees 'reply':", string(reply))
			fmt.Println("node b sees 'greeting':", string(greeting))
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("nodes did not converge before deadline")
}
