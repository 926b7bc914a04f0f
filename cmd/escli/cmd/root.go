// Package cmd provides the CLI commands for escli.
package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	esnats "github.com/codewandler/evstore-go/adapters/nats"
	"github.com/codewandler/evstore-go/core/client"
	"github.com/codewandler/evstore-go/core/discovery"
	"github.com/codewandler/evstore-go/core/es"
)

var (
	natsURL       string
	subjectPrefix string
	seeds         []string
	verbose       bool
)

var rootCmd = &cobra.Command{
	Use:   "escli",
	Short: "Command line client for the event store",
	Long: `escli talks to an event store cluster over NATS:
  - append events to streams and delete streams
  - read streams, single events and the global $all log
  - follow streams live, catch up from history, or consume as a group`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&natsURL, "nats", "n", "", "NATS server URL (default $NATS_URL or nats://localhost:4222)")
	rootCmd.PersistentFlags().StringVar(&subjectPrefix, "prefix", "", "subject prefix the cluster listens on")
	rootCmd.PersistentFlags().StringSliceVarP(&seeds, "seed", "s", nil, "cluster seed address host:port (repeatable)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func connector() esnats.Connector {
	if natsURL != "" {
		return esnats.ConnectURL(natsURL)
	}
	return esnats.ConnectDefault()
}

func parseSeeds() ([]discovery.Node, error) {
	if len(seeds) == 0 {
		return nil, fmt.Errorf("at least one --seed is required")
	}
	nodes := make([]discovery.Node, 0, len(seeds))
	for _, s := range seeds {
		host, portStr, err := net.SplitHostPort(s)
		if err != nil {
			return nil, fmt.Errorf("seed %q: %w", s, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("seed %q: %w", s, err)
		}
		nodes = append(nodes, discovery.Node{Host: host, Port: port})
	}
	return nodes, nil
}

// newClient assembles a client over a NATS dialer. The returned cleanup
// closes both.
func newClient() (*client.Client, func(), error) {
	return newClientWith()
}

func newClientWith(extra ...client.Option) (*client.Client, func(), error) {
	nodes, err := parseSeeds()
	if err != nil {
		return nil, nil, err
	}

	log := newLogger()

	dialer, err := esnats.NewDialer(esnats.DialerConfig{
		Connect:       connector(),
		Log:           log,
		SubjectPrefix: subjectPrefix,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}

	opts := append([]client.Option{
		client.WithLog(log),
		client.WithConnectionName("escli"),
		client.WithSeeds(nodes...),
	}, extra...)

	cl, err := client.New(dialer, opts...)
	if err != nil {
		_ = dialer.Close()
		return nil, nil, err
	}

	cleanup := func() {
		_ = cl.Close()
		_ = dialer.Close()
	}
	return cl, cleanup, nil
}

// printEvent writes one resolved event as a JSON line.
func printEvent(ev es.ResolvedEvent) {
	rec := ev.OriginalEvent()
	if rec == nil {
		return
	}

	out := map[string]any{
		"stream": rec.StreamID,
		"number": rec.EventNumber,
		"id":     rec.ID,
		"type":   rec.Type,
	}
	if ev.Position != nil {
		out["commit"] = ev.Position.Commit
		out["prepare"] = ev.Position.Prepare
	}
	if rec.IsJSON {
		out["data"] = json.RawMessage(rec.Data)
	} else {
		out["data"] = string(rec.Data)
	}

	b, _ := json.Marshal(out)
	fmt.Println(string(b))
}
