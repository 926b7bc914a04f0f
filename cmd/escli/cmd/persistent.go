package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codewandler/evstore-go/core/es"
	"github.com/codewandler/evstore-go/core/subs"
)

var (
	groupStartFrom  int64
	groupMaxRetry   int
	groupStrategy   string
	consumeBuffer   int
	consumeParkBad  bool
	consumeMaxCount int
)

var persistentCmd = &cobra.Command{
	Use:   "persistent",
	Short: "Manage and consume persistent subscription groups",
}

var persistentCreateCmd = &cobra.Command{
	Use:   "create STREAM GROUP",
	Short: "Create a persistent subscription group",
	Args:  cobra.ExactArgs(2),
	RunE:  runPersistentCreate,
}

var persistentUpdateCmd = &cobra.Command{
	Use:   "update STREAM GROUP",
	Short: "Update a persistent subscription group",
	Args:  cobra.ExactArgs(2),
	RunE:  runPersistentUpdate,
}

var persistentDeleteCmd = &cobra.Command{
	Use:   "delete STREAM GROUP",
	Short: "Delete a persistent subscription group",
	Args:  cobra.ExactArgs(2),
	RunE:  runPersistentDelete,
}

var persistentConsumeCmd = &cobra.Command{
	Use:   "consume STREAM GROUP",
	Short: "Consume a group, acknowledging each printed event",
	Args:  cobra.ExactArgs(2),
	RunE:  runPersistentConsume,
}

func init() {
	for _, c := range []*cobra.Command{persistentCreateCmd, persistentUpdateCmd} {
		c.Flags().Int64Var(&groupStartFrom, "start-from", -1, "first event number for the group (-1 = end of stream)")
		c.Flags().IntVar(&groupMaxRetry, "max-retry", 500, "redeliveries before an event is parked")
		c.Flags().StringVar(&groupStrategy, "strategy", string(es.StrategyRoundRobin), "consumer strategy (RoundRobin or DispatchToSingle)")
	}
	persistentConsumeCmd.Flags().IntVar(&consumeBuffer, "buffer", 10, "number of unacknowledged events the server may push")
	persistentConsumeCmd.Flags().IntVar(&consumeMaxCount, "count", 0, "stop after this many events (0 = run until interrupted)")
	persistentConsumeCmd.Flags().BoolVar(&consumeParkBad, "park-undecodable", false, "park events whose payload is not valid for printing instead of acking")

	persistentCmd.AddCommand(persistentCreateCmd)
	persistentCmd.AddCommand(persistentUpdateCmd)
	persistentCmd.AddCommand(persistentDeleteCmd)
	persistentCmd.AddCommand(persistentConsumeCmd)
	rootCmd.AddCommand(persistentCmd)
}

func groupSettings() es.PersistentSettings {
	s := es.DefaultPersistentSettings()
	s.StartFrom = groupStartFrom
	s.MaxRetryCount = groupMaxRetry
	s.ConsumerStrategy = es.SystemConsumerStrategy(groupStrategy)
	return s
}

func runPersistentCreate(cmd *cobra.Command, args []string) error {
	cl, cleanup, err := newClient()
	if err != nil {
		return err
	}
	defer cleanup()

	r, err := cl.CreatePersistentSubscription(cmd.Context(), args[0], args[1], groupSettings())
	if err != nil {
		return err
	}
	if !r.IsSuccess() {
		return fmt.Errorf("create %s::%s: %s %s", args[0], args[1], r.Status, r.Reason)
	}
	fmt.Printf("created %s::%s\n", args[0], args[1])
	return nil
}

func runPersistentUpdate(cmd *cobra.Command, args []string) error {
	cl, cleanup, err := newClient()
	if err != nil {
		return err
	}
	defer cleanup()

	r, err := cl.UpdatePersistentSubscription(cmd.Context(), args[0], args[1], groupSettings())
	if err != nil {
		return err
	}
	if !r.IsSuccess() {
		return fmt.Errorf("update %s::%s: %s %s", args[0], args[1], r.Status, r.Reason)
	}
	fmt.Printf("updated %s::%s\n", args[0], args[1])
	return nil
}

func runPersistentDelete(cmd *cobra.Command, args []string) error {
	cl, cleanup, err := newClient()
	if err != nil {
		return err
	}
	defer cleanup()

	r, err := cl.DeletePersistentSubscription(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	if !r.IsSuccess() {
		return fmt.Errorf("delete %s::%s: %s %s", args[0], args[1], r.Status, r.Reason)
	}
	fmt.Printf("deleted %s::%s\n", args[0], args[1])
	return nil
}

func runPersistentConsume(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cl, cleanup, err := newClient()
	if err != nil {
		return err
	}
	defer cleanup()

	sub, err := cl.SubscribePersistent(args[0], args[1], subs.PersistentOptions{
		BufferSize:       consumeBuffer,
		AckFlushInterval: time.Second,
	})
	if err != nil {
		return err
	}
	defer func() { _ = sub.Cancel() }()

	var handled int
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			switch {
			case ev.Confirmed != nil:
				fmt.Fprintf(os.Stderr, "consuming %s::%s\n", args[0], args[1])

			case ev.EventAppeared != nil:
				rec := ev.EventAppeared.OriginalEvent()
				if rec == nil {
					if consumeParkBad {
						_ = sub.Nak(es.NakPark, "unresolvable event", ev.EventAppeared.OriginalID())
					}
					continue
				}
				printEvent(ev.EventAppeared.ResolvedEvent)
				if err := sub.Ack(rec.ID); err != nil {
					return err
				}
				handled++
				if consumeMaxCount > 0 && handled >= consumeMaxCount {
					return nil
				}

			case ev.Dropped != nil:
				if ev.Dropped.Reason.Terminal() {
					return fmt.Errorf("subscription dropped: %s", ev.Dropped.Reason)
				}
				fmt.Fprintf(os.Stderr, "dropped (%s), reconnecting\n", ev.Dropped.Reason)
			}
		}
	}
}
