package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	esnats "github.com/codewandler/evstore-go/adapters/nats"
	"github.com/codewandler/evstore-go/core/client"
	"github.com/codewandler/evstore-go/core/subs"
)

var (
	subFromStart        bool
	subFrom             int64
	subCheckpointKey    string
	subCheckpointBucket string
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe STREAM",
	Short: "Follow a stream and print events as they appear",
	Long: `Follow a stream (or $all) and print events as they appear.

By default only new events are delivered. With --from or --from-start the
subscription first catches up on history and then goes live. A --checkpoint
key makes progress durable in a JetStream KV bucket, so the next run resumes
where this one stopped.`,
	Args: cobra.ExactArgs(1),
	RunE: runSubscribe,
}

func init() {
	subscribeCmd.Flags().BoolVar(&subFromStart, "from-start", false, "catch up from the beginning of the stream")
	subscribeCmd.Flags().Int64Var(&subFrom, "from", -1, "catch up from this event number")
	subscribeCmd.Flags().StringVar(&subCheckpointKey, "checkpoint", "", "checkpoint key for durable progress")
	subscribeCmd.Flags().StringVar(&subCheckpointBucket, "checkpoint-bucket", "escli_checkpoints", "JetStream KV bucket for checkpoints")

	rootCmd.AddCommand(subscribeCmd)
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []client.Option
	if subCheckpointKey != "" {
		ckpt, err := esnats.NewCheckpointStore(esnats.CheckpointConfig{
			Connect: connector(),
			Bucket:  subCheckpointBucket,
		})
		if err != nil {
			return fmt.Errorf("checkpoint store: %w", err)
		}
		defer ckpt.Close()
		opts = append(opts, client.WithCheckpoints(ckpt))
	}

	cl, cleanup, err := newClientWith(opts...)
	if err != nil {
		return err
	}
	defer cleanup()

	var sub *subs.Subscription
	switch {
	case subFromStart || subFrom >= 0 || subCheckpointKey != "":
		from := subFrom
		if subFromStart || from < 0 {
			from = 0
		}
		sub, err = cl.SubscribeCatchUp(args[0], subs.CatchUpOptions{
			FromEventNumber: from,
			CheckpointKey:   subCheckpointKey,
		})
	default:
		sub, err = cl.SubscribeVolatile(args[0], subs.VolatileOptions{})
	}
	if err != nil {
		return err
	}
	defer func() { _ = sub.Cancel() }()

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
				fmt.Fprintf(os.Stderr, "subscribed to %s\n", args[0])
			case ev.EventAppeared != nil:
				printEvent(ev.EventAppeared.ResolvedEvent)
			case ev.Dropped != nil:
				if ev.Dropped.Reason.Terminal() {
					return fmt.Errorf("subscription dropped: %s", ev.Dropped.Reason)
				}
				fmt.Fprintf(os.Stderr, "dropped (%s), resubscribing\n", ev.Dropped.Reason)
			}
		}
	}
}
