package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codewandler/evstore-go/core/client"
	"github.com/codewandler/evstore-go/core/es"
)

var (
	readFrom     int64
	readCount    int
	readBackward bool
)

var readCmd = &cobra.Command{
	Use:   "read STREAM",
	Short: "Read events from a stream",
	Args:  cobra.ExactArgs(1),
	RunE:  runRead,
}

var readAllCmd = &cobra.Command{
	Use:   "read-all",
	Short: "Read the global $all event log",
	RunE:  runReadAll,
}

func init() {
	readCmd.Flags().Int64Var(&readFrom, "from", 0, "first event number (-1 = from the end when reading backward)")
	readCmd.Flags().IntVar(&readCount, "count", 20, "maximum number of events")
	readCmd.Flags().BoolVar(&readBackward, "backward", false, "read towards the start of the stream")
	readAllCmd.Flags().IntVar(&readCount, "count", 20, "maximum number of events")

	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(readAllCmd)
}

func runRead(cmd *cobra.Command, args []string) error {
	cl, cleanup, err := newClient()
	if err != nil {
		return err
	}
	defer cleanup()

	direction := es.ReadForward
	if readBackward {
		direction = es.ReadBackward
	}

	r, err := cl.ReadStream(cmd.Context(), args[0], client.ReadStreamOptions{
		From:      readFrom,
		Count:     readCount,
		Direction: direction,
	})
	if err != nil {
		return err
	}

	switch r.Status {
	case es.ReadStreamNotFound:
		return fmt.Errorf("stream %s does not exist", args[0])
	case es.ReadStreamDeleted:
		return fmt.Errorf("stream %s is deleted", args[0])
	}

	for _, ev := range r.Events {
		printEvent(ev)
	}
	return nil
}

func runReadAll(cmd *cobra.Command, args []string) error {
	cl, cleanup, err := newClient()
	if err != nil {
		return err
	}
	defer cleanup()

	var (
		from      = es.StartPosition()
		remaining = readCount
	)
	for remaining > 0 {
		r, err := cl.ReadAll(cmd.Context(), client.ReadAllOptions{
			From:  from,
			Count: remaining,
		})
		if err != nil {
			return err
		}
		for _, ev := range r.Events {
			printEvent(ev)
			remaining--
		}
		if r.EndOfStream {
			return nil
		}
		from = r.Next
	}
	return nil
}
