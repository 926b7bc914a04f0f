package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/codewandler/evstore-go/core/es"
)

var (
	appendExpected int64
	appendJSON     bool
)

var appendCmd = &cobra.Command{
	Use:   "append STREAM TYPE [DATA]",
	Short: "Append one event to a stream",
	Long: `Append one event to a stream. DATA is the event payload; when omitted
it is read from stdin. Use --expected to guard against concurrent writers.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runAppend,
}

var deleteCmd = &cobra.Command{
	Use:   "delete STREAM",
	Short: "Delete a stream",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var (
	deleteHard     bool
	deleteExpected int64
)

func init() {
	appendCmd.Flags().Int64Var(&appendExpected, "expected", es.ExpectedAny.Int64(), "expected stream version (-2 any, -1 no stream, -4 stream exists)")
	appendCmd.Flags().BoolVar(&appendJSON, "json", false, "tag the payload as JSON")
	deleteCmd.Flags().BoolVar(&deleteHard, "hard", false, "tombstone the stream; it can never be recreated")
	deleteCmd.Flags().Int64Var(&deleteExpected, "expected", es.ExpectedAny.Int64(), "expected stream version")

	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(deleteCmd)
}

func runAppend(cmd *cobra.Command, args []string) error {
	stream, eventType := args[0], args[1]

	var data []byte
	if len(args) == 3 {
		data = []byte(args[2])
	} else {
		var err error
		data, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
	}

	if appendJSON && !json.Valid(data) {
		return fmt.Errorf("--json given but the payload is not valid JSON")
	}

	cl, cleanup, err := newClient()
	if err != nil {
		return err
	}
	defer cleanup()

	event := es.BinaryEvent(eventType, data)
	event.IsJSON = appendJSON

	w, err := cl.Append(cmd.Context(), stream, es.ExpectedVersion(appendExpected), event)
	if err != nil {
		return err
	}

	fmt.Printf("appended %s to %s, next expected version %d (commit %d)\n",
		event.ID, stream, w.NextExpectedVersion, w.Position.Commit)
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	cl, cleanup, err := newClient()
	if err != nil {
		return err
	}
	defer cleanup()

	r, err := cl.DeleteStream(cmd.Context(), args[0], es.ExpectedVersion(deleteExpected), deleteHard)
	if err != nil {
		return err
	}

	kind := "soft"
	if deleteHard {
		kind = "hard"
	}
	fmt.Printf("%s deleted %s (commit %d)\n", kind, args[0], r.Position.Commit)
	return nil
}
