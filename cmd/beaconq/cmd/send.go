package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/beaconlabs/beaconq/queue"
)

var sendCmd = &cobra.Command{
	Use:   "send [payload...]",
	Short: "Enqueue JSON payloads into the durable queue",
	Long: `Enqueue one event per argument, or one per stdin line when no arguments
are given. Payloads must be valid JSON; they are stored opaquely and
delivered in enqueue order by 'beaconq drain'.`,
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg := envConfig()

	store, closeStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	q := queue.New(queue.Config{
		Store:    store,
		Key:      cfg.Queue.Key,
		MaxCount: cfg.Queue.MaxCount,
		MaxBytes: cfg.Queue.MaxBytes,
	})
	if err := q.Load(ctx); err != nil {
		if !errors.Is(err, queue.ErrCorruptSnapshot) {
			return err
		}
		fmt.Fprintln(os.Stderr, "warning: persisted queue unreadable, starting empty")
	}

	payloads := args
	if len(payloads) == 0 {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if line := scanner.Text(); line != "" {
				payloads = append(payloads, line)
			}
		}
		if err := scanner.Err(); err != nil {
			return err
		}
	}

	for _, p := range payloads {
		if !json.Valid([]byte(p)) {
			return fmt.Errorf("payload is not valid JSON: %s", p)
		}
		id, err := q.Enqueue(ctx, json.RawMessage(p))
		if err != nil {
			return err
		}
		fmt.Printf("enqueued id=%d\n", id)
	}
	fmt.Printf("queue size=%d dropped=%d\n", q.Size(), q.Dropped())
	return nil
}
