package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/beaconlabs/beaconq/queue"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the persisted queue status as JSON",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
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
	corrupt := false
	if err := q.Load(ctx); err != nil {
		if !errors.Is(err, queue.ErrCorruptSnapshot) {
			return err
		}
		corrupt = true
	}

	out := struct {
		Size            int        `json:"size"`
		OldestTimestamp *time.Time `json:"oldest_timestamp,omitempty"`
		DroppedCount    uint64     `json:"dropped_count"`
		Corrupt         bool       `json:"corrupt,omitempty"`
	}{
		Size:         q.Size(),
		DroppedCount: q.Dropped(),
		Corrupt:      corrupt,
	}
	if ts, ok := q.OldestTimestamp(); ok {
		out.OldestTimestamp = &ts
	}

	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(b))
	return nil
}
