package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/andresmejia3/rollcall/internal/events"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

var syncStatusOnly bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Publish pending confirmations from the outbox",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runSync(cmd.Context())
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncStatusOnly, "status", false, "Only print outbox counts")
	rootCmd.AddCommand(syncCmd)
}

func runSync(ctx context.Context) error {
	if !syncStatusOnly {
		if Cfg.MQTT.Broker == "" {
			err := errors.New("MQTT_BROKER is not set")
			utils.ShowError("%v", err)
			return err
		}
		syncer, closePub := newSyncer(slog.Default())
		if syncer == nil {
			return errors.New("could not connect to the MQTT broker")
		}
		defer closePub()

		sent, failed, err := drainOutbox(ctx, syncer)
		if err != nil {
			utils.ShowError("Sync failed: %v", err)
			return err
		}
		fmt.Fprintf(os.Stderr, "📤 Published %d confirmations, %d failed attempts.\n", sent, failed)
	}

	counts, err := DB.CountByStatus(ctx)
	if err != nil {
		utils.Die("Failed to read outbox", err, nil)
	}
	for _, st := range []events.Status{events.StatusPending, events.StatusSent, events.StatusFailed, events.StatusCanceled} {
		fmt.Printf("%-9s %d\n", st, counts[st])
	}
	return nil
}

// drainOutbox syncs until a round publishes nothing.
func drainOutbox(ctx context.Context, s *events.Syncer) (sent, failed int, err error) {
	for ctx.Err() == nil {
		rep, err := s.SyncOnce(ctx)
		if err != nil {
			return sent, failed, err
		}
		sent += rep.Sent
		failed += rep.Failed
		if rep.Sent == 0 {
			return sent, failed, nil
		}
	}
	return sent, failed, ctx.Err()
}
