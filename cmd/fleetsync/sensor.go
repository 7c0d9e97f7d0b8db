package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nubiot/fleetsync/pkg/client"
	"github.com/nubiot/fleetsync/pkg/types"
)

var sensorCmd = &cobra.Command{
	Use:   "sensor",
	Short: "Manage sensor sync streams",
}

var sensorListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every known sensor stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		states, err := client.NewClient(apiAddr).ListSensors(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("%-20s %-24s %-10s %-9s %s\n", "DEVICE TYPE", "SENSOR", "ENABLED", "PROGRESS", "SYNCED RANGE")
		for _, s := range states {
			rng := "-"
			if s.SyncedFrom != nil && s.SyncedTo != nil {
				rng = fmt.Sprintf("%s .. %s",
					s.SyncedFrom.Format(time.RFC3339), s.SyncedTo.Format(time.RFC3339))
			}
			fmt.Printf("%-20s %-24s %-10t %-8d%% %s\n", s.DeviceType, s.SensorID, s.Enabled, s.Progress, rng)
		}
		return nil
	},
}

var sensorStatusCmd = &cobra.Command{
	Use:   "status <device-type> <sensor-id>",
	Short: "Show one stream's sync state",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := client.NewClient(apiAddr).GetSensor(cmd.Context(), types.DeviceType(args[0]), args[1])
		if err != nil {
			return err
		}
		printState(state)
		return nil
	},
}

var sensorEnableCmd = &cobra.Command{
	Use:   "enable <device-type> <sensor-id>",
	Short: "Enable a stream and start its initial backfill",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetBool("wait")
		c := client.NewClient(apiAddr)

		state, err := c.EnableSensor(cmd.Context(), types.DeviceType(args[0]), args[1])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Sensor %s enabled, backfill started\n", state.Key())

		if wait {
			return waitForLive(cmd.Context(), c, state.DeviceType, state.SensorID)
		}
		return nil
	},
}

var sensorDisableCmd = &cobra.Command{
	Use:   "disable <device-type> <sensor-id>",
	Short: "Disable a stream and remove its synced data",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := client.NewClient(apiAddr).DisableSensor(cmd.Context(), types.DeviceType(args[0]), args[1])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Sensor %s disabled\n", state.Key())
		return nil
	},
}

var sensorBackfillCmd = &cobra.Command{
	Use:   "backfill <device-type> <sensor-id>",
	Short: "Request an additional historical range",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fromStr, _ := cmd.Flags().GetString("from")
		toStr, _ := cmd.Flags().GetString("to")

		from, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			return fmt.Errorf("invalid --from: %w", err)
		}
		var to *time.Time
		if toStr != "" {
			parsed, err := time.Parse(time.RFC3339, toStr)
			if err != nil {
				return fmt.Errorf("invalid --to: %w", err)
			}
			to = &parsed
		}

		err = client.NewClient(apiAddr).Backfill(cmd.Context(), types.DeviceType(args[0]), args[1], from, to)
		if err != nil {
			return err
		}
		fmt.Println("✓ Backfill accepted")
		return nil
	},
}

func printState(s *types.SensorSyncState) {
	fmt.Printf("Sensor:    %s\n", s.Key())
	fmt.Printf("Name:      %s\n", s.SensorName)
	fmt.Printf("Kind:      %s\n", s.ValueKind)
	fmt.Printf("Enabled:   %t\n", s.Enabled)
	fmt.Printf("Progress:  %d%%\n", s.Progress)
	if s.SyncedFrom != nil {
		fmt.Printf("Synced:    %s .. %s\n", s.SyncedFrom.Format(time.RFC3339), s.SyncedTo.Format(time.RFC3339))
	}
}

func waitForLive(ctx context.Context, c *client.Client, deviceType types.DeviceType, sensorID string) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			state, err := c.GetSensor(ctx, deviceType, sensorID)
			if err != nil {
				return err
			}
			fmt.Printf("  progress: %d%%\n", state.Progress)
			if !state.Enabled {
				return fmt.Errorf("backfill failed; sensor was rolled back to disabled")
			}
			if state.Progress >= 100 {
				fmt.Println("✓ Backfill complete, stream is live")
				return nil
			}
		}
	}
}

func init() {
	sensorEnableCmd.Flags().Bool("wait", false, "Block until the backfill finishes")
	sensorBackfillCmd.Flags().String("from", "", "Newer bound of the range (RFC3339, required)")
	sensorBackfillCmd.Flags().String("to", "", "Older bound of the range (RFC3339, defaults to the oldest synced point)")
	sensorBackfillCmd.MarkFlagRequired("from")

	sensorCmd.AddCommand(sensorListCmd)
	sensorCmd.AddCommand(sensorStatusCmd)
	sensorCmd.AddCommand(sensorEnableCmd)
	sensorCmd.AddCommand(sensorDisableCmd)
	sensorCmd.AddCommand(sensorBackfillCmd)
}
