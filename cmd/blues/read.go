package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blues/bluez"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <device-address> <service-uuid> <char-uuid>[,<char-uuid>...]",
	Short: "Read characteristic values",
	Long: `Reads one or more characteristics of a BLE service.

Examples:
  # Read Battery Level
  blues read AA:BB:CC:DD:EE:01 180f 2a19 --hex

  # Read several characteristics of the same service
  blues read AA:BB:CC:DD:EE:01 180a 2a29,2a24

  # Poll a characteristic every second until Ctrl+C
  blues read AA:BB:CC:DD:EE:01 180f 2a19 --watch

  # Poll with a custom interval
  blues read AA:BB:CC:DD:EE:01 180f 2a19 --watch=500ms`,
	Args: cobra.ExactArgs(3),
	RunE: runRead,
}

var (
	readHex   bool
	readWatch string
)

func init() {
	readCmd.Flags().BoolVar(&readHex, "hex", false, "Output as hex string (e.g., 'FF01'); raw bytes by default")
	readCmd.Flags().StringVar(&readWatch, "watch", "", "Continuously read at interval (e.g., 1s, 500ms); default 1s if no value given")
	readCmd.Flags().Lookup("watch").NoOptDefVal = "1s"
}

func runRead(cmd *cobra.Command, args []string) error {
	address, serviceID := args[0], args[1]

	charIDs := splitCSV(args[2])
	if len(charIDs) == 0 {
		return fmt.Errorf("no characteristic UUIDs provided")
	}

	var watchInterval time.Duration
	if readWatch != "" {
		if len(charIDs) > 1 {
			return fmt.Errorf("watch mode requires a single characteristic, got %d", len(charIDs))
		}
		var err error
		watchInterval, err = time.ParseDuration(readWatch)
		if err != nil {
			return fmt.Errorf("invalid watch interval: %w", err)
		}
		if watchInterval <= 0 {
			return fmt.Errorf("invalid watch interval: %s", watchInterval)
		}
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	env, err := openEnv(ctx, cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	dev, err := env.connect(ctx, address)
	if err != nil {
		return err
	}
	defer env.disconnect(ctx, dev)

	chars := make([]*bluez.Characteristic, 0, len(charIDs))
	for _, id := range charIDs {
		char, err := characteristic(ctx, dev, serviceID, id)
		if err != nil {
			return err
		}
		flags, err := char.Flags(ctx)
		if err != nil {
			return err
		}
		if !flags.CanRead() {
			return fmt.Errorf("characteristic %s does not support read operations", formatUUID(char.UUID()))
		}
		chars = append(chars, char)
	}

	out := cmd.OutOrStdout()
	if watchInterval > 0 {
		return watchCharacteristic(ctx, chars[0], out, watchInterval)
	}

	for _, char := range chars {
		value, err := char.Read(ctx)
		if err != nil {
			return fmt.Errorf("failed to read characteristic: %w", err)
		}
		if len(chars) == 1 {
			fmt.Fprintln(out, formatValue(value, readHex))
		} else {
			fmt.Fprintf(out, "%s: %s\n", formatUUID(char.UUID()), formatValue(value, readHex))
		}
	}
	return nil
}

// watchCharacteristic reads char every interval until ctx ends.
func watchCharacteristic(ctx context.Context, char *bluez.Characteristic, out io.Writer, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		value, err := char.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read characteristic: %w", err)
		}
		fmt.Fprintln(out, formatValue(value, readHex))

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func formatValue(value []byte, asHex bool) string {
	if asHex {
		return hex.EncodeToString(value)
	}
	return string(value)
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
