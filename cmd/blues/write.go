package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/srg/blues/bluez"
)

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <device-address> <service-uuid> <char-uuid> <data>",
	Short: "Write to a characteristic",
	Long: `Writes data to a BLE characteristic.

Examples:
  # Write a string
  blues write AA:BB:CC:DD:EE:01 180d 2a39 "reset"

  # Write hex data
  blues write AA:BB:CC:DD:EE:01 180d 2a39 01 --hex

  # Write without response (faster, no ACK)
  blues write AA:BB:CC:DD:EE:01 ffe0 ffe1 "data" --without-response`,
	Args: cobra.ExactArgs(4),
	RunE: runWrite,
}

var (
	writeHex        bool
	writeNoResponse bool
)

func init() {
	writeCmd.Flags().BoolVar(&writeHex, "hex", false, "Parse input as hex string (e.g., 'FF01'); raw bytes by default")
	writeCmd.Flags().BoolVar(&writeNoResponse, "without-response", false, "Write without response (faster, no ACK)")
}

func runWrite(cmd *cobra.Command, args []string) error {
	address, serviceID, charID := args[0], args[1], args[2]

	data, err := parseWriteData(args[3], writeHex)
	if err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
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

	char, err := characteristic(ctx, dev, serviceID, charID)
	if err != nil {
		return err
	}
	if err := writeCharacteristic(ctx, char, data, writeNoResponse); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d bytes to %s\n", len(data), formatUUID(char.UUID()))
	return nil
}

// parseWriteData converts input string to bytes. Hex input may contain
// spaces, colons, dashes and 0x prefixes.
func parseWriteData(dataStr string, asHex bool) ([]byte, error) {
	if !asHex {
		return []byte(dataStr), nil
	}

	cleaned := strings.NewReplacer(" ", "", ":", "", "-", "", "0x", "", "0X", "").Replace(dataStr)
	data, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	return data, nil
}

func writeCharacteristic(ctx context.Context, char *bluez.Characteristic, data []byte, noResponse bool) error {
	flags, err := char.Flags(ctx)
	if err != nil {
		return err
	}

	canWrite := flags.CanWrite()
	canWriteNoResponse := flags.CanWriteWithoutResponse()
	if !canWrite && !canWriteNoResponse {
		return fmt.Errorf("characteristic %s does not support write operations", formatUUID(char.UUID()))
	}

	// Default to a write request; fall back to a command when that is all
	// the characteristic offers.
	wt := bluez.WriteWithResponse
	if noResponse || !canWrite {
		if !canWriteNoResponse {
			return fmt.Errorf("characteristic %s does not support write without response", formatUUID(char.UUID()))
		}
		wt = bluez.WriteWithoutResponse
	}

	if err := char.Write(ctx, data, wt); err != nil {
		return fmt.Errorf("failed to write characteristic: %w", err)
	}
	return nil
}
