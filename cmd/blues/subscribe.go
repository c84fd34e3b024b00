package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/srg/blues/bluez"
)

// subscribeCmd represents the subscribe command
var subscribeCmd = &cobra.Command{
	Use:   "subscribe <device-address> <service-uuid> <char-uuid>",
	Short: "Subscribe to characteristic notifications",
	Long: `Enables notifications on a BLE characteristic and prints every received
value, one per line, until Ctrl+C or the device disconnects.

Examples:
  # Heart rate measurements as hex
  blues subscribe AA:BB:CC:DD:EE:01 180d 2a37 --hex

  # Stop after 10 values
  blues subscribe AA:BB:CC:DD:EE:01 180f 2a19 --hex --count 10`,
	Args: cobra.ExactArgs(3),
	RunE: runSubscribe,
}

var (
	subscribeHex   bool
	subscribeCount int
)

// errEnoughValues stops a subscription once --count values were printed.
var errEnoughValues = errors.New("received requested number of values")

func init() {
	subscribeCmd.Flags().BoolVar(&subscribeHex, "hex", false, "Output as hex string; raw bytes by default")
	subscribeCmd.Flags().IntVarP(&subscribeCount, "count", "n", 0, "Stop after N values (0 for no limit)")
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	address, serviceID, charID := args[0], args[1], args[2]
	if subscribeCount < 0 {
		return fmt.Errorf("invalid count %d", subscribeCount)
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
	flags, err := char.Flags(ctx)
	if err != nil {
		return err
	}
	if !flags.CanNotify() && !flags.CanIndicate() {
		return fmt.Errorf("characteristic %s does not support notifications", formatUUID(char.UUID()))
	}

	// Subscribe to Connected before notifications so a drop in between is seen.
	changes, err := dev.PropertyChanges(ctx, bluez.PropertyConnected)
	if err != nil {
		return err
	}
	defer changes.Close()

	stream, err := char.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer func() {
		stopCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer stop()
		if err := stream.Close(stopCtx); err != nil {
			env.logger.WithError(err).Debug("Failed to stop notifications")
		}
	}()

	fmt.Fprintf(cmd.ErrOrStderr(), "Subscribed to %s. Press Ctrl+C to stop...\n", formatUUID(char.UUID()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return watchConnection(gctx, dev, changes)
	})
	g.Go(func() error {
		return printValues(gctx, stream, cmd.OutOrStdout(), subscribeHex, subscribeCount)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errEnoughValues) {
		return err
	}
	return nil
}

// watchConnection returns ErrConnectionLost once the device disconnects and
// nil when ctx ends.
func watchConnection(ctx context.Context, dev bluez.Device, changes *bluez.Changes) error {
	for {
		if _, err := changes.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		connected, err := dev.IsConnected(ctx)
		if err == nil && !connected {
			return ErrConnectionLost
		}
	}
}

func printValues(ctx context.Context, stream *bluez.ValueStream, out io.Writer, asHex bool, limit int) error {
	for received := 0; limit == 0 || received < limit; received++ {
		value, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if asHex {
			fmt.Fprintln(out, hex.EncodeToString(value))
		} else {
			_, _ = out.Write(value)
			fmt.Fprintln(out)
		}
	}
	return errEnoughValues
}
