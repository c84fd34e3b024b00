package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/srg/blues/bluez"
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect <device-address>",
	Short: "Inspect GATT services and characteristics of a BLE device",
	Long: `Connects to a BLE device by address, waits for BlueZ to resolve its GATT
services and prints every service and characteristic with its flags.
Readable characteristics are read unless --read-limit is 0.

Examples:
  blues inspect AA:BB:CC:DD:EE:01
  blues inspect AA:BB:CC:DD:EE:01 --json`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

var (
	inspectJSON      bool
	inspectReadLimit int
)

// maxParallelReads bounds concurrent GATT requests to one device.
const maxParallelReads = 4

func init() {
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Output as JSON")
	inspectCmd.Flags().IntVar(&inspectReadLimit, "read-limit", 64, "Max bytes shown from readable characteristics (0 to disable reads)")
}

type characteristicReport struct {
	UUID  string   `json:"uuid"`
	Flags []string `json:"flags"`
	MTU   uint16   `json:"mtu,omitempty"`
	Value string   `json:"value,omitempty"`
	Error string   `json:"error,omitempty"`
}

type serviceReport struct {
	UUID            string                 `json:"uuid"`
	Primary         bool                   `json:"primary"`
	Characteristics []characteristicReport `json:"characteristics"`
}

type inspectReport struct {
	Device   bluez.DeviceInfo `json:"device"`
	Services []serviceReport  `json:"services"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	if inspectReadLimit < 0 {
		return fmt.Errorf("invalid read limit %d", inspectReadLimit)
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	env, err := openEnv(ctx, cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Inspecting device %s", args[0]), "Connecting", 0, "Done")
	progress.Start()
	defer progress.Stop()

	dev, err := env.connect(ctx, args[0])
	if err != nil {
		return err
	}
	defer env.disconnect(ctx, dev)

	progress.Callback()("Discovering services")
	report, err := inspectDevice(ctx, dev, inspectReadLimit)
	if err != nil {
		return err
	}
	progress.Callback()("Done")

	out := cmd.OutOrStdout()
	if inspectJSON {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	}
	printInspectReport(out, report)
	return nil
}

// inspectDevice walks the GATT tree of a connected device.
func inspectDevice(ctx context.Context, dev bluez.Device, readLimit int) (*inspectReport, error) {
	info, err := dev.Info(ctx)
	if err != nil {
		return nil, err
	}

	services, err := dev.GATTServices(ctx)
	if err != nil {
		return nil, err
	}

	report := &inspectReport{Device: info, Services: make([]serviceReport, len(services))}
	for i, svc := range services {
		chars, err := svc.Characteristics(ctx)
		if err != nil {
			return nil, err
		}

		sr := serviceReport{
			UUID:            formatUUID(svc.UUID()),
			Primary:         svc.IsPrimary(),
			Characteristics: make([]characteristicReport, len(chars)),
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(maxParallelReads)
		for j, ch := range chars {
			g.Go(func() error {
				cr, err := describeCharacteristic(gctx, ch, readLimit)
				if err != nil {
					return err
				}
				sr.Characteristics[j] = cr
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		report.Services[i] = sr
	}
	return report, nil
}

// describeCharacteristic fails only when the characteristic metadata cannot
// be read. Read failures are reported in the result.
func describeCharacteristic(ctx context.Context, ch *bluez.Characteristic, readLimit int) (characteristicReport, error) {
	cr := characteristicReport{UUID: formatUUID(ch.UUID())}

	flags, err := ch.Flags(ctx)
	if err != nil {
		return cr, fmt.Errorf("characteristic %s: %w", cr.UUID, err)
	}
	cr.Flags = flags
	if mtu, err := ch.MTU(ctx); err == nil {
		cr.MTU = mtu
	}

	if readLimit == 0 || !flags.CanRead() {
		return cr, nil
	}
	value, err := ch.Read(ctx)
	if err != nil {
		cr.Error = err.Error()
		return cr, nil
	}
	if len(value) > readLimit {
		value = value[:readLimit]
	}
	cr.Value = hex.EncodeToString(value)
	return cr, nil
}

func printInspectReport(out io.Writer, r *inspectReport) {
	name := r.Device.Alias
	if name == "" {
		name = r.Device.Name
	}
	fmt.Fprintf(out, "Device %s (%s)\n", r.Device.Address, name)
	fmt.Fprintf(out, "  Address type: %s\n", r.Device.AddressType)
	if r.Device.RSSI != nil {
		fmt.Fprintf(out, "  RSSI: %d dBm\n", *r.Device.RSSI)
	}
	fmt.Fprintf(out, "  Services: %d\n", len(r.Services))

	for _, svc := range r.Services {
		kind := "primary"
		if !svc.Primary {
			kind = "secondary"
		}
		fmt.Fprintf(out, "\nService %s (%s)\n", svc.UUID, kind)
		for _, ch := range svc.Characteristics {
			line := fmt.Sprintf("  Characteristic %s [%s]", ch.UUID, strings.Join(ch.Flags, ", "))
			switch {
			case ch.Error != "":
				line += " read failed: " + ch.Error
			case ch.Value != "":
				line += " value: " + ch.Value
			}
			fmt.Fprintln(out, line)
		}
	}
}
