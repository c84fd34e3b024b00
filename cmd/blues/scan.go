package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blues/bluez"
	"github.com/srg/blues/internal/config"
	"github.com/srg/blues/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

Devices are listed in the order they were discovered, with their alias,
address, signal strength and advertised services. Devices BlueZ already
knows about are reported as soon as the scan starts.

Examples:
  # Scan for 5 seconds
  blues scan -d 5s

  # Only heart rate monitors, as JSON
  blues scan --services 180d --format json

  # Keep scanning and refresh the table until Ctrl+C
  blues scan --watch`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration  time.Duration
	scanFormat    string
	scanServices  []string
	scanAllowList []string
	scanBlockList []string
	scanWatch     bool
)

// watchRefreshInterval is how often watch mode redraws the table.
var watchRefreshInterval = time.Second

// timeNow is replaced in tests.
var timeNow = time.Now

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 scans until Ctrl+C)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", config.FormatTable, "Output format (table, json)")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Only show devices advertising one of these service UUIDs")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
	scanCmd.Flags().BoolVarP(&scanWatch, "watch", "w", false, "Keep scanning and refresh the table")
}

func runScan(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	format := cfg.OutputFormat
	if cmd.Flags().Changed("format") {
		format = scanFormat
	}
	if format != config.FormatTable && format != config.FormatJSON {
		return fmt.Errorf("invalid format '%s': must be one of [%s %s]", format, config.FormatTable, config.FormatJSON)
	}

	duration := cfg.ScanTimeout
	if cmd.Flags().Changed("duration") {
		duration = scanDuration
	}
	if duration < 0 {
		return fmt.Errorf("invalid duration %s", duration)
	}

	services := make([]uuid.UUID, 0, len(scanServices))
	for _, s := range scanServices {
		u, err := bluez.ParseUUID(s)
		if err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
		services = append(services, u)
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	env, err := openEnv(ctx, cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	s, err := scanner.NewScanner(env.adapter, env.logger)
	if err != nil {
		return fmt.Errorf("failed to create BLE scanner: %w", err)
	}

	opts := &scanner.ScanOptions{
		Duration:     duration,
		ServiceUUIDs: services,
		AllowList:    scanAllowList,
		BlockList:    scanBlockList,
		Transport:    bluez.TransportLE,
	}

	out := cmd.OutOrStdout()
	if scanWatch {
		return runWatchMode(ctx, s, opts, out, format)
	}
	return runSingleScan(ctx, cmd, s, opts, out, format)
}

func runSingleScan(ctx context.Context, cmd *cobra.Command, s *scanner.Scanner, opts *scanner.ScanOptions, out io.Writer, format string) error {
	progress := NewProgressPrinter(cmd.ErrOrStderr(), "Scanning for BLE devices", "Scanning", opts.Duration, "Processing results")
	progress.Start()
	defer progress.Stop()

	devices, err := s.Scan(ctx, opts, progress.Callback())
	if err != nil {
		return err
	}
	progress.Stop()

	return renderDevices(out, discoveryOrder(devices), format, nil)
}

// runWatchMode redraws the table as events arrive until the scan ends.
func runWatchMode(ctx context.Context, s *scanner.Scanner, opts *scanner.ScanOptions, out io.Writer, format string) error {
	seen := orderedmap.New[string, scanner.DeviceEntry]()
	fresh := make(map[string]bool)

	scanErr := make(chan error, 1)
	go func() {
		_, err := s.Scan(ctx, opts, nil)
		scanErr <- err
	}()

	apply := func(ev scanner.DeviceEvent) {
		seen.Set(ev.Entry.Address, ev.Entry)
		if ev.Type == scanner.EventNew {
			fresh[ev.Entry.Address] = true
		}
	}

	ticker := time.NewTicker(watchRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-s.Events():
			apply(ev)

		case <-ticker.C:
			if format == config.FormatTable && isTerminal(out) {
				clearScreen(out)
			}
			if err := renderDevices(out, seen, format, fresh); err != nil {
				return err
			}
			fresh = make(map[string]bool)

		case err := <-scanErr:
			// Events published before the scan returned are still queued.
		drain:
			for {
				select {
				case ev := <-s.Events():
					apply(ev)
				default:
					break drain
				}
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			if format == config.FormatTable && isTerminal(out) {
				clearScreen(out)
			}
			return renderDevices(out, seen, format, fresh)
		}
	}
}

// discoveryOrder orders scan results by first sighting, then address.
func discoveryOrder(devices map[string]scanner.DeviceEntry) *orderedmap.OrderedMap[string, scanner.DeviceEntry] {
	entries := make([]scanner.DeviceEntry, 0, len(devices))
	for _, e := range devices {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].FirstSeen.Equal(entries[j].FirstSeen) {
			return entries[i].FirstSeen.Before(entries[j].FirstSeen)
		}
		return entries[i].Address < entries[j].Address
	})

	ordered := orderedmap.New[string, scanner.DeviceEntry](len(entries))
	for _, e := range entries {
		ordered.Set(e.Address, e)
	}
	return ordered
}

func renderDevices(out io.Writer, devices *orderedmap.OrderedMap[string, scanner.DeviceEntry], format string, highlight map[string]bool) error {
	if format == config.FormatJSON {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(devices)
	}
	return displayDevicesTable(out, devices, highlight)
}

func displayDevicesTable(out io.Writer, devices *orderedmap.OrderedMap[string, scanner.DeviceEntry], highlight map[string]bool) error {
	if devices.Len() == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}

	newDevice := color.New(color.FgGreen)
	if isTerminal(out) {
		newDevice.EnableColor()
	} else {
		newDevice.DisableColor()
	}

	// Colour is applied after alignment; escape codes would skew tabwriter.
	var table bytes.Buffer
	w := tabwriter.NewWriter(&table, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tTYPE\tRSSI\tSERVICES\tLAST SEEN")

	now := timeNow()
	for pair := devices.Oldest(); pair != nil; pair = pair.Next() {
		e := pair.Value

		name := e.Name
		if len(name) > 20 {
			name = name[:17] + "..."
		}

		rssi := "-"
		if e.RSSI != nil {
			rssi = fmt.Sprintf("%d dBm", *e.RSSI)
		}

		services := make([]string, 0, len(e.ServiceUUIDs))
		for _, s := range e.ServiceUUIDs {
			services = append(services, shortUUID(s))
		}
		servicesCol := strings.Join(services, ",")
		if len(servicesCol) > 30 {
			servicesCol = servicesCol[:27] + "..."
		}
		if servicesCol == "" {
			servicesCol = "-"
		}

		lastSeen := now.Sub(e.LastSeen).Truncate(time.Second)
		if lastSeen < 0 {
			lastSeen = 0
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s ago\n", name, e.Address, e.AddressType, rssi, servicesCol, lastSeen)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	lines := strings.SplitAfter(table.String(), "\n")
	fmt.Fprint(out, lines[0])
	row := 1
	for pair := devices.Oldest(); pair != nil; pair = pair.Next() {
		if highlight[pair.Key] {
			fmt.Fprint(out, newDevice.Sprint(strings.TrimSuffix(lines[row], "\n")), "\n")
		} else {
			fmt.Fprint(out, lines[row])
		}
		row++
	}
	return nil
}

// shortUUID prints SIG-assigned UUIDs in their 16-bit form.
func shortUUID(s string) string {
	u, err := uuid.Parse(s)
	if err != nil {
		return strings.ToLower(s)
	}
	return formatUUID(u)
}

func formatUUID(u uuid.UUID) string {
	if short, ok := bluez.ShortUUID(u); ok {
		return fmt.Sprintf("%04x", short)
	}
	return u.String()
}

func clearScreen(w io.Writer) {
	fmt.Fprint(w, "\033[2J\033[H")
}
