// Command espflash flashes ELF firmware images to ESP8266, ESP32, and
// ESP32-C3 devices over their ROM bootloader's serial protocol.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/embedflash/espflash/internal/detect"
	"github.com/embedflash/espflash/internal/engine"
	"github.com/embedflash/espflash/internal/firmware"
	"github.com/embedflash/espflash/internal/flashererr"
	"github.com/embedflash/espflash/internal/serial"
	"github.com/embedflash/espflash/internal/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	portFlag     string
	baudFlag     int
	changeBaud   int
	ramFlag      bool
	verboseFlag  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "espflash",
		Short: "Flash ELF firmware to ESP8266/ESP32/ESP32-C3 over the ROM bootloader",
	}

	flashCmd := &cobra.Command{
		Use:   "flash <firmware.elf>",
		Short: "Load a firmware image into flash or RAM",
		Args:  cobra.ExactArgs(1),
		RunE:  runFlash,
	}
	flashCmd.Flags().StringVarP(&portFlag, "port", "p", "", "serial port (auto-detect if not specified)")
	flashCmd.Flags().IntVarP(&baudFlag, "baud", "b", transport.DefaultBaudRate, "initial baud rate")
	flashCmd.Flags().IntVar(&changeBaud, "change-baud", 0, "switch to this baud rate after sync (0 = keep initial)")
	flashCmd.Flags().BoolVar(&ramFlag, "ram", false, "load into RAM and jump to entry instead of writing flash")
	flashCmd.Flags().BoolVarP(&verboseFlag, "verbose", "v", false, "enable debug diagnostics")

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Detect the chip and flash size attached to a port",
		RunE:  runInfo,
	}
	infoCmd.Flags().StringVarP(&portFlag, "port", "p", "", "serial port (auto-detect if not specified)")
	infoCmd.Flags().IntVarP(&baudFlag, "baud", "b", transport.DefaultBaudRate, "initial baud rate")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("espflash %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(flashCmd, infoCmd, listCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() *log.Logger {
	level := log.InfoLevel
	if verboseFlag {
		level = log.DebugLevel
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{Level: level})
	return logger
}

func runFlash(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	logger := newLogger()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read firmware file: %w", err)
	}
	fmt.Printf("Firmware: %s (%d bytes)\n", args[0], len(data))

	portName := portFlag
	if portName == "" {
		fmt.Println("Detecting device...")
		result, err := detect.Probe(ctx, baudFlag)
		if err != nil {
			return err
		}
		portName = result.Port
		fmt.Printf("Found %s on %s\n", result.Chip, portName)
	}

	conn, err := transport.Open(portName, baudFlag, logger)
	if err != nil {
		return fmt.Errorf("failed to open port: %w", err)
	}
	defer conn.Close()

	fmt.Printf("Connecting to bootloader on %s @ %d baud...\n", portName, baudFlag)
	e, err := engine.Connect(ctx, conn, logger)
	if err != nil {
		return err
	}
	color.Green("Connected: %s, flash %s", e.Chip(), e.FlashSize())

	if changeBaud != 0 {
		if err := e.ChangeBaud(changeBaud); err != nil {
			if !flashErrIs(err, flashererr.BaudNotSupported) {
				return err
			}
			color.Yellow("Warning: %v, continuing at %d baud", err, baudFlag)
		} else {
			fmt.Printf("Switched to %d baud\n", changeBaud)
		}
	}

	img, err := firmware.Load(data)
	if err != nil {
		return fmt.Errorf("failed to parse firmware: %w", err)
	}

	bar := newProgressBar("Flashing")
	defer bar.Finish()
	e.SetProgressCallback(func(current, total int) {
		bar.ChangeMax(total)
		bar.Set(current)
	})

	if ramFlag {
		fmt.Println("Loading image to RAM...")
		if err := e.LoadElfToRAM(img); err != nil {
			return err
		}
		color.Green("RAM load complete, jumped to entry 0x%08x", img.Entry())
		return nil
	}

	fmt.Println("Writing image to flash...")
	if err := e.LoadElfToFlash(img); err != nil {
		return err
	}
	color.Green("Flash complete, device rebooted")
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if portFlag != "" {
		result, err := detect.ProbePort(ctx, portFlag, baudFlag)
		if err != nil {
			return fmt.Errorf("failed to detect device on %s: %w", portFlag, err)
		}
		printDeviceInfo(result)
		return nil
	}

	fmt.Println("Scanning for devices...")
	results, err := detect.ProbeAll(ctx, baudFlag)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("No devices found")
		return nil
	}

	fmt.Printf("Found %d device(s):\n\n", len(results))
	for i, r := range results {
		fmt.Printf("Device %d:\n", i+1)
		printDeviceInfo(&r)
		fmt.Println()
	}
	return nil
}

func printDeviceInfo(r *detect.Result) {
	fmt.Printf("  Port:       %s\n", r.Port)
	fmt.Printf("  Chip:       %s\n", r.Chip)
	fmt.Printf("  Flash size: %s\n", r.FlashSize)
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		fmt.Printf("  %s\n", p)
	}
	return nil
}

// newProgressBar returns the full redrawing bar when stdout is a
// terminal. Otherwise it returns a plainer bar (no fixed width,
// throttling, count or time prediction) that writes to stderr instead
// of stdout.
func newProgressBar(description string) *progressbar.ProgressBar {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return progressbar.NewOptions(-1,
			progressbar.OptionSetDescription(description),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowBytes(false),
		)
	}
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

func flashErrIs(err error, kind flashererr.Kind) bool {
	fe, ok := err.(*flashererr.Error)
	return ok && fe.Kind == kind
}
