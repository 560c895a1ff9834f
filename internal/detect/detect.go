// Package detect scans serial ports for an attached ROM bootloader,
// reusing the engine's own handshake rather than a separate probe
// protocol.
package detect

import (
	"context"
	"fmt"

	"github.com/embedflash/espflash/internal/chip"
	"github.com/embedflash/espflash/internal/engine"
	"github.com/embedflash/espflash/internal/serial"
	"github.com/embedflash/espflash/internal/transport"
)

// Result describes one device found attached to a serial port.
type Result struct {
	Port      string
	Chip      chip.Chip
	FlashSize chip.FlashSize
}

// Device opens portName, connects to its bootloader, and returns the
// engine left ready on it. Callers that only need identification
// should Close() the returned engine's connection when done.
func Device(ctx context.Context, portName string, baudRate int) (*engine.Engine, error) {
	conn, err := transport.Open(portName, baudRate, nil)
	if err != nil {
		return nil, err
	}
	e, err := engine.Connect(ctx, conn, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return e, nil
}

// Probe tries every known serial port in turn and returns the first
// one with a bootloader that answers.
func Probe(ctx context.Context, baudRate int) (*Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("detect: failed to list ports: %w", err)
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("detect: no serial ports found")
	}

	var lastErr error
	for _, portName := range ports {
		result, err := tryPort(ctx, portName, baudRate)
		if err != nil {
			lastErr = err
			continue
		}
		return result, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("detect: no device found (last error: %w)", lastErr)
	}
	return nil, fmt.Errorf("detect: no device found")
}

// ProbePort tries exactly one named port.
func ProbePort(ctx context.Context, portName string, baudRate int) (*Result, error) {
	return tryPort(ctx, portName, baudRate)
}

// ProbeAll scans every known port and returns every one that answers,
// instead of stopping at the first.
func ProbeAll(ctx context.Context, baudRate int) ([]Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("detect: failed to list ports: %w", err)
	}

	var results []Result
	for _, portName := range ports {
		result, err := tryPort(ctx, portName, baudRate)
		if err == nil {
			results = append(results, *result)
		}
	}
	return results, nil
}

func tryPort(ctx context.Context, portName string, baudRate int) (*Result, error) {
	e, err := Device(ctx, portName, baudRate)
	if err != nil {
		return nil, err
	}
	defer e.Close()

	return &Result{Port: portName, Chip: e.Chip(), FlashSize: e.FlashSize()}, nil
}
