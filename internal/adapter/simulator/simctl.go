// Package simulator drives iOS simulators through xcrun simctl.
package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"flutter-sim-mcp/internal/domain"
)

// DefaultTimeout bounds a single simctl invocation.
const DefaultTimeout = 2 * time.Minute

// devicePrefix names every device this server creates, so stray devices
// left by a crash are easy to spot in `simctl list`.
const devicePrefix = "flutter-mcp"

// CommandRunner runs a one-shot command. flutter.Runner satisfies it.
type CommandRunner interface {
	Run(ctx context.Context, dir string, timeout time.Duration, name string, args ...string) (*domain.CommandResult, error)
}

// Config configures SimCtl.
type Config struct {
	Xcrun   string        // defaults to "xcrun"
	Runtime string        // optional runtime identifier passed to create
	Timeout time.Duration // per-command timeout
}

// SimCtl implements domain.Simulator over `xcrun simctl`.
type SimCtl struct {
	runner  CommandRunner
	xcrun   string
	runtime string
	timeout time.Duration
	logger  *slog.Logger
}

// NewSimCtl creates a SimCtl.
func NewSimCtl(runner CommandRunner, cfg Config, logger *slog.Logger) *SimCtl {
	xcrun := cfg.Xcrun
	if xcrun == "" {
		xcrun = "xcrun"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &SimCtl{runner: runner, xcrun: xcrun, runtime: cfg.Runtime, timeout: timeout, logger: logger}
}

// Create creates a device of deviceType and returns its UDID.
func (s *SimCtl) Create(ctx context.Context, deviceType string) (string, error) {
	if strings.TrimSpace(deviceType) == "" {
		return "", fmt.Errorf("device type is required")
	}
	name := devicePrefix + "-" + strings.ToLower(ulid.Make().String())
	args := []string{"create", name, deviceType}
	if s.runtime != "" {
		args = append(args, s.runtime)
	}
	out, err := s.simctl(ctx, args...)
	if err != nil {
		return "", err
	}
	udid := strings.TrimSpace(out)
	if udid == "" {
		return "", fmt.Errorf("simctl create returned no device id")
	}
	s.logger.Debug("simulator created", "simulator_id", udid, "name", name, "device_type", deviceType)
	return udid, nil
}

// Boot boots a device. A device that is already booted is not an error.
func (s *SimCtl) Boot(ctx context.Context, id string) error {
	_, err := s.simctl(ctx, "boot", id)
	if err != nil && isState(err, "Booted") {
		return nil
	}
	return err
}

// Shutdown shuts a device down. A device that is already shut down is not an error.
func (s *SimCtl) Shutdown(ctx context.Context, id string) error {
	_, err := s.simctl(ctx, "shutdown", id)
	if err != nil && isState(err, "Shutdown") {
		s.logger.Debug("simulator already shut down", "simulator_id", id)
		return nil
	}
	return err
}

// Delete deletes a device.
func (s *SimCtl) Delete(ctx context.Context, id string) error {
	_, err := s.simctl(ctx, "delete", id)
	return err
}

type deviceTypeList struct {
	DeviceTypes []struct {
		Name       string `json:"name"`
		Identifier string `json:"identifier"`
	} `json:"devicetypes"`
}

// ListDeviceTypes returns the device types simctl knows about.
func (s *SimCtl) ListDeviceTypes(ctx context.Context) ([]domain.DeviceType, error) {
	out, err := s.simctl(ctx, "list", "devicetypes", "-j")
	if err != nil {
		return nil, err
	}
	var list deviceTypeList
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		return nil, fmt.Errorf("parse simctl device types: %w", err)
	}
	types := make([]domain.DeviceType, 0, len(list.DeviceTypes))
	for _, dt := range list.DeviceTypes {
		types = append(types, domain.DeviceType{Name: dt.Name, Identifier: dt.Identifier})
	}
	return types, nil
}

// stateError is a simctl failure; stderr carries simctl's own message.
type stateError struct {
	args   []string
	code   int
	stderr string
}

func (e *stateError) Error() string {
	msg := strings.TrimSpace(e.stderr)
	if msg == "" {
		msg = "no output"
	}
	return fmt.Sprintf("simctl %s exited %d: %s", strings.Join(e.args, " "), e.code, msg)
}

// isState reports whether err is simctl refusing because the device is
// already in state ("Unable to shutdown device in current state: Shutdown").
func isState(err error, state string) bool {
	var se *stateError
	return errors.As(err, &se) && strings.Contains(se.stderr, "current state: "+state)
}

func (s *SimCtl) simctl(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"simctl"}, args...)
	res, err := s.runner.Run(ctx, "", s.timeout, s.xcrun, full...)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", &stateError{args: args, code: res.ExitCode, stderr: res.Stderr}
	}
	return res.Stdout, nil
}

var _ domain.Simulator = (*SimCtl)(nil)
