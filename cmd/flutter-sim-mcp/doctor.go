package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"flutter-sim-mcp/internal/infra/config"
	"flutter-sim-mcp/internal/security"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// lookPath is swapped in tests.
var lookPath = exec.LookPath

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the toolchain and configuration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runDoctor(cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

// runDoctor executes all health checks and reports results.
func runDoctor(w io.Writer) error {
	cfgPath := configPath()

	// Some checks work without a config.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Allowed root", Fn: checkAllowedRoot},
		{Name: "Flutter", Fn: checkFlutter},
		{Name: "Simulator tools", Fn: checkSimctl},
		{Name: "Session scripts", Fn: checkScripts},
		{Name: "HTTP exposure", Fn: checkHTTPExposure},
	}

	fmt.Fprintln(w, "flutter-sim-mcp doctor")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintln(w)

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile reports whether the config file exists and loads.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Fix the reported fields in " + cfgPath,
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
				Fix:     "Create " + cfgPath + " or pass --config",
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkAllowedRoot verifies project paths have a usable sandbox.
func checkAllowedRoot(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusWarn, Message: "cannot check, config not loaded"}
	}
	root := cfg.Sessions.AllowedRoot
	if root == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "sessions.allowed_root not set, serve will use the working directory",
			Fix:     "Set sessions.allowed_root to the directory holding your Flutter projects",
		}
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("allowed root %s is not a directory", root),
			Fix:     "Point sessions.allowed_root at an existing directory",
		}
	}
	if _, err := security.NewSandbox(root, cfg.Sessions.BasePath, cfg.Flutter.Manifest); err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	return CheckResult{Status: StatusPass, Message: "projects restricted to " + root}
}

// checkFlutter verifies the flutter binary is resolvable.
func checkFlutter(cfg *config.Config) CheckResult {
	bin := "flutter"
	if cfg != nil && cfg.Flutter.Binary != "" {
		bin = cfg.Flutter.Binary
	}
	path, err := lookPath(bin)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s not found", bin),
			Fix:     "Install Flutter or set flutter.binary",
		}
	}
	return CheckResult{Status: StatusPass, Message: "found " + path}
}

// checkSimctl verifies xcrun can reach simctl.
func checkSimctl(cfg *config.Config) CheckResult {
	xcrun := "xcrun"
	if cfg != nil && cfg.Simulator.Xcrun != "" {
		xcrun = cfg.Simulator.Xcrun
	}
	path, err := lookPath(xcrun)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s not found; iOS simulators need Xcode on macOS", xcrun),
			Fix:     "Install Xcode and run 'xcode-select --install'",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if out, err := exec.CommandContext(ctx, path, "simctl", "help").CombinedOutput(); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("simctl unavailable: %s", strings.TrimSpace(firstLine(string(out)))),
			Fix:     "Accept the Xcode license with 'sudo xcodebuild -license accept'",
		}
	}
	return CheckResult{Status: StatusPass, Message: "simctl available via " + path}
}

// checkScripts verifies configured session scripts exist and are executable.
func checkScripts(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusWarn, Message: "cannot check, config not loaded"}
	}
	var problems []string
	for name, script := range map[string]string{"pre_script": cfg.Sessions.PreScript, "post_script": cfg.Sessions.PostScript} {
		if script == "" {
			continue
		}
		info, err := os.Stat(script)
		switch {
		case err != nil:
			problems = append(problems, fmt.Sprintf("%s %s not found", name, script))
		case info.Mode()&0o111 == 0:
			problems = append(problems, fmt.Sprintf("%s %s is not executable", name, script))
		}
	}
	if len(problems) > 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: strings.Join(problems, "; "),
			Fix:     "chmod +x the script or fix its path",
		}
	}
	return CheckResult{Status: StatusPass, Message: "session scripts ok"}
}

// checkHTTPExposure warns when the HTTP transport listens beyond loopback
// without a token.
func checkHTTPExposure(cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Server.Transport != "http" {
		return CheckResult{Status: StatusPass, Message: "stdio transport"}
	}
	host, _, err := net.SplitHostPort(cfg.Server.Addr)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("invalid server.addr: %v", err)}
	}
	ip := net.ParseIP(host)
	loopback := host == "localhost" || (ip != nil && ip.IsLoopback())
	if !loopback && cfg.Server.AuthToken == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("listening on %s without an auth token", cfg.Server.Addr),
			Fix:     "Set server.auth_token or bind to 127.0.0.1",
		}
	}
	return CheckResult{Status: StatusPass, Message: "http listening on " + cfg.Server.Addr}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
