// Package config resolves the server's CLI flags and environment variables
// into a single typed Config, with flag > env > default precedence.
package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const DefaultPort = 21234

var gdbCandidates = []string{"gdb-multiarch", "gdb"}

// Config is the fully-resolved server configuration for one run of
// cmd/renode-ws-proxy.
type Config struct {
	EmulatorBinary string // positional arg 1
	WorkspaceDir   string // positional arg 2

	GDBPath          string // resolved path, or "" if unavailable
	GDBRequestedAuto bool   // -g with no value: auto-detect
	GDBExplicitlySet bool   // -g/--gdb was passed at all

	Port int

	GUIDisabled               bool
	MonitorForwardingDisabled bool

	EmulatorRuntime string // PYRENODE_RUNTIME
	AgentBinary     string // resolved path to the renode-instance agent binary
}

// Flags mirrors exactly what cmd/renode-ws-proxy's cobra flags parse to,
// before environment fallback and GDB auto-detection are applied.
type Flags struct {
	EmulatorBinary    string
	WorkspaceDir      string
	GDB               string // "" if --gdb not passed; "auto" sentinel if passed with no value
	GDBSet            bool
	Port              int
	PortSet           bool
	DisableGUI        bool
	DisableGUISet     bool
	DisableMonitor    bool
	DisableMonitorSet bool
}

// Resolve applies flag > env > default precedence and GDB auto-detection.
func Resolve(f Flags) (*Config, error) {
	if f.EmulatorBinary == "" {
		return nil, fmt.Errorf("config: missing required argument <emulator_binary>")
	}
	if f.WorkspaceDir == "" {
		return nil, fmt.Errorf("config: missing required argument <workspace_dir>")
	}

	cfg := &Config{
		EmulatorBinary:  f.EmulatorBinary,
		WorkspaceDir:    f.WorkspaceDir,
		Port:            DefaultPort,
		EmulatorRuntime: os.Getenv("PYRENODE_RUNTIME"),
	}

	if f.PortSet {
		cfg.Port = f.Port
	}

	cfg.GUIDisabled = resolveBool(f.DisableGUISet, f.DisableGUI, "RENODE_PROXY_GUI_DISABLED")
	cfg.MonitorForwardingDisabled = resolveBool(f.DisableMonitorSet, f.DisableMonitor, "RENODE_PROXY_MONITOR_FORWARDING_DISABLED")

	if env := os.Getenv("PYRENODE_BIN"); env != "" && f.EmulatorBinary == "" {
		cfg.EmulatorBinary = env
	}

	cfg.GDBExplicitlySet = f.GDBSet
	if f.GDBSet {
		if f.GDB == "" || f.GDB == "auto" {
			cfg.GDBRequestedAuto = true
			cfg.GDBPath = detectGDB()
		} else {
			cfg.GDBPath = f.GDB
		}
	}

	cfg.AgentBinary = resolveAgentBinary()

	return cfg, nil
}

// resolveAgentBinary finds the renode-instance agent binary alongside this
// executable first (the usual deployment layout), falling back to PATH.
func resolveAgentBinary() string {
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), "renode-instance")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	if path, err := exec.LookPath("renode-instance"); err == nil {
		return path
	}
	return "renode-instance"
}

// resolveBool applies flag > env > false precedence for the two boolean
// toggles that also accept environment overrides.
func resolveBool(flagSet bool, flagVal bool, envVar string) bool {
	if flagSet {
		return flagVal
	}
	return truthy(os.Getenv(envVar))
}

// truthy implements the "1|true|yes" (case-insensitive) env convention.
func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

// detectGDB searches PATH for the candidates in priority order, returning
// "" if none are found — callers must then reject /run connections that
// depend on a debugger.
func detectGDB() string {
	for _, candidate := range gdbCandidates {
		if path, err := exec.LookPath(candidate); err == nil {
			return path
		}
	}
	return ""
}
