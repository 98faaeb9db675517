// Package workspace reads the optional per-sandbox-root manifest file: a
// small YAML document letting a workspace pin its own emulator runtime
// without the client repeating it on every spawn. default_machine and env
// are decoded as well; the server consults only emulator_runtime.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"
)

// ManifestFileName is the file looked up at the sandbox root.
const ManifestFileName = ".renode-workspace.yaml"

// Manifest is the decoded contents of .renode-workspace.yaml.
type Manifest struct {
	DefaultMachine  string            `yaml:"default_machine"`
	EmulatorRuntime string            `yaml:"emulator_runtime"`
	Env             map[string]string `yaml:"env"`
}

// Load reads and parses the manifest at rootDir, returning (nil, nil) if no
// manifest file is present — the feature is opt-in per workspace.
func Load(rootDir string) (*Manifest, error) {
	path := filepath.Join(rootDir, ManifestFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("workspace: read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("workspace: parse manifest %q: %w", path, err)
	}
	return &m, nil
}
