package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadReturnsNilWhenAbsent(t *testing.T) {
	m, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestLoadParsesManifest(t *testing.T) {
	dir := t.TempDir()
	content := "default_machine: machine0\nemulator_runtime: mono\nenv:\n  FOO: bar\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFileName), []byte(content), 0o644))

	m, err := Load(dir)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "machine0", m.DefaultMachine)
	assert.Equal(t, "mono", m.EmulatorRuntime)
	assert.Equal(t, "bar", m.Env["FOO"])
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFileName), []byte("not: [valid"), 0o644))
	_, err := Load(dir)
	require.Error(t, err)
}
