package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveRequiresPositionalArgs(t *testing.T) {
	_, err := Resolve(Flags{})
	require.Error(t, err)

	_, err = Resolve(Flags{EmulatorBinary: "/bin/renode"})
	require.Error(t, err)
}

func TestResolveDefaultsPort(t *testing.T) {
	cfg, err := Resolve(Flags{EmulatorBinary: "/bin/renode", WorkspaceDir: "/tmp/ws"})
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, cfg.Port)
}

func TestResolvePortFlagOverridesDefault(t *testing.T) {
	cfg, err := Resolve(Flags{EmulatorBinary: "/bin/renode", WorkspaceDir: "/tmp/ws", Port: 9000, PortSet: true})
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
}

func TestResolveEnvFallbackForGUIDisabled(t *testing.T) {
	t.Setenv("RENODE_PROXY_GUI_DISABLED", "YES")
	cfg, err := Resolve(Flags{EmulatorBinary: "/bin/renode", WorkspaceDir: "/tmp/ws"})
	require.NoError(t, err)
	assert.True(t, cfg.GUIDisabled)
}

func TestResolveFlagOverridesEnvForGUIDisabled(t *testing.T) {
	t.Setenv("RENODE_PROXY_GUI_DISABLED", "true")
	cfg, err := Resolve(Flags{
		EmulatorBinary: "/bin/renode", WorkspaceDir: "/tmp/ws",
		DisableGUI: false, DisableGUISet: true,
	})
	require.NoError(t, err)
	assert.False(t, cfg.GUIDisabled)
}

func TestResolveGDBExplicitEmptyTriggersAutoDetect(t *testing.T) {
	cfg, err := Resolve(Flags{EmulatorBinary: "/bin/renode", WorkspaceDir: "/tmp/ws", GDBSet: true, GDB: ""})
	require.NoError(t, err)
	assert.True(t, cfg.GDBRequestedAuto)
	// GDBPath may be "" on a machine with neither gdb-multiarch nor gdb
	// installed; callers reject /run connections in that case rather than
	// failing startup.
}

func TestResolveGDBExplicitPathSkipsAutoDetect(t *testing.T) {
	cfg, err := Resolve(Flags{EmulatorBinary: "/bin/renode", WorkspaceDir: "/tmp/ws", GDBSet: true, GDB: "/usr/bin/gdb"})
	require.NoError(t, err)
	assert.False(t, cfg.GDBRequestedAuto)
	assert.Equal(t, "/usr/bin/gdb", cfg.GDBPath)
}

func TestTruthy(t *testing.T) {
	for _, v := range []string{"1", "true", "TRUE", "yes", "Yes"} {
		assert.True(t, truthy(v), v)
	}
	for _, v := range []string{"0", "false", "no", ""} {
		assert.False(t, truthy(v), v)
	}
}
