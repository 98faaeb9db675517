package machinesim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEmitsUartOpenedInSocketMode(t *testing.T) {
	s := New(false)
	select {
	case ev := <-s.Events():
		assert.Equal(t, "uart-opened", ev.Name)
		assert.Equal(t, "machine0", ev.Data["machineName"])
	default:
		t.Fatal("expected a uart-opened event in socket mode")
	}
}

func TestNewEmitsNoUartEventsInGUIMode(t *testing.T) {
	s := New(true)
	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event in GUI mode: %+v", ev)
	default:
	}
}

func TestButtonSetRejectsRepeatedState(t *testing.T) {
	s := New(true)
	require.NoError(t, s.ButtonSet("machine0", "sysbus.machine0.button0", true))
	err := s.ButtonSet("machine0", "sysbus.machine0.button0", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already")
}

func TestButtonSetUnknownMachineOrPeripheral(t *testing.T) {
	s := New(true)
	require.Error(t, s.ButtonSet("nope", "sysbus.machine0.button0", true))
	require.Error(t, s.ButtonSet("machine0", "sysbus.machine0.button9", true))
}

func TestSensorRoundTripTemperature(t *testing.T) {
	s := New(true)
	require.NoError(t, s.SensorSet("machine0", "sysbus.machine0.sensors0", "temperature", float64(23500)))
	v, err := s.SensorGet("machine0", "sysbus.machine0.sensors0", "temperature")
	require.NoError(t, err)
	assert.Equal(t, int64(23500), v)
}

func TestSensorSetRejectsOutOfRange(t *testing.T) {
	s := New(true)
	err := s.SensorSet("machine0", "sysbus.machine0.sensors0", "humidity", float64(-1))
	require.Error(t, err)
}

func TestSensorMagneticFluxDensityRoundTrip(t *testing.T) {
	s := New(true)
	in := map[string]any{"x": float64(1), "y": float64(-2), "z": float64(3)}
	require.NoError(t, s.SensorSet("machine0", "sysbus.machine0.sensors0", "magnetic-flux-density", in))
	v, err := s.SensorGet("machine0", "sysbus.machine0.sensors0", "magnetic-flux-density")
	require.NoError(t, err)
	vec, ok := v.(Vector3)
	require.True(t, ok)
	assert.Equal(t, int64(1), vec.X)
	assert.Equal(t, int64(-2), vec.Y)
	assert.Equal(t, int64(3), vec.Z)
}

func TestSensorsFilterByType(t *testing.T) {
	s := New(true)
	list, err := s.Sensors("machine0", "voltage")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Contains(t, list[0].Types, "voltage")

	_, err = s.Sensors("machine0", "not-a-type")
	require.Error(t, err)
}

func TestUartsButtonsLeds(t *testing.T) {
	s := New(true)
	uarts, err := s.Uarts("machine0")
	require.NoError(t, err)
	assert.Contains(t, uarts, "sysbus.machine0.uart0")

	buttons, err := s.Buttons("machine0")
	require.NoError(t, err)
	assert.Equal(t, []string{"sysbus.machine0.button0"}, buttons)

	leds, err := s.Leds("machine0")
	require.NoError(t, err)
	assert.Equal(t, []string{"sysbus.machine0.led0"}, leds)
}

func TestStopEmitsRenodeQuittedAndClosesChannel(t *testing.T) {
	s := New(true)
	s.Stop()
	ev, ok := <-s.Events()
	require.True(t, ok)
	assert.Equal(t, "renode-quitted", ev.Name)
	_, ok = <-s.Events()
	assert.False(t, ok)
}
