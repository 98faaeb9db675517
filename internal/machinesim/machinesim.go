// Package machinesim is a deterministic stand-in for the emulator's own
// machine/peripheral model. The real bindings are an external collaborator;
// this package gives the Emulator Agent (internal/agent) something concrete
// to drive so its command registry, event contract, and wire semantics are
// fully exercised without requiring the real emulator binary.
package machinesim

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// SensorType enumerates the sensor kinds the agent's sensor-set/sensor-get
// commands accept, each with its own unit and range.
type SensorType string

const (
	SensorTemperature         SensorType = "temperature"
	SensorHumidity            SensorType = "humidity"
	SensorVoltage             SensorType = "voltage"
	SensorMagneticFluxDensity SensorType = "magnetic-flux-density"
)

var allSensorTypes = []SensorType{SensorTemperature, SensorHumidity, SensorVoltage, SensorMagneticFluxDensity}

// Vector3 is the {x,y,z} shape used by magnetic-flux-density readings.
type Vector3 struct {
	X int64 `json:"x"`
	Y int64 `json:"y"`
	Z int64 `json:"z"`
}

type peripheral struct {
	path string
}

type sensor struct {
	path   string
	types  map[SensorType]struct{}
	scalar map[SensorType]int64
	vector map[SensorType]Vector3
}

// Machine is a named virtual device tree rooted at sysbus, per the glossary.
type Machine struct {
	name    string
	uarts   []peripheral
	buttons map[string]bool // path -> pressed
	leds    map[string]bool // path -> lit
	sensors map[string]*sensor
	order   []string // button/led insertion order, for stable listings
}

// Sim owns the simulated machines for one emulator lifetime and the
// analyzer/UART event strategy: console window vs socket-backed.
type Sim struct {
	mu       sync.Mutex
	machines map[string]*Machine
	guiMode  bool
	events   chan Event
	nextPort int
	stopped  bool
}

// Event mirrors the agent's asynchronous event contract: uart-opened and
// renode-quitted, each carrying its own data fields.
type Event struct {
	Name string
	Data map[string]any
}

// New creates a simulator seeded with one default machine ("machine0"),
// matching the emulator's behavior of having a machine ready after a basic
// platform script runs. guiMode selects the analyzer strategy: console
// window (no uart-opened events) vs socket-backed (one event per UART).
func New(guiMode bool) *Sim {
	s := &Sim{
		machines: make(map[string]*Machine),
		guiMode:  guiMode,
		events:   make(chan Event, 64),
		nextPort: 29200,
	}
	s.addMachine("machine0")
	return s
}

// Events returns the channel the Emulator Agent should forward as protocol
// events. It is closed when the simulator is stopped.
func (s *Sim) Events() <-chan Event { return s.events }

// Stop emits renode-quitted and closes the event channel. Idempotent.
func (s *Sim) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	select {
	case s.events <- Event{Name: "renode-quitted", Data: map[string]any{}}:
	default:
	}
	close(s.events)
}

func (s *Sim) addMachine(name string) *Machine {
	m := &Machine{
		name:    name,
		buttons: make(map[string]bool),
		leds:    make(map[string]bool),
		sensors: make(map[string]*sensor),
	}
	uartPath := fmt.Sprintf("sysbus.%s.uart0", name)
	m.uarts = append(m.uarts, peripheral{path: uartPath})
	m.buttons[fmt.Sprintf("sysbus.%s.button0", name)] = false
	m.order = append(m.order, fmt.Sprintf("sysbus.%s.button0", name))
	m.leds[fmt.Sprintf("sysbus.%s.led0", name)] = false
	m.order = append(m.order, fmt.Sprintf("sysbus.%s.led0", name))

	sn := &sensor{
		path:   fmt.Sprintf("sysbus.%s.sensors0", name),
		types:  map[SensorType]struct{}{},
		scalar: map[SensorType]int64{},
		vector: map[SensorType]Vector3{},
	}
	for _, t := range allSensorTypes {
		sn.types[t] = struct{}{}
	}
	m.sensors[sn.path] = sn

	s.machines[name] = m

	if !s.guiMode {
		port := s.nextPort
		s.nextPort++
		s.events <- Event{
			Name: "uart-opened",
			Data: map[string]any{"port": port, "name": uartPath, "machineName": name},
		}
	}
	return m
}

// Machines lists the simulated machine names.
func (s *Sim) Machines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.machines))
	for n := range s.machines {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *Sim) machine(name string) (*Machine, error) {
	m, ok := s.machines[name]
	if !ok {
		return nil, fmt.Errorf("unknown machine %q", name)
	}
	return m, nil
}

// Uarts returns the dotted paths of peripherals implementing the UART
// interface on machine.
func (s *Sim) Uarts(machine string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.machine(machine)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m.uarts))
	for _, u := range m.uarts {
		out = append(out, u.path)
	}
	return out, nil
}

// Buttons returns the dotted paths of button peripherals on machine.
func (s *Sim) Buttons(machine string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.machine(machine)
	if err != nil {
		return nil, err
	}
	return pathsInOrder(m.order, m.buttons), nil
}

// Leds returns the dotted paths of LED peripherals on machine.
func (s *Sim) Leds(machine string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.machine(machine)
	if err != nil {
		return nil, err
	}
	return pathsInOrder(m.order, m.leds), nil
}

func pathsInOrder[V any](order []string, set map[string]V) []string {
	out := make([]string, 0, len(set))
	for _, p := range order {
		if _, ok := set[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// ButtonSet presses or releases a button, erroring if it is already in the
// requested state.
func (s *Sim) ButtonSet(machine, peripheralPath string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.machine(machine)
	if err != nil {
		return err
	}
	cur, ok := m.buttons[peripheralPath]
	if !ok {
		return fmt.Errorf("unknown button peripheral %q", peripheralPath)
	}
	if cur == value {
		state := "pressed"
		if !value {
			state = "released"
		}
		return fmt.Errorf("button %q is already %s", peripheralPath, state)
	}
	m.buttons[peripheralPath] = value
	return nil
}

// SensorInfo describes one sensor peripheral's supported kinds.
type SensorInfo struct {
	Name  string   `json:"name"`
	Types []string `json:"types"`
}

// Sensors lists sensor peripherals on machine, optionally filtered by type.
func (s *Sim) Sensors(machine, sensorType string) ([]SensorInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.machine(machine)
	if err != nil {
		return nil, err
	}
	var filter SensorType
	if sensorType != "" {
		filter = SensorType(sensorType)
		if !validSensorType(filter) {
			return nil, fmt.Errorf("unknown sensor type %q", sensorType)
		}
	}
	paths := make([]string, 0, len(m.sensors))
	for p := range m.sensors {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	out := make([]SensorInfo, 0, len(paths))
	for _, p := range paths {
		sn := m.sensors[p]
		if filter != "" {
			if _, ok := sn.types[filter]; !ok {
				continue
			}
		}
		info := SensorInfo{Name: p}
		for _, t := range allSensorTypes {
			if _, ok := sn.types[t]; ok {
				info.Types = append(info.Types, string(t))
			}
		}
		out = append(out, info)
	}
	return out, nil
}

func validSensorType(t SensorType) bool {
	for _, v := range allSensorTypes {
		if v == t {
			return true
		}
	}
	return false
}

func (s *Sim) findSensor(machine, peripheralPath string) (*sensor, error) {
	m, err := s.machine(machine)
	if err != nil {
		return nil, err
	}
	sn, ok := m.sensors[peripheralPath]
	if !ok {
		return nil, fmt.Errorf("unknown sensor peripheral %q", peripheralPath)
	}
	return sn, nil
}

// SensorSet applies the type-specific range and unit rules for sensorType.
func (s *Sim) SensorSet(machine, peripheralPath, sensorType string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sn, err := s.findSensor(machine, peripheralPath)
	if err != nil {
		return err
	}
	t := SensorType(sensorType)
	if _, ok := sn.types[t]; !ok {
		return fmt.Errorf("unknown sensor type %q", sensorType)
	}

	switch t {
	case SensorTemperature:
		v, err := asInt64InRange(value, math.MinInt32, math.MaxInt32)
		if err != nil {
			return fmt.Errorf("temperature: %w", err)
		}
		sn.scalar[t] = v
	case SensorHumidity:
		v, err := asInt64InRange(value, 0, math.MaxUint32)
		if err != nil {
			return fmt.Errorf("humidity: %w", err)
		}
		sn.scalar[t] = v
	case SensorVoltage:
		v, err := asInt64InRange(value, 0, math.MaxUint32)
		if err != nil {
			return fmt.Errorf("voltage: %w", err)
		}
		sn.scalar[t] = v
	case SensorMagneticFluxDensity:
		vec, err := asVector3(value)
		if err != nil {
			return fmt.Errorf("magnetic-flux-density: %w", err)
		}
		sn.vector[t] = vec
	default:
		return fmt.Errorf("unknown sensor type %q", sensorType)
	}
	return nil
}

// SensorGet is the inverse of SensorSet, returning the last-set value in the
// same units.
func (s *Sim) SensorGet(machine, peripheralPath, sensorType string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sn, err := s.findSensor(machine, peripheralPath)
	if err != nil {
		return nil, err
	}
	t := SensorType(sensorType)
	if _, ok := sn.types[t]; !ok {
		return nil, fmt.Errorf("unknown sensor type %q", sensorType)
	}
	if t == SensorMagneticFluxDensity {
		return sn.vector[t], nil
	}
	return sn.scalar[t], nil
}

func asInt64InRange(value any, min, max int64) (int64, error) {
	var v int64
	switch n := value.(type) {
	case float64:
		v = int64(n)
	case int64:
		v = n
	case int:
		v = int64(n)
	default:
		return 0, fmt.Errorf("expected a number, got %T", value)
	}
	if v < min || v > max {
		return 0, fmt.Errorf("value %d out of range [%d, %d]", v, min, max)
	}
	return v, nil
}

func asVector3(value any) (Vector3, error) {
	m, ok := value.(map[string]any)
	if !ok {
		return Vector3{}, fmt.Errorf("expected an {x,y,z} object, got %T", value)
	}
	var out Vector3
	for _, axis := range []struct {
		key string
		dst *int64
	}{{"x", &out.X}, {"y", &out.Y}, {"z", &out.Z}} {
		raw, ok := m[axis.key]
		if !ok {
			return Vector3{}, fmt.Errorf("missing %q component", axis.key)
		}
		v, err := asInt64InRange(raw, math.MinInt32, math.MaxInt32)
		if err != nil {
			return Vector3{}, fmt.Errorf("%s: %w", axis.key, err)
		}
		*axis.dst = v
	}
	return out, nil
}

// ExecuteMonitorCommand is the default command fallthrough: the simulated
// monitor accepts any command string and echoes it back as stdout, matching
// the {"out":[stdout,stderr]} shape expected by the agent's default handler.
func (s *Sim) ExecuteMonitorCommand(cmd string) (stdout, stderr string) {
	if cmd == "" {
		return "", "empty command"
	}
	return fmt.Sprintf("(machine0) %s", cmd), ""
}
