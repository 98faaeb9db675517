// Package agent is the in-child command dispatcher that runs inside the
// emulator agent process, reading NDJSON requests from stdin and writing
// NDJSON responses/events to stdout.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/antmicro/renode-ws-proxy/internal/machinesim"
	"github.com/antmicro/renode-ws-proxy/internal/protocol"
)

// Config mirrors the positional arguments the agent is launched with:
// logging port, GUI flag, monitor-forwarding-disabled flag.
type Config struct {
	LoggingPort          int
	GUIEnabled           bool
	MonitorForwardingOff bool
}

// ParseArgs reads the three positional launch arguments emulatorproc.Spawn
// passes to the agent binary.
func ParseArgs(args []string) (Config, error) {
	if len(args) < 3 {
		return Config{}, fmt.Errorf("agent: expected 3 positional args, got %d", len(args))
	}
	port, err := strconv.Atoi(args[0])
	if err != nil {
		return Config{}, fmt.Errorf("agent: logging port: %w", err)
	}
	gui, err := strconv.ParseBool(args[1])
	if err != nil {
		return Config{}, fmt.Errorf("agent: gui flag: %w", err)
	}
	monitorOff, err := strconv.ParseBool(args[2])
	if err != nil {
		return Config{}, fmt.Errorf("agent: monitor-forwarding flag: %w", err)
	}
	return Config{LoggingPort: port, GUIEnabled: gui, MonitorForwardingOff: monitorOff}, nil
}

// Agent wires a command Registry to a running machinesim.Sim and pumps
// requests from stdin to responses/events on stdout.
type Agent struct {
	log  *logrus.Entry
	sim  *machinesim.Sim
	reg  *Registry
	cfg  Config
	quit chan struct{}
	once sync.Once
}

// New builds an Agent with every supported command registered against sim.
func New(log *logrus.Entry, cfg Config) *Agent {
	sim := machinesim.New(cfg.GUIEnabled)
	a := &Agent{log: log, sim: sim, cfg: cfg, quit: make(chan struct{})}
	a.reg = a.buildRegistry()
	return a
}

func (a *Agent) buildRegistry() *Registry {
	r := NewRegistry()

	r.Register("uarts", func(kw map[string]any) (any, error) {
		machine, err := stringArg(kw, "machine")
		if err != nil {
			return false, err
		}
		return a.sim.Uarts(machine)
	})

	r.Register("machines", func(kw map[string]any) (any, error) {
		return a.sim.Machines(), nil
	})

	r.Register("buttons", func(kw map[string]any) (any, error) {
		machine, err := stringArg(kw, "machine")
		if err != nil {
			return false, err
		}
		return a.sim.Buttons(machine)
	})

	r.Register("leds", func(kw map[string]any) (any, error) {
		machine, err := stringArg(kw, "machine")
		if err != nil {
			return false, err
		}
		return a.sim.Leds(machine)
	})

	r.Register("button_set", func(kw map[string]any) (any, error) {
		machine, err := stringArg(kw, "machine")
		if err != nil {
			return false, err
		}
		peripheral, err := stringArg(kw, "peripheral")
		if err != nil {
			return false, err
		}
		value, err := boolArg(kw, "value")
		if err != nil {
			return false, err
		}
		if err := a.sim.ButtonSet(machine, peripheral, value); err != nil {
			return false, err
		}
		return true, nil
	})

	r.Register("sensors", func(kw map[string]any) (any, error) {
		machine, err := stringArg(kw, "machine")
		if err != nil {
			return false, err
		}
		sensorType, _ := stringArg(kw, "type")
		return a.sim.Sensors(machine, sensorType)
	})

	r.Register("sensor_set", func(kw map[string]any) (any, error) {
		machine, err := stringArg(kw, "machine")
		if err != nil {
			return false, err
		}
		peripheral, err := stringArg(kw, "peripheral")
		if err != nil {
			return false, err
		}
		sensorType, err := stringArg(kw, "type")
		if err != nil {
			return false, err
		}
		value, ok := kw["value"]
		if !ok {
			return false, fmt.Errorf("missing %q argument", "value")
		}
		if err := a.sim.SensorSet(machine, peripheral, sensorType, value); err != nil {
			return false, err
		}
		return true, nil
	})

	r.Register("sensor_get", func(kw map[string]any) (any, error) {
		machine, err := stringArg(kw, "machine")
		if err != nil {
			return false, err
		}
		peripheral, err := stringArg(kw, "peripheral")
		if err != nil {
			return false, err
		}
		sensorType, err := stringArg(kw, "type")
		if err != nil {
			return false, err
		}
		return a.sim.SensorGet(machine, peripheral, sensorType)
	})

	r.Register("quit", func(kw map[string]any) (any, error) {
		a.once.Do(func() { close(a.quit) })
		return "closing", nil
	})

	r.RegisterDefault(func(kw map[string]any) (any, error) {
		cmdStr, _ := kw["cmd"].(string)
		stdout, stderr := a.sim.ExecuteMonitorCommand(cmdStr)
		return [2]string{stdout, stderr}, nil
	})

	return r
}

func stringArg(kw map[string]any, key string) (string, error) {
	v, ok := kw[key]
	if !ok {
		return "", fmt.Errorf("missing %q argument", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%q must be a string", key)
	}
	return s, nil
}

func boolArg(kw map[string]any, key string) (bool, error) {
	v, ok := kw[key]
	if !ok {
		return false, fmt.Errorf("missing %q argument", key)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%q must be a boolean", key)
	}
	return b, nil
}

// Run writes the readiness handshake, then services requests from r until
// quit is issued or r is exhausted, forwarding simulator events to w
// concurrently with responses. It owns w for the process lifetime: callers
// must not write to w themselves.
func (a *Agent) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	var writeMu sync.Mutex
	writeLine := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		b = append(b, '\n')
		_, err = w.Write(b)
		return err
	}

	if err := writeLine(map[string]string{"rsp": "ready"}); err != nil {
		return fmt.Errorf("agent: write readiness handshake: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range a.sim.Events() {
			child := protocol.ChildEvent{Event: ev.Name, Data: ev.Data}
			if err := writeLine(map[string]any{"evt": child}); err != nil {
				a.log.WithError(err).Warn("failed to write event")
				return
			}
		}
	}()

	codec := protocol.NewCodec(r, io.Discard)
	for {
		line, err := codec.ReadLine()
		if err != nil {
			break
		}
		var raw map[string]any
		if jsonErr := json.Unmarshal(line, &raw); jsonErr != nil {
			a.log.WithError(jsonErr).Warn("malformed request from control handler")
			continue
		}
		cmdName, _ := raw["cmd"].(string)

		result, dispatchErr := a.reg.Dispatch(cmdName, raw)
		var resp map[string]any
		if dispatchErr != nil {
			resp = map[string]any{"err": dispatchErr.Error()}
		} else if pair, ok := result.([2]string); ok {
			resp = map[string]any{"out": []string{pair[0], pair[1]}}
		} else {
			resp = map[string]any{"rsp": result}
		}
		if err := writeLine(resp); err != nil {
			return fmt.Errorf("agent: write response: %w", err)
		}

		select {
		case <-a.quit:
			a.sim.Stop()
			wg.Wait()
			return nil
		default:
		}
	}

	a.sim.Stop()
	wg.Wait()
	return nil
}
