// Package valve abstracts the shut-off actuator. The pipeline only ever
// commands positions through the Actuator interface; production wires a
// PLC client here, tests and the simulator use SimActuator.
package valve

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/hydrowatch/backend/internal/clock"
	"github.com/hydrowatch/backend/internal/core"
)

var errDisabled = errors.New("actuator disabled")

// Actuator commands and reads valve positions by location.
type Actuator interface {
	// SetPosition drives the valve at location to the target position.
	SetPosition(ctx context.Context, location string, position core.ValvePosition) error
	// Position reads the last known position. Unknown locations report
	// core.ValveUnknown.
	Position(location string) core.ValvePosition
}

// ChangeListener observes confirmed position changes.
type ChangeListener func(location string, from, to core.ValvePosition, at time.Time)

// SimActuator is an in-memory actuator with an optional per-command
// latency and scripted failures, for tests and cmd/simulate.
type SimActuator struct {
	clock   clock.Clock
	latency time.Duration

	mu        sync.Mutex
	positions map[string]core.ValvePosition
	failNext  error
	disabled  bool

	listener ChangeListener
	logger   *log.Logger
}

// NewSim creates a simulated actuator. All valves start OPEN on first
// touch.
func NewSim(clk clock.Clock, latency time.Duration) *SimActuator {
	return &SimActuator{
		clock:     clk,
		latency:   latency,
		positions: make(map[string]core.ValvePosition),
		logger:    log.New(log.Writer(), "[Valve] ", log.LstdFlags),
	}
}

// OnChange registers the change listener. Must be called before the
// actuator is shared.
func (a *SimActuator) OnChange(fn ChangeListener) {
	a.listener = fn
}

// FailNext makes the next SetPosition call return err.
func (a *SimActuator) FailNext(err error) {
	a.mu.Lock()
	a.failNext = err
	a.mu.Unlock()
}

// Disable simulates a dead actuator: every position reads UNKNOWN and
// commands fail.
func (a *SimActuator) Disable() {
	a.mu.Lock()
	a.disabled = true
	a.mu.Unlock()
}

func (a *SimActuator) SetPosition(ctx context.Context, location string, position core.ValvePosition) error {
	if a.latency > 0 {
		select {
		case <-time.After(a.latency):
		case <-ctx.Done():
			return &core.ActuatorError{Location: location, Op: "set_position", Err: ctx.Err()}
		}
	}

	a.mu.Lock()
	if a.disabled {
		a.mu.Unlock()
		return &core.ActuatorError{Location: location, Op: "set_position", Err: errDisabled}
	}
	if err := a.failNext; err != nil {
		a.failNext = nil
		a.mu.Unlock()
		return &core.ActuatorError{Location: location, Op: "set_position", Err: err}
	}

	from, ok := a.positions[location]
	if !ok {
		from = core.ValveOpen
	}
	a.positions[location] = position
	listener := a.listener
	at := a.clock.Now()
	a.mu.Unlock()

	if from != position {
		a.logger.Printf("Valve %s: %s -> %s", location, from, position)
		if listener != nil {
			listener(location, from, position, at)
		}
	}
	return nil
}

func (a *SimActuator) Position(location string) core.ValvePosition {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.disabled {
		return core.ValveUnknown
	}
	if pos, ok := a.positions[location]; ok {
		return pos
	}
	// A healthy actuator's valves are open until commanded otherwise.
	return core.ValveOpen
}
