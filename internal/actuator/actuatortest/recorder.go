// Package actuatortest provides in-memory actuator collaborators for tests.
package actuatortest

import (
	"context"
	"fmt"
	"sync"

	"github.com/EdWata/nao-car/internal/actuator"
)

// Recorder implements actuator.Drive and actuator.Voice and hands out an
// actuator.AutoDriver view of itself. Every call is recorded as a string
// such as "drive.begin" or "voice.say(auto driving)". Failures can be
// injected per call name.
type Recorder struct {
	mu       sync.Mutex
	calls    []string
	failures map[string]error
	running  bool
}

// NewRecorder returns an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{failures: make(map[string]error)}
}

// FailOn makes every call named name return err. A nil err clears it.
func (r *Recorder) FailOn(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failures, name)
		return
	}
	r.failures[name] = err
}

// Calls returns a copy of the recorded calls
func (r *Recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

// Reset forgets recorded calls
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// SetRunning forces the autonomous driver state
func (r *Recorder) SetRunning(running bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = running
}

func (r *Recorder) record(name, call string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
	return r.failures[name]
}

func (r *Recorder) op(name string) error {
	return r.record(name, name)
}

// DriveFactory returns a factory handing out the recorder, or err if set
func (r *Recorder) DriveFactory(err error) actuator.DriveFactory {
	return func(context.Context) (actuator.Drive, error) {
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

// AutoDriverFactory returns a factory handing out AutoDriver(), or err if set
func (r *Recorder) AutoDriverFactory(err error) actuator.AutoDriverFactory {
	return func(context.Context) (actuator.AutoDriver, error) {
		if err != nil {
			return nil, err
		}
		return r.AutoDriver(), nil
	}
}

func (r *Recorder) Begin(context.Context) error        { return r.op("drive.begin") }
func (r *Recorder) End(context.Context) error          { return r.op("drive.end") }
func (r *Recorder) GoFrontwards(context.Context) error { return r.op("drive.go_frontwards") }
func (r *Recorder) GoBackwards(context.Context) error  { return r.op("drive.go_backwards") }
func (r *Recorder) TurnLeft(context.Context) error     { return r.op("drive.turn_left") }
func (r *Recorder) TurnRight(context.Context) error    { return r.op("drive.turn_right") }
func (r *Recorder) TurnFront(context.Context) error    { return r.op("drive.turn_front") }
func (r *Recorder) Stop(context.Context) error         { return r.op("drive.stop") }
func (r *Recorder) SteeringWheelAction(context.Context) error {
	return r.op("drive.steering_wheel_action")
}
func (r *Recorder) FunAction(context.Context) error      { return r.op("drive.fun_action") }
func (r *Recorder) CarambarAction(context.Context) error { return r.op("drive.carambar_action") }
func (r *Recorder) UpShift(context.Context) error        { return r.op("drive.upshift") }
func (r *Recorder) DownShift(context.Context) error      { return r.op("drive.downshift") }
func (r *Recorder) PushPedal(context.Context) error      { return r.op("drive.push_pedal") }
func (r *Recorder) ReleasePedal(context.Context) error   { return r.op("drive.release_pedal") }

func (r *Recorder) SetHead(_ context.Context, yaw, pitch, maxSpeed float64) error {
	return r.record("drive.set_head", fmt.Sprintf("drive.set_head(%g,%g,%g)", yaw, pitch, maxSpeed))
}

func (r *Recorder) Say(_ context.Context, text, _ string) error {
	return r.record("voice.say", fmt.Sprintf("voice.say(%s)", text))
}

// AutoDriver returns a view of the recorder implementing actuator.AutoDriver.
// Its calls are recorded with an "autodrive." prefix.
func (r *Recorder) AutoDriver() actuator.AutoDriver {
	return autoDriver{r}
}

type autoDriver struct{ r *Recorder }

func (a autoDriver) Start(_ context.Context, mode actuator.Mode) error {
	err := a.r.record("autodrive.start", fmt.Sprintf("autodrive.start(%s)", mode))
	if err == nil {
		a.r.SetRunning(true)
	}
	return err
}

func (a autoDriver) Stop(context.Context) error {
	err := a.r.op("autodrive.stop")
	if err == nil {
		a.r.SetRunning(false)
	}
	return err
}

func (a autoDriver) IsRunning(context.Context) (bool, error) {
	a.r.mu.Lock()
	defer a.r.mu.Unlock()
	return a.r.running, a.r.failures["autodrive.status"]
}

func (a autoDriver) Calibrate(context.Context) error {
	return a.r.op("autodrive.calibrate")
}
