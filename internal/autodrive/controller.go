package autodrive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/EdWata/nao-car/internal/actuator"
)

// Spoken feedback
const (
	msgCannotDrive    = "I cannot drive by myself !"
	msgSafeDriving    = "safe driving enabled"
	msgAutoDriving    = "auto driving"
	msgDrivingStopped = "auto driving stopped"
	msgCalibration    = "Calibration"

	// ModeSafe is the request parameter value selecting the safe profile
	ModeSafe = "safe"
)

// State is the autonomy state
type State int32

const (
	StateIdle State = iota
	StateDriving
)

// String returns a human-readable state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDriving:
		return "driving"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Controller toggles the robot between manual and autonomous driving.
// Toggle, Stop and Calibrate must be called from a single goroutine;
// State may be read from anywhere.
type Controller struct {
	factory  actuator.AutoDriverFactory
	voice    actuator.Voice
	language string
	logger   *slog.Logger

	driver actuator.AutoDriver
	state  atomic.Int32

	// OnTransition, if set, is called after every state change
	OnTransition func(State)
}

// NewController creates an idle controller. The autonomous driver is only
// built on the first toggle.
func NewController(factory actuator.AutoDriverFactory, voice actuator.Voice, language string, logger *slog.Logger) *Controller {
	return &Controller{
		factory:  factory,
		voice:    voice,
		language: language,
		logger:   logger,
	}
}

// State returns the autonomy state
func (c *Controller) State() State {
	return State(c.state.Load())
}

// HasDriver reports whether the autonomous driver has been built
func (c *Controller) HasDriver() bool {
	return c.driver != nil
}

// Toggle starts autonomous driving when idle and stops it when driving.
// The decision uses the controller's own state, never the driver's.
// mode "safe" selects the restricted profile. A driver that cannot be built
// is reported by voice and leaves the controller idle without an error.
func (c *Controller) Toggle(ctx context.Context, drive actuator.Drive, mode string) (State, error) {
	if drive == nil {
		return c.State(), actuator.ErrNoDriveSession
	}

	driver, ok := c.ensureDriver(ctx)
	if !ok {
		return StateIdle, nil
	}

	if c.State() == StateDriving {
		if err := c.stop(ctx, driver, drive); err != nil {
			return c.State(), err
		}
		return StateIdle, nil
	}

	if mode == ModeSafe {
		c.say(ctx, msgSafeDriving)
		if err := driver.Start(ctx, actuator.ModeSafe); err != nil {
			return c.State(), fmt.Errorf("failed to start safe driving: %w", err)
		}
	} else {
		if err := drive.Begin(ctx); err != nil {
			return c.State(), fmt.Errorf("failed to begin drive: %w", err)
		}
		if err := drive.TurnFront(ctx); err != nil {
			return c.State(), fmt.Errorf("failed to center steering: %w", err)
		}
		c.say(ctx, msgAutoDriving)
		if err := driver.Start(ctx, actuator.ModeAuto); err != nil {
			return c.State(), fmt.Errorf("failed to start auto driving: %w", err)
		}
	}

	c.transition(StateDriving)
	return StateDriving, nil
}

// Stop leaves autonomous driving. It is a no-op unless the controller is
// driving.
func (c *Controller) Stop(ctx context.Context, drive actuator.Drive) error {
	if c.driver == nil || c.State() != StateDriving {
		return nil
	}
	return c.stop(ctx, c.driver, drive)
}

// Calibrate runs the vision calibration. It reports false when no driver
// has been built yet.
func (c *Controller) Calibrate(ctx context.Context) (bool, error) {
	if c.driver == nil {
		return false, nil
	}
	c.say(ctx, msgCalibration)
	if err := c.driver.Calibrate(ctx); err != nil {
		return true, fmt.Errorf("failed to calibrate: %w", err)
	}
	return true, nil
}

// stop halts the driver, then always releases the pedal and centers the
// steering, even when halting failed.
func (c *Controller) stop(ctx context.Context, driver actuator.AutoDriver, drive actuator.Drive) error {
	c.logger.Info("Stopping auto driving")

	var errs []error
	if err := driver.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop auto driver: %w", err))
	}
	if drive != nil {
		if err := drive.ReleasePedal(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to release pedal: %w", err))
		}
		if err := drive.TurnFront(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to center steering: %w", err))
		}
	}
	c.transition(StateIdle)
	c.say(ctx, msgDrivingStopped)

	return errors.Join(errs...)
}

func (c *Controller) ensureDriver(ctx context.Context) (actuator.AutoDriver, bool) {
	if c.driver != nil {
		return c.driver, true
	}

	c.logger.Info("Launching auto driving")
	driver, err := c.factory(ctx)
	if err != nil {
		c.logger.Warn("Auto driving unavailable", slog.String("error", err.Error()))
		c.say(ctx, msgCannotDrive)
		return nil, false
	}

	c.driver = driver
	return driver, true
}

func (c *Controller) transition(to State) {
	from := State(c.state.Swap(int32(to)))
	if from == to {
		return
	}
	c.logger.Info("Auto driving state changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	if c.OnTransition != nil {
		c.OnTransition(to)
	}
}

func (c *Controller) say(ctx context.Context, text string) {
	if err := c.voice.Say(ctx, text, c.language); err != nil {
		c.logger.Warn("Voice feedback failed",
			slog.String("text", text),
			slog.String("error", err.Error()),
		)
	}
}
