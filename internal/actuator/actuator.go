package actuator

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoDriveSession is returned when a command needs a drive session
	// that has not been started
	ErrNoDriveSession = errors.New("no drive session")

	// ErrUnavailable is returned when a robot module does not answer
	ErrUnavailable = errors.New("robot module unavailable")

	// ErrRejected is returned when a robot module answers with a failure
	ErrRejected = errors.New("robot module rejected command")
)

// Drive controls the car through the robot's arms, legs and head
type Drive interface {
	Begin(ctx context.Context) error
	End(ctx context.Context) error

	GoFrontwards(ctx context.Context) error
	GoBackwards(ctx context.Context) error
	TurnLeft(ctx context.Context) error
	TurnRight(ctx context.Context) error
	TurnFront(ctx context.Context) error
	Stop(ctx context.Context) error

	SteeringWheelAction(ctx context.Context) error
	FunAction(ctx context.Context) error
	CarambarAction(ctx context.Context) error

	SetHead(ctx context.Context, yaw, pitch, maxSpeed float64) error

	UpShift(ctx context.Context) error
	DownShift(ctx context.Context) error
	PushPedal(ctx context.Context) error
	ReleasePedal(ctx context.Context) error
}

// Voice speaks text through the robot's speakers.
// An empty language keeps the robot's current language.
type Voice interface {
	Say(ctx context.Context, text, language string) error
}

// Mode selects the autonomous driving profile
type Mode int

const (
	// ModeAuto drives with full autonomy
	ModeAuto Mode = iota
	// ModeSafe drives with the restricted profile
	ModeSafe
)

// String returns the wire name of the mode
func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeSafe:
		return "safe"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// AutoDriver runs the vision-based driving loop on the robot
type AutoDriver interface {
	Start(ctx context.Context, mode Mode) error
	Stop(ctx context.Context) error
	IsRunning(ctx context.Context) (bool, error)
	Calibrate(ctx context.Context) error
}

// DriveFactory creates a drive session. It fails when the drive module is
// not loaded on the robot.
type DriveFactory func(ctx context.Context) (Drive, error)

// AutoDriverFactory creates the autonomous driving collaborator
type AutoDriverFactory func(ctx context.Context) (AutoDriver, error)

// SensorEvent is a raw tactile sensor change reported by the robot
type SensorEvent struct {
	Name  string
	Value float64
	Time  time.Time // zero when the robot did not stamp the event; a sensor should stick to one form
}

// Active reports whether the sensor is pressed
func (e SensorEvent) Active() bool {
	return e.Value != 0
}
