package command

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/EdWata/nao-car/internal/actuator"
	"github.com/EdWata/nao-car/internal/autodrive"
	"github.com/EdWata/nao-car/internal/protocol"
	"github.com/EdWata/nao-car/internal/router"
	"github.com/EdWata/nao-car/internal/stream"
)

//go:embed assets/index.html
var defaultIndex []byte

const msgDriveUnavailable = "Could not launch drive module"

// StreamControl is the part of the stream negotiator used by commands
type StreamControl interface {
	Port() int
	SetCamera(stream.Camera)
}

// Config contains command handler settings
type Config struct {
	// Language is passed to every voice request
	Language string
	// IndexPath is served on "/". Empty or unreadable serves the built-in page.
	IndexPath string
	// Sensor names used by the double-click policy
	CalibrateSensor   string
	CalibrateHeld     string
	CalibrateReleased string
	ToggleSensor      string
}

// Commands implements the control routes. All methods except DriveReady
// must be called from the server's event loop.
type Commands struct {
	cfg       Config
	drives    actuator.DriveFactory
	voice     actuator.Voice
	autoDrive *autodrive.Controller
	stream    StreamControl
	logger    *slog.Logger

	drive      actuator.Drive
	driveReady atomic.Bool
}

// New creates the command set. The drive session is opened on first use.
func New(cfg Config, drives actuator.DriveFactory, voice actuator.Voice, autoDrive *autodrive.Controller, sc StreamControl, logger *slog.Logger) *Commands {
	return &Commands{
		cfg:       cfg,
		drives:    drives,
		voice:     voice,
		autoDrive: autoDrive,
		stream:    sc,
		logger:    logger,
	}
}

// DriveReady reports whether a drive session has been opened
func (c *Commands) DriveReady() bool {
	return c.driveReady.Load()
}

// Routes returns the control route table
func (c *Commands) Routes() map[string]router.Handler {
	return map[string]router.Handler{
		"/":                c.index,
		"/get-stream-port": c.streamPort,
		"/begin":           c.begin,
		"/end":             c.end,

		"/go-frontwards":        c.motion(actuator.Drive.GoFrontwards),
		"/go-backwards":         c.motion(actuator.Drive.GoBackwards),
		"/turn-left":            c.motion(actuator.Drive.TurnLeft),
		"/turn-right":           c.motion(actuator.Drive.TurnRight),
		"/turn-front":           c.motion(actuator.Drive.TurnFront),
		"/stop":                 c.motion(actuator.Drive.Stop),
		"/steeringwheel-action": c.motion(actuator.Drive.SteeringWheelAction),
		"/fun-action":           c.motion(actuator.Drive.FunAction),
		"/carambar-action":      c.motion(actuator.Drive.CarambarAction),
		"/setHead":              c.setHead,
		"/talk":                 c.talk,
		"/change-view":          c.changeView,
		"/auto-driving":         c.autoDriving,

		"/upshift":       c.drivetrain(actuator.Drive.UpShift),
		"/downshift":     c.drivetrain(actuator.Drive.DownShift),
		"/push-pedal":    c.drivetrain(actuator.Drive.PushPedal),
		"/release-pedal": c.drivetrain(actuator.Drive.ReleasePedal),
	}
}

// ensureDrive opens the drive session if needed. A failure is announced by
// voice and retried on the next call.
func (c *Commands) ensureDrive(ctx context.Context) (actuator.Drive, bool) {
	if c.drive != nil {
		return c.drive, true
	}

	drive, err := c.drives(ctx)
	if err != nil {
		c.logger.Warn("Drive module unavailable", slog.String("error", err.Error()))
		c.say(ctx, msgDriveUnavailable)
		return nil, false
	}

	c.logger.Info("Drive session opened")
	c.drive = drive
	c.driveReady.Store(true)
	return drive, true
}

func (c *Commands) index(_ context.Context, _ protocol.Params) (*protocol.Response, error) {
	page := defaultIndex
	if c.cfg.IndexPath != "" {
		data, err := os.ReadFile(c.cfg.IndexPath)
		if err != nil {
			c.logger.Warn("Serving built-in index page",
				slog.String("path", c.cfg.IndexPath),
				slog.String("error", err.Error()),
			)
		} else {
			page = data
		}
	}
	return &protocol.Response{
		Status:      protocol.StatusOK,
		ContentType: protocol.ContentTypeHTML,
		Body:        page,
	}, nil
}

func (c *Commands) streamPort(_ context.Context, _ protocol.Params) (*protocol.Response, error) {
	return protocol.OK([]byte(fmt.Sprintf("stream-port:%d", c.stream.Port()))), nil
}

func (c *Commands) begin(ctx context.Context, _ protocol.Params) (*protocol.Response, error) {
	drive, ok := c.ensureDrive(ctx)
	if !ok {
		return nil, nil
	}
	if err := drive.Begin(ctx); err != nil {
		return nil, err
	}
	return protocol.Empty(), nil
}

func (c *Commands) end(ctx context.Context, _ protocol.Params) (*protocol.Response, error) {
	if c.drive == nil {
		return nil, nil
	}
	var errs []error
	if err := c.autoDrive.Stop(ctx, c.drive); err != nil {
		errs = append(errs, err)
	}
	if err := c.drive.End(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to end drive: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return protocol.Empty(), nil
}

// motion wraps a primitive that is silently skipped without a drive session
func (c *Commands) motion(op func(actuator.Drive, context.Context) error) router.Handler {
	return func(ctx context.Context, _ protocol.Params) (*protocol.Response, error) {
		if c.drive == nil {
			return nil, nil
		}
		if err := op(c.drive, ctx); err != nil {
			return nil, err
		}
		return protocol.Empty(), nil
	}
}

// drivetrain wraps a primitive that fails without a drive session
func (c *Commands) drivetrain(op func(actuator.Drive, context.Context) error) router.Handler {
	return func(ctx context.Context, _ protocol.Params) (*protocol.Response, error) {
		if c.drive == nil {
			return nil, actuator.ErrNoDriveSession
		}
		if err := op(c.drive, ctx); err != nil {
			return nil, err
		}
		return protocol.Empty(), nil
	}
}

func (c *Commands) setHead(ctx context.Context, params protocol.Params) (*protocol.Response, error) {
	yaw := parseFloat(params.Get("headYaw"), 0)
	pitch := parseFloat(params.Get("headPitch"), 0)
	speed := parseFloat(params.Get("maxSpeed"), 1)

	if c.drive == nil {
		return nil, nil
	}
	if err := c.drive.SetHead(ctx, yaw, pitch, speed); err != nil {
		return nil, err
	}
	return protocol.Empty(), nil
}

func (c *Commands) talk(ctx context.Context, params protocol.Params) (*protocol.Response, error) {
	if err := c.voice.Say(ctx, params.Get("message"), c.cfg.Language); err != nil {
		return nil, err
	}
	return protocol.Empty(), nil
}

func (c *Commands) changeView(_ context.Context, params protocol.Params) (*protocol.Response, error) {
	switch view := params.Get("view"); view {
	case "":
	case "1":
		c.stream.SetCamera(stream.CameraFront)
	case "2":
		c.stream.SetCamera(stream.CameraOpencv)
	default:
		c.stream.SetCamera(stream.CameraBottom)
	}
	return protocol.Empty(), nil
}

func (c *Commands) autoDriving(ctx context.Context, params protocol.Params) (*protocol.Response, error) {
	if err := c.toggleAutoDrive(ctx, params.Get("mode")); err != nil {
		return nil, err
	}
	if c.drive == nil {
		return nil, nil
	}
	return protocol.Empty(), nil
}

func (c *Commands) toggleAutoDrive(ctx context.Context, mode string) error {
	drive, ok := c.ensureDrive(ctx)
	if !ok {
		return nil
	}
	_, err := c.autoDrive.Toggle(ctx, drive, mode)
	return err
}

// DoubleClick applies the tactile double-click policy. isActive reports the
// latest state of a sensor.
func (c *Commands) DoubleClick(ctx context.Context, name string, isActive func(string) bool) error {
	switch {
	case name == c.cfg.CalibrateSensor &&
		isActive(c.cfg.CalibrateHeld) &&
		!isActive(c.cfg.CalibrateReleased) &&
		c.autoDrive.HasDriver():
		_, err := c.autoDrive.Calibrate(ctx)
		return err
	case name == c.cfg.ToggleSensor:
		return c.toggleAutoDrive(ctx, "")
	default:
		return nil
	}
}

func (c *Commands) say(ctx context.Context, text string) {
	if err := c.voice.Say(ctx, text, c.cfg.Language); err != nil {
		c.logger.Warn("Voice feedback failed",
			slog.String("text", text),
			slog.String("error", err.Error()),
		)
	}
}

// parseFloat returns def for an empty value and 0 for one that does not parse
func parseFloat(s string, def float64) float64 {
	if s == "" {
		return def
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// AutoDriveState returns the autonomy state name
func (c *Commands) AutoDriveState() string {
	return c.autoDrive.State().String()
}
