package actuator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Subject layout under the configured prefix:
//
//	<prefix>.drive.<op>      drive commands (request/reply)
//	<prefix>.voice.say       speech (request/reply)
//	<prefix>.autodrive.<op>  autonomous driving (request/reply)
//	<prefix>.sensor.<name>   sensor events (published by the robot)
//	<prefix>.video.<camera>  camera frames (published by the robot)
const (
	subjectDrive     = "drive"
	subjectVoice     = "voice"
	subjectAutoDrive = "autodrive"
	subjectSensor    = "sensor"
	subjectVideo     = "video"

	opPing = "ping"
)

// BridgeConfig contains NATS bridge configuration
type BridgeConfig struct {
	URL            string
	SubjectPrefix  string
	RequestTimeout time.Duration
}

// Bridge forwards actuator commands to the robot over NATS request/reply
type Bridge struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
	ownConn bool
}

// command is the JSON payload of every request
type command struct {
	Op     string             `json:"op"`
	Args   map[string]float64 `json:"args,omitempty"`
	Text   string             `json:"text,omitempty"`
	Lang   string             `json:"lang,omitempty"`
	SentAt time.Time          `json:"sent_at"`
}

// reply is the JSON payload the robot answers with
type reply struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Running bool   `json:"running,omitempty"`
}

// sensorMessage is the JSON payload of a sensor event
type sensorMessage struct {
	Name   string  `json:"name"`
	Value  float64 `json:"value"`
	TimeMS int64   `json:"time_ms,omitempty"`
}

// Connect dials the NATS server and returns a bridge owning the connection.
// An unreachable server is retried in the background; requests fail with
// ErrUnavailable until it comes up.
func Connect(cfg BridgeConfig, logger *slog.Logger) (*Bridge, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("naocar-remote-server"),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Robot bridge disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("Robot bridge reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to robot bridge at %s: %w", cfg.URL, err)
	}

	b := NewBridge(nc, cfg, logger)
	b.ownConn = true
	return b, nil
}

// NewBridge wraps an existing connection. The caller keeps ownership of nc.
func NewBridge(nc *nats.Conn, cfg BridgeConfig, logger *slog.Logger) *Bridge {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	return &Bridge{
		nc:      nc,
		prefix:  strings.TrimSuffix(cfg.SubjectPrefix, "."),
		timeout: timeout,
		logger:  logger,
	}
}

// Close drains the connection if the bridge owns it
func (b *Bridge) Close() error {
	if !b.ownConn {
		return nil
	}
	return b.nc.Drain()
}

// NewDrive checks that the drive module answers and returns a session on it
func (b *Bridge) NewDrive(ctx context.Context) (Drive, error) {
	if _, err := b.request(ctx, subjectDrive, command{Op: opPing}); err != nil {
		return nil, fmt.Errorf("failed to create drive session: %w", err)
	}
	return &driveProxy{bridge: b}, nil
}

// NewAutoDriver checks that the autonomous driving module answers
func (b *Bridge) NewAutoDriver(ctx context.Context) (AutoDriver, error) {
	if _, err := b.request(ctx, subjectAutoDrive, command{Op: opPing}); err != nil {
		return nil, fmt.Errorf("failed to create auto driver: %w", err)
	}
	return &autoDriverProxy{bridge: b}, nil
}

// Say implements Voice
func (b *Bridge) Say(ctx context.Context, text, language string) error {
	_, err := b.request(ctx, subjectVoice, command{Op: "say", Text: text, Lang: language})
	return err
}

// SubscribeSensors delivers every sensor event to handler. The handler runs
// on the NATS dispatch goroutine.
func (b *Bridge) SubscribeSensors(handler func(SensorEvent)) (*nats.Subscription, error) {
	subject := b.subject(subjectSensor, ">")
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		event, err := decodeSensorEvent(msg.Subject, msg.Data)
		if err != nil {
			b.logger.Warn("Dropping malformed sensor event",
				slog.String("subject", msg.Subject),
				slog.String("error", err.Error()),
			)
			return
		}
		handler(event)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return sub, nil
}

// SubscribeFrames delivers raw camera frames published on
// <prefix>.video.<camera>. The payload is the encoded image.
func (b *Bridge) SubscribeFrames(handler func(camera string, frame []byte)) (*nats.Subscription, error) {
	subject := b.subject(subjectVideo, "*")
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		camera := msg.Subject[strings.LastIndex(msg.Subject, ".")+1:]
		handler(camera, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return sub, nil
}

func decodeSensorEvent(subject string, data []byte) (SensorEvent, error) {
	var m sensorMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return SensorEvent{}, fmt.Errorf("invalid sensor payload: %w", err)
	}

	if m.Name == "" {
		// Fall back to the last subject token
		if idx := strings.LastIndex(subject, "."); idx >= 0 {
			m.Name = subject[idx+1:]
		}
	}
	if m.Name == "" {
		return SensorEvent{}, errors.New("sensor event without name")
	}

	event := SensorEvent{Name: m.Name, Value: m.Value}
	if m.TimeMS > 0 {
		event.Time = time.UnixMilli(m.TimeMS)
	}
	return event, nil
}

func (b *Bridge) subject(module, op string) string {
	return b.prefix + "." + module + "." + op
}

// request sends cmd to <prefix>.<module>.<op> and waits for the robot's reply
func (b *Bridge) request(ctx context.Context, module string, cmd command) (*reply, error) {
	cmd.SentAt = time.Now().UTC()
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s command: %w", cmd.Op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	subject := b.subject(module, cmd.Op)
	msg, err := b.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", subject, ErrUnavailable, err)
	}

	var r reply
	if err := json.Unmarshal(msg.Data, &r); err != nil {
		return nil, fmt.Errorf("%s: invalid reply: %w", subject, err)
	}
	if !r.OK {
		return nil, fmt.Errorf("%s: %w: %s", subject, ErrRejected, r.Error)
	}

	b.logger.Debug("Robot command acknowledged", slog.String("subject", subject))
	return &r, nil
}

// driveProxy implements Drive on top of the bridge
type driveProxy struct {
	bridge *Bridge
}

func (d *driveProxy) op(ctx context.Context, op string) error {
	_, err := d.bridge.request(ctx, subjectDrive, command{Op: op})
	return err
}

func (d *driveProxy) Begin(ctx context.Context) error        { return d.op(ctx, "begin") }
func (d *driveProxy) End(ctx context.Context) error          { return d.op(ctx, "end") }
func (d *driveProxy) GoFrontwards(ctx context.Context) error { return d.op(ctx, "go_frontwards") }
func (d *driveProxy) GoBackwards(ctx context.Context) error  { return d.op(ctx, "go_backwards") }
func (d *driveProxy) TurnLeft(ctx context.Context) error     { return d.op(ctx, "turn_left") }
func (d *driveProxy) TurnRight(ctx context.Context) error    { return d.op(ctx, "turn_right") }
func (d *driveProxy) TurnFront(ctx context.Context) error    { return d.op(ctx, "turn_front") }
func (d *driveProxy) Stop(ctx context.Context) error         { return d.op(ctx, "stop") }
func (d *driveProxy) SteeringWheelAction(ctx context.Context) error {
	return d.op(ctx, "steering_wheel_action")
}
func (d *driveProxy) FunAction(ctx context.Context) error      { return d.op(ctx, "fun_action") }
func (d *driveProxy) CarambarAction(ctx context.Context) error { return d.op(ctx, "carambar_action") }
func (d *driveProxy) UpShift(ctx context.Context) error        { return d.op(ctx, "upshift") }
func (d *driveProxy) DownShift(ctx context.Context) error      { return d.op(ctx, "downshift") }
func (d *driveProxy) PushPedal(ctx context.Context) error      { return d.op(ctx, "push_pedal") }
func (d *driveProxy) ReleasePedal(ctx context.Context) error   { return d.op(ctx, "release_pedal") }

func (d *driveProxy) SetHead(ctx context.Context, yaw, pitch, maxSpeed float64) error {
	_, err := d.bridge.request(ctx, subjectDrive, command{
		Op: "set_head",
		Args: map[string]float64{
			"head_yaw":   yaw,
			"head_pitch": pitch,
			"max_speed":  maxSpeed,
		},
	})
	return err
}

// autoDriverProxy implements AutoDriver on top of the bridge
type autoDriverProxy struct {
	bridge *Bridge
}

func (a *autoDriverProxy) Start(ctx context.Context, mode Mode) error {
	_, err := a.bridge.request(ctx, subjectAutoDrive, command{Op: "start", Text: mode.String()})
	return err
}

func (a *autoDriverProxy) Stop(ctx context.Context) error {
	_, err := a.bridge.request(ctx, subjectAutoDrive, command{Op: "stop"})
	return err
}

func (a *autoDriverProxy) IsRunning(ctx context.Context) (bool, error) {
	r, err := a.bridge.request(ctx, subjectAutoDrive, command{Op: "status"})
	if err != nil {
		return false, err
	}
	return r.Running, nil
}

func (a *autoDriverProxy) Calibrate(ctx context.Context) error {
	_, err := a.bridge.request(ctx, subjectAutoDrive, command{Op: "calibrate"})
	return err
}
