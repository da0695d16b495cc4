package stream

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/EdWata/nao-car/internal/metrics"
)

// Camera selects which robot camera feeds the stream
type Camera int

const (
	CameraFront Camera = iota
	CameraOpencv
	CameraBottom
)

// String returns the camera name used by the capture side
func (c Camera) String() string {
	switch c {
	case CameraFront:
		return "Front"
	case CameraOpencv:
		return "Opencv"
	case CameraBottom:
		return "Bottom"
	default:
		return fmt.Sprintf("Unknown(%d)", int(c))
	}
}

// ParseCamera maps a camera name to its Camera, ignoring case
func ParseCamera(name string) (Camera, bool) {
	switch strings.ToLower(name) {
	case "front":
		return CameraFront, true
	case "opencv":
		return CameraOpencv, true
	case "bottom":
		return CameraBottom, true
	default:
		return 0, false
	}
}

// FrameHeaderSize is the length of the little-endian size prefix sent before
// every frame
const FrameHeaderSize = 8

// Config holds the stream listener settings
type Config struct {
	BindAddress     string
	Port            int
	SubscriberQueue int
}

// Negotiator owns the video stream listener. Clients connect to Port() and
// receive length-prefixed frames from the selected camera.
type Negotiator struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	listener net.Listener
	group    *errgroup.Group
	cancel   context.CancelFunc

	mu          sync.RWMutex
	camera      Camera
	subscribers map[string]*subscriber
	stopped     bool
}

type subscriber struct {
	id       string
	conn     net.Conn
	frames   chan []byte
	since    time.Time
	sent     atomic.Uint64
	dropped  atomic.Uint64
	closeOne sync.Once
}

// NewNegotiator creates a negotiator with the front camera selected.
// A nil metrics disables instrumentation.
func NewNegotiator(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Negotiator {
	if cfg.SubscriberQueue <= 0 {
		cfg.SubscriberQueue = 4
	}
	return &Negotiator{
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
		camera:      CameraFront,
		subscribers: make(map[string]*subscriber),
	}
}

// Start binds the stream listener and begins accepting clients. The port is
// chosen by the OS when the configured port is 0.
func (n *Negotiator) Start(ctx context.Context) error {
	addr := net.JoinHostPort(n.cfg.BindAddress, fmt.Sprintf("%d", n.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for stream clients: %w", err)
	}
	n.listener = ln

	ctx, n.cancel = context.WithCancel(ctx)
	n.group, ctx = errgroup.WithContext(ctx)
	n.group.Go(func() error {
		return n.acceptLoop(ctx)
	})

	n.logger.Info("Stream listener started",
		slog.String("address", ln.Addr().String()),
		slog.Int("port", n.Port()),
	)
	return nil
}

// Port returns the negotiated stream port, or 0 before Start
func (n *Negotiator) Port() int {
	if n.listener == nil {
		return 0
	}
	if tcp, ok := n.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// SetCamera changes the camera selection. The port never changes.
func (n *Negotiator) SetCamera(c Camera) {
	n.mu.Lock()
	prev := n.camera
	n.camera = c
	n.mu.Unlock()

	if prev != c {
		n.logger.Info("Camera changed",
			slog.String("from", prev.String()),
			slog.String("to", c.String()),
		)
	}
}

// Camera returns the current camera selection
func (n *Negotiator) Camera() Camera {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.camera
}

// SubscriberCount returns the number of connected stream clients
func (n *Negotiator) SubscriberCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subscribers)
}

// HandleFrame publishes a frame captured by the named camera if that camera
// is the current selection. It reports whether the frame was published.
func (n *Negotiator) HandleFrame(cameraName string, frame []byte) bool {
	c, ok := ParseCamera(cameraName)
	if !ok {
		n.logger.Debug("Frame from unknown camera", slog.String("camera", cameraName))
		return false
	}
	if c != n.Camera() {
		return false
	}
	n.Publish(frame)
	return true
}

// Publish sends one frame to every client. A client whose queue is full
// skips the frame. It returns the number of clients the frame was queued for.
func (n *Negotiator) Publish(frame []byte) int {
	buf := make([]byte, FrameHeaderSize+len(frame))
	binary.LittleEndian.PutUint64(buf, uint64(len(frame)))
	copy(buf[FrameHeaderSize:], frame)

	n.mu.RLock()
	defer n.mu.RUnlock()

	queued, dropped := 0, 0
	for _, sub := range n.subscribers {
		select {
		case sub.frames <- buf:
			queued++
		default:
			sub.dropped.Add(1)
			dropped++
		}
	}

	if n.metrics != nil {
		n.metrics.RecordFrame(dropped)
	}
	return queued
}

// Stop closes the listener and disconnects every stream client
func (n *Negotiator) Stop() error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return nil
	}
	n.stopped = true
	subs := make([]*subscriber, 0, len(n.subscribers))
	for _, sub := range n.subscribers {
		subs = append(subs, sub)
	}
	n.mu.Unlock()

	n.logger.Info("Stopping stream listener...")

	if n.cancel != nil {
		n.cancel()
	}
	if n.listener != nil {
		if err := n.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			n.logger.Warn("Error closing stream listener", slog.String("error", err.Error()))
		}
	}
	for _, sub := range subs {
		sub.close()
	}

	var err error
	if n.group != nil {
		err = n.group.Wait()
	}

	n.logger.Info("Stream listener stopped", slog.Int("disconnected", len(subs)))
	return err
}

func (n *Negotiator) acceptLoop(ctx context.Context) error {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			n.logger.Error("Failed to accept stream client", slog.String("error", err.Error()))
			continue
		}

		sub := &subscriber{
			id:     uuid.NewString(),
			conn:   conn,
			frames: make(chan []byte, n.cfg.SubscriberQueue),
			since:  time.Now(),
		}
		if !n.add(sub) {
			_ = conn.Close()
			return nil
		}

		n.group.Go(func() error {
			n.writeLoop(ctx, sub)
			return nil
		})
	}
}

func (n *Negotiator) add(sub *subscriber) bool {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return false
	}
	n.subscribers[sub.id] = sub
	count := len(n.subscribers)
	n.mu.Unlock()

	if n.metrics != nil {
		n.metrics.SetStreamSubscribers(count)
	}
	n.logger.Info("Stream client connected",
		slog.String("subscriber_id", sub.id),
		slog.String("remote_addr", sub.conn.RemoteAddr().String()),
		slog.Int("subscribers", count),
	)
	return true
}

func (n *Negotiator) remove(sub *subscriber) {
	n.mu.Lock()
	delete(n.subscribers, sub.id)
	count := len(n.subscribers)
	n.mu.Unlock()

	if n.metrics != nil {
		n.metrics.SetStreamSubscribers(count)
	}
	n.logger.Info("Stream client disconnected",
		slog.String("subscriber_id", sub.id),
		slog.Duration("duration", time.Since(sub.since)),
		slog.Uint64("frames_sent", sub.sent.Load()),
		slog.Uint64("frames_dropped", sub.dropped.Load()),
		slog.Int("subscribers", count),
	)
}

// writeLoop drains one client's queue until the client goes away or the
// negotiator stops
func (n *Negotiator) writeLoop(ctx context.Context, sub *subscriber) {
	defer n.remove(sub)
	defer sub.close()

	for {
		select {
		case <-ctx.Done():
			return
		case buf := <-sub.frames:
			if _, err := sub.conn.Write(buf); err != nil {
				n.logger.Debug("Stream write failed",
					slog.String("subscriber_id", sub.id),
					slog.String("error", err.Error()),
				)
				return
			}
			sub.sent.Add(1)
		}
	}
}

func (s *subscriber) close() {
	s.closeOne.Do(func() {
		_ = s.conn.Close()
	})
}
