package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/EdWata/nao-car/internal/actuator"
	"github.com/EdWata/nao-car/internal/config"
	"github.com/EdWata/nao-car/internal/metrics"
	"github.com/EdWata/nao-car/internal/protocol"
	"github.com/EdWata/nao-car/internal/router"
	"github.com/EdWata/nao-car/internal/sensor"
)

// ErrServerClosed is returned for operations on a server that is not running
var ErrServerClosed = errors.New("server closed")

// Close reasons reported in logs and metrics
const (
	reasonEOF        = "eof"
	reasonReadError  = "read_error"
	reasonWriteError = "write_error"
	reasonShutdown   = "shutdown"
	reasonKicked     = "disconnected"
)

// Dispatcher answers parsed requests. A nil response sends nothing.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *protocol.Request) *protocol.Response
}

// DoubleClickHandler reacts to a tactile double-click. isActive reports the
// latest state of any sensor.
type DoubleClickHandler func(ctx context.Context, name string, isActive func(string) bool) error

// SensorConfig configures tactile event handling
type SensorConfig struct {
	Window        time.Duration
	Clock         clock.PassiveClock
	OnDoubleClick DoubleClickHandler
}

// Events handled by the loop
type (
	acceptEvent struct {
		conn net.Conn
	}
	readEvent struct {
		id   ConnID
		line []byte
		err  error
	}
	writeEvent struct {
		id  ConnID
		n   int
		err error
	}
	closeEvent struct {
		id     ConnID
		reason string
	}
	taskEvent struct {
		fn func(ctx context.Context)
	}
)

// Server is the control server. One event loop goroutine owns every
// connection; per-connection reader and writer goroutines only move bytes
// and report back to the loop.
type Server struct {
	cfg        *config.ServerConfig
	dispatcher Dispatcher
	logger     *slog.Logger
	metrics    *metrics.Metrics

	debouncer     *sensor.Debouncer
	onDoubleClick DoubleClickHandler

	listener net.Listener
	events   chan any
	registry *registry

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	closed atomic.Bool

	// Counters readable from any goroutine
	active        atomic.Int64
	accepted      atomic.Uint64
	requests      atomic.Uint64
	parseErrors   atomic.Uint64
	bytesWritten  atomic.Uint64
	sensorEvents  atomic.Uint64
	doubleClicks  atomic.Uint64
	droppedWrites atomic.Uint64
}

// NewServer creates a control server. A nil metrics disables instrumentation.
func NewServer(cfg *config.ServerConfig, dispatcher Dispatcher, sensors SensorConfig, logger *slog.Logger, m *metrics.Metrics) *Server {
	queue := cfg.EventQueue
	if queue <= 0 {
		queue = 256
	}

	s := &Server{
		cfg:           cfg,
		dispatcher:    dispatcher,
		logger:        logger,
		metrics:       m,
		onDoubleClick: sensors.OnDoubleClick,
		events:        make(chan any, queue),
		registry:      newRegistry(),
	}
	s.debouncer = sensor.NewDebouncer(sensors.Window, sensors.Clock, s.doubleClick)
	return s
}

// Start binds the control listener and launches the event loop
func (s *Server) Start(ctx context.Context) error {
	if s.closed.Load() {
		return ErrServerClosed
	}

	addr := net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.group = new(errgroup.Group)
	s.group.Go(s.loop)
	s.group.Go(s.acceptLoop)

	s.logger.Info("Control server started",
		slog.String("address", ln.Addr().String()),
		slog.Int("max_line_length", s.cfg.MaxLineLength),
		slog.Int("event_queue", cap(s.events)),
		slog.Duration("double_click_window", s.debouncer.Window()),
	)
	return nil
}

// Stop stops accepting, stops the event loop and closes every connection
func (s *Server) Stop() error {
	if s.closed.Swap(true) || s.cancel == nil {
		return nil
	}
	s.logger.Info("Stopping control server...")

	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn("Error closing control listener", slog.String("error", err.Error()))
	}
	s.cancel()
	err := s.group.Wait()

	stats := s.Statistics()
	s.logger.Info("Control server stopped",
		slog.Uint64("connections_accepted", stats.ConnectionsAccepted),
		slog.Uint64("requests", stats.Requests),
		slog.Uint64("parse_errors", stats.ParseErrors),
		slog.Uint64("bytes_written", stats.BytesWritten),
	)
	return err
}

// Addr returns the control listener address
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Port returns the control port, or 0 before Start
func (s *Server) Port() int {
	if tcp, ok := s.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Post schedules fn on the event loop. It reports false once the server has
// stopped.
func (s *Server) Post(fn func(ctx context.Context)) bool {
	return s.post(taskEvent{fn: fn})
}

// PostSensorEvent feeds a robot sensor event to the double-click detector.
// It is safe to call from any goroutine.
func (s *Server) PostSensorEvent(ev actuator.SensorEvent) bool {
	return s.Post(func(context.Context) {
		s.sensorEvents.Add(1)
		if s.metrics != nil {
			s.metrics.RecordSensorEvent(ev.Name)
		}
		s.debouncer.Handle(ev.Name, ev.Active(), ev.Time)
	})
}

// Connections returns a snapshot of the live connections
func (s *Server) Connections(ctx context.Context) ([]ConnectionInfo, error) {
	result := make(chan []ConnectionInfo, 1)
	if !s.Post(func(context.Context) { result <- s.registry.snapshot() }) {
		return nil, ErrServerClosed
	}
	select {
	case infos := <-result:
		return infos, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, ErrServerClosed
	}
}

// Disconnect closes the connection with the given id. It reports false when
// the server is not running; an unknown id is ignored.
func (s *Server) Disconnect(id ConnID) bool {
	return s.post(closeEvent{id: id, reason: reasonKicked})
}

func (s *Server) post(ev any) bool {
	if s.ctx == nil || s.closed.Load() {
		return false
	}
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// loop is the only goroutine touching the registry and write queues
func (s *Server) loop() error {
	defer s.closeAll()

	for {
		select {
		case <-s.ctx.Done():
			return nil
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

func (s *Server) handle(ev any) {
	switch e := ev.(type) {
	case acceptEvent:
		s.onAccept(e.conn)
	case readEvent:
		s.onRead(e)
	case writeEvent:
		s.onWriteComplete(e)
	case closeEvent:
		if c, ok := s.registry.get(e.id); ok {
			s.teardown(c, e.reason)
		}
	case taskEvent:
		s.runTask(e.fn)
	default:
		s.logger.Error("Unknown event", slog.String("type", fmt.Sprintf("%T", ev)))
	}
}

func (s *Server) runTask(fn func(ctx context.Context)) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("Task panicked", slog.String("panic", fmt.Sprint(p)))
		}
	}()
	fn(s.ctx)
}

func (s *Server) acceptLoop() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("Failed to accept connection", slog.String("error", err.Error()))
			continue
		}

		if !s.post(acceptEvent{conn: conn}) {
			_ = conn.Close()
			return nil
		}
	}
}

func (s *Server) onAccept(conn net.Conn) {
	c := &connection{
		id:        ConnID(uuid.NewString()),
		conn:      conn,
		remote:    conn.RemoteAddr().String(),
		connected: time.Now(),
		writes:    make(chan []byte, 1),
		alive:     true,
	}
	s.registry.add(c)
	active := s.registry.len()
	s.active.Store(int64(active))
	s.accepted.Add(1)
	if s.metrics != nil {
		s.metrics.RecordConnectionOpened(active)
	}

	s.logger.Info("Client connected",
		slog.String("conn_id", string(c.id)),
		slog.String("remote_addr", c.remote),
		slog.Int("active_connections", active),
	)

	s.group.Go(func() error {
		s.readLoop(c.id, conn)
		return nil
	})
	s.group.Go(func() error {
		s.writeLoop(c.id, conn, c.writes)
		return nil
	})
}

// readLoop reads CRLF-terminated lines and hands each to the event loop in
// order. Any read error ends the connection.
func (s *Server) readLoop(id ConnID, conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	maxLine := s.cfg.MaxLineLength
	if maxLine <= 0 {
		maxLine = bufio.MaxScanTokenSize
	}
	scanner.Buffer(make([]byte, 0, min(4096, maxLine)), maxLine)
	scanner.Split(scanLines)

	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if !s.post(readEvent{id: id, line: line}) {
			return
		}
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	s.post(readEvent{id: id, err: err})
}

// scanLines splits on "\r\n" and keeps the delimiter. A trailing partial
// line at EOF is dropped.
func scanLines(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.Index(data, []byte(protocol.Delimiter)); i >= 0 {
		n := i + len(protocol.Delimiter)
		return n, data[:n], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), nil, nil
	}
	return 0, nil, nil
}

// writeLoop performs the writes submitted by the event loop, one at a time
func (s *Server) writeLoop(id ConnID, conn net.Conn, writes <-chan []byte) {
	for buf := range writes {
		n, err := conn.Write(buf)
		if !s.post(writeEvent{id: id, n: n, err: err}) {
			return
		}
	}
}

func (s *Server) onRead(e readEvent) {
	c, ok := s.registry.get(e.id)
	if !ok {
		return
	}

	if e.err != nil {
		reason := reasonReadError
		if errors.Is(e.err, io.EOF) {
			reason = reasonEOF
		} else {
			s.logger.Warn("Read failed",
				slog.String("conn_id", string(c.id)),
				slog.String("error", e.err.Error()),
			)
		}
		s.teardown(c, reason)
		return
	}

	req, err := protocol.ParseLine(e.line)
	switch {
	case err == nil:
	case errors.Is(err, protocol.ErrMalformedRequest):
		s.parseErrors.Add(1)
		if s.metrics != nil {
			s.metrics.RecordParseError()
		}
		s.logger.Warn("Malformed request",
			slog.String("conn_id", string(c.id)),
			slog.String("error", err.Error()),
		)
		s.respond(c, router.Malformed())
		return
	default:
		s.logger.Debug("Ignoring line",
			slog.String("conn_id", string(c.id)),
			slog.Int("size", len(e.line)),
			slog.String("reason", err.Error()),
		)
		return
	}

	c.requests++
	s.requests.Add(1)
	s.logger.Debug("Request received",
		slog.String("conn_id", string(c.id)),
		slog.String("request", req.String()),
	)

	if resp := s.dispatcher.Dispatch(s.ctx, req); resp != nil {
		s.respond(c, resp)
	}
}

func (s *Server) respond(c *connection, resp *protocol.Response) {
	for _, buf := range resp.Buffers() {
		s.enqueue(c, buf)
	}
}

// enqueue queues buf on c and submits it at once if nothing is in flight
func (s *Server) enqueue(c *connection, buf []byte) {
	if !c.alive {
		return
	}
	next, submit := c.queue.enqueue(buf)
	if s.metrics != nil {
		s.metrics.RecordEnqueue(c.queue.len())
	}
	if submit {
		c.writes <- next
	}
}

func (s *Server) onWriteComplete(e writeEvent) {
	c, ok := s.registry.get(e.id)
	if !ok {
		return
	}

	if e.n > 0 {
		c.bytesWritten += uint64(e.n)
		s.bytesWritten.Add(uint64(e.n))
	}
	if s.metrics != nil {
		s.metrics.RecordWrite(e.n, e.err != nil)
	}

	if e.err != nil {
		s.logger.Warn("Write failed",
			slog.String("conn_id", string(c.id)),
			slog.String("error", e.err.Error()),
		)
		s.teardown(c, reasonWriteError)
		return
	}

	if next, ok := c.queue.complete(); ok {
		c.writes <- next
	}
}

// teardown removes c, discards its pending writes and closes the socket
func (s *Server) teardown(c *connection, reason string) {
	if !c.alive {
		return
	}
	c.alive = false
	s.registry.remove(c.id)

	dropped := c.queue.discard()
	s.droppedWrites.Add(uint64(dropped))
	close(c.writes)
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("Error closing connection",
			slog.String("conn_id", string(c.id)),
			slog.String("error", err.Error()),
		)
	}

	active := s.registry.len()
	s.active.Store(int64(active))
	if s.metrics != nil {
		s.metrics.RecordConnectionClosed(reason, active)
	}

	s.logger.Info("Client disconnected",
		slog.String("conn_id", string(c.id)),
		slog.String("remote_addr", c.remote),
		slog.String("reason", reason),
		slog.Int("dropped_writes", dropped),
		slog.Duration("duration", time.Since(c.connected)),
		slog.Int("active_connections", active),
	)
}

func (s *Server) closeAll() {
	for _, c := range s.registry.all() {
		s.teardown(c, reasonShutdown)
	}
}

// doubleClick runs on the event loop, from within the debouncer
func (s *Server) doubleClick(name string, _ time.Time) {
	s.doubleClicks.Add(1)
	if s.metrics != nil {
		s.metrics.RecordDoubleClick(name)
	}
	s.logger.Info("Double click", slog.String("sensor", name))

	if s.onDoubleClick == nil {
		return
	}
	if err := s.onDoubleClick(s.ctx, name, s.debouncer.IsActive); err != nil {
		s.logger.Error("Double click action failed",
			slog.String("sensor", name),
			slog.String("error", err.Error()),
		)
	}
}

// Statistics returns current server counters
func (s *Server) Statistics() Statistics {
	return Statistics{
		ActiveConnections:   s.active.Load(),
		ConnectionsAccepted: s.accepted.Load(),
		Requests:            s.requests.Load(),
		ParseErrors:         s.parseErrors.Load(),
		BytesWritten:        s.bytesWritten.Load(),
		DroppedWrites:       s.droppedWrites.Load(),
		SensorEvents:        s.sensorEvents.Load(),
		DoubleClicks:        s.doubleClicks.Load(),
		QueueSize:           len(s.events),
		QueueCapacity:       cap(s.events),
	}
}

// Statistics represents control server counters
type Statistics struct {
	ActiveConnections   int64  `json:"active_connections"`
	ConnectionsAccepted uint64 `json:"connections_accepted"`
	Requests            uint64 `json:"requests"`
	ParseErrors         uint64 `json:"parse_errors"`
	BytesWritten        uint64 `json:"bytes_written"`
	DroppedWrites       uint64 `json:"dropped_writes"`
	SensorEvents        uint64 `json:"sensor_events"`
	DoubleClicks        uint64 `json:"double_clicks"`
	QueueSize           int    `json:"queue_size"`
	QueueCapacity       int    `json:"queue_capacity"`
}
