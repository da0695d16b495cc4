package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/EdWata/nao-car/internal/actuator"
	"github.com/EdWata/nao-car/internal/actuator/actuatortest"
	"github.com/EdWata/nao-car/internal/autodrive"
	"github.com/EdWata/nao-car/internal/command"
	"github.com/EdWata/nao-car/internal/config"
	"github.com/EdWata/nao-car/internal/metrics"
	"github.com/EdWata/nao-car/internal/protocol"
	"github.com/EdWata/nao-car/internal/router"
	"github.com/EdWata/nao-car/internal/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticStream struct{ port int }

func (s staticStream) Port() int               { return s.port }
func (s staticStream) SetCamera(stream.Camera) {}
func (s staticStream) Camera() stream.Camera   { return stream.CameraFront }
func (s staticStream) SubscriberCount() int    { return 0 }

type testServer struct {
	srv      *Server
	rec      *actuatortest.Recorder
	commands *command.Commands
	metrics  *metrics.Metrics
	clock    *testclock.FakeClock
}

// startServer runs a control server on loopback. extra routes override the
// command table.
func startServer(t *testing.T, extra map[string]router.Handler) *testServer {
	t.Helper()
	logger := testLogger()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	rec := actuatortest.NewRecorder()
	ctrl := autodrive.NewController(rec.AutoDriverFactory(nil), rec, "English", logger)
	cmds := command.New(command.Config{
		Language:          "English",
		CalibrateSensor:   "RearTactilTouched",
		CalibrateHeld:     "FrontTactilTouched",
		CalibrateReleased: "MiddleTactilTouched",
		ToggleSensor:      "MiddleTactilTouched",
	}, rec.DriveFactory(nil), rec, ctrl, staticStream{port: 5555}, logger)

	routes := cmds.Routes()
	for path, h := range extra {
		routes[path] = h
	}

	clk := testclock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := &config.ServerConfig{BindAddress: "127.0.0.1", MaxLineLength: 1024, EventQueue: 64}
	srv := NewServer(cfg, router.New(routes, logger, m), SensorConfig{
		Clock:         clk,
		OnDoubleClick: cmds.DoubleClick,
	}, logger, m)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop() })

	return &testServer{srv: srv, rec: rec, commands: cmds, metrics: m, clock: clk}
}

type client struct {
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, srv *Server) *client {
	t.Helper()
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.Port())))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &client{conn: conn, r: bufio.NewReader(conn)}
}

func (c *client) send(t *testing.T, line string) {
	t.Helper()
	_, err := c.conn.Write([]byte(line))
	require.NoError(t, err)
}

type reply struct {
	head string
	body string
}

func (c *client) read(t *testing.T) reply {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	var head strings.Builder
	length := 0
	for {
		line, err := c.r.ReadString('\n')
		require.NoError(t, err)
		head.WriteString(line)
		if line == "\r\n" {
			break
		}
		if v, ok := strings.CutPrefix(line, "Content-Length: "); ok {
			length, err = strconv.Atoi(strings.TrimSpace(v))
			require.NoError(t, err)
		}
	}

	body := make([]byte, length)
	_, err := io.ReadFull(c.r, body)
	require.NoError(t, err)
	return reply{head: head.String(), body: string(body)}
}

func (c *client) expectSilence(t *testing.T) {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, err := c.r.ReadByte()
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func TestSetHeadRoundTrip(t *testing.T) {
	ts := startServer(t, nil)
	c := dial(t, ts.srv)

	c.send(t, "GET /begin HTTP/1.1\r\n")
	c.read(t)

	c.send(t, "GET /setHead?headYaw=0.3&headPitch=-0.1 HTTP/1.1\r\n")
	got := c.read(t)

	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: 0\r\n\r\n", got.head)
	assert.Empty(t, got.body)
	assert.Equal(t, []string{"drive.begin", "drive.set_head(0.3,-0.1,1)"}, ts.rec.Calls())
}

func TestUnknownCommand(t *testing.T) {
	ts := startServer(t, nil)
	c := dial(t, ts.srv)

	c.send(t, "GET /fly HTTP/1.1\r\n")
	got := c.read(t)

	assert.True(t, strings.HasPrefix(got.head, "HTTP/1.1 404 Not Found\r\n"))
	assert.Equal(t, "Unknown Command", got.body)
	assert.Empty(t, ts.rec.Calls())

	// Connection stays usable
	c.send(t, "GET /get-stream-port HTTP/1.1\r\n")
	assert.Equal(t, "stream-port:5555", c.read(t).body)
}

func TestMalformedRequest(t *testing.T) {
	ts := startServer(t, nil)
	c := dial(t, ts.srv)

	c.send(t, "GET /talk?message=%zz HTTP/1.1\r\n")
	got := c.read(t)

	assert.True(t, strings.HasPrefix(got.head, "HTTP/1.1 404 Not Found\r\n"))
	assert.Equal(t, "Malformed Request", got.body)
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.ParseErrors))
	assert.Empty(t, ts.rec.Calls())
}

func TestNonRequestLinesIgnored(t *testing.T) {
	ts := startServer(t, nil)
	c := dial(t, ts.srv)

	c.send(t, "\r\nHost: robot\r\nPOST /begin HTTP/1.1\r\nGET /begin\r\n")
	c.expectSilence(t)

	c.send(t, "GET /get-stream-port HTTP/1.1\r\n")
	assert.Equal(t, "stream-port:5555", c.read(t).body)
	assert.Empty(t, ts.rec.Calls())
}

func TestHandlerFailure(t *testing.T) {
	ts := startServer(t, map[string]router.Handler{
		"/boom": func(context.Context, protocol.Params) (*protocol.Response, error) {
			panic("exploded")
		},
	})
	c := dial(t, ts.srv)

	c.send(t, "GET /upshift HTTP/1.1\r\n")
	assert.Equal(t, "An error occured", c.read(t).body)

	c.send(t, "GET /boom HTTP/1.1\r\n")
	assert.Equal(t, "An error occured", c.read(t).body)
}

func TestLargeBodyWrittenInOrder(t *testing.T) {
	body := make([]byte, 3*protocol.ChunkSize+17)
	for i := range body {
		body[i] = byte('a' + i%26)
	}
	ts := startServer(t, map[string]router.Handler{
		"/big": func(context.Context, protocol.Params) (*protocol.Response, error) {
			return protocol.OK(body), nil
		},
	})
	c := dial(t, ts.srv)

	c.send(t, "GET /big HTTP/1.1\r\nGET /get-stream-port HTTP/1.1\r\n")

	got := c.read(t)
	assert.Contains(t, got.head, fmt.Sprintf("Content-Length: %d\r\n", len(body)))
	assert.Equal(t, string(body), got.body)
	assert.Equal(t, "stream-port:5555", c.read(t).body, "second response follows the first")
}

func TestPipelinedRequestsAnsweredInOrder(t *testing.T) {
	ts := startServer(t, nil)
	c := dial(t, ts.srv)

	var batch strings.Builder
	for i := 0; i < 20; i++ {
		batch.WriteString("GET /talk?message=m" + strconv.Itoa(i) + " HTTP/1.1\r\n")
	}
	c.send(t, batch.String())
	for i := 0; i < 20; i++ {
		c.read(t)
	}

	calls := ts.rec.Calls()
	require.Len(t, calls, 20)
	for i, call := range calls {
		assert.Equal(t, "voice.say(m"+strconv.Itoa(i)+")", call)
	}
}

func TestLineTooLongClosesConnection(t *testing.T) {
	ts := startServer(t, nil)
	c := dial(t, ts.srv)

	c.send(t, "GET /talk?message="+strings.Repeat("x", 4096))
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err := c.r.ReadByte()
	assert.Error(t, err, "server closes the connection")

	require.Eventually(t, func() bool {
		return ts.srv.Statistics().ActiveConnections == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectionsTracked(t *testing.T) {
	ts := startServer(t, nil)
	a := dial(t, ts.srv)
	b := dial(t, ts.srv)

	// A round trip guarantees each connection has been registered
	a.send(t, "GET /get-stream-port HTTP/1.1\r\n")
	a.read(t)
	b.send(t, "GET /get-stream-port HTTP/1.1\r\n")
	b.read(t)

	conns, err := ts.srv.Connections(context.Background())
	require.NoError(t, err)
	require.Len(t, conns, 2)
	assert.Equal(t, uint64(1), conns[0].Requests)
	assert.Equal(t, 2.0, testutil.ToFloat64(ts.metrics.ActiveConnections))

	require.NoError(t, a.conn.Close())
	require.Eventually(t, func() bool {
		conns, err := ts.srv.Connections(context.Background())
		return err == nil && len(conns) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, ts.srv.Disconnect(conns[1].ID))
	require.Eventually(t, func() bool {
		return ts.srv.Statistics().ActiveConnections == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSensorDoubleClickTogglesAutoDrive(t *testing.T) {
	ts := startServer(t, nil)

	t0 := ts.clock.Now()
	require.True(t, ts.srv.PostSensorEvent(actuator.SensorEvent{Name: "MiddleTactilTouched", Value: 1, Time: t0}))
	require.True(t, ts.srv.PostSensorEvent(actuator.SensorEvent{Name: "MiddleTactilTouched", Value: 1, Time: t0.Add(100 * time.Millisecond)}))

	require.Eventually(t, func() bool {
		return ts.commands.AutoDriveState() == autodrive.StateDriving.String()
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, ts.rec.Calls(), "autodrive.start(auto)")

	stats := ts.srv.Statistics()
	assert.Equal(t, uint64(2), stats.SensorEvents)
	assert.Equal(t, uint64(1), stats.DoubleClicks)
}

func TestSlowSensorPressesIgnored(t *testing.T) {
	ts := startServer(t, nil)

	t0 := ts.clock.Now()
	ts.srv.PostSensorEvent(actuator.SensorEvent{Name: "MiddleTactilTouched", Value: 1, Time: t0})
	ts.srv.PostSensorEvent(actuator.SensorEvent{Name: "MiddleTactilTouched", Value: 1, Time: t0.Add(600 * time.Millisecond)})

	ts.drain(t)

	assert.Empty(t, ts.rec.Calls())
	assert.Zero(t, ts.srv.Statistics().DoubleClicks)
}

func TestStopClosesConnections(t *testing.T) {
	ts := startServer(t, nil)
	c := dial(t, ts.srv)
	c.send(t, "GET /get-stream-port HTTP/1.1\r\n")
	c.read(t)

	require.NoError(t, ts.srv.Stop())

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err := c.r.ReadByte()
	assert.Error(t, err)

	assert.False(t, ts.srv.Post(func(context.Context) {}))
	_, err = ts.srv.Connections(context.Background())
	assert.ErrorIs(t, err, ErrServerClosed)
	assert.NoError(t, ts.srv.Stop(), "second stop is a no-op")
}

func TestConcurrentClients(t *testing.T) {
	ts := startServer(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		c := dial(t, ts.srv)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if _, err := c.conn.Write([]byte("GET /get-stream-port HTTP/1.1\r\n")); err != nil {
					t.Error(err)
					return
				}
			}
		}()
		defer func(c *client) {
			for j := 0; j < 10; j++ {
				assert.Equal(t, "stream-port:5555", c.read(t).body)
			}
		}(c)
	}
	wg.Wait()
}

// drain waits until every event posted so far has been handled
func (ts *testServer) drain(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	require.True(t, ts.srv.Post(func(context.Context) { close(done) }))
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("event loop stalled")
	}
}

func TestSensorEventsWithoutTimeUseServerClock(t *testing.T) {
	ts := startServer(t, nil)
	press := actuator.SensorEvent{Name: "FrontTactilTouched", Value: 1}

	ts.srv.PostSensorEvent(press)
	ts.drain(t)
	ts.clock.Step(100 * time.Millisecond)
	ts.srv.PostSensorEvent(press)
	ts.drain(t)

	assert.Equal(t, uint64(1), ts.srv.Statistics().DoubleClicks)
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.DoubleClicks.WithLabelValues("FrontTactilTouched")))
	assert.Empty(t, ts.rec.Calls(), "front sensor has no action of its own")
}

// brokenConn accepts the first ok writes and fails every later one
type brokenConn struct {
	net.Conn
	mu      sync.Mutex
	ok      int
	written int
}

var errConnReset = errors.New("connection reset by peer")

func (b *brokenConn) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ok == 0 {
		return 0, errConnReset
	}
	b.ok--
	b.written += len(p)
	return len(p), nil
}

func TestWriteErrorTearsDownConnection(t *testing.T) {
	body := make([]byte, 3*protocol.ChunkSize)
	header := protocol.OK(body).Buffers()[0]

	tests := []struct {
		name        string
		okWrites    int
		wantDropped uint64
		wantBytes   uint64
	}{
		{"header fails", 0, 4, 0},
		{"body chunk fails", 2, 2, uint64(len(header) + protocol.ChunkSize)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := startServer(t, map[string]router.Handler{
				"/big": func(context.Context, protocol.Params) (*protocol.Response, error) {
					return protocol.OK(body), nil
				},
			})

			serverSide, clientSide := net.Pipe()
			t.Cleanup(func() { _ = clientSide.Close() })
			require.True(t, ts.srv.post(acceptEvent{conn: &brokenConn{Conn: serverSide, ok: tt.okWrites}}))

			require.NoError(t, clientSide.SetWriteDeadline(time.Now().Add(3*time.Second)))
			_, err := clientSide.Write([]byte("GET /big HTTP/1.1\r\n"))
			require.NoError(t, err)

			require.Eventually(t, func() bool {
				return testutil.ToFloat64(ts.metrics.WriteErrors) == 1
			}, 2*time.Second, 10*time.Millisecond)
			ts.drain(t)

			stats := ts.srv.Statistics()
			assert.Equal(t, int64(0), stats.ActiveConnections)
			assert.Equal(t, tt.wantDropped, stats.DroppedWrites)
			assert.Equal(t, tt.wantBytes, stats.BytesWritten)
			assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.ConnectionsClosed.WithLabelValues(reasonWriteError)))

			conns, err := ts.srv.Connections(context.Background())
			require.NoError(t, err)
			assert.Empty(t, conns)

			// the socket is closed, so the peer sees end of stream
			require.NoError(t, clientSide.SetReadDeadline(time.Now().Add(3*time.Second)))
			_, err = clientSide.Read(make([]byte, 1))
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}
