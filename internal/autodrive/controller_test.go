package autodrive

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EdWata/nao-car/internal/actuator"
	"github.com/EdWata/nao-car/internal/actuator/actuatortest"
)

func newTestController(rec *actuatortest.Recorder, factoryErr error) *Controller {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewController(rec.AutoDriverFactory(factoryErr), rec, "English", logger)
}

func TestToggleAutoMode(t *testing.T) {
	rec := actuatortest.NewRecorder()
	c := newTestController(rec, nil)

	var transitions []State
	c.OnTransition = func(s State) { transitions = append(transitions, s) }

	state, err := c.Toggle(context.Background(), rec, "")
	require.NoError(t, err)
	assert.Equal(t, StateDriving, state)
	assert.Equal(t, StateDriving, c.State())
	assert.True(t, c.HasDriver())

	assert.Equal(t, []string{
		"drive.begin",
		"drive.turn_front",
		"voice.say(auto driving)",
		"autodrive.start(auto)",
	}, rec.Calls())
	assert.Equal(t, []State{StateDriving}, transitions)
}

func TestToggleSafeMode(t *testing.T) {
	rec := actuatortest.NewRecorder()
	c := newTestController(rec, nil)

	state, err := c.Toggle(context.Background(), rec, ModeSafe)
	require.NoError(t, err)
	assert.Equal(t, StateDriving, state)
	assert.Equal(t, []string{
		"voice.say(safe driving enabled)",
		"autodrive.start(safe)",
	}, rec.Calls())
}

func TestToggleWhileDrivingStops(t *testing.T) {
	rec := actuatortest.NewRecorder()
	c := newTestController(rec, nil)
	ctx := context.Background()

	_, err := c.Toggle(ctx, rec, "")
	require.NoError(t, err)
	rec.Reset()

	state, err := c.Toggle(ctx, rec, "")
	require.NoError(t, err)
	assert.Equal(t, StateIdle, state)
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, []string{
		"autodrive.stop",
		"drive.release_pedal",
		"drive.turn_front",
		"voice.say(auto driving stopped)",
	}, rec.Calls())
}

func TestToggleIgnoresDriverStatus(t *testing.T) {
	rec := actuatortest.NewRecorder()
	c := newTestController(rec, nil)
	ctx := context.Background()

	_, err := c.Toggle(ctx, rec, "")
	require.NoError(t, err)
	rec.Reset()
	rec.FailOn("autodrive.status", errors.New("status timeout"))

	state, err := c.Toggle(ctx, rec, "")
	require.NoError(t, err)
	assert.Equal(t, StateIdle, state)
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, []string{
		"autodrive.stop",
		"drive.release_pedal",
		"drive.turn_front",
		"voice.say(auto driving stopped)",
	}, rec.Calls())

	// a driver that already stopped on its own still gets the cleanup
	_, err = c.Toggle(ctx, rec, ModeSafe)
	require.NoError(t, err)
	rec.SetRunning(false)
	rec.Reset()

	require.NoError(t, c.Stop(ctx, rec))
	assert.Equal(t, StateIdle, c.State())
	assert.Contains(t, rec.Calls(), "drive.release_pedal")
	assert.Contains(t, rec.Calls(), "drive.turn_front")
}

func TestStopWhenIdleIsNoop(t *testing.T) {
	rec := actuatortest.NewRecorder()
	c := newTestController(rec, nil)
	ctx := context.Background()

	_, err := c.Toggle(ctx, rec, "")
	require.NoError(t, err)
	_, err = c.Toggle(ctx, rec, "")
	require.NoError(t, err)
	rec.Reset()

	require.NoError(t, c.Stop(ctx, rec))
	assert.Empty(t, rec.Calls())
}

func TestStopCleanupRunsWhenDriverFails(t *testing.T) {
	rec := actuatortest.NewRecorder()
	c := newTestController(rec, nil)
	ctx := context.Background()

	_, err := c.Toggle(ctx, rec, "")
	require.NoError(t, err)
	rec.Reset()
	rec.FailOn("autodrive.stop", errors.New("vision thread stuck"))

	err = c.Stop(ctx, rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vision thread stuck")
	assert.Equal(t, StateIdle, c.State())
	assert.Contains(t, rec.Calls(), "drive.release_pedal")
	assert.Contains(t, rec.Calls(), "drive.turn_front")
}

func TestDriverConstructionFailure(t *testing.T) {
	rec := actuatortest.NewRecorder()
	c := newTestController(rec, errors.New("module not loaded"))

	state, err := c.Toggle(context.Background(), rec, "")
	require.NoError(t, err)
	assert.Equal(t, StateIdle, state)
	assert.False(t, c.HasDriver())
	assert.Equal(t, []string{"voice.say(I cannot drive by myself !)"}, rec.Calls())
}

func TestToggleRequiresDrive(t *testing.T) {
	rec := actuatortest.NewRecorder()
	c := newTestController(rec, nil)

	_, err := c.Toggle(context.Background(), nil, "")
	assert.ErrorIs(t, err, actuator.ErrNoDriveSession)
	assert.Empty(t, rec.Calls())
}

func TestStopWithoutDriverIsNoop(t *testing.T) {
	rec := actuatortest.NewRecorder()
	c := newTestController(rec, nil)

	require.NoError(t, c.Stop(context.Background(), rec))
	assert.Empty(t, rec.Calls())
}

func TestCalibrate(t *testing.T) {
	rec := actuatortest.NewRecorder()
	c := newTestController(rec, nil)
	ctx := context.Background()

	ran, err := c.Calibrate(ctx)
	require.NoError(t, err)
	assert.False(t, ran, "no driver yet")

	_, err = c.Toggle(ctx, rec, ModeSafe)
	require.NoError(t, err)
	rec.Reset()

	ran, err = c.Calibrate(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, []string{"voice.say(Calibration)", "autodrive.calibrate"}, rec.Calls())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "driving", StateDriving.String())
}
