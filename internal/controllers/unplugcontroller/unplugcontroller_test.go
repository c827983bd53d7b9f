package unplugcontroller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/outlet-controller/internal/model"
	"github.com/thatsimonsguy/outlet-controller/internal/repository"
	"github.com/thatsimonsguy/outlet-controller/internal/store"
)

var start = time.Date(2024, time.January, 2, 9, 0, 0, 0, time.UTC)

// orderedStore records the order of leaf writes.
type orderedStore struct {
	store.Store
	writes []string
}

func (o *orderedStore) Update(ctx context.Context, path string, fields map[string]any) error {
	for k := range fields {
		o.writes = append(o.writes, store.Join(path, k))
	}
	return o.Store.Update(ctx, path, fields)
}

func newDetector(t *testing.T, raw map[string]any) (*Detector, *repository.Repository, *orderedStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	require.NoError(t, mem.Update(context.Background(), "devices", map[string]any{"Outlet_1": raw}))
	rec := &orderedStore{Store: mem}
	repo := repository.New(rec)
	return NewDetector(repo, nil, 30*time.Second), repo, rec
}

func device(t *testing.T, repo *repository.Repository) model.Device {
	t.Helper()
	d, err := repo.GetDevice(context.Background(), "Outlet_1")
	require.NoError(t, err)
	return d
}

func setHeartbeat(t *testing.T, repo *repository.Repository, ts int64) {
	t.Helper()
	require.NoError(t, repo.Store().Update(context.Background(), "devices/Outlet_1/sensor_data", map[string]any{"timestamp": ts}))
}

func TestNormalizeHeartbeat(t *testing.T) {
	assert.Equal(t, int64(1704186000000), NormalizeHeartbeat(1704186000))
	assert.Equal(t, int64(1704186000000), NormalizeHeartbeat(1704186000000))
	assert.Equal(t, int64(0), NormalizeHeartbeat(0))
}

func TestCheck_UnplugAfterThreshold(t *testing.T) {
	det, repo, rec := newDetector(t, map[string]any{
		"control":       map[string]any{"device": "on"},
		"relay_control": map[string]any{"main_status": "ON"},
		"status":        "ON",
		"sensor_data":   map[string]any{"timestamp": 1704186000},
	})
	ctx := context.Background()

	tr, err := det.Check(ctx, device(t, repo), start)
	require.NoError(t, err)
	assert.Equal(t, NoChange, tr, "first observation only records")
	assert.Equal(t, int64(1704186000000), device(t, repo).Schedule.Basis, "basis written lazily")

	tr, err = det.Check(ctx, device(t, repo), start.Add(29*time.Second))
	require.NoError(t, err)
	assert.Equal(t, NoChange, tr)

	rec.writes = nil
	tr, err = det.Check(ctx, device(t, repo), start.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, Unplugged, tr)

	require.Len(t, rec.writes, 5)
	assert.ElementsMatch(t, []string{
		"devices/Outlet_1/schedule/disabled_by_unplug",
		"devices/Outlet_1/schedule/basis",
	}, rec.writes[:2], "veto first")
	assert.Equal(t, []string{
		"devices/Outlet_1/control/device",
		"devices/Outlet_1/relay_control/main_status",
		"devices/Outlet_1/status",
	}, rec.writes[2:])

	d := device(t, repo)
	assert.True(t, d.Unplugged())
	assert.Equal(t, model.ControlOff, d.ControlState)
	assert.Equal(t, model.MainOff, d.MainStatus)
	assert.Equal(t, model.StatusUnplug, d.Status)

	// self loop while still silent
	rec.writes = nil
	tr, err = det.Check(ctx, d, start.Add(60*time.Second))
	require.NoError(t, err)
	assert.Equal(t, NoChange, tr)
	assert.Empty(t, rec.writes)
}

func TestCheck_ImmediateReconnect(t *testing.T) {
	det, repo, _ := newDetector(t, map[string]any{
		"control":     map[string]any{"device": "off"},
		"status":      "UNPLUG",
		"schedule":    map[string]any{"disabled_by_unplug": true, "basis": 1704186000000},
		"sensor_data": map[string]any{"timestamp": 1704186000000},
	})
	ctx := context.Background()

	_, err := det.Check(ctx, device(t, repo), start)
	require.NoError(t, err)

	setHeartbeat(t, repo, 1704186005000)
	tr, err := det.Check(ctx, device(t, repo), start.Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, Reconnected, tr)

	d := device(t, repo)
	assert.False(t, d.Unplugged())
	assert.Equal(t, model.StatusOff, d.Status, "control was off")
}

func TestCheck_ReconnectRestoresOnStatus(t *testing.T) {
	det, repo, _ := newDetector(t, map[string]any{
		"control":     map[string]any{"device": "on"},
		"status":      "UNPLUG",
		"schedule":    map[string]any{"disabled_by_unplug": true, "basis": 1},
		"sensor_data": map[string]any{"timestamp": 1704186000},
	})
	ctx := context.Background()

	_, err := det.Check(ctx, device(t, repo), start)
	require.NoError(t, err)
	setHeartbeat(t, repo, 1704186010)
	tr, err := det.Check(ctx, device(t, repo), start.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, Reconnected, tr)
	assert.Equal(t, model.StatusOn, device(t, repo).Status)
}

func TestCheck_ChangingHeartbeatStaysConnected(t *testing.T) {
	det, repo, _ := newDetector(t, map[string]any{
		"control":     map[string]any{"device": "on"},
		"sensor_data": map[string]any{"timestamp": 1000000000000},
	})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		setHeartbeat(t, repo, 1000000000000+int64(i)*20000)
		tr, err := det.Check(ctx, device(t, repo), start.Add(time.Duration(i)*20*time.Second))
		require.NoError(t, err)
		assert.Equal(t, NoChange, tr)
	}
	assert.False(t, device(t, repo).Unplugged())
}

func TestCheck_MissingHeartbeatSkipped(t *testing.T) {
	det, repo, rec := newDetector(t, map[string]any{
		"control": map[string]any{"device": "on"},
	})
	rec.writes = nil

	tr, err := det.Check(context.Background(), device(t, repo), start)
	require.NoError(t, err)
	assert.Equal(t, NoChange, tr)
	assert.Empty(t, rec.writes)
	assert.Empty(t, det.trackers)
}

func TestRun_ForgetsDeletedDevices(t *testing.T) {
	det, repo, _ := newDetector(t, map[string]any{
		"sensor_data": map[string]any{"timestamp": 1704186000},
	})
	ctx := context.Background()

	devices, err := repo.ListDevices(ctx)
	require.NoError(t, err)
	det.Run(ctx, devices, start)
	assert.Len(t, det.trackers, 1)

	det.Run(ctx, map[string]model.Device{}, start.Add(5*time.Second))
	assert.Empty(t, det.trackers)
}
