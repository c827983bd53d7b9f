package registry

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

var start = time.Date(2024, time.January, 2, 10, 0, 0, 0, time.UTC)

func newRegistry(t *testing.T, devices map[string]any) (*Registry, *repository.Repository, *time.Time) {
	t.Helper()
	mem := store.NewMemoryStore()
	require.NoError(t, mem.Update(context.Background(), "devices", devices))
	repo := repository.New(mem)
	now := start
	return New(repo, 15*time.Second, func() time.Time { return now }), repo, &now
}

func device(control, main, status string) map[string]any {
	return map[string]any{
		"control":       map[string]any{"device": control},
		"relay_control": map[string]any{"main_status": main, "auto_cutoff": map[string]any{"enabled": true, "power_limit": 2}},
		"status":        status,
		"office_info":   map[string]any{"department": "Engineering", "office": "B2", "appliance": "Kettle"},
		"schedule":      map[string]any{"timeRange": "8:00 AM - 5:00 PM", "frequency": "weekdays"},
		"daily_logs": map[string]any{
			"day_2024_01_01": map[string]any{"total_energy": 1.5},
			"day_2024_01_02": map[string]any{"total_energy": 0.25},
			"day_2023_12_31": map[string]any{"total_energy": 9},
		},
	}
}

func TestSnapshot_Row(t *testing.T) {
	reg, _, _ := newRegistry(t, map[string]any{"Outlet_1": device("on", "OFF", "ON")})

	rows, err := reg.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, "Outlet 1", row.Name)
	assert.Equal(t, "Engineering", row.Department)
	assert.Equal(t, "B2", row.Office)
	assert.Equal(t, "Kettle", row.Appliance)
	assert.Equal(t, model.ControlOn, row.Control)
	assert.False(t, row.Bypass)
	assert.Equal(t, model.StatusOn, row.Status)
	assert.InDelta(t, 2000, row.PowerLimit, 0.001)
	assert.InDelta(t, 250, row.TodayEnergy, 0.001)
	assert.InDelta(t, 1750, row.MonthEnergy, 0.001)
	assert.Equal(t, "08:00-17:00 weekdays", row.Schedule)
}

func TestDisplayStatus_Priority(t *testing.T) {
	reg, _, now := newRegistry(t, map[string]any{})

	unplugged := model.Device{OutletKey: "Outlet_1", ControlState: model.ControlOn, Status: model.StatusOn,
		Schedule: &model.Schedule{DisabledByUnplug: true}}
	off := model.Device{OutletKey: "Outlet_2", ControlState: model.ControlOff, Status: model.StatusOn}
	on := model.Device{OutletKey: "Outlet_3", ControlState: model.ControlOn, Status: model.StatusWarning}
	blank := model.Device{OutletKey: "Outlet_4", ControlState: model.ControlOn}

	reg.observe(on, *now)
	reg.observe(blank, *now)

	assert.Equal(t, model.StatusUnplug, reg.DisplayStatus(unplugged, *now))
	assert.Equal(t, model.StatusOff, reg.DisplayStatus(off, *now))
	assert.Equal(t, model.StatusWarning, reg.DisplayStatus(on, *now))
	assert.Equal(t, model.StatusOn, reg.DisplayStatus(blank, *now))

	later := now.Add(15 * time.Second)
	assert.Equal(t, model.StatusIdle, reg.DisplayStatus(on, later))
	assert.Equal(t, model.StatusUnplug, reg.DisplayStatus(unplugged, later))
}

func TestSnapshot_IdleResetsOnEnergy(t *testing.T) {
	reg, repo, now := newRegistry(t, map[string]any{"Outlet_1": device("on", "OFF", "ON")})
	ctx := context.Background()

	_, err := reg.Snapshot(ctx)
	require.NoError(t, err)

	*now = start.Add(20 * time.Second)
	row, err := reg.Device(ctx, "Outlet_1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusIdle, row.Status)

	require.NoError(t, repo.RecordTelemetry(ctx, "Outlet_1", 1704189620000, 300, *now))
	row, err = reg.Device(ctx, "Outlet_1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusOn, row.Status)
}

func TestWatch_TracksWrites(t *testing.T) {
	reg, repo, now := newRegistry(t, map[string]any{"Outlet_1": device("off", "OFF", "ON")})
	ctx := context.Background()
	cancel := reg.Watch()
	defer cancel()

	require.NoError(t, repo.SetControlState(ctx, "Outlet_1", model.ControlOn))
	reg.mu.Lock()
	a, ok := reg.activity["Outlet_1"]
	reg.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, model.ControlOn, a.control)
	assert.Equal(t, *now, a.changedAt)

	require.NoError(t, repo.DeleteDevice(ctx, "Outlet_1"))
	reg.mu.Lock()
	_, ok = reg.activity["Outlet_1"]
	reg.mu.Unlock()
	assert.False(t, ok)
}
