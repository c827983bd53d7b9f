package policycontroller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/outlet-controller/internal/model"
	"github.com/thatsimonsguy/outlet-controller/internal/repository"
)

func TestManualControl_Rejections(t *testing.T) {
	engineering := map[string]any{"Engineering": map[string]any{
		"enabled":              true,
		"selected_outlets":     []any{"Outlet_1", "Outlet_2"},
		"combined_limit_watts": 500000,
		"device_control":       "on",
	}}

	tests := []struct {
		name    string
		device  map[string]any
		other   float64 // Outlet_2 energy, kilo
		groups  map[string]any
		at      time.Time
		wantMsg string
	}{
		{
			name: "unplugged",
			device: func() map[string]any {
				raw := scheduled("off", "OFF", "UNPLUG")
				raw["schedule"].(map[string]any)["disabled_by_unplug"] = true
				return raw
			}(),
			at:      tuesday,
			wantMsg: "device is unplugged",
		},
		{
			name:    "outside window",
			device:  scheduled("off", "OFF", "ON"),
			at:      tuesday.Add(-3 * time.Hour),
			wantMsg: "outside scheduled hours (08:00-17:00 weekdays)",
		},
		{
			name:    "combined limit",
			device:  withEnergy(scheduled("off", "OFF", "ON"), 300, 0),
			other:   300,
			groups:  engineering,
			at:      tuesday,
			wantMsg: "combined limit reached for Engineering",
		},
		{
			name:    "individual limit in group",
			device:  withEnergy(scheduled("off", "OFF", "ON"), 200, 100),
			groups:  engineering,
			at:      tuesday,
			wantMsg: "individual limit reached",
		},
		{
			name:    "individual limit alone",
			device:  withEnergy(scheduled("off", "OFF", "ON"), 200, 100),
			at:      tuesday,
			wantMsg: "individual limit reached",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, map[string]map[string]any{
				"Outlet_1": tt.device,
				"Outlet_2": withEnergy(scheduled("off", "OFF", "ON"), tt.other, 0),
			}, tt.groups)
			f.now = tt.at

			err := f.ctl.ManualControl(context.Background(), ManualRequest{OutletKey: "Outlet_1", State: model.ControlOn})
			require.Error(t, err)
			assert.True(t, IsRejection(err))
			assert.Equal(t, tt.wantMsg, err.Error())
			assert.Equal(t, model.ControlOff, f.device(t, "Outlet_1").ControlState)
		})
	}
}

func TestManualControl_DetachOnIndividualLimit(t *testing.T) {
	raw := withEnergy(scheduled("off", "OFF", "ON"), 200, 100)
	raw["schedule"].(map[string]any)["isCombinedSchedule"] = true
	f := newFixture(t, map[string]map[string]any{"Outlet_1": raw}, map[string]any{"Engineering": map[string]any{
		"enabled":              true,
		"selected_outlets":     []any{"Outlet_1", "Outlet_9"},
		"combined_limit_watts": 500000,
	}})
	ctx := context.Background()

	err := f.ctl.ManualControl(ctx, ManualRequest{OutletKey: "Outlet_1", State: model.ControlOn, RemoveFromGroup: true})
	require.Error(t, err)
	assert.True(t, IsRejection(err))

	g, err := f.repo.GetCombinedLimit(ctx, "Engineering")
	require.NoError(t, err)
	assert.Equal(t, []string{"Outlet_9"}, g.SelectedOutlets)
	assert.False(t, f.device(t, "Outlet_1").Schedule.HasWindow())
}

func TestManualControl_On(t *testing.T) {
	f := newFixture(t, map[string]map[string]any{"Outlet_1": scheduled("off", "OFF", "OFF")}, nil)

	require.NoError(t, f.ctl.ManualControl(context.Background(), ManualRequest{OutletKey: "Outlet_1", State: model.ControlOn}))

	d := f.device(t, "Outlet_1")
	assert.Equal(t, model.ControlOn, d.ControlState)
	assert.Equal(t, model.StatusOn, d.Status)
	assert.Equal(t, model.MainOff, d.MainStatus)
}

func TestManualControl_BypassSkipsWindow(t *testing.T) {
	f := newFixture(t, map[string]map[string]any{"Outlet_1": scheduled("off", "ON", "OFF")}, nil)
	f.now = tuesday.Add(10 * time.Hour)

	require.NoError(t, f.ctl.ManualControl(context.Background(), ManualRequest{OutletKey: "Outlet_1", State: model.ControlOn}))
	assert.Equal(t, model.ControlOn, f.device(t, "Outlet_1").ControlState)
}

func TestManualControl_OffAlwaysAllowed(t *testing.T) {
	raw := withEnergy(scheduled("on", "ON", "ON"), 900, 100)
	f := newFixture(t, map[string]map[string]any{"Outlet_1": raw}, nil)
	f.now = tuesday.Add(12 * time.Hour)

	require.NoError(t, f.ctl.ManualControl(context.Background(), ManualRequest{OutletKey: "Outlet_1", State: model.ControlOff}))

	d := f.device(t, "Outlet_1")
	assert.Equal(t, model.ControlOff, d.ControlState)
	assert.Equal(t, model.MainOff, d.MainStatus)
	assert.Equal(t, model.StatusOff, d.Status)
	assert.True(t, d.ManuallyOff())
}

func TestManualControl_UnknownDevice(t *testing.T) {
	f := newFixture(t, nil, nil)
	err := f.ctl.ManualControl(context.Background(), ManualRequest{OutletKey: "Outlet_7", State: model.ControlOn})
	assert.True(t, errors.Is(err, repository.ErrDeviceNotFound))
	assert.False(t, IsRejection(err))
}

func TestSetBypass(t *testing.T) {
	ctx := context.Background()

	t.Run("enable", func(t *testing.T) {
		f := newFixture(t, map[string]map[string]any{"Outlet_1": scheduled("off", "OFF", "OFF")}, nil)
		require.NoError(t, f.ctl.SetBypass(ctx, "Outlet_1", true))
		d := f.device(t, "Outlet_1")
		assert.True(t, d.Bypassed())
		assert.Equal(t, model.ControlOn, d.ControlState)
		assert.Equal(t, model.StatusOn, d.Status)
	})

	t.Run("disable", func(t *testing.T) {
		f := newFixture(t, map[string]map[string]any{"Outlet_1": scheduled("on", "ON", "ON")}, nil)
		require.NoError(t, f.ctl.SetBypass(ctx, "Outlet_1", false))
		d := f.device(t, "Outlet_1")
		assert.False(t, d.Bypassed())
		assert.Equal(t, model.ControlOn, d.ControlState)
	})

	t.Run("unplugged", func(t *testing.T) {
		raw := scheduled("off", "OFF", "UNPLUG")
		raw["schedule"].(map[string]any)["disabled_by_unplug"] = true
		f := newFixture(t, map[string]map[string]any{"Outlet_1": raw}, nil)
		err := f.ctl.SetBypass(ctx, "Outlet_1", true)
		assert.True(t, IsRejection(err))
		assert.False(t, f.device(t, "Outlet_1").Bypassed())
	})
}

func TestDeleteDevice(t *testing.T) {
	f := newFixture(t, map[string]map[string]any{"Outlet_1": scheduled("on", "OFF", "ON")}, nil)
	ctx := context.Background()

	require.NoError(t, f.ctl.DeleteDevice(ctx, "Outlet_1"))
	_, err := f.repo.GetDevice(ctx, "Outlet_1")
	assert.ErrorIs(t, err, repository.ErrDeviceNotFound)

	_, found, err := f.repo.Store().Get(ctx, "device_logs/Outlet_1")
	require.NoError(t, err)
	assert.False(t, found)
}
