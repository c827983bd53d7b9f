package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/thatsimonsguy/outlet-controller/internal/energy"
	"github.com/thatsimonsguy/outlet-controller/internal/model"
	"github.com/thatsimonsguy/outlet-controller/internal/store"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrGroupNotFound  = errors.New("combined limit group not found")
)

const (
	DevicesPath          = "devices"
	CombinedLimitsPath   = "combined_limit_settings"
	CombinedSchedulePath = "combined_schedule_settings"
	DeviceLogsPath       = "device_logs"
)

// Repository is the typed view over the store. Energy values are converted between persisted
// kilo-units and in-process base units here and nowhere else.
type Repository struct {
	store store.Store
}

func New(s store.Store) *Repository {
	return &Repository{store: s}
}

func (r *Repository) Store() store.Store {
	return r.store
}

func devicePath(key string) string {
	return store.Join(DevicesPath, key)
}

// DeviceKeyFromPath extracts the outlet key from a store path under devices/, or "" if there is none.
func DeviceKeyFromPath(path string) string {
	parts := strings.Split(store.Clean(path), "/")
	if len(parts) < 2 || parts[0] != DevicesPath {
		return ""
	}
	return parts[1]
}

func groupPath(dept string) string {
	return store.Join(CombinedLimitsPath, dept)
}

// ListDevices returns every device keyed by outlet key.
func (r *Repository) ListDevices(ctx context.Context) (map[string]model.Device, error) {
	raw, _, err := r.store.Get(ctx, DevicesPath)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	devices := map[string]model.Device{}
	for key, node := range asMap(raw) {
		if asMap(node) == nil {
			continue
		}
		devices[key] = decodeDevice(key, node)
	}
	return devices, nil
}

// SortedKeys returns device keys in a stable order for sequential passes.
func SortedKeys(devices map[string]model.Device) []string {
	keys := make([]string, 0, len(devices))
	for k := range devices {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *Repository) GetDevice(ctx context.Context, key string) (model.Device, error) {
	raw, found, err := r.store.Get(ctx, devicePath(key))
	if err != nil {
		return model.Device{}, fmt.Errorf("get device %s: %w", key, err)
	}
	if !found || asMap(raw) == nil {
		return model.Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, key)
	}
	return decodeDevice(key, raw), nil
}

func (r *Repository) SetControlState(ctx context.Context, key string, state model.ControlState) error {
	if err := r.store.Update(ctx, devicePath(key), map[string]any{"control/device": string(state)}); err != nil {
		return fmt.Errorf("set control state %s: %w", key, err)
	}
	return nil
}

func (r *Repository) SetMainStatus(ctx context.Context, key string, status model.MainStatus) error {
	if err := r.store.Update(ctx, devicePath(key), map[string]any{"relay_control/main_status": string(status)}); err != nil {
		return fmt.Errorf("set main status %s: %w", key, err)
	}
	return nil
}

func (r *Repository) SetRootStatus(ctx context.Context, key string, status model.RootStatus) error {
	if err := r.store.Update(ctx, devicePath(key), map[string]any{"status": string(status)}); err != nil {
		return fmt.Errorf("set status %s: %w", key, err)
	}
	return nil
}

// SetScheduleUnplugFlag writes disabled_by_unplug and, when non-zero, the basis in one update.
func (r *Repository) SetScheduleUnplugFlag(ctx context.Context, key string, disabled bool, basis int64) error {
	fields := map[string]any{"disabled_by_unplug": disabled}
	if basis != 0 {
		fields["basis"] = basis
	}
	if err := r.store.Update(ctx, store.Join(devicePath(key), "schedule"), fields); err != nil {
		return fmt.Errorf("set unplug flag %s: %w", key, err)
	}
	return nil
}

func (r *Repository) SetScheduleBasis(ctx context.Context, key string, basis int64) error {
	if err := r.store.Update(ctx, store.Join(devicePath(key), "schedule"), map[string]any{"basis": basis}); err != nil {
		return fmt.Errorf("set schedule basis %s: %w", key, err)
	}
	return nil
}

// ClearCombinedSchedule drops a window that was assigned through a combined schedule group.
// The unplug flag and basis stay.
func (r *Repository) ClearCombinedSchedule(ctx context.Context, key string) error {
	d, err := r.GetDevice(ctx, key)
	if err != nil {
		return err
	}
	if d.Schedule == nil || !d.Schedule.IsCombinedSchedule {
		return nil
	}
	err = r.store.Update(ctx, store.Join(devicePath(key), "schedule"), map[string]any{
		"timeRange":          nil,
		"startTime":          nil,
		"endTime":            nil,
		"frequency":          nil,
		"isCombinedSchedule": nil,
	})
	if err != nil {
		return fmt.Errorf("clear combined schedule %s: %w", key, err)
	}
	return nil
}

// SetPowerLimit stores an individual limit in base units. Zero stores the No Limit sentinel.
func (r *Repository) SetPowerLimit(ctx context.Context, key string, limit float64) error {
	var value any = model.NoLimit
	if limit > 0 {
		value = limit / kilo
	}
	err := r.store.Update(ctx, store.Join(devicePath(key), "relay_control", "auto_cutoff"), map[string]any{
		"enabled":     limit > 0,
		"power_limit": value,
	})
	if err != nil {
		return fmt.Errorf("set power limit %s: %w", key, err)
	}
	return nil
}

// RecordTelemetry stores a heartbeat and today's cumulative energy (base units).
func (r *Repository) RecordTelemetry(ctx context.Context, key string, heartbeat int64, todayEnergy float64, now time.Time) error {
	fields := map[string]any{"sensor_data/timestamp": heartbeat}
	if todayEnergy >= 0 {
		fields[store.Join("daily_logs", energy.DayKey(now), "total_energy")] = todayEnergy / kilo
	}
	if err := r.store.Update(ctx, devicePath(key), fields); err != nil {
		return fmt.Errorf("record telemetry %s: %w", key, err)
	}
	return nil
}

func (r *Repository) ListCombinedLimits(ctx context.Context) (map[string]model.CombinedLimitSettings, error) {
	raw, _, err := r.store.Get(ctx, CombinedLimitsPath)
	if err != nil {
		return nil, fmt.Errorf("list combined limits: %w", err)
	}
	groups := map[string]model.CombinedLimitSettings{}
	for dept, node := range asMap(raw) {
		if asMap(node) == nil {
			continue
		}
		groups[dept] = decodeCombinedLimit(dept, node)
	}
	return groups, nil
}

func (r *Repository) GetCombinedLimit(ctx context.Context, dept string) (model.CombinedLimitSettings, error) {
	raw, found, err := r.store.Get(ctx, groupPath(dept))
	if err != nil {
		return model.CombinedLimitSettings{}, fmt.Errorf("get combined limit %s: %w", dept, err)
	}
	if !found || asMap(raw) == nil {
		return model.CombinedLimitSettings{}, fmt.Errorf("%w: %s", ErrGroupNotFound, dept)
	}
	return decodeCombinedLimit(dept, raw), nil
}

// GroupFor returns the enabled group containing outlet, matching exact or normalized names.
func GroupFor(groups map[string]model.CombinedLimitSettings, outlet string) (model.CombinedLimitSettings, bool) {
	depts := make([]string, 0, len(groups))
	for dept := range groups {
		depts = append(depts, dept)
	}
	sort.Strings(depts)

	norm := energy.NormalizeOutletKey(outlet)
	for _, dept := range depts {
		g := groups[dept]
		if !g.Enabled {
			continue
		}
		for _, o := range g.SelectedOutlets {
			if o == outlet || energy.NormalizeOutletKey(o) == norm {
				return g, true
			}
		}
	}
	return model.CombinedLimitSettings{}, false
}

// SetCombinedLimitEnforcement records the group verdict. A zero at leaves last_enforcement alone.
func (r *Repository) SetCombinedLimitEnforcement(ctx context.Context, dept string, control model.ControlState, reason string, at time.Time) error {
	fields := map[string]any{
		"device_control":     string(control),
		"enforcement_reason": reason,
	}
	if !at.IsZero() {
		fields["last_enforcement"] = at.UTC().Format(time.RFC3339)
	}
	if err := r.store.Update(ctx, groupPath(dept), fields); err != nil {
		return fmt.Errorf("set combined enforcement %s: %w", dept, err)
	}
	return nil
}

func (r *Repository) SetCombinedMonthlyEnergy(ctx context.Context, dept string, total float64) error {
	if err := r.store.Update(ctx, groupPath(dept), map[string]any{"monthly_energy": total}); err != nil {
		return fmt.Errorf("set combined monthly energy %s: %w", dept, err)
	}
	return nil
}

// SaveCombinedLimit writes the operator-editable group settings.
func (r *Repository) SaveCombinedLimit(ctx context.Context, c model.CombinedLimitSettings) error {
	var limit any = model.NoLimit
	if c.LimitWatts > 0 {
		limit = c.LimitWatts
	}
	control := c.DeviceControl
	if control == "" {
		control = model.ControlOn
	}
	outlets := c.SelectedOutlets
	if outlets == nil {
		outlets = []string{}
	}
	err := r.store.Update(ctx, groupPath(c.Department), map[string]any{
		"enabled":              c.Enabled,
		"selected_outlets":     outlets,
		"combined_limit_watts": limit,
		"device_control":       string(control),
	})
	if err != nil {
		return fmt.Errorf("save combined limit %s: %w", c.Department, err)
	}
	return nil
}

// RemoveOutletFromGroup drops every listing of outlet, by exact or normalized name.
func (r *Repository) RemoveOutletFromGroup(ctx context.Context, dept, outlet string) error {
	g, err := r.GetCombinedLimit(ctx, dept)
	if err != nil {
		return err
	}
	kept, removed := without(g.SelectedOutlets, outlet)
	if !removed {
		return nil
	}
	if err := r.store.Update(ctx, groupPath(dept), map[string]any{"selected_outlets": kept}); err != nil {
		return fmt.Errorf("remove %s from group %s: %w", outlet, dept, err)
	}
	return nil
}

func (r *Repository) removeFromCombinedSchedules(ctx context.Context, outlet string) error {
	raw, _, err := r.store.Get(ctx, CombinedSchedulePath)
	if err != nil {
		return fmt.Errorf("list combined schedules: %w", err)
	}
	for dept, node := range asMap(raw) {
		kept, removed := without(asStrings(child(node, "selected_outlets")), outlet)
		if !removed {
			continue
		}
		err := r.store.Update(ctx, store.Join(CombinedSchedulePath, dept), map[string]any{"selected_outlets": kept})
		if err != nil {
			return fmt.Errorf("remove %s from combined schedule %s: %w", outlet, dept, err)
		}
	}
	return nil
}

// DeleteDevice removes the device and every reference to it.
func (r *Repository) DeleteDevice(ctx context.Context, key string) error {
	if _, err := r.GetDevice(ctx, key); err != nil {
		return err
	}

	groups, err := r.ListCombinedLimits(ctx)
	if err != nil {
		return err
	}
	for dept, g := range groups {
		if _, removed := without(g.SelectedOutlets, key); !removed {
			continue
		}
		if err := r.RemoveOutletFromGroup(ctx, dept, key); err != nil {
			return err
		}
	}
	if err := r.removeFromCombinedSchedules(ctx, key); err != nil {
		return err
	}
	if err := r.store.Remove(ctx, store.Join(DeviceLogsPath, key)); err != nil {
		return fmt.Errorf("delete logs %s: %w", key, err)
	}
	if err := r.store.Remove(ctx, devicePath(key)); err != nil {
		return fmt.Errorf("delete device %s: %w", key, err)
	}
	return nil
}

func without(outlets []string, outlet string) ([]string, bool) {
	norm := energy.NormalizeOutletKey(outlet)
	kept := make([]string, 0, len(outlets))
	removed := false
	for _, o := range outlets {
		if o == outlet || energy.NormalizeOutletKey(o) == norm {
			removed = true
			continue
		}
		kept = append(kept, o)
	}
	return kept, removed
}
