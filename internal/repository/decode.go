package repository

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/thatsimonsguy/outlet-controller/internal/model"
)

// kilo is the factor between persisted energy values and the base units used in process.
const kilo = 1000.0

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func child(v any, path ...string) any {
	cur := v
	for _, p := range path {
		m := asMap(cur)
		if m == nil {
			return nil
		}
		cur = m[p]
	}
	return cur
}

func asString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}

func asBool(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(val))
		return b
	case float64:
		return val != 0
	default:
		return false
	}
}

// asFloat accepts numbers and numeric strings. "No Limit" and anything unparseable is 0.
func asFloat(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// asStrings reads a list that may have been stored as an array or as an index-keyed object.
func asStrings(v any) []string {
	switch val := v.(type) {
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s := asString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return append([]string(nil), val...)
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]string, 0, len(keys))
		for _, k := range keys {
			if s := asString(val[k]); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// asEpoch reads a heartbeat or timestamp stored as a number or an RFC3339 string.
// Numbers are returned as stored.
func asEpoch(v any) int64 {
	switch val := v.(type) {
	case float64:
		return int64(val)
	case int64:
		return val
	case string:
		s := strings.TrimSpace(val)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UnixMilli()
		}
		return 0
	default:
		return 0
	}
}

func asTime(v any) time.Time {
	switch val := v.(type) {
	case string:
		if t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(val)); err == nil {
			return t
		}
	case float64:
		if val > 0 {
			return time.UnixMilli(int64(val))
		}
	}
	return time.Time{}
}

func controlState(v any) model.ControlState {
	switch strings.ToLower(strings.TrimSpace(asString(v))) {
	case "on", "true":
		return model.ControlOn
	case "off", "false":
		return model.ControlOff
	default:
		return ""
	}
}

func mainStatus(v any) model.MainStatus {
	if strings.EqualFold(strings.TrimSpace(asString(v)), string(model.MainOn)) {
		return model.MainOn
	}
	return model.MainOff
}

func rootStatus(v any) model.RootStatus {
	s := strings.TrimSpace(asString(v))
	switch strings.ToUpper(s) {
	case "ON":
		return model.StatusOn
	case "OFF":
		return model.StatusOff
	case "UNPLUG":
		return model.StatusUnplug
	case "IDLE":
		return model.StatusIdle
	case "WARNING":
		return model.StatusWarning
	default:
		return model.RootStatus(s)
	}
}

func decodeSchedule(v any) *model.Schedule {
	m := asMap(v)
	if m == nil {
		return nil
	}
	return &model.Schedule{
		TimeRange:          asString(m["timeRange"]),
		StartTime:          asString(m["startTime"]),
		EndTime:            asString(m["endTime"]),
		Frequency:          asString(m["frequency"]),
		DisabledByUnplug:   asBool(m["disabled_by_unplug"]),
		Basis:              asEpoch(m["basis"]),
		IsCombinedSchedule: asBool(m["isCombinedSchedule"]),
	}
}

func decodeDevice(key string, raw any) model.Device {
	d := model.Device{
		OutletKey:       key,
		Department:      asString(child(raw, "office_info", "department")),
		Office:          asString(child(raw, "office_info", "office")),
		Appliance:       asString(child(raw, "office_info", "appliance")),
		ControlState:    controlState(child(raw, "control", "device")),
		MainStatus:      mainStatus(child(raw, "relay_control", "main_status")),
		Status:          rootStatus(child(raw, "status")),
		AutoCutoff:      asBool(child(raw, "relay_control", "auto_cutoff", "enabled")),
		PowerLimit:      asFloat(child(raw, "relay_control", "auto_cutoff", "power_limit")) * kilo,
		Schedule:        decodeSchedule(child(raw, "schedule")),
		SensorTimestamp: asEpoch(child(raw, "sensor_data", "timestamp")),
		DailyLogs:       map[string]model.DailyLog{},
	}
	if d.PowerLimit < 0 {
		d.PowerLimit = 0
	}
	for day, entry := range asMap(child(raw, "daily_logs")) {
		d.DailyLogs[day] = model.DailyLog{TotalEnergy: asFloat(child(entry, "total_energy")) * kilo}
	}
	return d
}

func decodeCombinedLimit(dept string, raw any) model.CombinedLimitSettings {
	c := model.CombinedLimitSettings{
		Department:        dept,
		Enabled:           asBool(child(raw, "enabled")),
		SelectedOutlets:   asStrings(child(raw, "selected_outlets")),
		LimitWatts:        asFloat(child(raw, "combined_limit_watts")),
		DeviceControl:     controlState(child(raw, "device_control")),
		EnforcementReason: asString(child(raw, "enforcement_reason")),
		LastEnforcement:   asTime(child(raw, "last_enforcement")),
		MonthlyEnergy:     asFloat(child(raw, "monthly_energy")),
	}
	if c.DeviceControl == "" {
		c.DeviceControl = model.ControlOn
	}
	if c.LimitWatts < 0 {
		c.LimitWatts = 0
	}
	return c
}
