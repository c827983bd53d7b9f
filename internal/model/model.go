package model

import (
	"strings"
	"time"
)

type ControlState string

const (
	ControlOn  ControlState = "on"
	ControlOff ControlState = "off"
)

// MainStatus is the bypass flag. MainOn keeps a device on regardless of schedules and limits.
type MainStatus string

const (
	MainOn  MainStatus = "ON"
	MainOff MainStatus = "OFF"
)

type RootStatus string

const (
	StatusOn      RootStatus = "ON"
	StatusOff     RootStatus = "OFF"
	StatusUnplug  RootStatus = "UNPLUG"
	StatusIdle    RootStatus = "Idle"
	StatusWarning RootStatus = "Warning"
)

// NoLimit is the persisted sentinel for an unset power or combined limit.
const NoLimit = "No Limit"

type DailyLog struct {
	TotalEnergy float64 `json:"total_energy"` // base units (Wh)
}

type Schedule struct {
	TimeRange          string `json:"timeRange,omitempty"`
	StartTime          string `json:"startTime,omitempty"`
	EndTime            string `json:"endTime,omitempty"`
	Frequency          string `json:"frequency,omitempty"`
	DisabledByUnplug   bool   `json:"disabled_by_unplug"`
	Basis              int64  `json:"basis,omitempty"`
	IsCombinedSchedule bool   `json:"isCombinedSchedule,omitempty"`
}

// HasWindow reports whether a time window has been configured. A schedule node can exist only to
// carry the unplug flag and basis.
func (s *Schedule) HasWindow() bool {
	if s == nil {
		return false
	}
	return strings.TrimSpace(s.TimeRange) != "" ||
		(strings.TrimSpace(s.StartTime) != "" && strings.TrimSpace(s.EndTime) != "")
}

func (s *Schedule) Unplugged() bool {
	return s != nil && s.DisabledByUnplug
}

type Device struct {
	OutletKey       string
	Department      string
	Office          string
	Appliance       string
	ControlState    ControlState
	MainStatus      MainStatus
	Status          RootStatus
	AutoCutoff      bool
	PowerLimit      float64 // base units; 0 means no limit
	DailyLogs       map[string]DailyLog
	Schedule        *Schedule
	SensorTimestamp int64 // epoch seconds or millis as reported; see unplugcontroller.NormalizeHeartbeat
}

func (d Device) IsOn() bool {
	return d.ControlState == ControlOn
}

func (d Device) Bypassed() bool {
	return d.MainStatus == MainOn
}

func (d Device) Unplugged() bool {
	return d.Schedule.Unplugged()
}

// ManuallyOff is the explicit manual disable: both the root status and the bypass flag are OFF.
func (d Device) ManuallyOff() bool {
	return d.Status == StatusOff && d.MainStatus == MainOff
}

type CombinedLimitSettings struct {
	Department        string
	Enabled           bool
	SelectedOutlets   []string
	LimitWatts        float64 // base units; 0 means no limit
	DeviceControl     ControlState
	EnforcementReason string
	LastEnforcement   time.Time
	MonthlyEnergy     float64
}

func (c CombinedLimitSettings) HasLimit() bool {
	return c.Enabled && c.LimitWatts > 0
}
