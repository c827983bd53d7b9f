package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/thatsimonsguy/outlet-controller/internal/model"
)

// 2024-01-01 is a Monday
func at(day, hour, minute int) time.Time {
	return time.Date(2024, time.January, day, hour, minute, 0, 0, time.UTC)
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"17:00", 17 * 60, true},
		{"08:05", 8*60 + 5, true},
		{"8:05", 8*60 + 5, true},
		{"8:00 AM", 8 * 60, true},
		{"5:30 PM", 17*60 + 30, true},
		{"12:00 AM", 0, true},
		{"12:15 pm", 12*60 + 15, true},
		{"9PM", 21 * 60, true},
		{"24:00", 24 * 60, true},
		{"25:00", 0, false},
		{"13:00 PM", 0, false},
		{"17", 0, false},
		{"noon", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseClock(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestMatchesDay(t *testing.T) {
	tests := []struct {
		name      string
		frequency string
		day       time.Weekday
		want      bool
	}{
		{"empty is daily", "", time.Sunday, true},
		{"daily", "Daily", time.Wednesday, true},
		{"weekdays on friday", "weekdays", time.Friday, true},
		{"weekdays on saturday", "weekdays", time.Saturday, false},
		{"weekends on sunday", "Weekends", time.Sunday, true},
		{"weekends on monday", "weekends", time.Monday, false},
		{"full names match", "MONDAY, WEDNESDAY, FRIDAY", time.Wednesday, true},
		{"full names miss", "MONDAY, WEDNESDAY, FRIDAY", time.Tuesday, false},
		{"abbreviations", "Mon, Tues, Thurs", time.Thursday, true},
		{"abbreviations miss", "mon,tue", time.Sunday, false},
		{"unrecognized is daily", "every other blue moon", time.Tuesday, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchesDay(tt.frequency, tt.day))
		})
	}
}

func TestIsActiveBySchedule(t *testing.T) {
	workday := &model.Schedule{StartTime: "08:00", EndTime: "17:00", Frequency: "weekdays"}
	mwf := &model.Schedule{StartTime: "08:00", EndTime: "17:00", Frequency: "MONDAY, WEDNESDAY, FRIDAY"}
	twelveHour := &model.Schedule{TimeRange: "8:00 AM - 5:00 PM"}
	overnight := &model.Schedule{StartTime: "22:00", EndTime: "06:00"}

	tests := []struct {
		name    string
		sched   *model.Schedule
		control model.ControlState
		now     time.Time
		want    bool
	}{
		{"inside window", workday, model.ControlOn, at(2, 9, 0), true},
		{"last minute of window", workday, model.ControlOn, at(2, 16, 59), true},
		{"end is exclusive", workday, model.ControlOn, at(2, 17, 0), false},
		{"start is inclusive", workday, model.ControlOn, at(2, 8, 0), true},
		{"before window", workday, model.ControlOn, at(2, 7, 59), false},
		{"weekend excluded", workday, model.ControlOn, at(6, 9, 0), false},
		{"listed days exclude tuesday", mwf, model.ControlOn, at(2, 9, 0), false},
		{"listed days include monday", mwf, model.ControlOn, at(1, 9, 0), true},
		{"control off never active", workday, model.ControlOff, at(2, 9, 0), false},
		{"no schedule follows control on", nil, model.ControlOn, at(2, 3, 0), true},
		{"no schedule follows control off", nil, model.ControlOff, at(2, 3, 0), false},
		{"twelve hour range inside", twelveHour, model.ControlOn, at(2, 16, 30), true},
		{"twelve hour range after", twelveHour, model.ControlOn, at(2, 17, 30), false},
		{"overnight late", overnight, model.ControlOn, at(2, 23, 0), true},
		{"overnight early", overnight, model.ControlOn, at(2, 5, 59), true},
		{"overnight midday", overnight, model.ControlOn, at(2, 12, 0), false},
		{"malformed window fails open", &model.Schedule{TimeRange: "whenever"}, model.ControlOn, at(2, 3, 0), true},
		{"flag only node has no window", &model.Schedule{Basis: 1}, model.ControlOn, at(2, 3, 0), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsActiveBySchedule(tt.sched, tt.control, tt.now, nil, false))
		})
	}
}

func TestIsActiveBySchedule_UnplugVetoes(t *testing.T) {
	unplugged := &model.Schedule{StartTime: "08:00", EndTime: "17:00", DisabledByUnplug: true}
	assert.False(t, IsActiveBySchedule(unplugged, model.ControlOn, at(2, 9, 0), nil, false))

	flagOnly := &model.Schedule{DisabledByUnplug: true}
	assert.False(t, IsActiveBySchedule(flagOnly, model.ControlOn, at(2, 9, 0), nil, false))
}

func TestIsActiveBySchedule_IndividualLimit(t *testing.T) {
	sched := &model.Schedule{StartTime: "08:00", EndTime: "17:00"}
	device := &model.Device{
		OutletKey:  "Outlet_1",
		PowerLimit: 1000,
		DailyLogs: map[string]model.DailyLog{
			"day_2024_01_01": {TotalEnergy: 600},
			"day_2024_01_02": {TotalEnergy: 400},
		},
	}
	now := at(2, 9, 0)

	assert.False(t, IsActiveBySchedule(sched, model.ControlOn, now, device, false), "exhausted limit overrides window")
	assert.True(t, IsActiveBySchedule(sched, model.ControlOn, now, device, true), "group members skip the individual check")

	device.PowerLimit = 0
	assert.True(t, IsActiveBySchedule(sched, model.ControlOn, now, device, false), "zero means no limit")

	device.PowerLimit = 1000.5
	assert.True(t, IsActiveBySchedule(sched, model.ControlOn, now, device, false))
}

func TestCanBeManuallyControlled(t *testing.T) {
	sched := &model.Schedule{StartTime: "08:00", EndTime: "17:00"}

	assert.True(t, CanBeManuallyControlled(sched, model.ControlOff, at(2, 20, 0)))
	assert.False(t, CanBeManuallyControlled(sched, model.ControlOn, at(2, 20, 0)))
	assert.True(t, CanBeManuallyControlled(sched, model.ControlOn, at(2, 10, 0)))
	assert.True(t, CanBeManuallyControlled(nil, model.ControlOn, at(2, 20, 0)))

	unplugged := &model.Schedule{DisabledByUnplug: true}
	assert.False(t, CanBeManuallyControlled(unplugged, model.ControlOn, at(2, 10, 0)))
	assert.True(t, CanBeManuallyControlled(unplugged, model.ControlOff, at(2, 10, 0)))
}

func TestPastEnd(t *testing.T) {
	sched := &model.Schedule{StartTime: "08:00", EndTime: "17:00"}
	assert.False(t, PastEnd(sched, at(2, 16, 59)))
	assert.True(t, PastEnd(sched, at(2, 17, 0)))
	assert.False(t, PastEnd(nil, at(2, 23, 0)))

	overnight := &model.Schedule{StartTime: "22:00", EndTime: "06:00"}
	assert.True(t, PastEnd(overnight, at(2, 6, 0)))
	assert.False(t, PastEnd(overnight, at(2, 23, 0)))
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "08:00-17:00 weekdays", Describe(&model.Schedule{StartTime: "8:00", EndTime: "17:00", Frequency: "weekdays"}))
	assert.Equal(t, "08:00-17:00 daily", Describe(&model.Schedule{TimeRange: "8:00 AM - 5:00 PM"}))
	assert.Equal(t, "", Describe(nil))
}
