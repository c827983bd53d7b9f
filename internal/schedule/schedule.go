package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/thatsimonsguy/outlet-controller/internal/energy"
	"github.com/thatsimonsguy/outlet-controller/internal/model"
)

// Window is a daily activation window in minutes after midnight. End is exclusive.
type Window struct {
	Start int
	End   int
}

func (w Window) Contains(minute int) bool {
	switch {
	case w.Start < w.End:
		return minute >= w.Start && minute < w.End
	case w.Start > w.End:
		// spans midnight
		return minute >= w.Start || minute < w.End
	default:
		return false
	}
}

// PastEnd reports whether minute is at or after the end of today's window and before the next start.
func (w Window) PastEnd(minute int) bool {
	switch {
	case w.Start < w.End:
		return minute >= w.End
	case w.Start > w.End:
		return minute >= w.End && minute < w.Start
	default:
		return false
	}
}

func (w Window) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", w.Start/60, w.Start%60, w.End/60, w.End%60)
}

// ParseWindow prefers explicit startTime/endTime and falls back to the free-text timeRange.
func ParseWindow(s *model.Schedule) (Window, bool) {
	if s == nil {
		return Window{}, false
	}
	if strings.TrimSpace(s.StartTime) != "" && strings.TrimSpace(s.EndTime) != "" {
		start, okStart := ParseClock(s.StartTime)
		end, okEnd := ParseClock(s.EndTime)
		if okStart && okEnd {
			return Window{Start: start, End: end}, true
		}
	}
	return parseRange(s.TimeRange)
}

func parseRange(text string) (Window, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Window{}, false
	}

	var parts []string
	switch {
	case strings.Contains(text, "-"):
		parts = strings.SplitN(text, "-", 2)
	case strings.Contains(strings.ToLower(text), " to "):
		idx := strings.Index(strings.ToLower(text), " to ")
		parts = []string{text[:idx], text[idx+4:]}
	default:
		return Window{}, false
	}

	start, okStart := ParseClock(parts[0])
	end, okEnd := ParseClock(parts[1])
	if !okStart || !okEnd {
		return Window{}, false
	}
	return Window{Start: start, End: end}, true
}

// ParseClock accepts "17:00", "8:05", "8:05 AM" and "12:30pm" and returns minutes after midnight.
func ParseClock(text string) (int, bool) {
	text = strings.ToUpper(strings.TrimSpace(text))
	if text == "" {
		return 0, false
	}

	meridiem := ""
	if strings.HasSuffix(text, "AM") || strings.HasSuffix(text, "PM") {
		meridiem = text[len(text)-2:]
		text = strings.TrimSpace(text[:len(text)-2])
	}

	fields := strings.Split(text, ":")
	if len(fields) < 1 || len(fields) > 3 {
		return 0, false
	}
	hour, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return 0, false
	}
	minute := 0
	if len(fields) > 1 {
		minute, err = strconv.Atoi(strings.TrimSpace(fields[1]))
		if err != nil || minute < 0 || minute > 59 {
			return 0, false
		}
	} else if meridiem == "" {
		// a bare number is only a time when it carries AM/PM
		return 0, false
	}

	switch meridiem {
	case "AM", "PM":
		if hour < 1 || hour > 12 {
			return 0, false
		}
		hour %= 12
		if meridiem == "PM" {
			hour += 12
		}
	default:
		if hour == 24 && minute == 0 {
			return 24 * 60, true
		}
		if hour < 0 || hour > 23 {
			return 0, false
		}
	}
	return hour*60 + minute, true
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday, "su": time.Sunday,
	"monday": time.Monday, "mon": time.Monday, "mo": time.Monday, "m": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday, "tues": time.Tuesday, "tu": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday, "we": time.Wednesday, "w": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday, "th": time.Thursday,
	"friday": time.Friday, "fri": time.Friday, "fr": time.Friday, "f": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday, "sa": time.Saturday,
}

// MatchesDay evaluates a frequency descriptor. Anything it cannot make sense of means daily so a
// bad frequency never strands a device off.
func MatchesDay(frequency string, day time.Weekday) bool {
	f := strings.ToLower(strings.TrimSpace(frequency))
	switch f {
	case "", "daily", "everyday", "every day":
		return true
	case "weekdays", "weekday":
		return day >= time.Monday && day <= time.Friday
	case "weekends", "weekend":
		return day == time.Saturday || day == time.Sunday
	}

	tokens := strings.FieldsFunc(f, func(r rune) bool {
		return r == ',' || r == ' ' || r == '/' || r == ';'
	})
	allowed := map[time.Weekday]bool{}
	for _, tok := range tokens {
		if wd, ok := weekdays[strings.Trim(tok, ".")]; ok {
			allowed[wd] = true
		}
	}
	if len(allowed) == 0 {
		return true
	}
	return allowed[day]
}

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// IsActiveBySchedule decides whether a device may be on at now. device is optional; when given
// and skipLimitCheck is false, an exhausted individual monthly limit overrides a matching window.
func IsActiveBySchedule(s *model.Schedule, control model.ControlState, now time.Time, device *model.Device, skipLimitCheck bool) bool {
	if s.Unplugged() {
		return false
	}
	if !s.HasWindow() {
		return control == model.ControlOn
	}
	if control != model.ControlOn {
		return false
	}

	window, ok := ParseWindow(s)
	if !ok {
		return control == model.ControlOn
	}

	withinTimeRange := window.Contains(minuteOfDay(now))
	isCorrectDay := MatchesDay(s.Frequency, now.Weekday())

	if withinTimeRange && isCorrectDay && device != nil && !skipLimitCheck && device.PowerLimit > 0 {
		monthly := energy.MonthlyEnergy(device.DailyLogs, now.Year(), now.Month())
		if monthly >= device.PowerLimit {
			return false
		}
	}

	return withinTimeRange && isCorrectDay
}

func CanDeviceBeTurnedOn(s *model.Schedule, now time.Time) bool {
	return IsActiveBySchedule(s, model.ControlOn, now, nil, false)
}

// CanBeManuallyControlled allows turning off at any time and turning on only inside the window.
func CanBeManuallyControlled(s *model.Schedule, target model.ControlState, now time.Time) bool {
	if target == model.ControlOff {
		return true
	}
	return CanDeviceBeTurnedOn(s, now)
}

// PastEnd reports whether the schedule's window has ended for today.
func PastEnd(s *model.Schedule, now time.Time) bool {
	if !s.HasWindow() {
		return false
	}
	window, ok := ParseWindow(s)
	if !ok {
		return false
	}
	return window.PastEnd(minuteOfDay(now))
}

// Describe renders a short summary for display, e.g. "08:00-17:00 weekdays".
func Describe(s *model.Schedule) string {
	if !s.HasWindow() {
		return ""
	}
	window, ok := ParseWindow(s)
	if !ok {
		return strings.TrimSpace(s.TimeRange)
	}
	freq := strings.TrimSpace(s.Frequency)
	if freq == "" {
		freq = "daily"
	}
	return window.String() + " " + freq
}
