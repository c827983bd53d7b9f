package energy

import (
	"fmt"
	"strings"
	"time"

	"github.com/thatsimonsguy/outlet-controller/internal/model"
)

// DayKey returns the daily log key for t, e.g. day_2024_01_05.
func DayKey(t time.Time) string {
	return fmt.Sprintf("day_%04d_%02d_%02d", t.Year(), int(t.Month()), t.Day())
}

func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// MonthlyEnergy sums total energy for every calendar day of the month. Missing days count as zero.
func MonthlyEnergy(logs map[string]model.DailyLog, year int, month time.Month) float64 {
	total := 0.0
	for day := 1; day <= DaysIn(year, month); day++ {
		key := DayKey(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
		if entry, ok := logs[key]; ok {
			total += entry.TotalEnergy
		}
	}
	return total
}

func TodayEnergy(logs map[string]model.DailyLog, now time.Time) float64 {
	return logs[DayKey(now)].TotalEnergy
}

// NormalizeOutletKey maps display names like "Outlet 1" onto the stored key "Outlet_1".
func NormalizeOutletKey(name string) string {
	return strings.Join(strings.Fields(name), "_")
}

// CombinedMonthlyEnergy sums the monthly energy of each listed outlet once, however many times or
// under however many name variants it appears.
func CombinedMonthlyEnergy(devices map[string]model.Device, outlets []string, year int, month time.Month) float64 {
	seen := make(map[string]bool, len(outlets))
	total := 0.0
	for _, outlet := range outlets {
		key := NormalizeOutletKey(outlet)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true

		d, ok := Lookup(devices, outlet)
		if !ok {
			continue
		}
		total += MonthlyEnergy(d.DailyLogs, year, month)
	}
	return total
}

// Lookup finds a device by exact key first, then by normalized key.
func Lookup(devices map[string]model.Device, outlet string) (model.Device, bool) {
	if d, ok := devices[outlet]; ok {
		return d, true
	}
	d, ok := devices[NormalizeOutletKey(outlet)]
	return d, ok
}
