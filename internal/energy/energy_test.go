package energy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/thatsimonsguy/outlet-controller/internal/model"
)

func TestDayKey(t *testing.T) {
	assert.Equal(t, "day_2024_01_05", DayKey(time.Date(2024, 1, 5, 13, 0, 0, 0, time.UTC)))
	assert.Equal(t, "day_2024_12_31", DayKey(time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)))
}

func TestDaysIn(t *testing.T) {
	assert.Equal(t, 29, DaysIn(2024, time.February))
	assert.Equal(t, 28, DaysIn(2023, time.February))
	assert.Equal(t, 31, DaysIn(2024, time.December))
	assert.Equal(t, 30, DaysIn(2024, time.April))
}

func TestMonthlyEnergy(t *testing.T) {
	logs := map[string]model.DailyLog{
		"day_2024_01_01": {TotalEnergy: 100},
		"day_2024_01_15": {TotalEnergy: 250.5},
		"day_2024_01_31": {TotalEnergy: 49.5},
		"day_2023_12_31": {TotalEnergy: 1000}, // previous month
		"day_2024_02_01": {TotalEnergy: 1000}, // next month
		"lifetime":       {TotalEnergy: 9999},
	}

	assert.InDelta(t, 400.0, MonthlyEnergy(logs, 2024, time.January), 0.0001)
	assert.InDelta(t, 1000.0, MonthlyEnergy(logs, 2024, time.February), 0.0001)
	assert.Equal(t, 0.0, MonthlyEnergy(logs, 2024, time.March))
	assert.Equal(t, 0.0, MonthlyEnergy(nil, 2024, time.March))
}

func TestMonthlyEnergy_OrderIndependent(t *testing.T) {
	a := map[string]model.DailyLog{}
	b := map[string]model.DailyLog{}
	days := []int{3, 1, 28, 14, 2}
	for _, d := range days {
		key := DayKey(time.Date(2024, time.February, d, 0, 0, 0, 0, time.UTC))
		a[key] = model.DailyLog{TotalEnergy: float64(d) * 10}
	}
	for i := len(days) - 1; i >= 0; i-- {
		key := DayKey(time.Date(2024, time.February, days[i], 0, 0, 0, 0, time.UTC))
		b[key] = model.DailyLog{TotalEnergy: float64(days[i]) * 10}
	}

	assert.Equal(t, MonthlyEnergy(a, 2024, time.February), MonthlyEnergy(b, 2024, time.February))
	assert.InDelta(t, 480.0, MonthlyEnergy(a, 2024, time.February), 0.0001)
}

func TestNormalizeOutletKey(t *testing.T) {
	assert.Equal(t, "Outlet_1", NormalizeOutletKey("Outlet 1"))
	assert.Equal(t, "Outlet_1", NormalizeOutletKey("Outlet_1"))
	assert.Equal(t, "Lab_Outlet_2", NormalizeOutletKey("  Lab  Outlet 2 "))
	assert.Equal(t, "", NormalizeOutletKey("   "))
}

func TestCombinedMonthlyEnergy(t *testing.T) {
	devices := map[string]model.Device{
		"Outlet_1": {OutletKey: "Outlet_1", DailyLogs: map[string]model.DailyLog{
			"day_2024_01_02": {TotalEnergy: 100},
		}},
		"Outlet_2": {OutletKey: "Outlet_2", DailyLogs: map[string]model.DailyLog{
			"day_2024_01_03": {TotalEnergy: 50},
		}},
	}

	tests := []struct {
		name    string
		outlets []string
		want    float64
	}{
		{"single outlet", []string{"Outlet_1"}, 100},
		{"both outlets", []string{"Outlet_1", "Outlet_2"}, 150},
		{"duplicate listing counted once", []string{"Outlet_1", "Outlet_1"}, 100},
		{"name variants counted once", []string{"Outlet 1", "Outlet_1", "Outlet_2"}, 150},
		{"unknown outlet ignored", []string{"Outlet_9", "Outlet_2"}, 50},
		{"empty group", nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CombinedMonthlyEnergy(devices, tt.outlets, 2024, time.January), 0.0001)
		})
	}
}
