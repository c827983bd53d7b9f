package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/outlet-controller/internal/energy"
	"github.com/thatsimonsguy/outlet-controller/internal/model"
	"github.com/thatsimonsguy/outlet-controller/internal/repository"
	"github.com/thatsimonsguy/outlet-controller/internal/schedule"
)

// Row is one device as shown to an operator. Energy values are in base units.
type Row struct {
	OutletKey   string             `json:"outlet_key"`
	Name        string             `json:"name"`
	Department  string             `json:"department"`
	Office      string             `json:"office"`
	Appliance   string             `json:"appliance"`
	Control     model.ControlState `json:"control"`
	Bypass      bool               `json:"bypass"`
	Status      model.RootStatus   `json:"status"`
	Unplugged   bool               `json:"unplugged"`
	PowerLimit  float64            `json:"power_limit"`
	TodayEnergy float64            `json:"today_energy"`
	MonthEnergy float64            `json:"month_energy"`
	Schedule    string             `json:"schedule,omitempty"`
}

type activity struct {
	energy    float64
	control   model.ControlState
	changedAt time.Time
}

// Registry derives display rows from the store. Activity trackers are updated from store callbacks
// as well as from snapshots, so they are guarded.
type Registry struct {
	repo  *repository.Repository
	idle  time.Duration
	clock func() time.Time

	mu       sync.Mutex
	activity map[string]*activity
}

func New(repo *repository.Repository, idle time.Duration, clock func() time.Time) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		repo:     repo,
		idle:     idle,
		clock:    clock,
		activity: map[string]*activity{},
	}
}

// Watch follows device writes until the returned cancel is called.
func (r *Registry) Watch() func() {
	return r.repo.Store().Subscribe(repository.DevicesPath, func(changed string) {
		key := repository.DeviceKeyFromPath(changed)
		if key == "" {
			return
		}
		d, err := r.repo.GetDevice(context.Background(), key)
		if err != nil {
			r.forget(key)
			return
		}
		r.observe(d, r.clock())
	})
}

// observe restarts the idle clock when today's energy or the control state moved.
func (r *Registry) observe(d model.Device, now time.Time) *activity {
	today := energy.TodayEnergy(d.DailyLogs, now)

	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.activity[d.OutletKey]
	if !ok {
		a = &activity{energy: today, control: d.ControlState, changedAt: now}
		r.activity[d.OutletKey] = a
		return a
	}
	if a.energy != today || a.control != d.ControlState {
		a.energy = today
		a.control = d.ControlState
		a.changedAt = now
	}
	return a
}

func (r *Registry) forget(key string) {
	r.mu.Lock()
	delete(r.activity, key)
	r.mu.Unlock()
}

func (r *Registry) idleSince(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.activity[key]
	return ok && now.Sub(a.changedAt) >= r.idle
}

// DisplayStatus ranks UNPLUG over a switched-off relay, then idle, then whatever the device reported.
func (r *Registry) DisplayStatus(d model.Device, now time.Time) model.RootStatus {
	switch {
	case d.Unplugged():
		return model.StatusUnplug
	case d.ControlState == model.ControlOff:
		return model.StatusOff
	case d.IsOn() && r.idleSince(d.OutletKey, now):
		return model.StatusIdle
	case d.Status != "":
		return d.Status
	default:
		return model.StatusOn
	}
}

func (r *Registry) row(d model.Device, now time.Time) Row {
	r.observe(d, now)
	return Row{
		OutletKey:   d.OutletKey,
		Name:        strings.ReplaceAll(d.OutletKey, "_", " "),
		Department:  d.Department,
		Office:      d.Office,
		Appliance:   d.Appliance,
		Control:     d.ControlState,
		Bypass:      d.Bypassed(),
		Status:      r.DisplayStatus(d, now),
		Unplugged:   d.Unplugged(),
		PowerLimit:  d.PowerLimit,
		TodayEnergy: energy.TodayEnergy(d.DailyLogs, now),
		MonthEnergy: energy.MonthlyEnergy(d.DailyLogs, now.Year(), now.Month()),
		Schedule:    schedule.Describe(d.Schedule),
	}
}

// Snapshot returns every device ordered by outlet key.
func (r *Registry) Snapshot(ctx context.Context) ([]Row, error) {
	now := r.clock()
	devices, err := r.repo.ListDevices(ctx)
	if err != nil {
		return nil, err
	}

	rows := make([]Row, 0, len(devices))
	for _, key := range repository.SortedKeys(devices) {
		rows = append(rows, r.row(devices[key], now))
	}

	r.mu.Lock()
	for key := range r.activity {
		if _, ok := devices[key]; !ok {
			delete(r.activity, key)
		}
	}
	r.mu.Unlock()

	log.Debug().Int("devices", len(rows)).Msg("Registry snapshot")
	return rows, nil
}

func (r *Registry) Device(ctx context.Context, key string) (Row, error) {
	d, err := r.repo.GetDevice(ctx, key)
	if err != nil {
		return Row{}, err
	}
	return r.row(d, r.clock()), nil
}
