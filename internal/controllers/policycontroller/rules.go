package policycontroller

import (
	"time"

	"github.com/thatsimonsguy/outlet-controller/internal/limits"
	"github.com/thatsimonsguy/outlet-controller/internal/model"
	"github.com/thatsimonsguy/outlet-controller/internal/schedule"
)

type Action int

const (
	ActionNone       Action = iota
	ActionUnplugLock        // status UNPLUG, control off, main OFF
	ActionForceOff          // limit driven; main_status untouched
	ActionLockOff           // window over for today; control off and main OFF
	ActionSetOn
	ActionSetOff // schedule driven; control off and main OFF
)

func (a Action) String() string {
	switch a {
	case ActionUnplugLock:
		return "unplug_lock"
	case ActionForceOff:
		return "force_off"
	case ActionLockOff:
		return "lock_off"
	case ActionSetOn:
		return "set_on"
	case ActionSetOff:
		return "set_off"
	default:
		return "none"
	}
}

type Verdict struct {
	Rule   string
	Action Action
	Reason string
}

// evalInput is everything one device's evaluation may look at.
type evalInput struct {
	device  model.Device
	group   *model.CombinedLimitSettings // enabled group containing the device, if any
	devices map[string]model.Device      // all devices, for group totals
	now     time.Time
}

// rule returns ok=true when it decides the device; evaluation stops there.
type rule struct {
	name string
	eval func(in evalInput) (Verdict, bool)
}

// ruleChain is ordered by precedence.
var ruleChain = []rule{
	{"unplug", unplugRule},
	{"bypass", bypassRule},
	{"manual_off", manualOffRule},
	{"past_end", pastEndRule},
	{"group_off", groupOffRule},
	{"limit", limitRule},
	{"schedule", scheduleRule},
}

func evaluateDevice(in evalInput) Verdict {
	for _, r := range ruleChain {
		if v, ok := r.eval(in); ok {
			v.Rule = r.name
			return v
		}
	}
	return Verdict{Rule: "none", Action: ActionNone}
}

func unplugRule(in evalInput) (Verdict, bool) {
	if !in.device.Unplugged() {
		return Verdict{}, false
	}
	return Verdict{Action: ActionUnplugLock, Reason: "device unplugged"}, true
}

func bypassRule(in evalInput) (Verdict, bool) {
	return Verdict{Action: ActionNone, Reason: "bypass active"}, in.device.Bypassed()
}

func manualOffRule(in evalInput) (Verdict, bool) {
	return Verdict{Action: ActionNone, Reason: "manually off"}, in.device.ManuallyOff()
}

func pastEndRule(in evalInput) (Verdict, bool) {
	if !schedule.PastEnd(in.device.Schedule, in.now) {
		return Verdict{}, false
	}
	return Verdict{Action: ActionLockOff, Reason: "past schedule end"}, true
}

func groupOffRule(in evalInput) (Verdict, bool) {
	if in.group == nil || in.group.DeviceControl != model.ControlOff {
		return Verdict{}, false
	}
	return Verdict{Action: ActionForceOff, Reason: "combined group " + in.group.Department + " is off"}, true
}

func limitRule(in evalInput) (Verdict, bool) {
	if in.group != nil {
		if limits.CombinedExceeded(*in.group, in.devices, in.now) {
			return Verdict{Action: ActionForceOff, Reason: "combined limit reached for " + in.group.Department}, true
		}
		return Verdict{}, false
	}
	if limits.IndividualExceeded(in.device, in.now) {
		return Verdict{Action: ActionForceOff, Reason: "individual monthly limit reached"}, true
	}
	return Verdict{}, false
}

func scheduleRule(in evalInput) (Verdict, bool) {
	d := in.device
	if !d.Schedule.HasWindow() {
		return Verdict{}, false
	}
	// an unreadable window keeps whatever control state the device has
	if _, ok := schedule.ParseWindow(d.Schedule); !ok {
		return Verdict{Action: ActionNone, Reason: "schedule window unreadable"}, true
	}

	desired := schedule.IsActiveBySchedule(d.Schedule, model.ControlOn, in.now, &d, in.group != nil)
	switch {
	case desired && d.ControlState != model.ControlOn:
		return Verdict{Action: ActionSetOn, Reason: "inside schedule window"}, true
	case !desired && d.ControlState != model.ControlOff:
		return Verdict{Action: ActionSetOff, Reason: "outside schedule window"}, true
	default:
		return Verdict{Action: ActionNone, Reason: "schedule satisfied"}, true
	}
}
