package activitylog

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Action string

const (
	ActionForcedOff     Action = "forced_off"
	ActionScheduleOn    Action = "schedule_on"
	ActionScheduleOff   Action = "schedule_off"
	ActionUnplugged     Action = "unplugged"
	ActionReconnected   Action = "reconnected"
	ActionManualOn      Action = "manual_on"
	ActionManualOff     Action = "manual_off"
	ActionBypassOn      Action = "bypass_on"
	ActionBypassOff     Action = "bypass_off"
	ActionGroupEnforced Action = "group_enforced"
	ActionGroupReleased Action = "group_released"
	ActionDetached      Action = "detached_from_group"
	ActionDeleted       Action = "deleted"
)

// Actor values.
const (
	ActorSystem   = "system"
	ActorOperator = "operator"
)

type Event struct {
	ID         string    `json:"id"`
	At         time.Time `json:"at"`
	OutletKey  string    `json:"outlet_key,omitempty"`
	Department string    `json:"department,omitempty"`
	Action     Action    `json:"action"`
	Reason     string    `json:"reason,omitempty"`
	Actor      string    `json:"actor"`
}

func NewEvent(at time.Time, outlet string, action Action, reason string) Event {
	return Event{
		ID:        uuid.NewString(),
		At:        at,
		OutletKey: outlet,
		Action:    action,
		Reason:    reason,
		Actor:     ActorSystem,
	}
}

// Sink receives activity events. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, e Event) error
}

type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Record(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
