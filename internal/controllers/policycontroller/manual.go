package policycontroller

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/outlet-controller/internal/activitylog"
	"github.com/thatsimonsguy/outlet-controller/internal/limits"
	"github.com/thatsimonsguy/outlet-controller/internal/model"
	"github.com/thatsimonsguy/outlet-controller/internal/repository"
	"github.com/thatsimonsguy/outlet-controller/internal/schedule"
)

// Rejection is an operator request refused by policy. It is not a failure of the controller.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string {
	return r.Reason
}

// IsRejection reports whether err carries a policy rejection.
func IsRejection(err error) bool {
	var r *Rejection
	return errors.As(err, &r)
}

type ManualRequest struct {
	OutletKey       string
	State           model.ControlState
	RemoveFromGroup bool // on an individual-limit rejection, detach the outlet from its group
}

// ManualControl applies an operator on/off request. Turning off is always allowed.
func (c *Controller) ManualControl(ctx context.Context, req ManualRequest) error {
	now := c.clock()
	d, err := c.repo.GetDevice(ctx, req.OutletKey)
	if err != nil {
		return err
	}

	if req.State == model.ControlOff {
		return c.manualOff(ctx, d)
	}
	if req.State != model.ControlOn {
		return &Rejection{Reason: fmt.Sprintf("unknown state %q", req.State)}
	}

	if d.Unplugged() {
		return &Rejection{Reason: "device is unplugged"}
	}

	if !d.Bypassed() {
		if !schedule.CanBeManuallyControlled(d.Schedule, model.ControlOn, now) {
			return &Rejection{Reason: "outside scheduled hours (" + schedule.Describe(d.Schedule) + ")"}
		}

		devices, groups, ok := c.snapshot(ctx, "manual_control")
		if !ok {
			return errors.New("manual control could not read current state")
		}

		if g, inGroup := repository.GroupFor(groups, d.OutletKey); inGroup {
			if !limits.CanGroupTurnOn(g, devices, now) {
				return &Rejection{Reason: "combined limit reached for " + g.Department}
			}
			if limits.IndividualExceeded(d, now) {
				if req.RemoveFromGroup {
					if err := c.enforcer.DetachFromGroup(ctx, d, g, now); err != nil {
						return fmt.Errorf("detach %s from %s: %w", d.OutletKey, g.Department, err)
					}
					return &Rejection{Reason: "individual limit reached; outlet removed from " + g.Department}
				}
				return &Rejection{Reason: "individual limit reached"}
			}
		} else if limits.IndividualExceeded(d, now) {
			return &Rejection{Reason: "individual limit reached"}
		}
	}

	if err := c.repo.SetControlState(ctx, d.OutletKey, model.ControlOn); err != nil {
		return err
	}
	if err := c.repo.SetRootStatus(ctx, d.OutletKey, model.StatusOn); err != nil {
		return err
	}

	log.Info().Str("device", d.OutletKey).Msg("Device turned on manually")
	c.recordOperator(ctx, activitylog.NewEvent(now, d.OutletKey, activitylog.ActionManualOn, ""))
	return nil
}

func (c *Controller) manualOff(ctx context.Context, d model.Device) error {
	if err := c.repo.SetControlState(ctx, d.OutletKey, model.ControlOff); err != nil {
		return err
	}
	if err := c.repo.SetMainStatus(ctx, d.OutletKey, model.MainOff); err != nil {
		return err
	}
	if err := c.repo.SetRootStatus(ctx, d.OutletKey, model.StatusOff); err != nil {
		return err
	}

	log.Info().Str("device", d.OutletKey).Msg("Device turned off manually")
	c.recordOperator(ctx, activitylog.NewEvent(c.clock(), d.OutletKey, activitylog.ActionManualOff, ""))
	return nil
}

// SetBypass toggles main_status. An unplugged device cannot be bypassed.
func (c *Controller) SetBypass(ctx context.Context, key string, enabled bool) error {
	d, err := c.repo.GetDevice(ctx, key)
	if err != nil {
		return err
	}

	if !enabled {
		if err := c.repo.SetMainStatus(ctx, key, model.MainOff); err != nil {
			return err
		}
		log.Info().Str("device", key).Msg("Bypass disabled")
		c.recordOperator(ctx, activitylog.NewEvent(c.clock(), key, activitylog.ActionBypassOff, ""))
		return nil
	}

	if d.Unplugged() {
		return &Rejection{Reason: "device is unplugged"}
	}
	if err := c.repo.SetMainStatus(ctx, key, model.MainOn); err != nil {
		return err
	}
	if err := c.repo.SetControlState(ctx, key, model.ControlOn); err != nil {
		return err
	}
	if err := c.repo.SetRootStatus(ctx, key, model.StatusOn); err != nil {
		return err
	}

	log.Info().Str("device", key).Msg("Bypass enabled")
	c.recordOperator(ctx, activitylog.NewEvent(c.clock(), key, activitylog.ActionBypassOn, ""))
	return nil
}

// DeleteDevice removes the device and every reference to it.
func (c *Controller) DeleteDevice(ctx context.Context, key string) error {
	if _, err := c.repo.GetDevice(ctx, key); err != nil {
		return err
	}
	if err := c.repo.DeleteDevice(ctx, key); err != nil {
		return err
	}
	log.Info().Str("device", key).Msg("Device deleted")

	c.recordOperator(ctx, activitylog.NewEvent(c.clock(), key, activitylog.ActionDeleted, ""))
	return nil
}

func (c *Controller) recordOperator(ctx context.Context, ev activitylog.Event) {
	ev.Actor = activitylog.ActorOperator
	c.record(ctx, ev)
}
