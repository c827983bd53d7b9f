package activitylog

import (
	"context"
	"fmt"
	"time"

	"github.com/thatsimonsguy/outlet-controller/internal/store"
)

// StoreSink appends events under device_logs/{outlet}/{id}. Group-wide events without an outlet go
// under combined_limit_logs/{department}/{id}. Deletions are not stored; the device's log went
// with it.
type StoreSink struct {
	store store.Store
}

func NewStoreSink(s store.Store) *StoreSink {
	return &StoreSink{store: s}
}

func (s *StoreSink) Record(ctx context.Context, e Event) error {
	if e.Action == ActionDeleted {
		return nil
	}
	parent := store.Join("device_logs", e.OutletKey)
	if e.OutletKey == "" {
		if e.Department == "" {
			return fmt.Errorf("event %s has neither outlet nor department", e.ID)
		}
		parent = store.Join("combined_limit_logs", e.Department)
	}

	entry := map[string]any{
		"action":    string(e.Action),
		"actor":     e.Actor,
		"timestamp": e.At.UTC().Format(time.RFC3339),
	}
	if e.Reason != "" {
		entry["reason"] = e.Reason
	}
	if e.Department != "" {
		entry["department"] = e.Department
	}

	if err := s.store.Update(ctx, parent, map[string]any{e.ID: entry}); err != nil {
		return fmt.Errorf("record activity %s: %w", e.ID, err)
	}
	return nil
}
