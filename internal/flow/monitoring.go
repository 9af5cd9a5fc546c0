package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/lmkapp/lmk/internal/mirror"
	"github.com/lmkapp/lmk/internal/state"
)

// MonitoringController writes the user's notification preference.
type MonitoringController struct {
	mirrorer
	now func() time.Time
}

// NewMonitoringController creates the controller. writer may be nil to
// disable mirroring.
func NewMonitoringController(store *state.Store, writer mirror.Writer) *MonitoringController {
	return &MonitoringController{
		mirrorer: mirrorer{store: store, writer: writer},
		now:      time.Now,
	}
}

// Set records the preference and resets the notification threshold to the
// current time and execution. While a cell is running the preference is
// also mirrored to the session API; that write is best-effort.
func (m *MonitoringController) Set(ctx context.Context, monitoring string) error {
	switch monitoring {
	case state.MonitorNone, state.MonitorError, state.MonitorStop:
	default:
		return fmt.Errorf("invalid monitoring state %q", monitoring)
	}

	if err := m.store.Set(state.FieldMonitoringState, monitoring); err != nil {
		return err
	}
	if err := m.store.Set(state.FieldNotifyMinTime, m.now().UnixMilli()); err != nil {
		return err
	}
	if err := m.store.Set(state.FieldNotifyMinExecution, m.store.Get(state.FieldExecutionNum)); err != nil {
		return err
	}

	m.write(ctx, map[string]any{mirror.KeyNotifyOn: monitoring})
	return nil
}

// State returns the current preference.
func (m *MonitoringController) State() string {
	s, ok := m.store.String(state.FieldMonitoringState)
	if !ok {
		return state.MonitorNone
	}
	return s
}
