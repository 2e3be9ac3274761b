package daemon

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/orchestrator"
	"github.com/msageha/conductor/internal/uds"
)

// Control socket commands.
const (
	CmdPing           = "ping"
	CmdStatus         = "status"
	CmdAbort          = "abort"
	CmdTriggerDequeue = "trigger_dequeue"
	CmdShutdown       = "shutdown"
)

// AbortParams selects the executions to abort; a nil ID aborts every execution of Kind.
type AbortParams struct {
	Kind model.ExecutionKind `json:"kind"`
	ID   *uuid.UUID          `json:"id,omitempty"`
}

type AbortResult struct {
	InstanceIDs []uuid.UUID `json:"instanceIds"`
}

type StateResult struct {
	Role  string `json:"role"`
	State string `json:"state"`
}

func (d *Daemon) registerControl() {
	d.control.Handle(CmdPing, func(context.Context, json.RawMessage) (any, error) {
		return StateResult{Role: d.role.name(), State: "ok"}, nil
	})
	d.control.Handle(CmdStatus, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return d.role.status(ctx)
	})
	d.control.Handle(CmdAbort, func(ctx context.Context, params json.RawMessage) (any, error) {
		var p AbortParams
		if err := uds.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		if p.Kind == "" {
			p.Kind = model.KindMigration
		}
		ids, err := d.role.abort(ctx, p.Kind, p.ID)
		if err != nil {
			return nil, err
		}
		d.logger.Infof("control_abort kind=%s aborted=%d", p.Kind, len(ids))
		return AbortResult{InstanceIDs: ids}, nil
	})
	if t, ok := d.role.(orchestrator.Trigger); ok {
		d.control.Handle(CmdTriggerDequeue, func(context.Context, json.RawMessage) (any, error) {
			t.TriggerDequeue()
			return StateResult{Role: d.role.name(), State: "dequeue_triggered"}, nil
		})
	}
	d.control.Handle(CmdShutdown, func(context.Context, json.RawMessage) (any, error) {
		d.logger.Infof("shutdown_requested source=control")
		go d.Shutdown()
		return StateResult{Role: d.role.name(), State: "shutting_down"}, nil
	})
}
