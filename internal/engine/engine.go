// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cobaltcore-dev/valet/internal/conf"
	"github.com/cobaltcore-dev/valet/internal/mqtt"
	"github.com/cobaltcore-dev/valet/internal/resource"
	"github.com/cobaltcore-dev/valet/internal/store"
	"github.com/sapcc/go-bits/jobloop"
)

// Rows the engine reads and writes.
type Store interface {
	PendingRequests() ([]store.Request, error)
	DeleteRequest(id string) error
	PutResult(ctx context.Context, stackID string, payload []byte) error
	PendingEvents() ([]store.Event, error)
	DeleteEvent(id string) error
	GetApp(stackID string) (*store.App, error)
	PutApp(ctx context.Context, stackID string, payload []byte) error
	PutUUIDMapping(ctx context.Context, m store.UUIDMapping) error
	GetUUIDMapping(physicalUUID string) (*store.UUIDMapping, error)
	DeleteUUIDMapping(physicalUUID string) error
}

// Processes placement requests and compute events against the shared
// resource model.
type Engine struct {
	store   Store
	model   *resource.SharedModel
	conf    conf.EngineConfig
	monitor Monitor
	mqtt    mqtt.Client
}

func New(s Store, model *resource.SharedModel, c conf.EngineConfig, monitor Monitor, mqttClient mqtt.Client) *Engine {
	return &Engine{store: s, model: model, conf: c, monitor: monitor, mqtt: mqttClient}
}

// Poll requests and events until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("engine: starting", "interval", e.conf.PollInterval())
	for {
		if err := e.RunOnce(ctx); err != nil {
			slog.Error("engine: iteration stopped", "error", err)
		}
		select {
		case <-ctx.Done():
			slog.Info("engine: shutting down")
			return nil
		case <-time.After(jobloop.DefaultJitter(e.conf.PollInterval())):
		}
	}
}

// Process all pending events, then all pending requests. A failing store
// call ends the iteration, unfinished rows are picked up by the next one.
func (e *Engine) RunOnce(ctx context.Context) error {
	if err := e.processEvents(ctx); err != nil {
		return err
	}
	return e.processRequests(ctx)
}

func (e *Engine) processRequests(ctx context.Context) error {
	requests, err := e.store.PendingRequests()
	if err != nil {
		return err
	}
	for _, req := range requests {
		if err := ctx.Err(); err != nil {
			return err
		}
		jobs, err := ParseJobs(req.Payload)
		if err != nil {
			slog.Warn("engine: dropping malformed request", "request", req.ID, "error", err)
			if err := e.putResult(ctx, req.ID, errorResult(err.Error())); err != nil {
				return err
			}
		}
		for _, job := range jobs {
			key := job.StackID
			if key == "" {
				key = req.ID
			}
			result, err := e.handleJob(ctx, job)
			if err != nil {
				return fmt.Errorf("failed to process request %s: %w", req.ID, err)
			}
			if err := e.putResult(ctx, key, result); err != nil {
				return err
			}
			if e.monitor.jobs != nil {
				e.monitor.jobs.WithLabelValues(job.Action, result.Status.Type).Inc()
			}
		}
		if err := e.store.DeleteRequest(req.ID); err != nil {
			return fmt.Errorf("failed to delete request %s: %w", req.ID, err)
		}
	}
	return nil
}

// Errors are only returned for failing store calls, everything else ends
// up in the result.
func (e *Engine) handleJob(ctx context.Context, job Job) (Result, error) {
	slog.Info("engine: processing job", "action", job.Action, "stack", job.StackID)
	switch job.Action {
	case ActionCreate, ActionUpdate, ActionReplan:
		return e.place(ctx, job)
	case ActionMigrate:
		return e.migrate(ctx, job)
	case ActionQuery:
		return e.query(job), nil
	case ActionPing:
		return okResult(map[string]any{}), nil
	default:
		return errorResult(fmt.Sprintf("unknown action %q", job.Action)), nil
	}
}

func (e *Engine) putResult(ctx context.Context, key string, result Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	if err := e.store.PutResult(ctx, key, payload); err != nil {
		return fmt.Errorf("failed to write result of %s: %w", key, err)
	}
	return nil
}

// Last placed version of the stack, nil if there is none.
func (e *Engine) loadApp(stackID string) (*AppRecord, error) {
	row, err := e.store.GetApp(stackID)
	if err != nil || row == nil {
		return nil, err
	}
	var record AppRecord
	if err := json.Unmarshal([]byte(row.Payload), &record); err != nil {
		return nil, fmt.Errorf("failed to decode app %s: %w", stackID, err)
	}
	return &record, nil
}

func (e *Engine) saveApp(ctx context.Context, record *AppRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := e.store.PutApp(ctx, record.StackID, payload); err != nil {
		return fmt.Errorf("failed to write app %s: %w", record.StackID, err)
	}
	return nil
}
