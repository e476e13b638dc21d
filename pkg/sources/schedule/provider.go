// Package schedule fires workflow executions on cron expressions.
package schedule

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/weftlab/weft/pkg/models"
	"github.com/weftlab/weft/pkg/protocol"
)

var (
	ErrNoCallback        = errors.New("schedule provider requires an execute callback")
	ErrInvalidExpression = errors.New("invalid cron expression")
)

// Entry binds one cron expression to one workflow.
type Entry struct {
	WorkflowID  string         `json:"workflow_id"`
	Expression  string         `json:"expression"`
	TriggerData map[string]any `json:"trigger_data,omitempty"`
}

// TriggerType is the node type a schedule entry is declared with.
const TriggerType = "trigger:schedule"

// EntriesFor extracts schedule entries from a workflow's enabled schedule
// trigger nodes. The cron expression lives in the node config under "cron";
// an optional "trigger_data" map rides along on each fire.
func EntriesFor(workflow *models.Workflow) []Entry {
	var entries []Entry

	for _, node := range workflow.TriggerNodes() {
		if node.Type != TriggerType || !node.Enabled {
			continue
		}

		expression, ok := node.Config["cron"].(string)
		if !ok || expression == "" {
			continue
		}

		triggerData, _ := node.Config["trigger_data"].(map[string]any)

		entries = append(entries, Entry{
			WorkflowID:  workflow.ID,
			Expression:  expression,
			TriggerData: triggerData,
		})
	}

	return entries
}

// Provider runs a cron scheduler and submits executions when entries fire.
type Provider struct {
	logger   *slog.Logger
	callback protocol.ExecuteCallback

	mu      sync.Mutex
	cron    *cron.Cron
	ids     map[string]cron.EntryID
	started bool
}

func NewProvider(logger *slog.Logger) *Provider {
	return &Provider{
		logger: logger.With("module", "schedule_source"),
		cron:   cron.New(),
		ids:    make(map[string]cron.EntryID),
	}
}

// Start begins firing schedules. Entries may be added before or after.
func (p *Provider) Start(ctx context.Context, callback protocol.ExecuteCallback) error {
	if callback == nil {
		return ErrNoCallback
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil
	}

	p.callback = callback
	p.cron.Start()
	p.started = true

	p.logger.Info("schedule source started")

	return nil
}

// Stop halts the scheduler and waits for in-flight jobs.
func (p *Provider) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return nil
	}

	stopCtx := p.cron.Stop()
	p.started = false

	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	p.logger.Info("schedule source stopped")

	return nil
}

// Add registers one schedule entry. A second Add for the same workflow
// replaces the previous schedule.
func (p *Provider) Add(entry Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id, exists := p.ids[entry.WorkflowID]; exists {
		p.cron.Remove(id)
		delete(p.ids, entry.WorkflowID)
	}

	id, err := p.cron.AddFunc(entry.Expression, func() {
		p.fire(entry)
	})
	if err != nil {
		return errors.Join(ErrInvalidExpression, err)
	}

	p.ids[entry.WorkflowID] = id

	p.logger.Info("schedule registered",
		"workflow_id", entry.WorkflowID, "expression", entry.Expression)

	return nil
}

// Remove drops the schedule for one workflow.
func (p *Provider) Remove(workflowID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id, exists := p.ids[workflowID]; exists {
		p.cron.Remove(id)
		delete(p.ids, workflowID)
	}
}

func (p *Provider) fire(entry Entry) {
	ctx := context.Background()

	triggerData := map[string]any{"source": "schedule"}
	for k, v := range entry.TriggerData {
		triggerData[k] = v
	}

	if err := p.callback(ctx, entry.WorkflowID, triggerData); err != nil {
		p.logger.Error("scheduled execution failed to start",
			"workflow_id", entry.WorkflowID, "error", err)
	}
}
