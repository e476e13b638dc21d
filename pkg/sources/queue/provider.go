// Package queue fires workflow executions from a Redis list. Producers push
// JSON payloads; the provider pops them and submits executions.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weftlab/weft/pkg/protocol"
)

const popTimeout = 5 * time.Second

var ErrNoCallback = errors.New("queue provider requires an execute callback")

// Message is the payload producers push onto the list.
type Message struct {
	WorkflowID  string         `json:"workflow_id"`
	TriggerData map[string]any `json:"trigger_data,omitempty"`
}

// Provider consumes trigger messages from one Redis list.
type Provider struct {
	logger   *slog.Logger
	client   *redis.Client
	queue    string
	callback protocol.ExecuteCallback

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func NewProvider(logger *slog.Logger, redisURL, queue string) (*Provider, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	return &Provider{
		logger: logger.With("module", "queue_source", "queue", queue),
		client: redis.NewClient(opts),
		queue:  queue,
	}, nil
}

// Start begins consuming the list.
func (p *Provider) Start(ctx context.Context, callback protocol.ExecuteCallback) error {
	if callback == nil {
		return ErrNoCallback
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil
	}

	if err := p.client.Ping(ctx).Err(); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.callback = callback
	p.cancel = cancel
	p.done = make(chan struct{})
	p.started = true

	go p.consume(loopCtx)

	p.logger.Info("queue source started")

	return nil
}

// Stop halts consumption and closes the client.
func (p *Provider) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return nil
	}

	p.cancel()

	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.started = false

	if err := p.client.Close(); err != nil {
		return err
	}

	p.logger.Info("queue source stopped")

	return nil
}

func (p *Provider) consume(ctx context.Context) {
	defer close(p.done)

	for {
		if ctx.Err() != nil {
			return
		}

		result, err := p.client.BLPop(ctx, popTimeout, p.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}

			p.logger.Error("queue pop failed", "error", err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}

			continue
		}

		// BLPop returns [key, value].
		if len(result) < 2 {
			continue
		}

		p.handle(ctx, []byte(result[1]))
	}
}

func (p *Provider) handle(ctx context.Context, payload []byte) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		p.logger.Warn("dropping malformed queue message", "error", err)

		return
	}

	if msg.WorkflowID == "" {
		p.logger.Warn("dropping queue message without workflow id")

		return
	}

	triggerData := map[string]any{"source": "queue"}
	for k, v := range msg.TriggerData {
		triggerData[k] = v
	}

	if err := p.callback(ctx, msg.WorkflowID, triggerData); err != nil {
		p.logger.Error("queued execution failed to start",
			"workflow_id", msg.WorkflowID, "error", err)
	}
}
