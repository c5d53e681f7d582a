// Package events publishes progress, artifacts, and terminal results to the
// pub/sub bus. One Publisher is shared process-wide; it owns a dedicated
// Redis connection separate from any other bus usage.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/SaaSManDan/turbobackend-worker/pkg/config"
)

// readyPollInterval is the retry cadence while waiting for the first
// successful bus connection.
const readyPollInterval = 500 * time.Millisecond

// terminalPublishTimeout bounds terminal publishes that outlive their job's
// context.
const terminalPublishTimeout = 10 * time.Second

// Publisher sends typed messages to stream channels. Publishes are
// fire-and-forget: failures are logged, never returned to pipelines.
// Every publish first awaits the ready barrier, resolved by the first
// successful connection.
type Publisher struct {
	client *redis.Client
	ready  chan struct{}
}

// NewPublisher creates a Publisher with its own Redis connection.
func NewPublisher(cfg config.RedisConfig) *Publisher {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Publisher{
		client: client,
		ready:  make(chan struct{}),
	}
}

// NewPublisherWithClient wraps an existing Redis client (useful for testing).
func NewPublisherWithClient(client *redis.Client) *Publisher {
	return &Publisher{client: client, ready: make(chan struct{})}
}

// Start resolves the ready barrier on the first successful PING. It keeps
// retrying in the background until the context is cancelled.
func (p *Publisher) Start(ctx context.Context) {
	go func() {
		for {
			err := p.client.Ping(ctx).Err()
			if err == nil {
				close(p.ready)
				slog.Info("Publisher connected to bus")
				return
			}
			slog.Warn("Publisher bus connection not ready, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(readyPollInterval):
			}
		}
	}()
}

// Close releases the publisher connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}

// PublishProgress publishes a non-terminal progress update.
// progress is clamped to [0, 100].
func (p *Publisher) PublishProgress(ctx context.Context, streamID, message string, progress int) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	p.publish(ctx, streamID, ProgressMessage{Message: message, Progress: progress})
}

// PublishSuccess publishes the terminal success message for a stream.
func (p *Publisher) PublishSuccess(ctx context.Context, streamID, content string) {
	ctx, cancel := detachForTerminal(ctx)
	defer cancel()
	p.publish(ctx, streamID, TerminalMessage{Complete: true, Content: content, IsError: false})
}

// PublishError publishes the terminal failure message for a stream.
func (p *Publisher) PublishError(ctx context.Context, streamID, content string) {
	ctx, cancel := detachForTerminal(ctx)
	defer cancel()
	p.publish(ctx, streamID, TerminalMessage{Complete: true, Content: content, IsError: true})
}

// detachForTerminal severs the job's cancellation while keeping its values.
// A job that failed because its context expired still owes the stream a
// terminal message; the timeout keeps a dead bus from holding the worker.
func detachForTerminal(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), terminalPublishTimeout)
}

// PublishBlueprint publishes an intermediate apiBlueprint artifact.
func (p *Publisher) PublishBlueprint(ctx context.Context, streamID string, content interface{}) {
	p.publish(ctx, streamID, BlueprintMessage{Type: TypeAPIBlueprint, Content: content})
}

// PublishDeploymentTriggered publishes a typed deployment_triggered message.
func (p *Publisher) PublishDeploymentTriggered(ctx context.Context, streamID, url, message string) {
	p.publish(ctx, streamID, DeploymentTriggeredMessage{
		Type:    TypeDeploymentTriggered,
		URL:     url,
		Status:  "pending",
		Message: message,
	})
}

// PublishDeploymentComplete publishes a typed deployment_complete message
// (synchronous deployment path).
func (p *Publisher) PublishDeploymentComplete(ctx context.Context, streamID, url, status, errMsg string) {
	p.publish(ctx, streamID, DeploymentCompleteMessage{
		Type:   TypeDeploymentComplete,
		URL:    url,
		Status: status,
		Error:  errMsg,
	})
}

// PublishLLMChunk streams one LLM text chunk on the job's llm-stream channel.
func (p *Publisher) PublishLLMChunk(ctx context.Context, jobID, chunk string) {
	p.publish(ctx, LLMStreamChannel(jobID), LLMChunkMessage{
		JobID:     jobID,
		Chunk:     chunk,
		Timestamp: time.Now().Unix(),
	})
}

// PublishLLMDone terminates the job's llm-stream channel. errMsg is empty on
// success.
func (p *Publisher) PublishLLMDone(ctx context.Context, jobID, errMsg string) {
	p.publish(ctx, LLMStreamChannel(jobID), LLMChunkMessage{
		JobID:     jobID,
		Done:      true,
		Error:     errMsg,
		Timestamp: time.Now().Unix(),
	})
}

// publish marshals and sends one message. Callers never await subscriber
// acknowledgment; channel ordering is preserved by the bus.
func (p *Publisher) publish(ctx context.Context, channel string, v interface{}) {
	if err := p.awaitReady(ctx); err != nil {
		slog.Warn("Publish skipped, bus never became ready", "channel", channel, "error", err)
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to marshal bus message", "channel", channel, "error", err)
		return
	}
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		slog.Warn("Failed to publish bus message", "channel", channel, "error", err)
	}
}

func (p *Publisher) awaitReady(ctx context.Context) error {
	select {
	case <-p.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("awaiting publisher ready: %w", ctx.Err())
	}
}
