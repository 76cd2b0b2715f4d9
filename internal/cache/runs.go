package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const cancelTTL = 24 * time.Hour

func eventsChannel(runID uuid.UUID) string { return fmt.Sprintf("runs:%s:events", runID) }
func cancelKey(runID uuid.UUID) string     { return fmt.Sprintf("runs:%s:cancel", runID) }

// RunBus relays pipeline events and cancel requests between the worker that
// executes a run and API processes that observe it.
type RunBus struct {
	client *redis.Client
}

func NewRunBus(client *redis.Client) *RunBus {
	return &RunBus{client: client}
}

// Publish sends one encoded event to the run's subscribers.
func (b *RunBus) Publish(ctx context.Context, runID uuid.UUID, payload []byte) error {
	if err := b.client.Publish(ctx, eventsChannel(runID), payload).Err(); err != nil {
		return fmt.Errorf("publish run event: %w", err)
	}
	return nil
}

// Subscribe streams payloads published for runID until ctx ends. The
// returned channel is closed when the subscription stops.
func (b *RunBus) Subscribe(ctx context.Context, runID uuid.UUID) (<-chan []byte, error) {
	sub := b.client.Subscribe(ctx, eventsChannel(runID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe run events: %w", err)
	}

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(m.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// RequestCancel flags a run for cancellation.
func (b *RunBus) RequestCancel(ctx context.Context, runID uuid.UUID) error {
	return b.client.Set(ctx, cancelKey(runID), "1", cancelTTL).Err()
}

func (b *RunBus) CancelRequested(ctx context.Context, runID uuid.UUID) (bool, error) {
	err := b.client.Get(ctx, cancelKey(runID)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// WatchCancel polls the cancel flag and calls cancel once it is set.
func (b *RunBus) WatchCancel(ctx context.Context, runID uuid.UUID, every time.Duration, cancel func()) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ok, err := b.CancelRequested(ctx, runID)
			if err == nil && ok {
				cancel()
				return
			}
		}
	}
}
