// ABOUTME: In-memory fan-out of the latest value to watchers
// ABOUTME: Drives list_ws so browsers see machine list changes without polling

package watch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Hub holds the most recent value of T and pushes every change to its
// subscribers. Each subscriber channel has room for one value; when a
// subscriber falls behind, the pending value is replaced by the newer one so
// slow readers always catch up to the latest state.
type Hub[T any] struct {
	mu          sync.Mutex
	subscribers map[string]chan T
	current     T
	hasCurrent  bool
	equal       func(a, b T) bool
	closed      bool
	logger      *slog.Logger
}

// NewHub creates a hub. equal decides whether a published value differs from
// the current one; unchanged values are not pushed. Pass nil logger for default.
func NewHub[T any](equal func(a, b T) bool, logger *slog.Logger) *Hub[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub[T]{
		subscribers: make(map[string]chan T),
		equal:       equal,
		logger:      logger.With("component", "watch"),
	}
}

// Subscribe registers a watcher. If a value has been published the channel
// already holds it. The subscription is cleaned up when ctx is cancelled.
func (h *Hub[T]) Subscribe(ctx context.Context) (<-chan T, string) {
	subID := uuid.New().String()
	ch := make(chan T, 1)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if h.hasCurrent {
		ch <- h.current
	}
	h.subscribers[subID] = ch
	count := len(h.subscribers)
	h.mu.Unlock()

	h.logger.Debug("watcher added", "sub_id", subID, "watchers", count)

	go func() {
		<-ctx.Done()
		h.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish records v as the current value and pushes it to every watcher.
// Returns false when v equals the current value and nothing was pushed.
func (h *Hub[T]) Publish(v T) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	if h.hasCurrent && h.equal != nil && h.equal(h.current, v) {
		return false
	}
	h.current = v
	h.hasCurrent = true

	for _, ch := range h.subscribers {
		select {
		case ch <- v:
		default:
			// Replace the stale pending value with the new one.
			select {
			case <-ch:
			default:
			}
			ch <- v
		}
	}
	return true
}

// Current returns the latest published value and whether one exists.
func (h *Hub[T]) Current() (T, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current, h.hasCurrent
}

// Unsubscribe removes a watcher and closes its channel.
func (h *Hub[T]) Unsubscribe(subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.subscribers[subID]
	if !ok {
		return
	}
	delete(h.subscribers, subID)
	close(ch)

	h.logger.Debug("watcher removed", "sub_id", subID)
}

// Len returns the number of active watchers.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Close shuts down the hub and closes all watcher channels.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
}
