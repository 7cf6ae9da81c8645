package worker

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/koval-dev/llmgate/internal"
)

const (
	costRecordChanSize = 1000
	costRecordDrain    = 10 * time.Second
)

// costRecord is a queued cost-accounting write, decoupled from the request
// path so step 6 of the pipeline ("record asynchronously, fire-and-forget")
// never adds accounting latency to a caller's response.
type costRecord struct {
	requestID        string
	userID           string
	model            string
	promptTokens     int
	completionTokens int
	costUSD          float64
}

// CostRecorderTarget is the persistence interface CostRecorder drains into.
// Implemented by *cost.Tracker.
type CostRecorderTarget interface {
	Record(ctx context.Context, userID, model string, promptTokens, completionTokens int, costUSD float64)
}

// CostRecorder buffers cost-accounting writes and flushes them to a
// CostRecorderTarget off the request path. Records are dropped (and
// logged) if the channel is full, matching the component contract: cost
// recording is best-effort and must never block or penalize the caller
// that already received its completion.
type CostRecorder struct {
	ch     chan costRecord
	target CostRecorderTarget
}

// NewCostRecorder creates a CostRecorder backed by target.
func NewCostRecorder(target CostRecorderTarget) *CostRecorder {
	return &CostRecorder{
		ch:     make(chan costRecord, costRecordChanSize),
		target: target,
	}
}

// Name returns the worker identifier.
func (c *CostRecorder) Name() string { return "cost_recorder" }

// Enqueue schedules a cost record for asynchronous persistence. requestID
// travels with the record so the eventual cost_tracked log line still
// correlates with the request that produced it. Enqueue never blocks the
// caller; a full channel drops the record with a warning log.
func (c *CostRecorder) Enqueue(requestID, userID, model string, promptTokens, completionTokens int, costUSD float64) {
	select {
	case c.ch <- costRecord{requestID, userID, model, promptTokens, completionTokens, costUSD}:
	default:
		slog.Warn("cost record dropped, channel full", "user_id", userID, "model", model)
	}
}

// Run drains queued records into target until ctx is cancelled, then
// drains whatever remains with a bounded grace period.
func (c *CostRecorder) Run(ctx context.Context) error {
	for {
		select {
		case r := <-c.ch:
			c.record(ctx, r)
		case <-ctx.Done():
			c.drain()
			return nil
		}
	}
}

func (c *CostRecorder) record(ctx context.Context, r costRecord) {
	ctx = gateway.ContextWithRequestID(ctx, r.requestID)
	c.target.Record(ctx, r.userID, r.model, r.promptTokens, r.completionTokens, r.costUSD)
}

func (c *CostRecorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), costRecordDrain)
	defer cancel()
	for {
		select {
		case r := <-c.ch:
			c.record(ctx, r)
		default:
			return
		}
	}
}
