// Package stage maintains the append-only audit trail of pipeline stage
// executions and fans stage transitions out to progress subscribers.
package stage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/meridianbio/drugintel/internal/model"
)

// Appender is the slice of the store the recorder needs.
type Appender interface {
	AppendStage(ctx context.Context, exec model.StageExecution) (*model.StageExecution, error)
}

// Recorder assigns strictly increasing stage orders per request×category
// and persists one execution record per stage. The store's uniqueness
// constraints make duplicate recordings fail loudly rather than silently
// superseding the original trail.
type Recorder struct {
	store Appender

	mu      sync.Mutex
	next    map[string]int
	subs    map[int]chan model.ProgressEvent
	nextSub int
}

// NewRecorder creates a Recorder over the given store.
func NewRecorder(st Appender) *Recorder {
	return &Recorder{
		store: st,
		next:  make(map[string]int),
		subs:  make(map[int]chan model.ProgressEvent),
	}
}

func orderKey(requestID, categoryKey string) string {
	return requestID + "\x00" + categoryKey
}

// Record persists one stage execution. StageOrder is assigned here; callers
// never pick their own.
func (r *Recorder) Record(ctx context.Context, exec model.StageExecution) (*model.StageExecution, error) {
	r.mu.Lock()
	key := orderKey(exec.RequestID, exec.CategoryKey)
	r.next[key]++
	exec.StageOrder = r.next[key]
	r.mu.Unlock()

	// A stage that ran is recorded even when the surrounding request has
	// been cancelled; the trail reflects what actually executed.
	saved, err := r.store.AppendStage(context.WithoutCancel(ctx), exec)
	if err != nil {
		return nil, eris.Wrapf(err, "recording stage %s for %s/%s", exec.Stage, exec.RequestID, exec.CategoryKey)
	}

	r.publish(model.ProgressEvent{
		RequestID:   exec.RequestID,
		CategoryKey: exec.CategoryKey,
		Stage:       exec.Stage,
		Executed:    exec.Executed,
		Skipped:     exec.Skipped,
		Timestamp:   exec.CompletedAt,
	})
	return saved, nil
}

// Skip records a stage that was deliberately not executed. Distinguishable
// from an executed stage with degraded output.
func (r *Recorder) Skip(ctx context.Context, requestID, categoryKey string, st model.Stage, reason string) error {
	now := time.Now().UTC()
	_, err := r.Record(ctx, model.StageExecution{
		RequestID:   requestID,
		CategoryKey: categoryKey,
		Stage:       st,
		Skipped:     true,
		SkipReason:  reason,
		StartedAt:   now,
		CompletedAt: now,
	})
	return err
}

// Track runs one stage and records its input, output, duration, and
// metadata. The stage is recorded as executed even when fn fails; the
// failure is captured in metadata and returned to the caller.
func (r *Recorder) Track(ctx context.Context, requestID, categoryKey string, st model.Stage, input any, fn func(ctx context.Context) (any, map[string]any, error)) error {
	started := time.Now().UTC()
	output, metadata, fnErr := fn(ctx)
	completed := time.Now().UTC()

	exec := model.StageExecution{
		RequestID:   requestID,
		CategoryKey: categoryKey,
		Stage:       st,
		Executed:    true,
		Metadata:    metadata,
		DurationMS:  completed.Sub(started).Milliseconds(),
		StartedAt:   started,
		CompletedAt: completed,
	}
	if fnErr != nil {
		if exec.Metadata == nil {
			exec.Metadata = make(map[string]any, 1)
		}
		exec.Metadata["error"] = fnErr.Error()
	}

	var err error
	if exec.Input, err = marshalPayload(input); err != nil {
		return err
	}
	if exec.Output, err = marshalPayload(output); err != nil {
		return err
	}

	if _, err := r.Record(ctx, exec); err != nil {
		// The stage itself ran; losing its audit record is its own failure.
		zap.L().Error("stage: record failed",
			zap.String("request_id", requestID),
			zap.String("category", categoryKey),
			zap.String("stage", string(st)),
			zap.Error(err),
		)
		if fnErr == nil {
			return err
		}
	}
	return fnErr
}

func marshalPayload(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	b, err := json.Marshal(v)
	return b, eris.Wrap(err, "marshaling stage payload")
}

// Subscribe returns a channel of progress events and a cancel function.
// Slow subscribers drop events rather than stalling the pipeline.
func (r *Recorder) Subscribe() (<-chan model.ProgressEvent, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSub
	r.nextSub++
	ch := make(chan model.ProgressEvent, 64)
	r.subs[id] = ch

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if sub, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (r *Recorder) publish(ev model.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
