package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cinematch/backend/pkg/queue"
)

// Advancer runs the pipeline stage checks for one session.
type Advancer interface {
	Advance(ctx context.Context, code string) error
}

// PipelineProcessor consumes pipeline_advance jobs and runs the stage chain
// for the named session.
type PipelineProcessor struct {
	advancer Advancer
	queue    *queue.Queue
	logger   *zap.Logger
}

// NewPipelineProcessor creates a pipeline job processor.
func NewPipelineProcessor(advancer Advancer, q *queue.Queue, logger *zap.Logger) *PipelineProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PipelineProcessor{advancer: advancer, queue: q, logger: logger}
}

// Process executes one pipeline advance job.
func (p *PipelineProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypePipelineAdvance {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.PipelineAdvancePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if payload.SessionCode == "" {
		return fmt.Errorf("empty session code")
	}

	if err := p.advancer.Advance(ctx, payload.SessionCode); err != nil {
		return fmt.Errorf("advance %s: %w", payload.SessionCode, err)
	}
	p.logger.Debug("pipeline advance done", zap.String("session_code", payload.SessionCode))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *PipelineProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("pipeline worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
			continue
		}
	}
}
