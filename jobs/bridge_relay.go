package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/solace-ledger/solace/internal/jobs"
	"github.com/solace-ledger/solace/internal/relay"
)

const (
	defaultMaxAttempts = 8
	defaultSweepGrace  = 2 * time.Minute
)

// BridgeRelayJob hands accepted bridge requests to the relay and records the
// outcome on the request row.
type BridgeRelayJob struct {
	Requests relay.Repository
	Relayer  relay.Relayer
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// NewBridgeRelayJob wires dependencies for the relay handlers.
func NewBridgeRelayJob(requests relay.Repository, relayer relay.Relayer, logger *slog.Logger, metrics *jobmetrics.Metrics) *BridgeRelayJob {
	return &BridgeRelayJob{
		Requests: requests,
		Relayer:  relayer,
		Logger:   logger,
		Metrics:  metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes TaskBridgeInitiate.
func (j *BridgeRelayJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Requests == nil {
		return errors.New("bridge relay: handler not configured")
	}
	var payload BridgeInitiatePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := j.metrics().Track(TaskBridgeInitiate)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	req, err := j.Requests.Get(ctx, payload.RequestID)
	if errors.Is(err, relay.ErrNotFound) {
		j.logger().Warn("bridge request missing", slog.String("request_id", payload.RequestID.String()))
		return fmt.Errorf("bridge relay: %w: %w", err, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}
	if req.Status == relay.StatusSubmitted {
		return nil
	}
	return j.relay(ctx, req)
}

// HandleSweep processes TaskBridgeSweep.
func (j *BridgeRelayJob) HandleSweep(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Requests == nil {
		return errors.New("bridge relay: handler not configured")
	}
	var payload BridgeSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Limit <= 0 {
		payload.Limit = 50
	}
	if payload.MaxAttempts <= 0 {
		payload.MaxAttempts = defaultMaxAttempts
	}
	grace := defaultSweepGrace
	if payload.GraceSeconds > 0 {
		grace = time.Duration(payload.GraceSeconds) * time.Second
	}
	cutoff := j.now().Add(-grace)
	tracker := j.metrics().Track(TaskBridgeSweep)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	var candidates []relay.Request
	for _, status := range []relay.Status{relay.StatusPending, relay.StatusFailed} {
		reqs, err := j.Requests.ListByStatus(ctx, status, payload.Limit)
		if err != nil {
			return err
		}
		candidates = append(candidates, reqs...)
	}
	var failures, skipped int
	for _, req := range candidates {
		if req.Attempts >= payload.MaxAttempts {
			continue
		}
		if req.UpdatedAt.After(cutoff) {
			skipped++
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := j.relay(ctx, req); err != nil {
			failures++
		}
	}
	j.logger().Info("bridge sweep finished",
		slog.Int("candidates", len(candidates)),
		slog.Int("skipped", skipped),
		slog.Int("failures", failures),
	)
	return nil
}

func (j *BridgeRelayJob) relay(ctx context.Context, req relay.Request) error {
	logger := j.logger().With(
		slog.String("tx_hash", req.TxHash),
		slog.String("target_chain", req.TargetChain),
	)
	relayer := j.Relayer
	if relayer == nil {
		relayer = relay.LogRelayer{Logger: j.logger()}
	}
	if err := relayer.Submit(ctx, req); err != nil {
		j.metrics().AddRelayed("failed", 1)
		logger.Warn("bridge relay failed", slog.Int("attempt", req.Attempts+1), slog.Any("error", err))
		if markErr := j.Requests.MarkAttempt(ctx, req.ID, relay.StatusFailed, err.Error()); markErr != nil {
			return errors.Join(err, markErr)
		}
		return err
	}
	if err := j.Requests.MarkAttempt(ctx, req.ID, relay.StatusSubmitted, ""); err != nil {
		return err
	}
	j.metrics().AddRelayed("submitted", 1)
	logger.Info("bridge request submitted", slog.Duration("queued_for", j.now().Sub(req.CreatedAt)))
	return nil
}

func (j *BridgeRelayJob) logger() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

func (j *BridgeRelayJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *BridgeRelayJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
