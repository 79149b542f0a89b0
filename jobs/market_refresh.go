package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/solace-ledger/solace/internal/jobs"
)

// VersionBumper invalidates a versioned cache.
type VersionBumper interface {
	Bump(ctx context.Context) (int64, error)
}

// MarketRefreshJob bumps the market cache version so pool analytics and
// prices are fetched fresh on the next request.
type MarketRefreshJob struct {
	Cache   VersionBumper
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// Handle executes the refresh.
func (j *MarketRefreshJob) Handle(ctx context.Context, _ *asynq.Task) (resultErr error) {
	if j == nil || j.Cache == nil {
		return errors.New("market refresh: handler not configured")
	}
	metrics := j.Metrics
	if metrics == nil {
		metrics = defaultJobMetrics
	}
	tracker := metrics.Track(TaskMarketRefresh)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	version, err := j.Cache.Bump(ctx)
	if err != nil {
		return err
	}
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("market cache refreshed", slog.Int64("version", version))
	return nil
}
