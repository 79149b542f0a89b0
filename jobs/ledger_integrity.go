package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/solace-ledger/solace/internal/jobs"
	"github.com/solace-ledger/solace/internal/ledger"
)

// IntegrityJob reloads the persisted ledger and checks that balances plus
// mirrored amounts still equal minted minus burned.
type IntegrityJob struct {
	Store   ledger.Store
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewIntegrityJob initialises the integrity handler.
func NewIntegrityJob(store ledger.Store, logger *slog.Logger, metrics *jobmetrics.Metrics) *IntegrityJob {
	return &IntegrityJob{
		Store:   store,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the audit. A violation is reported as a failed run and is
// not retried.
func (j *IntegrityJob) Handle(ctx context.Context, _ *asynq.Task) (resultErr error) {
	if j == nil || j.Store == nil {
		return errors.New("ledger integrity: handler not configured")
	}
	tracker := j.metrics().Track(TaskLedgerIntegrity)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := j.now()
	snap, err := j.Store.Load(ctx)
	if err != nil {
		j.logger().Error("ledger integrity load failed", slog.Any("error", err))
		return err
	}
	err = ledger.VerifySupply(snap.Accounts, snap.Supply)
	j.metrics().SetInvariantDrift(err != nil)
	if err != nil {
		j.logger().Error("ledger invariant broken",
			slog.Int("accounts", len(snap.Accounts)),
			slog.String("minted", snap.Supply.Minted.Dec()),
			slog.String("burned", snap.Supply.Burned.Dec()),
			slog.Any("error", err),
		)
		return errors.Join(err, asynq.SkipRetry)
	}
	j.logger().Info("ledger integrity verified",
		slog.Int("accounts", len(snap.Accounts)),
		slog.String("total_supply", snap.Supply.Total().Dec()),
		slog.Duration("elapsed", j.now().Sub(start)),
	)
	return nil
}

func (j *IntegrityJob) logger() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerIntegrity))
	}
	return slog.Default()
}

func (j *IntegrityJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *IntegrityJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
