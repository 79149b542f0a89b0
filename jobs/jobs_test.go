package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/solace-ledger/solace/internal/jobs"
	"github.com/solace-ledger/solace/internal/ledger"
	"github.com/solace-ledger/solace/internal/relay"
)

type stubRelayer struct {
	err   error
	calls int
}

func (s *stubRelayer) Submit(context.Context, relay.Request) error {
	s.calls++
	return s.err
}

func newRequest(t *testing.T, repo *relay.MemoryRepository) relay.Request {
	t.Helper()
	req := relay.NewRequest("ethereum", "polygon", "0xtoken", uint256.NewInt(100), time.Now().UTC())
	require.NoError(t, repo.Create(context.Background(), req))
	return req
}

func initiateTask(t *testing.T, req relay.Request) *asynq.Task {
	t.Helper()
	task, err := NewBridgeInitiateTask(BridgeInitiatePayload{
		RequestID: req.ID,
		TxHash:    req.TxHash,
		Amount:    req.Amount.Dec(),
	})
	require.NoError(t, err)
	return task
}

func TestBridgeRelayJobSubmits(t *testing.T) {
	repo := relay.NewMemoryRepository()
	req := newRequest(t, repo)
	relayer := &stubRelayer{}
	metrics := jobmetrics.NewMetrics(prometheus.NewRegistry())
	job := NewBridgeRelayJob(repo, relayer, nil, metrics)

	require.NoError(t, job.Handle(context.Background(), initiateTask(t, req)))
	got, err := repo.Get(context.Background(), req.ID)
	require.NoError(t, err)
	require.Equal(t, relay.StatusSubmitted, got.Status)
	require.Equal(t, 1, relayer.calls)

	// already submitted requests are not relayed again
	require.NoError(t, job.Handle(context.Background(), initiateTask(t, req)))
	require.Equal(t, 1, relayer.calls)
}

func TestBridgeRelayJobRecordsFailure(t *testing.T) {
	repo := relay.NewMemoryRepository()
	req := newRequest(t, repo)
	job := NewBridgeRelayJob(repo, &stubRelayer{err: errors.New("relay down")}, nil, nil)

	err := job.Handle(context.Background(), initiateTask(t, req))
	require.Error(t, err)
	got, getErr := repo.Get(context.Background(), req.ID)
	require.NoError(t, getErr)
	require.Equal(t, relay.StatusFailed, got.Status)
	require.Equal(t, "relay down", got.LastError)
}

func TestBridgeRelayJobRejectsBadPayload(t *testing.T) {
	job := NewBridgeRelayJob(relay.NewMemoryRepository(), nil, nil, nil)
	err := job.Handle(context.Background(), asynq.NewTask(TaskBridgeInitiate, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	missing := relay.Request{ID: [16]byte{9}, TxHash: "0x01", Amount: uint256.NewInt(1)}
	err = job.Handle(context.Background(), initiateTask(t, missing))
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.ErrorIs(t, err, relay.ErrNotFound)
}

func TestBridgeSweepRetriesUnsettled(t *testing.T) {
	repo := relay.NewMemoryRepository()
	first := newRequest(t, repo)
	second := newRequest(t, repo)
	require.NoError(t, repo.MarkAttempt(context.Background(), second.ID, relay.StatusFailed, "timeout"))

	relayer := &stubRelayer{}
	job := NewBridgeRelayJob(repo, relayer, nil, nil)
	task, err := NewBridgeSweepTask(BridgeSweepPayload{Limit: 10})
	require.NoError(t, err)

	// fresh rows belong to their bridge:initiate task
	require.NoError(t, job.HandleSweep(context.Background(), task))
	require.Zero(t, relayer.calls)

	job.clock = func() time.Time { return time.Now().UTC().Add(defaultSweepGrace + time.Minute) }
	require.NoError(t, job.HandleSweep(context.Background(), task))
	require.Equal(t, 2, relayer.calls)

	for _, id := range []relay.Request{first, second} {
		got, err := repo.Get(context.Background(), id.ID)
		require.NoError(t, err)
		require.Equal(t, relay.StatusSubmitted, got.Status)
	}
}

func TestBridgeSweepSkipsExhaustedRequests(t *testing.T) {
	repo := relay.NewMemoryRepository()
	req := newRequest(t, repo)
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.MarkAttempt(context.Background(), req.ID, relay.StatusFailed, "boom"))
	}
	relayer := &stubRelayer{}
	job := NewBridgeRelayJob(repo, relayer, nil, nil)
	job.clock = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	task, err := NewBridgeSweepTask(BridgeSweepPayload{MaxAttempts: 3})
	require.NoError(t, err)
	require.NoError(t, job.HandleSweep(context.Background(), task))
	require.Zero(t, relayer.calls)
}

type brokenStore struct {
	ledger.Store
	snap ledger.Snapshot
}

func (b brokenStore) Load(context.Context) (ledger.Snapshot, error) { return b.snap, nil }

func TestIntegrityJob(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	eng, err := ledger.Open(ctx, store, ledger.Options{Genesis: "0xadmin"})
	require.NoError(t, err)
	err = eng.Mint(ctx, "0xadmin", "0xalice", uint256.NewInt(500))
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(registry)
	task, err := NewIntegrityTask()
	require.NoError(t, err)

	require.NoError(t, NewIntegrityJob(store, nil, metrics).Handle(ctx, task))

	snap, err := store.Load(ctx)
	require.NoError(t, err)
	snap.Accounts[0].Balance = uint256.NewInt(1)
	err = NewIntegrityJob(brokenStore{Store: store, snap: snap}, nil, metrics).Handle(ctx, task)
	require.ErrorIs(t, err, ledger.ErrInvariantViolated)
	require.ErrorIs(t, err, asynq.SkipRetry)

	families, err := registry.Gather()
	require.NoError(t, err)
	var drift float64
	for _, f := range families {
		if f.GetName() == "solace_ledger_invariant_broken" {
			drift = f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	require.Equal(t, float64(1), drift)
}

type countingBumper struct{ n int64 }

func (c *countingBumper) Bump(context.Context) (int64, error) {
	c.n++
	return c.n, nil
}

func TestMarketRefreshJob(t *testing.T) {
	bumper := &countingBumper{}
	metrics := jobmetrics.NewMetrics(prometheus.NewRegistry())
	job := &MarketRefreshJob{Cache: bumper, Metrics: metrics}
	require.NoError(t, job.Handle(context.Background(), NewMarketRefreshTask()))
	require.EqualValues(t, 1, bumper.n)

	require.Error(t, (&MarketRefreshJob{}).Handle(context.Background(), NewMarketRefreshTask()))
}

func TestHandlerHealthWithoutInspector(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(nil, nil).MountRoutes(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body queueHealth
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, QueueDefault, body.Queue)
	require.Zero(t, body.Pending)
}

func TestBridgeInitiateTaskID(t *testing.T) {
	task, err := NewBridgeInitiateTask(BridgeInitiatePayload{TxHash: "0xabc", Amount: "1"})
	require.NoError(t, err)
	require.Equal(t, TaskBridgeInitiate, task.Type())
	var payload BridgeInitiatePayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.Equal(t, "0xabc", payload.TxHash)
}
