package jobs

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskBridgeInitiate hands one accepted bridge request to the relay.
	TaskBridgeInitiate = "bridge:initiate"
	// TaskBridgeSweep retries pending and failed bridge requests.
	TaskBridgeSweep = "bridge:sweep"
	// TaskLedgerIntegrity audits persisted balances against the supply counters.
	TaskLedgerIntegrity = "ledger:integrity"
	// TaskMarketRefresh invalidates cached market analytics.
	TaskMarketRefresh = "market:refresh"
)

// BridgeInitiatePayload identifies the bridge request to relay.
type BridgeInitiatePayload struct {
	RequestID   uuid.UUID `json:"request_id"`
	TxHash      string    `json:"tx_hash"`
	SourceChain string    `json:"source_chain"`
	TargetChain string    `json:"target_chain"`
	Token       string    `json:"token"`
	Amount      string    `json:"amount"`
}

// BridgeSweepPayload bounds a sweep run. Requests touched within the last
// GraceSeconds are left to the bridge:initiate task still queued or retrying
// for them.
type BridgeSweepPayload struct {
	Limit        int `json:"limit"`
	MaxAttempts  int `json:"max_attempts"`
	GraceSeconds int `json:"grace_seconds"`
}

// IntegrityPayload carries no fields today; it exists so the task body is
// valid JSON for future filters.
type IntegrityPayload struct{}

// NewBridgeInitiateTask constructs the relay task. The tx hash doubles as the
// task ID so duplicate enqueues collapse.
func NewBridgeInitiateTask(payload BridgeInitiatePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBridgeInitiate, data, asynq.TaskID(payload.TxHash), asynq.MaxRetry(8)), nil
}

// NewBridgeSweepTask constructs a sweep task.
func NewBridgeSweepTask(payload BridgeSweepPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBridgeSweep, data), nil
}

// NewIntegrityTask constructs a ledger integrity task.
func NewIntegrityTask() (*asynq.Task, error) {
	data, err := json.Marshal(IntegrityPayload{})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerIntegrity, data), nil
}

// NewMarketRefreshTask constructs a market cache refresh task.
func NewMarketRefreshTask() *asynq.Task {
	return asynq.NewTask(TaskMarketRefresh, []byte(`{}`))
}
