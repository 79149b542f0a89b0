package jobs

import (
	jobmetrics "github.com/solace-ledger/solace/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)
