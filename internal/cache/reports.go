package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"report-service/internal/models"
)

// Reports caches terminal report representations in Redis. Only COMPLETED and
// FAILED reports are ever stored; those states never transition out, so a
// cached entry cannot go stale.
type Reports struct {
	client *redis.Client
	ttl    time.Duration
}

func NewReports(client *redis.Client, ttl time.Duration) *Reports {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Reports{client: client, ttl: ttl}
}

type entry struct {
	Report   models.Report    `json:"report"`
	Artifact *models.Artifact `json:"artifact,omitempty"`
}

// Get returns the cached representation for a report id. Cache errors are
// treated as misses.
func (c *Reports) Get(ctx context.Context, id string) (models.Report, *models.Artifact, bool) {
	raw, err := c.client.Get(ctx, key(id)).Bytes()
	if err != nil {
		return models.Report{}, nil, false
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return models.Report{}, nil, false
	}
	return e.Report, e.Artifact, true
}

// Set stores the representation of a terminal report. Non-terminal states are
// rejected here rather than trusted to the caller.
func (c *Reports) Set(ctx context.Context, report models.Report, artifact *models.Artifact) {
	if !models.TerminalState(report.State) {
		return
	}
	raw, err := json.Marshal(entry{Report: report, Artifact: artifact})
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, key(report.ID), raw, c.ttl).Err()
}

func key(id string) string {
	return "report:" + id
}
