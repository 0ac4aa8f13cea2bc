package sync

import (
	"sort"
	"time"

	"github.com/clearlake/fleetsync/pkg/models"
)

// Health is the per-account diagnostic view served by the status surface.
type Health struct {
	AccountID           string                `json:"account_id"`
	LastSuccess         time.Time             `json:"last_success"`
	Age                 time.Duration         `json:"age"`
	ConsecutiveFailures int                   `json:"consecutive_failures"`
	NeedsReauth         bool                  `json:"needs_reauth"`
	StaleKinds          []models.ResourceKind `json:"stale_kinds,omitempty"`
	StaleProtected      []string              `json:"stale_protected,omitempty"`

	Boxes   int `json:"boxes"`
	Devices int `json:"devices"`
	Alarms  int `json:"alarms"`
	Rules   int `json:"rules"`
	Flows   int `json:"flows"`

	// Totals is only populated when the account's bandwidth feature is on.
	Totals *models.TrafficTotals `json:"totals,omitempty"`
}

// Health assembles the runner's current diagnostics.
func (r *AccountRunner) Health() Health {
	snapshot, stats := r.cache.Get()

	r.mu.Lock()
	protected := append([]string(nil), r.staleProtected...)
	needsReauth := r.needsReauth
	r.mu.Unlock()

	h := Health{
		AccountID:           r.account.ID,
		LastSuccess:         stats.LastSuccess,
		Age:                 stats.Age,
		ConsecutiveFailures: stats.Failures,
		NeedsReauth:         needsReauth,
		StaleProtected:      protected,
	}

	if snapshot == nil {
		return h
	}

	h.Boxes = len(snapshot.Boxes)
	h.Devices = len(snapshot.Devices)
	h.Alarms = len(snapshot.Alarms)
	h.Rules = len(snapshot.Rules)
	h.Flows = len(snapshot.Flows)

	for kind := range snapshot.Stale {
		if snapshot.Stale[kind] {
			h.StaleKinds = append(h.StaleKinds, kind)
		}
	}

	sort.Slice(h.StaleKinds, func(i, j int) bool { return h.StaleKinds[i] < h.StaleKinds[j] })

	if r.account.Features.Bandwidth {
		totals := snapshot.Totals
		h.Totals = &totals
	}

	return h
}
