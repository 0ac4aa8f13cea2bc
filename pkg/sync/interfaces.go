package sync

import (
	"context"
	"time"

	"github.com/clearlake/fleetsync/pkg/models"
	"github.com/clearlake/fleetsync/pkg/sync/reconcile"
)

// PortalClient is the transport/normalizer boundary. *msp.Client implements
// it; tests substitute fakes. Must be safe for concurrent use.
type PortalClient interface {
	CheckCredentials(ctx context.Context) error
	GetBoxes(ctx context.Context) ([]models.Box, error)
	GetDevices(ctx context.Context, boxID string) ([]models.NetworkDevice, error)
	GetAlarms(ctx context.Context, boxID string) ([]models.Alarm, error)
	GetRules(ctx context.Context, boxID string) ([]models.Rule, error)
	GetFlows(ctx context.Context, boxID string, limit int) ([]models.Flow, error)
	DeleteAlarm(ctx context.Context, alarmID string) error
	SetRuleState(ctx context.Context, ruleID string, active bool) error
	RenameDevice(ctx context.Context, deviceID, name string) error
}

// SeenStore persists device last-seen timestamps across restarts.
// *seenstore.Store implements it.
type SeenStore interface {
	Load(ctx context.Context, accountID string, maxAge time.Duration) (map[string]time.Time, error)
	Record(ctx context.Context, accountID string, seen map[string]time.Time) error
	Forget(ctx context.Context, accountID, deviceID string) error
}

// EventSink receives reconciliation deltas. *events.Publisher implements it.
type EventSink interface {
	PublishDelta(ctx context.Context, accountID string, delta *reconcile.Delta) error
}

// ClientFactory builds a portal client for one account.
type ClientFactory func(account *models.AccountConfig) PortalClient

// Clock abstracts time so tests can drive the poll loop.
type Clock interface {
	Now() time.Time
	Ticker(d time.Duration) Ticker
}

// Ticker abstracts the ticker behavior.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}
