package internal

import (
	"context"
	"time"
)

// GameAPI is the subset of the game API the sync core needs.
type GameAPI interface {
	GetClan(ctx context.Context, tag string) (*ClanInfo, error)
	GetCurrentWar(ctx context.Context, tag string) (*War, error)
	GetLeagueGroup(ctx context.Context, tag string) (*LeagueGroup, error)
	GetLeagueWar(ctx context.Context, warTag string) (*War, error)
	GetCapitalRaidSeasons(ctx context.Context, tag string, limit int) (*RaidSeasonList, error)
	GetPlayer(ctx context.Context, tag string) (*PlayerInfo, error)
}

type CacheStore interface {
	Get(ctx context.Context, key string, result interface{}) error
	Set(ctx context.Context, key string, data interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Key(parts ...string) string
}

type RateLimiterInterface interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// DocumentStore is the optional sink for computed views. Writes overwrite
// the whole document.
type DocumentStore interface {
	SetDocument(ctx context.Context, collection, id string, doc interface{}) error
	GetDocument(ctx context.Context, collection, id string, out interface{}) error
	ListDocuments(ctx context.Context, collection string) (map[string][]byte, error)
	Close() error
}

type SyncPublisher interface {
	PublishSyncTask(task SyncTask) error
	PublishSyncCompleted(summary SyncSummary) error
}

// Forwarder relays a raw game API path and returns the upstream answer as is.
type Forwarder interface {
	Forward(ctx context.Context, path string) (int, []byte, error)
}
