package internal

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type fakeGameAPI struct {
	mu sync.Mutex

	clan       *ClanInfo
	clanErr    error
	player     *PlayerInfo
	playerErr  error
	currentWar *War
	warErr     error
	group      *LeagueGroup
	groupErr   error
	leagueWars map[string]*War
	warErrs    map[string]error
	raids      *RaidSeasonList
	raidsErr   error

	// warDelay is applied to every league war fetch; ctx ends it early.
	warDelay  time.Duration
	requested []string
}

func orNotFound[T any](v *T, err error) (*T, error) {
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, ErrNotFound
	}
	out := *v
	return &out, nil
}

func (f *fakeGameAPI) GetClan(ctx context.Context, tag string) (*ClanInfo, error) {
	return orNotFound(f.clan, f.clanErr)
}

func (f *fakeGameAPI) GetCurrentWar(ctx context.Context, tag string) (*War, error) {
	return orNotFound(f.currentWar, f.warErr)
}

func (f *fakeGameAPI) GetLeagueGroup(ctx context.Context, tag string) (*LeagueGroup, error) {
	return orNotFound(f.group, f.groupErr)
}

func (f *fakeGameAPI) GetLeagueWar(ctx context.Context, warTag string) (*War, error) {
	f.mu.Lock()
	f.requested = append(f.requested, warTag)
	f.mu.Unlock()

	if f.warDelay > 0 {
		select {
		case <-time.After(f.warDelay):
		case <-ctx.Done():
			return nil, &APIError{Err: ctx.Err()}
		}
	}
	if err := f.warErrs[warTag]; err != nil {
		return nil, err
	}
	return orNotFound(f.leagueWars[warTag], nil)
}

func (f *fakeGameAPI) GetCapitalRaidSeasons(ctx context.Context, tag string, limit int) (*RaidSeasonList, error) {
	return orNotFound(f.raids, f.raidsErr)
}

func (f *fakeGameAPI) GetPlayer(ctx context.Context, tag string) (*PlayerInfo, error) {
	return orNotFound(f.player, f.playerErr)
}

func (f *fakeGameAPI) requestedTags() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requested...)
}

type memoryDocumentStore struct {
	mu      sync.Mutex
	docs    map[string]map[string][]byte
	failSet error
}

func newMemoryDocumentStore() *memoryDocumentStore {
	return &memoryDocumentStore{docs: map[string]map[string][]byte{}}
}

func (m *memoryDocumentStore) SetDocument(ctx context.Context, collection, id string, doc interface{}) error {
	if m.failSet != nil {
		return m.failSet
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.docs[collection] == nil {
		m.docs[collection] = map[string][]byte{}
	}
	m.docs[collection][id] = raw
	return nil
}

func (m *memoryDocumentStore) GetDocument(ctx context.Context, collection, id string, out interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.docs[collection][id]
	if !ok {
		return ErrDocumentNotFound
	}
	return json.Unmarshal(raw, out)
}

func (m *memoryDocumentStore) ListDocuments(ctx context.Context, collection string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.docs[collection]))
	for id, raw := range m.docs[collection] {
		out[id] = raw
	}
	return out, nil
}

func (m *memoryDocumentStore) Close() error { return nil }

func (m *memoryDocumentStore) has(collection, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.docs[collection][id]
	return ok
}
