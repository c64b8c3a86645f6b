package internal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type mockRedisClient struct {
	data map[string]string
	ttls map[string]time.Duration
}

func newMockRedisClient() *mockRedisClient {
	return &mockRedisClient{data: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (m *mockRedisClient) Get(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	if val, exists := m.data[key]; exists {
		cmd.SetVal(val)
	} else {
		cmd.SetErr(redis.Nil)
	}
	return cmd
}

func (m *mockRedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	m.data[key] = value.(string)
	m.ttls[key] = expiration
	cmd.SetVal("OK")
	return cmd
}

func (m *mockRedisClient) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	var n int64
	for _, key := range keys {
		if _, ok := m.data[key]; ok {
			delete(m.data, key)
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func TestCacheManager_Key(t *testing.T) {
	cm := &CacheManager{}

	key := cm.Key("clan", "#2PP")
	expected := "clash:clan:#2PP"

	if key != expected {
		t.Errorf("expected key %s, got %s", expected, key)
	}
}

func TestCacheManager_GetSet_Disabled(t *testing.T) {
	cm := NewCacheManager(&Config{CacheEnabled: false})
	ctx := context.Background()

	if cm.Enabled() {
		t.Error("cache should report disabled")
	}
	if err := cm.Set(ctx, "test", "value", time.Hour); err != nil {
		t.Errorf("set should not error when disabled: %v", err)
	}

	var result string
	if err := cm.Get(ctx, "test", &result); err != redis.Nil {
		t.Errorf("get should return redis.Nil when disabled, got %v", err)
	}
	if err := cm.Delete(ctx, "test"); err != nil {
		t.Errorf("delete should not error when disabled: %v", err)
	}
}

func TestCacheManager_GetSet_Redis(t *testing.T) {
	mock := newMockRedisClient()
	cm := &CacheManager{client: mock, enabled: true}
	ctx := context.Background()

	clan := ClanInfo{Tag: "#2PP", Name: "Blue Team", ClanLevel: 12}
	key := cm.Key("clan", clan.Tag)
	if err := cm.Set(ctx, key, clan, 5*time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if mock.ttls[key] != 5*time.Minute {
		t.Errorf("expected TTL 5m, got %v", mock.ttls[key])
	}

	var got ClanInfo
	if err := cm.Get(ctx, key, &got); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Blue Team" || got.ClanLevel != 12 {
		t.Errorf("unexpected cached clan %+v", got)
	}

	if err := cm.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := cm.Get(ctx, key, &got); err != redis.Nil {
		t.Errorf("expected redis.Nil after delete, got %v", err)
	}
}

func TestCacheManager_Get_CorruptEntry(t *testing.T) {
	mock := newMockRedisClient()
	mock.data["clash:clan:#2PP"] = "{not json"
	cm := &CacheManager{client: mock, enabled: true}

	var got ClanInfo
	if err := cm.Get(context.Background(), "clash:clan:#2PP", &got); !errors.Is(err, errCorruptCacheEntry) {
		t.Errorf("expected corrupt entry error, got %v", err)
	}
}
