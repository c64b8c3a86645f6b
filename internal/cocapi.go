package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	clanCacheTTL        = 5 * time.Minute
	playerCacheTTL      = 10 * time.Minute
	currentWarCacheTTL  = time.Minute
	leagueGroupCacheTTL = time.Minute
	liveWarCacheTTL     = time.Minute
	endedWarCacheTTL    = 24 * time.Hour
	raidCacheTTL        = 10 * time.Minute

	maxErrorBodyLen = 512
)

type CocAPIClient struct {
	apiKey         string
	baseURL        string
	client         *http.Client
	cache          CacheStore
	limiter        *rate.Limiter
	requestTimeout time.Duration
	logger         *Logger
	metrics        *MetricsCollector
}

func NewCocAPIClient(cfg *Config, cache CacheStore, logger *Logger, metrics *MetricsCollector) *CocAPIClient {
	if cache == nil {
		cache = &CacheManager{enabled: false}
	}
	if logger == nil {
		logger = NopLogger()
	}

	limit := rate.Inf
	if cfg.APIRequestsPerSecond > 0 {
		limit = rate.Limit(cfg.APIRequestsPerSecond)
	}
	burst := cfg.APIBurst
	if burst < 1 {
		burst = 1
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := cfg.CocBaseURL
	if baseURL == "" {
		baseURL = defaultCocBaseURL
	}

	return &CocAPIClient{
		apiKey:         cfg.CocAPIKey,
		baseURL:        baseURL,
		client:         &http.Client{Timeout: timeout},
		cache:          cache,
		limiter:        rate.NewLimiter(limit, burst),
		requestTimeout: timeout,
		logger:         logger,
		metrics:        metrics,
	}
}

// Forward performs a raw GET of path (already encoded) and returns the
// upstream status and body untouched.
func (c *CocAPIClient) Forward(ctx context.Context, path string) (int, []byte, error) {
	return c.doRequest(ctx, path, "proxy")
}

func (c *CocAPIClient) doRequest(ctx context.Context, path, endpoint string) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		// Wait refuses early when the next slot lies past the deadline.
		cause := ctx.Err()
		if cause == nil {
			cause = context.DeadlineExceeded
		}
		return 0, nil, &APIError{Err: fmt.Errorf("waiting for request slot: %w: %v", cause, err)}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, nil, &APIError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.metrics.RecordAPICall(endpoint, 0, time.Since(start))
		return 0, nil, &APIError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	c.metrics.RecordAPICall(endpoint, resp.StatusCode, time.Since(start))
	if err != nil {
		return resp.StatusCode, nil, &APIError{Status: resp.StatusCode, Err: err}
	}

	c.logger.Debug("coc_api_response").
		Component("coc_api").
		Operation(endpoint).
		HTTP(http.MethodGet, path, resp.StatusCode).
		Duration(time.Since(start)).
		Log()

	return resp.StatusCode, body, nil
}

func (c *CocAPIClient) getJSON(ctx context.Context, path, endpoint string, out interface{}) error {
	status, body, err := c.doRequest(ctx, path, endpoint)
	if err != nil {
		return err
	}

	switch {
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrAccessDenied, truncate(string(body), maxErrorBodyLen))
	case status < 200 || status > 299:
		return &APIError{Status: status, Body: truncate(string(body), maxErrorBodyLen)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &APIError{Err: fmt.Errorf("%w: %s: %v", ErrMalformedResponse, endpoint, err)}
	}
	return nil
}

// cachedGet is the lookup/fetch/store cycle shared by every getter. ttl
// receives the fresh value so callers can vary expiry with its state.
func cachedGet[T any](ctx context.Context, c *CocAPIClient, cacheKey, path, endpoint string, ttl func(*T) time.Duration) (*T, error) {
	var cached T
	err := c.cache.Get(ctx, cacheKey, &cached)
	if err == nil {
		c.metrics.RecordCacheHit(cacheKey)
		return &cached, nil
	}
	c.metrics.RecordCacheMiss(cacheKey)
	if errors.Is(err, errCorruptCacheEntry) {
		if derr := c.cache.Delete(ctx, cacheKey); derr != nil {
			err = derr
		}
		c.logger.Warn("cache_entry_dropped").
			Component("coc_api").
			Operation(endpoint).
			Cache(false, cacheKey).
			Err(err).
			Log()
	}

	var result T
	if err := c.getJSON(ctx, path, endpoint, &result); err != nil {
		return nil, err
	}

	if err := c.cache.Set(ctx, cacheKey, &result, ttl(&result)); err != nil {
		c.logger.Warn("cache_set_failed").
			Component("coc_api").
			Operation(endpoint).
			Cache(false, cacheKey).
			Err(err).
			Log()
	}
	return &result, nil
}

func fixedTTL[T any](d time.Duration) func(*T) time.Duration {
	return func(*T) time.Duration { return d }
}

func (c *CocAPIClient) GetClan(ctx context.Context, tag string) (*ClanInfo, error) {
	tag = NormalizeTag(tag)
	if tag == "" {
		return nil, errors.New("clan tag cannot be empty")
	}
	return cachedGet(ctx, c, c.cache.Key("clan", tag), "/clans/"+EncodeTag(tag), "clan", fixedTTL[ClanInfo](clanCacheTTL))
}

// GetCurrentWar returns ErrNotFound when the clan is not warring, whether
// the API says so with a 404 or with state "notInWar".
func (c *CocAPIClient) GetCurrentWar(ctx context.Context, tag string) (*War, error) {
	tag = NormalizeTag(tag)
	if tag == "" {
		return nil, errors.New("clan tag cannot be empty")
	}
	war, err := cachedGet(ctx, c, c.cache.Key("currentwar", tag), "/clans/"+EncodeTag(tag)+"/currentwar", "current_war", fixedTTL[War](currentWarCacheTTL))
	if err != nil {
		return nil, err
	}
	if war.State == WarStateNotInWar || war.State == "" {
		return nil, ErrNotFound
	}
	return war, nil
}

func (c *CocAPIClient) GetLeagueGroup(ctx context.Context, tag string) (*LeagueGroup, error) {
	tag = NormalizeTag(tag)
	if tag == "" {
		return nil, errors.New("clan tag cannot be empty")
	}
	return cachedGet(ctx, c, c.cache.Key("leaguegroup", tag), "/clans/"+EncodeTag(tag)+"/currentwar/leaguegroup", "league_group", fixedTTL[LeagueGroup](leagueGroupCacheTTL))
}

func (c *CocAPIClient) GetLeagueWar(ctx context.Context, warTag string) (*War, error) {
	warTag = NormalizeTag(warTag)
	if warTag == "" || warTag == NoWarTag {
		return nil, ErrNotFound
	}
	ttl := func(w *War) time.Duration {
		if w.State == WarStateEnded {
			return endedWarCacheTTL
		}
		return liveWarCacheTTL
	}
	war, err := cachedGet(ctx, c, c.cache.Key("leaguewar", warTag), "/clanwarleagues/wars/"+EncodeTag(warTag), "league_war", ttl)
	if err != nil {
		return nil, err
	}
	war.WarTag = warTag
	return war, nil
}

func (c *CocAPIClient) GetCapitalRaidSeasons(ctx context.Context, tag string, limit int) (*RaidSeasonList, error) {
	tag = NormalizeTag(tag)
	if tag == "" {
		return nil, errors.New("clan tag cannot be empty")
	}
	path := "/clans/" + EncodeTag(tag) + "/capitalraidseasons"
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}
	return cachedGet(ctx, c, c.cache.Key("raids", tag, fmt.Sprint(limit)), path, "capital_raids", fixedTTL[RaidSeasonList](raidCacheTTL))
}

func (c *CocAPIClient) GetPlayer(ctx context.Context, tag string) (*PlayerInfo, error) {
	tag = NormalizeTag(tag)
	if tag == "" {
		return nil, errors.New("player tag cannot be empty")
	}
	return cachedGet(ctx, c, c.cache.Key("player", tag), "/players/"+EncodeTag(tag), "player", fixedTTL[PlayerInfo](playerCacheTTL))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
