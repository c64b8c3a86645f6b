package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

type httpError struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
	Code    string `json:"code,omitempty"`
}

func (e httpError) Error() string {
	return e.Message
}

func newHTTPError(message string, status int) httpError {
	return httpError{Message: message, Status: status}
}

func writeError(w http.ResponseWriter, err error, logger *Logger, r *http.Request) {
	var httpErr httpError
	if !errors.As(err, &httpErr) {
		httpErr = newHTTPError("Internal server error", http.StatusInternalServerError)
	}

	requestID := GetRequestID(r.Context())

	logger.Error("api_error").
		Component("http").
		Operation("write_error").
		HTTP(r.Method, r.URL.Path, httpErr.Status).
		Request(r.UserAgent(), ClientIP(r), requestID).
		Err(err).
		ErrorCode(strconv.Itoa(httpErr.Status)).
		Log()

	body := map[string]interface{}{
		"error":     httpErr.Message,
		"status":    httpErr.Status,
		"timestamp": time.Now().Unix(),
		"requestId": requestID,
	}
	if httpErr.Code != "" {
		body["code"] = httpErr.Code
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpErr.Status)
	json.NewEncoder(w).Encode(body)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}, logger *Logger, r *http.Request) {
	payload, err := json.Marshal(data)
	if err != nil {
		logger.Error("json_encode_failed").
			Component("http").
			Operation("write_json").
			Request("", "", GetRequestID(r.Context())).
			Err(err).
			Log()
		writeError(w, newHTTPError("Failed to encode response", http.StatusInternalServerError), logger, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(payload)
}

func withRateLimit(limiter RateLimiterInterface, key string, logger *Logger) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			requestID := GetRequestID(r.Context())

			allowed, err := limiter.Allow(r.Context(), key)
			if err != nil {
				writeError(w, newHTTPError("Rate limiter error", http.StatusInternalServerError), logger, r)
				return
			}

			if !allowed {
				logger.Warn("rate_limit_exceeded").
					Component("rate_limiter").
					Operation("check_limit").
					Request("", ClientIP(r), requestID).
					Meta("key", key).
					Log()
				w.Header().Set("Retry-After", "1")
				writeError(w, newHTTPError("Rate limit exceeded", http.StatusTooManyRequests), logger, r)
				return
			}

			next(w, r)
		}
	}
}

func allowMethod(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

// proxyError keeps the proxy's error bodies to the single "error" field
// browsers already parse.
func proxyError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// ProxyHandler forwards GET /api/coc?endpoint=<path> to the game API with the
// server's key attached. Upstream status and body pass through unchanged.
func ProxyHandler(api Forwarder, apiKey string, limiter RateLimiterInterface, logger *Logger) http.HandlerFunc {
	return withRateLimit(limiter, "proxy", logger)(func(w http.ResponseWriter, r *http.Request) {
		requestID := GetRequestID(r.Context())
		endpoint := r.URL.Query().Get("endpoint")

		if endpoint == "" {
			proxyError(w, http.StatusBadRequest, "Endpoint required")
			return
		}
		if apiKey == "" {
			logger.Error("proxy_api_key_missing").
				Component("proxy").
				Operation("forward").
				Request("", "", requestID).
				Log()
			proxyError(w, http.StatusInternalServerError, "API key not configured")
			return
		}

		path := strings.ReplaceAll(endpoint, "#", "%23")
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}

		status, body, err := api.Forward(r.Context(), path)
		if err != nil {
			logger.Error("proxy_request_failed").
				Component("proxy").
				Operation("forward").
				Request("", "", requestID).
				Meta("path", path).
				Err(err).
				Log()
			proxyError(w, http.StatusInternalServerError, err.Error())
			return
		}

		logger.Info("proxy_request").
			Component("proxy").
			Operation("forward").
			HTTP(http.MethodGet, path, status).
			Request("", "", requestID).
			Log()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body)
	})
}

// MyIPHandler reports the address the game API sees, which is what its key
// allow-list needs.
func MyIPHandler(client *http.Client, echoURL string, logger *Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip, err := lookupOutboundIP(r.Context(), client, echoURL)
		if err != nil {
			logger.Error("outbound_ip_lookup_failed").
				Component("proxy").
				Operation("my_ip").
				Request("", "", GetRequestID(r.Context())).
				Err(err).
				Log()
			proxyError(w, http.StatusInternalServerError, "Failed to get IP")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"outboundIP": ip,
			"message":    "Use this IP for your CoC API key whitelist",
		}, logger, r)
	}
}

func lookupOutboundIP(ctx context.Context, client *http.Client, echoURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, echoURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ip echo returned %d", resp.StatusCode)
	}
	var payload struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&payload); err != nil {
		return "", err
	}
	if payload.IP == "" {
		return "", errors.New("ip echo returned no address")
	}
	return payload.IP, nil
}

// StatusView is what the site renders for the war, league and raid widgets.
type StatusView struct {
	CurrentWar WarStatus  `json:"currentWar"`
	CWL        CWLStatus  `json:"cwl"`
	Raid       RaidStatus `json:"raid"`
	Source     string     `json:"source"`
}

const (
	sourceStore    = "store"
	sourceMemory   = "memory"
	sourceFallback = "fallback"
)

// StatusReader resolves the clash status from the store, then the last run
// in memory, then inactive defaults. It never fails.
type StatusReader struct {
	store        DocumentStore
	orchestrator *SyncOrchestrator
	logger       *Logger
	now          func() time.Time
}

func NewStatusReader(store DocumentStore, orchestrator *SyncOrchestrator, logger *Logger) *StatusReader {
	return &StatusReader{store: store, orchestrator: orchestrator, logger: logger, now: time.Now}
}

func (sr *StatusReader) Status(ctx context.Context) StatusView {
	base := sr.orchestrator.LastResult()
	view := StatusView{Source: sourceMemory}
	if base == nil {
		base = InactiveViews(sr.now().UTC(), sr.orchestrator.Calendar())
		view.Source = sourceFallback
	}
	view.CurrentWar = base.CurrentWar
	view.CWL = base.CWL
	view.Raid = base.Raid

	if sr.store == nil {
		return view
	}

	var (
		war  WarStatus
		cwl  CWLStatus
		raid RaidStatus
	)
	if sr.readDocument(ctx, DocCurrentWar, &war) {
		view.CurrentWar = war
		view.Source = sourceStore
	}
	if sr.readDocument(ctx, DocCWL, &cwl) {
		view.CWL = cwl
		view.Source = sourceStore
	}
	if sr.readDocument(ctx, DocRaid, &raid) {
		view.Raid = raid
		view.Source = sourceStore
	}
	if view.CWL.Standings == nil {
		view.CWL.Standings = []StandingsEntry{}
	}
	return view
}

func (sr *StatusReader) readDocument(ctx context.Context, id string, out interface{}) bool {
	err := sr.store.GetDocument(ctx, CollectionClashStatus, id, out)
	if err == nil {
		return true
	}
	if !errors.Is(err, ErrDocumentNotFound) {
		sr.logger.Warn("status_read_failed").
			Component("status").
			Operation("read").
			Meta("document", id).
			Err(err).
			Log()
	}
	return false
}

// Members returns the roster written by the latest sync. Documents of players
// who left the clan keep an older lastUpdated and are skipped.
func (sr *StatusReader) Members(ctx context.Context) ([]MemberDocument, string) {
	if sr.store != nil {
		if members, ok := sr.storedMembers(ctx); ok {
			return members, sourceStore
		}
	}
	if last := sr.orchestrator.LastResult(); last != nil && last.Members != nil {
		return last.Members, sourceMemory
	}
	return []MemberDocument{}, sourceFallback
}

func (sr *StatusReader) storedMembers(ctx context.Context) ([]MemberDocument, bool) {
	docs, err := sr.store.ListDocuments(ctx, CollectionMembers)
	if err != nil {
		sr.logger.Warn("members_read_failed").
			Component("status").
			Operation("list").
			Err(err).
			Log()
		return nil, false
	}
	if len(docs) == 0 {
		return nil, false
	}

	var (
		members []MemberDocument
		latest  time.Time
	)
	for id, raw := range docs {
		var m MemberDocument
		if err := json.Unmarshal(raw, &m); err != nil {
			sr.logger.Warn("member_decode_failed").
				Component("status").
				Operation("list").
				Meta("document", id).
				Err(err).
				Log()
			continue
		}
		if m.LastUpdated.After(latest) {
			latest = m.LastUpdated
		}
		members = append(members, m)
	}

	current := make([]MemberDocument, 0, len(members))
	for _, m := range members {
		if m.LastUpdated.Equal(latest) {
			current = append(current, m)
		}
	}
	sort.Slice(current, func(i, j int) bool {
		return current[i].Tag < current[j].Tag
	})
	return current, len(current) > 0
}

func (sr *StatusReader) Events() []CalendarEvent {
	return sr.orchestrator.Calendar().PredictEvents(sr.now().UTC())
}

func StatusHandler(reader *StatusReader, logger *Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, reader.Status(r.Context()), logger, r)
	}
}

func StandingsHandler(reader *StatusReader, logger *Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view := reader.Status(r.Context())
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"cwl":    view.CWL,
			"source": view.Source,
		}, logger, r)
	}
}

func MembersHandler(reader *StatusReader, logger *Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		members, source := reader.Members(r.Context())
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"members": members,
			"source":  source,
		}, logger, r)
	}
}

func CalendarHandler(reader *StatusReader, logger *Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"events": reader.Events(),
		}, logger, r)
	}
}

// SyncHandler starts a run. A queued run answers 202; an inline run answers
// with its result.
func SyncHandler(dispatcher *SyncDispatcher, logger *Logger) http.HandlerFunc {
	return allowMethod(http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		result, err := dispatcher.Trigger(r.Context(), "manual")
		if err != nil {
			httpErr := newHTTPError("Sync failed", http.StatusBadGateway)
			httpErr.Code = errorCode(err)
			if errors.Is(err, ErrAccessDenied) {
				httpErr.Message = "Game API denied access; check the key and its IP allow-list"
				httpErr.Status = http.StatusForbidden
			}
			writeError(w, fmt.Errorf("%w: %v", httpErr, err), logger, r)
			return
		}
		if result == nil {
			writeJSON(w, http.StatusAccepted, map[string]interface{}{"queued": true}, logger, r)
			return
		}
		writeJSON(w, http.StatusOK, result, logger, r)
	})
}

type storeStatter interface {
	Stats(ctx context.Context) (map[string]interface{}, error)
}

// HealthHandler reports 503 only when a configured store cannot be queried.
// stats may be nil.
func HealthHandler(stats storeStatter, services map[string]func() bool, logger *Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		up := make(map[string]bool, len(services))
		for name, check := range services {
			up[name] = check()
		}

		status := http.StatusOK
		body := map[string]interface{}{
			"status":    "ok",
			"timestamp": time.Now().Unix(),
			"services":  up,
		}

		if stats == nil {
			body["store"] = map[string]interface{}{"enabled": false}
		} else {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			storeStats, err := stats.Stats(ctx)
			if err != nil {
				logger.Warn("health_store_check_failed").
					Component("health").
					Operation("check").
					Err(err).
					Log()
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
				storeStats = map[string]interface{}{"enabled": true, "error": err.Error()}
			}
			body["store"] = storeStats
		}

		writeJSON(w, status, body, logger, r)
	}
}

func MetricsHandler(logger *Logger, metrics *MetricsCollector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("metrics_request").
			Component("metrics").
			Operation("get_metrics").
			Request("", "", GetRequestID(r.Context())).
			Log()

		writeJSON(w, http.StatusOK, metrics.GetMetrics(), logger, r)
	}
}
