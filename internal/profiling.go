package internal

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"path/filepath"
	"runtime"
	runtimepprof "runtime/pprof"
	"time"
)

// Profiler exposes pprof and watches heap growth. Everything is a no-op
// unless ENABLE_PROFILING is set.
type Profiler struct {
	enabled     bool
	dir         string
	thresholdMB uint64
	logger      *Logger
}

func NewProfiler(cfg *Config, logger *Logger) *Profiler {
	return &Profiler{
		enabled:     cfg.ProfilingEnabled,
		dir:         cfg.ProfileDir,
		thresholdMB: cfg.MemoryThresholdMB,
		logger:      logger,
	}
}

func (p *Profiler) Enabled() bool {
	return p != nil && p.enabled
}

// RegisterRoutes mounts the standard pprof handlers under /debug/pprof/.
func (p *Profiler) RegisterRoutes(mux *http.ServeMux) {
	if !p.Enabled() {
		return
	}
	mux.HandleFunc("GET /debug/pprof/", pprof.Index)
	mux.HandleFunc("GET /debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("GET /debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("GET /debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("GET /debug/pprof/trace", pprof.Trace)
}

func (p *Profiler) LogMemoryStats() {
	if !p.Enabled() {
		return
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	p.logger.Info("memory_stats").
		Component("profiler").
		Operation("log_stats").
		Meta("alloc_mb", bToMb(m.Alloc)).
		Meta("total_alloc_mb", bToMb(m.TotalAlloc)).
		Meta("sys_mb", bToMb(m.Sys)).
		Meta("gc_cycles", m.NumGC).
		Meta("goroutines", runtime.NumGoroutine()).
		Log()
}

// MonitorMemory logs memory stats every interval and writes heap and
// goroutine profiles when the heap passes the configured threshold.
func (p *Profiler) MonitorMemory(ctx context.Context, interval time.Duration) {
	if !p.Enabled() {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.Info("memory_monitor_started").
		Component("profiler").
		Operation("start_monitor").
		Meta("threshold_mb", p.thresholdMB).
		Meta("dir", p.dir).
		Log()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkMemory()
		}
	}
}

func (p *Profiler) checkMemory() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	currentMB := bToMb(m.Alloc)
	if p.thresholdMB == 0 || currentMB <= p.thresholdMB {
		p.LogMemoryStats()
		return
	}

	p.logger.Warn("high_memory_usage_detected").
		Component("profiler").
		Operation("monitor_memory").
		Meta("current_mb", currentMB).
		Meta("threshold_mb", p.thresholdMB).
		Meta("goroutines", runtime.NumGoroutine()).
		Log()

	p.writeProfile("heap")
	p.writeProfile("goroutine")
}

func (p *Profiler) writeProfile(name string) string {
	op := "write_" + name
	filename := filepath.Join(p.dir, fmt.Sprintf("%s_%d.prof", name, time.Now().Unix()))

	f, err := os.Create(filename)
	if err != nil {
		p.logger.Error("profile_create_failed").
			Component("profiler").
			Operation(op).
			Err(err).
			Log()
		return ""
	}
	defer f.Close()

	if name == "heap" {
		runtime.GC()
	}
	if err := runtimepprof.Lookup(name).WriteTo(f, 0); err != nil {
		p.logger.Error("profile_write_failed").
			Component("profiler").
			Operation(op).
			Err(err).
			Log()
		return ""
	}

	p.logger.Info("profile_captured").
		Component("profiler").
		Operation(op).
		Meta("filename", filename).
		Log()
	return filename
}

func bToMb(b uint64) uint64 {
	return b / 1024 / 1024
}

// ProfiledRunner logs allocation and wall time for every sync run.
type ProfiledRunner struct {
	SyncRunner
	profiler *Profiler
}

func (p *Profiler) WrapRunner(runner SyncRunner) SyncRunner {
	if !p.Enabled() {
		return runner
	}
	return &ProfiledRunner{SyncRunner: runner, profiler: p}
}

func (r *ProfiledRunner) Run(ctx context.Context) (*SyncResult, error) {
	start := time.Now()
	var before, after runtime.MemStats

	runtime.ReadMemStats(&before)
	result, err := r.SyncRunner.Run(ctx)
	runtime.ReadMemStats(&after)

	allocDiff := after.TotalAlloc - before.TotalAlloc
	r.profiler.logger.Info("sync_profiled").
		Component("profiler").
		Operation("profile_sync").
		Clan(r.ClanTag(), "").
		Duration(time.Since(start)).
		Meta("memory_alloc_bytes", allocDiff).
		Meta("memory_alloc_mb", bToMb(allocDiff)).
		Log()

	return result, err
}
