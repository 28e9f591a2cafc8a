// Package cachecleanup reclaims stale build caches on idle workers. The
// scheduler wakes on an interval, gates each worker on being fully idle
// and healthy for long enough, and runs a single deterministic shell
// script remotely whose one machine-parseable RCH_CLEANUP_METRICS stdout
// line reports what was reclaimed.
package cachecleanup

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/Dicklesworthstone/rchd/pkg/circuitbreaker"
	"github.com/Dicklesworthstone/rchd/pkg/events"
	"github.com/Dicklesworthstone/rchd/pkg/log"
	"github.com/Dicklesworthstone/rchd/pkg/metrics"
	"github.com/Dicklesworthstone/rchd/pkg/types"
	"github.com/Dicklesworthstone/rchd/pkg/worker"
)

// activeGraceMinutes protects any project directory with files touched this
// recently from deletion. Hard-coded rather than configurable.
const activeGraceMinutes = 5

// metricsPrefix tags the single machine-readable stdout line.
const metricsPrefix = "RCH_CLEANUP_METRICS"

// Config holds the cleanup scheduler's policy knobs.
type Config struct {
	Interval         time.Duration
	IdleThreshold    time.Duration
	MinFreeGB        float64
	MaxCacheAgeHours int
	CacheRoot        string
	RemoteTimeout    time.Duration
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		Interval:         3600 * time.Second,
		IdleThreshold:    10 * time.Minute,
		MinFreeGB:        20,
		MaxCacheAgeHours: 168,
		CacheRoot:        "~/.cache/rch/projects",
		RemoteTimeout:    5 * time.Minute,
	}
}

// Metrics is the parsed RCH_CLEANUP_METRICS result from one worker.
type Metrics struct {
	Removed  uint64
	FreedKB  uint64
	BeforeKB uint64
	AfterKB  uint64
	LowDisk  bool
}

// CleanupThresholdKB converts the min-free policy into the KB threshold the
// script compares df output against.
func CleanupThresholdKB(minFreeGB float64) uint64 {
	return uint64(minFreeGB * 1024 * 1024)
}

// BuildCleanupCommand renders the remote cleanup script for the given
// policy. The script is deterministic: record free KB, choose low-disk mode
// (remove oldest-first until the threshold recovers) or age-based mode
// (remove everything older than the age cutoff), always skipping any dir
// with recently touched files, then print exactly one metrics line.
func BuildCleanupCommand(cfg Config) string {
	thresholdKB := CleanupThresholdKB(cfg.MinFreeGB)
	return fmt.Sprintf(`set -u
CACHE_ROOT=%s
THRESHOLD_KB=%d
MAX_AGE_HOURS=%d
GRACE_MINUTES=%d
removed=0
freed_kb=0
before_kb=$(df -Pk "$CACHE_ROOT" 2>/dev/null | awk 'NR==2 {print $4}')
before_kb=${before_kb:-0}
low_disk=0
if [ "$before_kb" -lt "$THRESHOLD_KB" ]; then
  low_disk=1
fi
if [ -d "$CACHE_ROOT" ]; then
  if [ "$low_disk" -eq 1 ]; then
    for dir in $(ls -1tr "$CACHE_ROOT" 2>/dev/null); do
      path="$CACHE_ROOT/$dir"
      [ -d "$path" ] || continue
      free_now=$(df -Pk "$CACHE_ROOT" | awk 'NR==2 {print $4}')
      [ "$free_now" -ge "$THRESHOLD_KB" ] && break
      if [ -n "$(find "$path" -type f -mmin -$GRACE_MINUTES -print -quit 2>/dev/null)" ]; then
        continue
      fi
      size_kb=$(du -sk "$path" 2>/dev/null | awk '{print $1}')
      rm -rf "$path" && removed=$((removed+1)) && freed_kb=$((freed_kb+${size_kb:-0}))
    done
  else
    for dir in $(find "$CACHE_ROOT" -mindepth 1 -maxdepth 1 -type d -mmin +$((MAX_AGE_HOURS*60)) 2>/dev/null); do
      if [ -n "$(find "$dir" -type f -mmin -$GRACE_MINUTES -print -quit 2>/dev/null)" ]; then
        continue
      fi
      size_kb=$(du -sk "$dir" 2>/dev/null | awk '{print $1}')
      rm -rf "$dir" && removed=$((removed+1)) && freed_kb=$((freed_kb+${size_kb:-0}))
    done
  fi
fi
after_kb=$(df -Pk "$CACHE_ROOT" 2>/dev/null | awk 'NR==2 {print $4}')
after_kb=${after_kb:-$before_kb}
echo "%s removed=$removed freed_kb=$freed_kb before_kb=$before_kb after_kb=$after_kb low_disk=$low_disk"`,
		cfg.CacheRoot, thresholdKB, cfg.MaxCacheAgeHours, activeGraceMinutes, metricsPrefix)
}

// ParseMetricsLine extracts the Metrics struct from the script's stdout.
func ParseMetricsLine(output string) (Metrics, error) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, metricsPrefix) {
			continue
		}
		var m Metrics
		for _, field := range strings.Fields(line)[1:] {
			kv := strings.SplitN(field, "=", 2)
			if len(kv) != 2 {
				continue
			}
			v, err := strconv.ParseUint(kv[1], 10, 64)
			if err != nil {
				return Metrics{}, fmt.Errorf("parse %s: %w", field, err)
			}
			switch kv[0] {
			case "removed":
				m.Removed = v
			case "freed_kb":
				m.FreedKB = v
			case "before_kb":
				m.BeforeKB = v
			case "after_kb":
				m.AfterKB = v
			case "low_disk":
				m.LowDisk = v == 1
			}
		}
		return m, nil
	}
	return Metrics{}, fmt.Errorf("no %s line in output", metricsPrefix)
}

// RemoteRunner executes a shell script on a worker and returns its stdout.
type RemoteRunner interface {
	Run(ctx context.Context, cfg types.WorkerConfig, script string) (string, error)
}

// sshRunner is the production RemoteRunner.
type sshRunner struct{}

func (sshRunner) Run(ctx context.Context, cfg types.WorkerConfig, script string) (string, error) {
	cmd := exec.CommandContext(ctx, "ssh",
		"-o", "StrictHostKeyChecking=no",
		"-o", "ConnectTimeout=5",
		"-o", "BatchMode=yes",
		"-i", cfg.Identity,
		fmt.Sprintf("%s@%s", cfg.User, cfg.Host),
		script,
	)
	out, err := cmd.Output()
	return string(out), err
}

// Scheduler is the idle-gated periodic cleanup loop.
type Scheduler struct {
	config Config
	pool   *worker.Pool
	bus    *events.Broker
	runner RemoteRunner
	stopCh chan struct{}
}

// New creates a cleanup scheduler. runner may be nil to use SSH.
func New(cfg Config, pool *worker.Pool, bus *events.Broker, runner RemoteRunner) *Scheduler {
	if runner == nil {
		runner = sshRunner{}
	}
	return &Scheduler{config: cfg, pool: pool, bus: bus, runner: runner, stopCh: make(chan struct{})}
}

// Start begins the cleanup loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop stops the cleanup loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunOnce(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// RunOnce evaluates every worker's eligibility and cleans the eligible
// ones. Exposed for the on-demand path and tests.
func (s *Scheduler) RunOnce(ctx context.Context) {
	for _, st := range s.pool.AllWorkers() {
		if !s.Eligible(st) {
			continue
		}
		s.cleanupWorker(ctx, st)
	}
	metrics.CacheCleanupCyclesTotal.Inc()
}

// Eligible reports whether a worker may be cleaned this cycle: healthy,
// circuit closed, fully idle, and idle for at least the threshold.
func (s *Scheduler) Eligible(st *worker.State) bool {
	if st.Status() != types.WorkerHealthy {
		return false
	}
	if st.CircuitState() != circuitbreaker.StateClosed {
		return false
	}
	if st.AvailableSlots() != st.TotalSlots() {
		return false
	}
	idleSince := st.IdleSince()
	if idleSince.IsZero() {
		return false
	}
	return time.Since(idleSince) >= s.config.IdleThreshold
}

func (s *Scheduler) cleanupWorker(ctx context.Context, st *worker.State) {
	cfg := st.Config()
	logger := log.WithWorkerID(string(cfg.ID))

	cctx, cancel := context.WithTimeout(ctx, s.config.RemoteTimeout)
	defer cancel()

	out, err := s.runner.Run(cctx, cfg, BuildCleanupCommand(s.config))
	if err != nil {
		logger.Warn().Err(err).Msg("cache cleanup failed")
		return
	}

	m, err := ParseMetricsLine(out)
	if err != nil {
		logger.Warn().Err(err).Msg("cache cleanup metrics unparseable")
		return
	}

	metrics.CacheBytesReclaimed.WithLabelValues(string(cfg.ID)).Add(float64(m.FreedKB * 1024))

	// Still below threshold after cleanup: log it, but no retry until the
	// next cycle.
	if m.AfterKB < CleanupThresholdKB(s.config.MinFreeGB) {
		logger.Warn().
			Uint64("after_kb", m.AfterKB).
			Uint64("threshold_kb", CleanupThresholdKB(s.config.MinFreeGB)).
			Msg("worker still below free-space threshold after cleanup")
	}

	logger.Info().
		Uint64("removed", m.Removed).
		Uint64("freed_kb", m.FreedKB).
		Bool("low_disk", m.LowDisk).
		Msg("cache cleanup completed")

	if s.bus != nil {
		s.bus.Emit(events.NameCacheCleanupCompleted, "cache cleanup completed", map[string]any{
			"worker_id": string(cfg.ID),
			"removed":   m.Removed,
			"freed_kb":  m.FreedKB,
			"before_kb": m.BeforeKB,
			"after_kb":  m.AfterKB,
			"low_disk":  m.LowDisk,
		})
	}
}
