package flightrecorder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
	"go.uber.org/zap"

	"github.com/agilira/flightrecorder/internal/atf"
	"github.com/agilira/flightrecorder/internal/control"
	"github.com/agilira/flightrecorder/internal/drain"
	"github.com/agilira/flightrecorder/internal/policy"
	"github.com/agilira/flightrecorder/internal/producer"
	"github.com/agilira/flightrecorder/internal/registry"
	"github.com/agilira/flightrecorder/internal/shm"
)

// Producer is the re-exported producer-side handle (§6): the three
// hot-path methods an instrumentation collaborator's hook callback calls,
// cached once per thread the same way internal/producer.ThreadProducer
// documents.
type Producer = producer.ThreadProducer

// SessionReader is the re-exported analysis-side entry point (§4.7's
// "Session reader"): parses a finished session's manifest.json, opens every
// thread's ATF v2 files, and exposes the cross-thread merged_iter().
type SessionReader = atf.SessionReader

// OpenSessionReader opens a finished session's bundle directory for reading
// (§4.7). bundleDir is the same path Session.BundleDir returned while the
// session was being recorded.
func OpenSessionReader(bundleDir string) (*SessionReader, error) {
	return atf.OpenSessionReader(bundleDir)
}

// Default registry/ring sizing, chosen to match the component defaults
// spec.md §3/§4 describe (Index K=4, Detail K=2) at a modest per-ring
// capacity suitable for library-embedding defaults.
const (
	DefaultCapacity          = 64
	DefaultIndexK            = 4
	DefaultIndexRingRecords  = 4096
	DefaultDetailK           = 2
	DefaultDetailRingRecords = 512
)

// Config is a Session's construction-time configuration: ring/registry
// sizing, the marking policy, the logger, and the two named collaborator
// seams (§6) a real CLI/instrumentation layer supplies.
type Config struct {
	// SessionID names the session's output bundle
	// (<OutputDir>/<SessionID>.bundle). Sanitized via SanitizeFilename.
	SessionID string

	Capacity          int
	IndexK            int
	IndexRingRecords  int
	DetailK           int
	DetailRingRecords int

	// Policy is the ordered marking-policy pattern list (§4.5); nil or
	// empty means every Detail window is discarded (never marked).
	Policy []policy.Pattern

	// ExpectedSymbols feeds StartupTimeoutConfig.Compute for InstallHooks;
	// zero means "use WarmUpDuration alone".
	ExpectedSymbols int

	TickInterval   time.Duration
	StallTimeout   time.Duration
	StallTolerance int

	Logger *zap.Logger

	// Launcher/Installer are optional; Spawn/Attach/InstallHooks return a
	// KindInitialization CoreError if the corresponding collaborator is
	// nil when called.
	Launcher ProcessLauncher
	Installer HookInstaller
}

// DefaultConfig returns a Config with the package's default sizing, a
// no-op logger, and an empty marking policy (every window discarded).
func DefaultConfig() Config {
	return Config{
		SessionID:         "session",
		Capacity:          DefaultCapacity,
		IndexK:            DefaultIndexK,
		IndexRingRecords:  DefaultIndexRingRecords,
		DetailK:           DefaultDetailK,
		DetailRingRecords: DefaultDetailRingRecords,
		TickInterval:      drain.DefaultTickInterval,
		StallTimeout:      control.DefaultStallTimeout,
		StallTolerance:    control.DefaultStallTolerance,
		Logger:            zap.NewNop(),
	}
}

func (c Config) validate() error {
	if c.Capacity <= 0 || c.Capacity > 4096 {
		return fmt.Errorf("%w: capacity %d out of range [1,4096]", errInvalidConfig, c.Capacity)
	}
	if c.IndexK <= 0 || c.DetailK <= 0 {
		return fmt.Errorf("%w: ring-pool K must be > 0 (index=%d, detail=%d)", errInvalidConfig, c.IndexK, c.DetailK)
	}
	if c.IndexRingRecords <= 0 || c.DetailRingRecords <= 0 {
		return fmt.Errorf("%w: ring record count must be > 0", errInvalidConfig)
	}
	return nil
}

func (c Config) laneConfig() registry.LaneConfig {
	return registry.LaneConfig{
		IndexK:            c.IndexK,
		IndexRecordSize:   producer.IndexRecordSize,
		IndexRingRecords:  c.IndexRingRecords,
		DetailK:           c.DetailK,
		DetailRecordSize:  producer.DetailRecordSize,
		DetailRingRecords: c.DetailRingRecords,
	}
}

// Session is the opaque consumer-side handle (§6): it owns the shared
// control block and thread registry, the ATF v2 writers, and the drain
// loop, and provides the seam (HookInstaller/ProcessLauncher) a real
// instrumentation/CLI layer plugs into.
type Session struct {
	cfg    Config
	logger *zap.Logger
	clock  *timecache.TimeCache

	bundleDir string
	shmDir    string

	directory     *shm.Directory
	controlArena  *shm.Arena
	registryArena *shm.Arena
	control       *control.Block
	registry      *registry.Registry
	writer        *atf.SessionWriter
	drain         *drain.Drain
	policy        *policy.MarkingPolicy

	hooksInstalled atomic.Int64
	launcher       ProcessLauncher
	installer      HookInstaller

	cancel  context.CancelFunc
	runDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Create builds a new trace session rooted at outputDir: it lays out the
// <SessionID>.bundle directory, creates the shared-memory control block and
// thread registry, and starts the drain loop. The returned Session is
// ready to accept RegisterThread calls immediately (§6's create(output_dir)
// -> H).
func Create(outputDir string, cfg Config) (*Session, error) {
	if outputDir == "" {
		return nil, newCoreError(KindInvalidConfig, "Create", errEmptyOutputDir.Error(), nil)
	}
	if cfg.SessionID == "" {
		cfg.SessionID = "session"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = drain.DefaultTickInterval
	}
	if err := cfg.validate(); err != nil {
		return nil, newCoreError(KindInvalidConfig, "Create", "invalid config", err)
	}

	bundleDir := filepath.Join(outputDir, SanitizeFilename(cfg.SessionID)+".bundle")
	if err := ValidatePathLength(bundleDir); err != nil {
		return nil, newCoreError(KindInitialization, "Create", "bundle path", err)
	}
	if err := RetryFileOperation(func() error { return os.MkdirAll(bundleDir, 0o750) }, 3, 10*time.Millisecond); err != nil {
		return nil, newCoreError(KindInitialization, "Create", "create bundle dir", err)
	}
	shmDir, err := os.MkdirTemp("", "flightrecorder-shm-*")
	if err != nil {
		return nil, newCoreError(KindInitialization, "Create", "create shm dir", err)
	}

	clock := timecache.NewWithResolution(time.Millisecond)

	laneCfg := cfg.laneConfig()
	registrySize := registry.ArenaSize(cfg.Capacity, laneCfg)

	// directory is the fixed, ordered Shm Directory (§4.4/§9's "immutable
	// Shm Directory"): both this process and any attaching producer
	// process build the identical value from Config alone (index 0 is
	// always the control block, index 1 the thread registry), then index
	// into it by name below instead of hardcoding arena names twice.
	directory := shm.NewDirectory(
		shm.Entry{Name: "control", Size: control.Size},
		shm.Entry{Name: "registry", Size: registrySize},
	)

	controlEntry, err := directory.At(0)
	if err != nil {
		clock.Stop()
		return nil, newCoreError(KindInitialization, "Create", "shm directory entry 0", err)
	}
	controlArena, err := shm.Create(shmDir, controlEntry.Name, controlEntry.Size)
	if err != nil {
		clock.Stop()
		return nil, newCoreError(KindInitialization, "Create", "create control arena", err)
	}
	registryEntry, err := directory.At(1)
	if err != nil {
		_ = controlArena.Destroy()
		clock.Stop()
		return nil, newCoreError(KindInitialization, "Create", "shm directory entry 1", err)
	}
	registryArena, err := shm.Create(shmDir, registryEntry.Name, registryEntry.Size)
	if err != nil {
		_ = controlArena.Destroy()
		clock.Stop()
		return nil, newCoreError(KindInitialization, "Create", "create registry arena", err)
	}

	ctrl := control.New(controlArena.Bytes(), clock)
	reg, err := registry.Create(registryArena.Bytes(), cfg.Capacity, laneCfg)
	if err != nil {
		_ = controlArena.Destroy()
		_ = registryArena.Destroy()
		clock.Stop()
		return nil, newCoreError(KindInitialization, "Create", "create thread registry", err)
	}
	ctrl.SetRegistryReady(true)
	ctrl.BumpEpoch() // registry just became ready; force every attaching producer to re-observe it

	pol, err := policy.New(cfg.Policy)
	if err != nil {
		_ = controlArena.Destroy()
		_ = registryArena.Destroy()
		clock.Stop()
		return nil, newCoreError(KindInitialization, "Create", "compile marking policy", err)
	}

	writer, err := atf.NewSessionWriter(bundleDir, cfg.SessionID, cfg.Logger)
	if err != nil {
		_ = controlArena.Destroy()
		_ = registryArena.Destroy()
		clock.Stop()
		return nil, newCoreError(KindInitialization, "Create", "create session writer", err)
	}
	writer.SetConfig(map[string]any{
		"capacity":            cfg.Capacity,
		"index_k":             cfg.IndexK,
		"index_ring_records":  cfg.IndexRingRecords,
		"detail_k":            cfg.DetailK,
		"detail_ring_records": cfg.DetailRingRecords,
		"schema_version":      2,
	})

	d := drain.New(reg, writer, ctrl, cfg.Logger, cfg.TickInterval)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:           cfg,
		logger:        cfg.Logger,
		clock:         clock,
		bundleDir:     bundleDir,
		shmDir:        shmDir,
		directory:     directory,
		controlArena:  controlArena,
		registryArena: registryArena,
		control:       ctrl,
		registry:      reg,
		writer:        writer,
		drain:         d,
		policy:        pol,
		launcher:      cfg.Launcher,
		installer:     cfg.Installer,
		cancel:        cancel,
		runDone:       make(chan struct{}),
	}

	go func() {
		defer close(s.runDone)
		if err := d.Run(ctx); err != nil && cfg.Logger != nil {
			cfg.Logger.Warn("drain loop exited with error", zap.Error(err))
		}
	}()

	return s, nil
}

// RegisterThread claims a registry slot for threadID and returns the
// Producer the caller should cache for the lifetime of that thread
// (§4.3/§5's TLS-caching contract). On registry exhaustion it increments
// the control block's fallback_events counter and returns a
// KindRegistryFull CoreError — callers are expected to fall back to
// whatever global capture path their instrumentation layer already has,
// per §7's "producer falls back to GLOBAL_ONLY".
func (s *Session) RegisterThread(threadID uint64) (*Producer, error) {
	if RegistryDisabled() {
		s.control.IncFallbackEvents()
		return nil, newCoreError(KindRegistryFull, "RegisterThread", "registry disabled via ADA_DISABLE_REGISTRY", nil)
	}
	slot, err := s.registry.Register(threadID)
	if err != nil {
		s.control.IncFallbackEvents()
		return nil, newCoreError(KindRegistryFull, "RegisterThread", "no free registry slots", err)
	}
	modeCtl := control.NewModeController(s.control, s.cfg.StallTimeout, s.cfg.StallTolerance)
	tp := producer.New(slot, threadID, modeCtl, s.policy, s.writer)
	s.drain.RegisterThread(slot.Index(), tp)
	return tp, nil
}

// RegisterModule records a module id -> name mapping for the session's
// manifest.json module table (§3's supplemental ModuleTable entry).
func (s *Session) RegisterModule(id uint32, name string) {
	s.writer.RegisterModule(id, name)
}

// Spawn starts path suspended via the configured ProcessLauncher, installs
// hooks, and resumes it once hooks_ready is observed (§6's
// spawn_suspended -> wait for hooks_ready -> resume).
func (s *Session) Spawn(ctx context.Context, path string, argv []string) (int, error) {
	if s.launcher == nil {
		return 0, newCoreError(KindInitialization, "Spawn", "no ProcessLauncher configured", nil)
	}
	pid, err := s.launcher.SpawnSuspended(ctx, path, argv)
	if err != nil {
		return 0, newCoreError(KindInitialization, "Spawn", "spawn suspended", err)
	}
	if err := s.InstallHooks(ctx, pid); err != nil {
		return pid, err
	}
	if err := s.launcher.Resume(pid); err != nil {
		return pid, newCoreError(KindInitialization, "Spawn", "resume target", err)
	}
	return pid, nil
}

// Attach stops pid via the configured ProcessLauncher and installs hooks
// (§6's attach(pid) -> wait for hooks_ready).
func (s *Session) Attach(ctx context.Context, pid int) error {
	if s.launcher == nil {
		return newCoreError(KindInitialization, "Attach", "no ProcessLauncher configured", nil)
	}
	if err := s.launcher.Attach(ctx, pid); err != nil {
		return newCoreError(KindInitialization, "Attach", "attach to pid", err)
	}
	return s.InstallHooks(ctx, pid)
}

// Detach releases pid via the configured ProcessLauncher without affecting
// the session's own state.
func (s *Session) Detach(pid int) error {
	if s.launcher == nil {
		return newCoreError(KindInitialization, "Detach", "no ProcessLauncher configured", nil)
	}
	if err := s.launcher.Detach(pid); err != nil {
		return newCoreError(KindInitialization, "Detach", "detach pid", err)
	}
	return nil
}

// InstallHooks delegates to the configured HookInstaller with a bounded
// timeout computed from StartupTimeoutConfig (overridable by
// ADA_STARTUP_* environment variables), then sets the control block's
// hooks_ready latch on success (§6, §7's KindHookTimeout).
func (s *Session) InstallHooks(ctx context.Context, pid int) error {
	if s.installer == nil {
		return newCoreError(KindInitialization, "InstallHooks", "no HookInstaller configured", nil)
	}
	budget := LoadStartupTimeoutConfig().Compute(s.cfg.ExpectedSymbols)
	ictx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := s.installer.InstallHooks(ictx, pid)
		done <- result{n, err}
	}()

	select {
	case <-ictx.Done():
		return newCoreError(KindHookTimeout, "InstallHooks", fmt.Sprintf("exceeded %s budget", budget), ictx.Err())
	case r := <-done:
		if r.err != nil {
			return newCoreError(KindInitialization, "InstallHooks", "hook installation failed", r.err)
		}
		s.hooksInstalled.Store(int64(r.n))
		s.control.SetHooksReady()
		return nil
	}
}

// WaitHooksReady blocks until the control block's hooks_ready latch is
// observed or timeout elapses.
func (s *Session) WaitHooksReady(timeout time.Duration) bool {
	return s.control.WaitHooksReady(timeout)
}

// DrainEvents forces an immediate drain tick instead of waiting for the
// next scheduled one (the Go-idiomatic substitute for §6's
// drain_events(buf) -> n_bytes: this module writes events straight to
// per-thread files rather than filling a caller-supplied buffer, so the
// useful signal is "how many bytes has the writer committed so far").
// It only signals the drain loop and does not wait for the tick to run: the
// returned value is the cumulative bytes_written counter as of the call,
// which does not yet include anything the requested tick writes.
func (s *Session) DrainEvents() uint64 {
	s.drain.Wake()
	return s.drain.BytesWritten()
}

// GetStats returns a point-in-time snapshot of the session's aggregate
// counters (§6's get_stats()).
func (s *Session) GetStats() Stats {
	return computeStats(s.registry, int(s.hooksInstalled.Load()), s.control.FallbackEvents(), s.drain.WriteErrors(), s.drain.BytesWritten())
}

// Destroy runs the shutdown sequence (§5): stop the drain loop, flush and
// finalize every thread's writers and the session manifest, then release
// the shared-memory arenas. Safe to call more than once; only the first
// call's error is returned.
func (s *Session) Destroy() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.runDone
		s.clock.Stop()
		if err := s.controlArena.Destroy(); err != nil {
			s.closeErr = fmt.Errorf("flightrecorder: destroy control arena: %w", err)
		}
		if err := s.registryArena.Destroy(); err != nil && s.closeErr == nil {
			s.closeErr = fmt.Errorf("flightrecorder: destroy registry arena: %w", err)
		}
		if err := os.RemoveAll(s.shmDir); err != nil && s.closeErr == nil {
			s.closeErr = fmt.Errorf("flightrecorder: remove shm dir: %w", err)
		}
	})
	return s.closeErr
}

// BundleDir returns the session's output directory
// (<output>/<session>.bundle).
func (s *Session) BundleDir() string { return s.bundleDir }

// Directory returns the session's Shm Directory, for an attaching producer
// process that needs to reconstruct the same arena layout.
func (s *Session) Directory() *shm.Directory { return s.directory }
