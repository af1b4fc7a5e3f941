package flightrecorder

import "context"

// HookInstaller is the seam through which an external instrumentation
// layer installs function-entry/return/detail hooks into a target process
// and reports the number of symbols it hooked. This module never
// implements instrumentation technology itself (§1 Non-goal): a real
// collaborator lives outside this tree and is handed to Session.Spawn or
// Session.Attach.
//
// InstallHooks is called once, after the target's hooks_ready latch
// (internal/control.Block) is ready to be set. It must return the number
// of symbols it actually hooked (fed into StartupTimeoutConfig.Compute for
// the *next* install, and recorded in Stats.HooksInstalled) or an error
// that Session wraps as a KindHookTimeout/KindInitialization CoreError.
type HookInstaller interface {
	InstallHooks(ctx context.Context, pid int) (symbolsHooked int, err error)
}

// ProcessLauncher is the seam through which a target process is spawned
// suspended or attached to. Spawning/attach primitives are a Non-goal of
// this module (§1); a CLI front-end implements this against the host's
// process APIs (ptrace, job objects, whatever fits) and passes an instance
// to Session.Spawn/Session.Attach.
type ProcessLauncher interface {
	// SpawnSuspended starts path with argv, stopped before its first
	// instruction executes, and returns its pid.
	SpawnSuspended(ctx context.Context, path string, argv []string) (pid int, err error)
	// Resume lets a previously suspended pid continue.
	Resume(pid int) error
	// Attach stops an already-running pid for hook installation.
	Attach(ctx context.Context, pid int) error
	// Detach lets pid continue without having been suspended by this call.
	Detach(pid int) error
}
