package flightrecorder

import (
	"errors"
	"fmt"
)

// Kind classifies a CoreError along the taxonomy the control plane and the
// consumer's stats surface distinguish between (initialization failures
// fatal to startup, versus the recoverable per-event/per-file conditions
// counted in Stats rather than returned as errors).
type Kind uint8

const (
	// KindInitialization covers fatal startup failures: shared-memory
	// mapping mismatch, an invalid Shm Directory entry, a capacity-zero
	// arena, or an unavailable timestamp source. The caller should abort
	// startup; the core never retries these itself.
	KindInitialization Kind = iota
	// KindHookTimeout is returned when hook installation exceeds its
	// computed startup-timeout budget; the target process is left
	// suspended and the caller is expected to unload its instrumentation
	// script and exit.
	KindHookTimeout
	// KindRegistryFull is returned by Session.RegisterThread when no
	// registry slot is free (or the registry is disabled via
	// ADA_DISABLE_REGISTRY=1); the failure is also counted in
	// Stats.FallbackEvents.
	KindRegistryFull
	// KindWriterIO covers a per-file write failure during drain; the
	// session continues and the failure is counted in Stats.WriteErrors.
	// The affected file is not closed or skipped: the drain loop writes to
	// it again on its next tick.
	KindWriterIO
	// KindCorruption covers a reader finding a truncated or
	// inconsistent on-disk file; the reader recovers by truncating to
	// the last valid record.
	KindCorruption
	// KindInvalidConfig covers a Config value that fails validation
	// before any shared memory is touched.
	KindInvalidConfig
)

func (k Kind) String() string {
	switch k {
	case KindInitialization:
		return "initialization"
	case KindHookTimeout:
		return "hook_timeout"
	case KindRegistryFull:
		return "registry_full"
	case KindWriterIO:
		return "writer_io"
	case KindCorruption:
		return "corruption"
	case KindInvalidConfig:
		return "invalid_config"
	default:
		return "unknown"
	}
}

// CoreError is the typed error every fatal control-plane path returns
// (§7: "surfaces fatal errors to the caller with typed error kinds, never
// by aborting the process"). Op names the failing operation so a caller
// building its own remediation message doesn't need to parse Msg.
type CoreError struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("flightrecorder: %s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("flightrecorder: %s: %s", e.Op, e.Msg)
}

func (e *CoreError) Unwrap() error { return e.Err }

// Is reports whether target is a CoreError with the same Kind, so callers
// can write errors.Is(err, &CoreError{Kind: KindHookTimeout}) without
// needing the exact Op/Msg/Err fields.
func (e *CoreError) Is(target error) bool {
	var other *CoreError
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

func newCoreError(kind Kind, op, msg string, err error) *CoreError {
	return &CoreError{Kind: kind, Op: op, Msg: msg, Err: err}
}

// errInvalidConfig wraps every Config.validate failure and errEmptyOutputDir
// is Create's check on outputDir; both are returned before anything touches
// shared memory or disk.
var (
	errInvalidConfig  = errors.New("flightrecorder: invalid config")
	errEmptyOutputDir = errors.New("flightrecorder: output directory cannot be empty")
)
