package jobrunner

import "errors"

var (
	// ErrJobNotTracked is returned by Cancel when the job ID is not (or no
	// longer) present in the in-memory registry.
	ErrJobNotTracked = errors.New("jobrunner: job not tracked")

	// ErrJobNotCancellable is returned by Cancel when the job is tracked
	// but has no live subprocess to signal (already terminal).
	ErrJobNotCancellable = errors.New("jobrunner: job not cancellable")

	// ErrUnknownService is returned by a ServiceResolver when the named
	// service has no directory under the services root. Callers
	// (bulk_stop/bulk_deploy) treat this as a "skip", not a failure.
	ErrUnknownService = errors.New("jobrunner: unknown service")
)
