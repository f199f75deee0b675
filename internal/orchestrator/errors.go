package orchestrator

import (
	"errors"

	"codestory/internal/chunk"
	"codestory/internal/gitio"
	"codestory/internal/semgroup"
)

// Sentinel error kinds the pipeline surfaces. Stage errors wrap one of
// these so the CLI can map any failure to its exit code.
var (
	// ErrUserAbort marks a declined confirmation or a fired cancellation.
	ErrUserAbort = errors.New("aborted by user")

	// ErrAllRejected marks a run whose every group was filtered out.
	ErrAllRejected = errors.New("every group was rejected")

	// ErrGateway marks repository I/O failures.
	ErrGateway = errors.New("repository gateway error")

	// ErrParse marks a hard parser failure, distinct from the per-file
	// syntax fallback handled inside the filter chain.
	ErrParse = errors.New("parse error")

	// ErrModel marks a model-provider failure that survived retries and
	// the heuristic fallback.
	ErrModel = errors.New("model provider error")
)

// ExitCode maps an error to the process exit code.
//
//	0 success
//	1 user abort or pipeline rejection
//	2 invariant violation
//	3 repository gateway error
//	4 model provider error
//	5 concurrent ref update
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrUserAbort), errors.Is(err, ErrAllRejected), errors.Is(err, ErrParse):
		return 1
	case errors.Is(err, gitio.ErrRefConflict):
		return 5
	case errors.Is(err, ErrModel):
		return 4
	case errors.Is(err, ErrGateway):
		return 3
	case errors.Is(err, chunk.ErrInvariantViolated), errors.Is(err, semgroup.ErrPartitionViolated):
		return 2
	}
	return 2
}
