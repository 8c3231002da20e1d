// File: pkg/pipeline/errors.go
// Brief: Typed failure classes for the build-and-launch pipeline.

package pipeline

import (
	"errors"
	"fmt"
)

// The pipeline's failures fall into three unrecoverable classes, one per
// stage that can abort a build. None of them is retried; each aborts the
// attempt and leaves no promoted environment behind.

// ResolutionError reports a dependency resolution or install failure:
// an unparsable manifest, an entry that is not an exact pin, a missing
// interpreter, or a non-zero installer exit.
type ResolutionError struct {
	Detail string
	Err    error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dependency resolution failed: %s: %v", e.Detail, e.Err)
	}
	return "dependency resolution failed: " + e.Detail
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// StagingError reports a source staging failure: a missing or unreadable
// context tree, or an I/O error while copying it into the environment.
type StagingError struct {
	Detail string
	Err    error
}

func (e *StagingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("source staging failed: %s: %v", e.Detail, e.Err)
	}
	return "source staging failed: " + e.Detail
}

func (e *StagingError) Unwrap() error { return e.Err }

// LaunchError reports a launch failure: a missing entry point, a process
// that could not be started, or a child that died before becoming ready.
type LaunchError struct {
	Detail string
	Err    error
}

func (e *LaunchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("launch failed: %s: %v", e.Detail, e.Err)
	}
	return "launch failed: " + e.Detail
}

func (e *LaunchError) Unwrap() error { return e.Err }

// FailureStage maps a pipeline error to the state that raised it, or ""
// for errors outside the taxonomy. Wrapped errors classify via errors.As.
func FailureStage(err error) State {
	var resErr *ResolutionError
	var stageErr *StagingError
	var launchErr *LaunchError
	switch {
	case errors.As(err, &resErr):
		return StateInstalling
	case errors.As(err, &stageErr):
		return StateStaging
	case errors.As(err, &launchErr):
		return StateLaunching
	}
	return ""
}
