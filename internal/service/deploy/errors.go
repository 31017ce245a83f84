package deploy

import (
	"errors"
	"fmt"
	"time"
)

// ErrDeployInFlight indicates a deploy was requested for a client that
// already has a non-terminal attempt in the ledger.
var ErrDeployInFlight = errors.New("deploy: client already has a deployment in flight")

// errEmptySlug rejects client names that produce no usable project name
// before any remote call is made.
var errEmptySlug = errors.New("deploy: client name produces an empty project slug")

// FailedError reports that the remote platform reached a terminal failure
// status, carrying the observed status string.
type FailedError struct {
	Status string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("deploy: remote build finished with status %s", e.Status)
}

// TimeoutError reports that polling exceeded the configured wall-clock
// bound without observing a terminal status. The remote build is left to
// run; a later redeploy is expected to converge the remote side.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("deploy: build did not reach a terminal status within %s", e.Timeout)
}
