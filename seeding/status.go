package seeding

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/pdok/tegel/tiling"
)

// State of a seeding run.
type State int

const (
	Idle State = iota
	Running
	Completed
	PartiallyFailed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case PartiallyFailed:
		return "partially failed"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal is true for states a run never leaves.
func (s State) Terminal() bool {
	return s == Completed || s == PartiallyFailed || s == Cancelled
}

// Status is a snapshot of the progress of a run. Planned grows while the run
// goes: the dataset tiles of a level are counted once that level is reached.
type Status struct {
	State     State
	Planned   int
	Generated int
	Existing  int
	Empty     int
	Failed    int
	// SkippedLevels counts (collection, tms, level) combinations that were not seeded at all
	SkippedLevels int
}

// Done is the number of planned tiles that were handled.
func (s Status) Done() int {
	return s.Generated + s.Existing + s.Failed
}

var errContributorFailed = errors.New("a contributing collection tile failed")

// Failure is a tile or level that could not be seeded.
type Failure struct {
	Address tiling.Address
	// Level is true when the whole level was skipped, Row and Col are meaningless then
	Level bool
	Err   error
}

func (f Failure) Error() string {
	if f.Level {
		return fmt.Sprintf("level %d of %s for collection %q skipped: %v", f.Address.Level, f.Address.Scheme, f.Address.Collection, f.Err)
	}
	return fmt.Sprintf("tile %v failed: %v", f.Address, f.Err)
}

func (f Failure) Unwrap() error {
	return f.Err
}

// Report is the outcome of a finished run.
type Report struct {
	RunID    string
	API      string
	State    State
	Status   Status
	Started  time.Time
	Finished time.Time
	Failures []Failure
}

// Err combines all failures, nil when there are none.
func (r Report) Err() error {
	var err error
	for _, f := range r.Failures {
		err = multierr.Append(err, f)
	}
	return err
}
