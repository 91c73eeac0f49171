// Package veaclock re-exports the monotonic clock abstraction VEA takes
// at Load time, so callers wiring a fake clock into tests don't need to
// import github.com/benbjohnson/clock directly. Production code should
// pass clock.New(); tests should pass clock.NewMock() and call Add to
// drive aging migration deterministically past a space's AgingWindow.
package veaclock

import "github.com/benbjohnson/clock"

// Clock is the subset of benbjohnson/clock.Clock VEA needs: the current
// time, for stamping aging extents and comparing against AgingWindow.
type Clock = clock.Clock

// Mock is benbjohnson/clock's controllable clock, re-exported for tests
// that need to fast-forward past the aging window without sleeping.
type Mock = clock.Mock

// New returns the real, OS-backed monotonic clock.
func New() Clock { return clock.New() }

// NewMock returns a fake clock starting at the Unix epoch.
func NewMock() *Mock { return clock.NewMock() }
