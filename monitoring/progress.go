// Package monitoring provides run-progress tracking and process resource
// reporting for simulator front ends.
package monitoring

import (
	"sync"
	"time"

	"github.com/rs/xid"
)

// A ProgressBar tracks how much of a run's virtual time budget has been
// simulated, in whole percents. It satisfies simulator.ProgressReporter and
// may be read from other goroutines while the run updates it.
type ProgressBar struct {
	sync.Mutex
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	StartTime time.Time `json:"start_time"`
	Total     uint64    `json:"total"`
	Finished  uint64    `json:"finished"`

	// OnUpdate, if set, is called after every change with the new finished
	// count. It is called without the lock held.
	OnUpdate func(b *ProgressBar, finished uint64) `json:"-"`
}

// NewProgressBar creates a bar with a total of 100 percent.
func NewProgressBar(name string) *ProgressBar {
	return &ProgressBar{
		ID:        xid.New().String(),
		Name:      name,
		StartTime: time.Now(),
		Total:     100,
	}
}

// Progress records that percent of the run has completed. Values that do not
// move the bar forward are ignored.
func (b *ProgressBar) Progress(percent int) {
	if percent < 0 {
		return
	}

	b.Lock()
	p := uint64(percent)
	if p > b.Total {
		p = b.Total
	}
	if p <= b.Finished {
		b.Unlock()
		return
	}
	b.Finished = p
	onUpdate := b.OnUpdate
	b.Unlock()

	if onUpdate != nil {
		onUpdate(b, p)
	}
}

// Snapshot returns the finished count and the wall-clock time since the bar
// was created.
func (b *ProgressBar) Snapshot() (uint64, time.Duration) {
	b.Lock()
	defer b.Unlock()

	return b.Finished, time.Since(b.StartTime)
}

// IsComplete returns true once the bar has reached its total.
func (b *ProgressBar) IsComplete() bool {
	b.Lock()
	defer b.Unlock()

	return b.Finished >= b.Total
}
