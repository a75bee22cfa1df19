package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"trinity-symphony-coordination/node/internal/protocol"
)

// ErrTaskTimeout completes a distributed task whose result never arrived.
var ErrTaskTimeout = errors.New("timed out waiting for task result")

// Outcome is the caller-visible result of a distributed task.
type Outcome struct {
	TaskID     string
	Success    bool
	Result     json.RawMessage
	Error      string
	ExecutedBy protocol.DeploymentID
	LatencyMS  int64
	Cost       float64
	Quality    float64
}

type completion struct {
	outcome Outcome
	err     error
}

// PendingTask is the correlation record for one outstanding distributed
// task. It completes exactly once: result, timeout, or send failure.
type PendingTask struct {
	TaskID     string
	Category   string
	AssignedTo protocol.DeploymentID

	created time.Time

	mu       sync.Mutex
	resolved bool
	timer    *time.Timer
	done     chan completion
}

func newPendingTask(taskID string, category string, assignedTo protocol.DeploymentID) *PendingTask {
	return &PendingTask{
		TaskID:     taskID,
		Category:   category,
		AssignedTo: assignedTo,
		created:    time.Now(),
		done:       make(chan completion, 1),
	}
}

// scheduleTimeout arms the timeout action unless the task already resolved.
func (p *PendingTask) scheduleTimeout(d time.Duration, fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		return
	}
	p.timer = time.AfterFunc(d, fn)
}

// resolve completes the task once; later calls are no-ops. The buffered
// channel means resolution never blocks the caller.
func (p *PendingTask) resolve(out Outcome, err error) bool {
	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return false
	}
	p.resolved = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	p.done <- completion{outcome: out, err: err}
	return true
}

// Wait blocks until the task completes or ctx is done.
func (p *PendingTask) Wait(ctx context.Context) (Outcome, error) {
	select {
	case c := <-p.done:
		return c.outcome, c.err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Age reports how long the task has been outstanding.
func (p *PendingTask) Age() time.Duration {
	return time.Since(p.created)
}
