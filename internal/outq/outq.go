// Package outq paces gateway to node writes, one job per tick.
package outq

import (
	"io"
	"sync"

	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/helpers"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/codec"
	"github.com/juju/errors"
)

type Job struct {
	Dest uint16
	Text string
	// Control != 0 makes internal control frame, Dest ignored.
	Control byte
	// Report completion to Reporter.
	Report bool
	// Identical jobs already pending at enqueue, for observability only.
	Duplicates int

	wire []byte
}

// Wire is nil until encoded (at enqueue in server mode, at dequeue in peer mode).
func (j *Job) Wire() []byte { return j.wire }

func (j *Job) same(other *Job) bool {
	return j.Control == other.Control && j.Dest == other.Dest && j.Text == other.Text
}

type Reporter interface {
	Report(job *Job, err error)
}

type ReporterFunc func(job *Job, err error)

func (f ReporterFunc) Report(job *Job, err error) { f(job, err) }

// Queue is strict FIFO. Enqueue is safe from any goroutine, Tick belongs to one.
type Queue struct {
	mu       sync.Mutex
	jobs     []*Job
	server   bool
	size     int
	reporter Reporter
}

func New(server bool, size int, reporter Reporter) *Queue {
	if size <= 0 {
		size = codec.DefaultBufferSize
	}
	return &Queue{
		jobs:     make([]*Job, 0, 16),
		server:   server,
		size:     size,
		reporter: reporter,
	}
}

func (q *Queue) Enqueue(job Job) *Job {
	j := &job
	if q.server {
		j.wire = q.encode(j)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	j.Duplicates = 0
	for _, p := range q.jobs {
		if p.same(j) {
			j.Duplicates++
		}
	}
	q.jobs = append(q.jobs, j)
	return j
}

func (q *Queue) encode(j *Job) []byte {
	if q.server {
		if j.Control != 0 {
			return codec.PackRaw(codec.ControlFrame(j.Control, []byte(j.Text)), q.size)
		}
		return codec.PackAddressed(j.Dest, j.Text, q.size)
	}
	if j.Control != 0 {
		return codec.ControlFrame(j.Control, []byte(j.Text))
	}
	return []byte(j.Text)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Tick writes at most one job. Without writer or jobs it does nothing
// and pending jobs stay queued.
func (q *Queue) Tick(w io.Writer) (*Job, error) {
	if w == nil {
		return nil, nil
	}
	q.mu.Lock()
	if len(q.jobs) == 0 {
		q.mu.Unlock()
		return nil, nil
	}
	j := q.jobs[0]
	q.jobs[0] = nil
	q.jobs = q.jobs[1:]
	q.mu.Unlock()

	if j.wire == nil {
		j.wire = q.encode(j)
	}
	err := helpers.WriteAll(w, j.wire)
	if err != nil {
		err = errors.Annotatef(err, "outq write dest=%s", codec.FormatAddress(j.Dest))
	}
	if j.Report && q.reporter != nil {
		q.reporter.Report(j, err)
	}
	return j, err
}
