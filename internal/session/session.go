// Package session accumulates multi-row sensor data per node address
// between session:start and session:end markers.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
)

const (
	DefaultMaxRows        = 1000
	DefaultTopic          = "sessions"
	DefaultTimestampField = "time"
)

type ErrorKind uint8

const (
	ErrNoSession ErrorKind = iota + 1
	ErrEmptySession
	ErrCapacity
)

type Error struct {
	Kind    ErrorKind
	Address string
	Max     int
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrNoSession:
		return fmt.Sprintf("session id=%s not started", e.Address)
	case ErrEmptySession:
		return fmt.Sprintf("session id=%s ended without data, discarded", e.Address)
	case ErrCapacity:
		return fmt.Sprintf("session id=%s buffer full max_rows=%d, row rejected", e.Address, e.Max)
	}
	return fmt.Sprintf("session id=%s error kind=%d", e.Address, e.Kind)
}

func IsKind(err error, kind ErrorKind) bool {
	e, ok := errors.Cause(err).(*Error)
	return ok && e.Kind == kind
}

func IsCapacity(err error) bool { return IsKind(err, ErrCapacity) }

type Config struct {
	MaxRows        int      `hcl:"max_rows"`
	Topic          string   `hcl:"topic"`
	Columns        []string `hcl:"columns"`
	TimestampField string   `hcl:"timestamp_field"`
}

func DefaultColumns() []string {
	return []string{"time", "temp", "humid", "press", "light", "ax", "ay", "az", "gx", "gy", "gz"}
}

// buffer is row-major, so every column has the same length by construction.
type buffer struct {
	id    string
	start time.Time
	rows  [][]interface{}
}

// Accumulator is not safe for concurrent use, gateway loop owns it.
type Accumulator struct {
	config  Config
	now     func() time.Time
	buffers map[string]*buffer
	tsIndex int
}

func New(config Config, now func() time.Time) *Accumulator {
	if config.MaxRows <= 0 {
		config.MaxRows = DefaultMaxRows
	}
	if config.Topic == "" {
		config.Topic = DefaultTopic
	}
	if len(config.Columns) == 0 {
		config.Columns = DefaultColumns()
	}
	if config.TimestampField == "" {
		config.TimestampField = DefaultTimestampField
	}
	if now == nil {
		now = time.Now
	}
	a := &Accumulator{
		config:  config,
		now:     now,
		buffers: make(map[string]*buffer),
		tsIndex: -1,
	}
	for i, c := range config.Columns {
		if c == config.TimestampField {
			a.tsIndex = i
		}
	}
	return a
}

func (a *Accumulator) Topic() string { return a.config.Topic }

func (a *Accumulator) Open(addr string) bool {
	_, ok := a.buffers[addr]
	return ok
}

func (a *Accumulator) Len(addr string) int {
	if b, ok := a.buffers[addr]; ok {
		return len(b.rows)
	}
	return 0
}

// Start always begins a fresh buffer, previous rows are dropped.
func (a *Accumulator) Start(addr string) {
	a.buffers[addr] = &buffer{id: addr, start: a.now()}
}

// HasData reports whether values carry any configured column.
func (a *Accumulator) HasData(values map[string]interface{}) bool {
	for _, c := range a.config.Columns {
		if _, ok := values[c]; ok {
			return true
		}
	}
	return false
}

// Append adds one row: value or nil for every column.
// Missing timestamp column gets milliseconds since session start.
func (a *Accumulator) Append(addr string, values map[string]interface{}) error {
	b, ok := a.buffers[addr]
	if !ok {
		return &Error{Kind: ErrNoSession, Address: addr}
	}
	if len(b.rows) >= a.config.MaxRows {
		return &Error{Kind: ErrCapacity, Address: addr, Max: a.config.MaxRows}
	}
	row := make([]interface{}, len(a.config.Columns))
	for i, c := range a.config.Columns {
		if v, ok := values[c]; ok {
			row[i] = v
		}
	}
	if a.tsIndex >= 0 && row[a.tsIndex] == nil {
		row[a.tsIndex] = a.now().Sub(b.start).Milliseconds()
	}
	b.rows = append(b.rows, row)
	return nil
}

// End removes the buffer. Empty session is discarded with error.
func (a *Accumulator) End(addr string) (*Flushed, error) {
	b, ok := a.buffers[addr]
	if !ok {
		return nil, &Error{Kind: ErrNoSession, Address: addr}
	}
	delete(a.buffers, addr)
	if len(b.rows) == 0 {
		return nil, &Error{Kind: ErrEmptySession, Address: addr}
	}
	return &Flushed{
		ID:      uuid.New().String(),
		Address: addr,
		Columns: a.config.Columns,
		Rows:    b.rows,
	}, nil
}

// Flushed is a completed session, start timestamp is not carried.
type Flushed struct {
	ID      string
	Address string
	Columns []string
	Rows    [][]interface{}
}

func (f *Flushed) Len() int { return len(f.Rows) }

func (f *Flushed) Column(name string) []interface{} {
	for i, c := range f.Columns {
		if c == name {
			col := make([]interface{}, len(f.Rows))
			for r, row := range f.Rows {
				col[r] = row[i]
			}
			return col
		}
	}
	return nil
}

// Payload is column-major publish form: {sensorTagID, sessionID, column: [...]}.
func (f *Flushed) Payload() map[string]interface{} {
	m := make(map[string]interface{}, len(f.Columns)+2)
	m["sensorTagID"] = f.Address
	m["sessionID"] = f.ID
	for _, c := range f.Columns {
		m[c] = f.Column(c)
	}
	return m
}
