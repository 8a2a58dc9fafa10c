// Package persist binds in-memory state to crash-safe storage on disk.
package persist

import (
	"encoding"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/log2"
	"github.com/juju/errors"
	"github.com/temoto/extremofile"
)

type Stater interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type Storage interface {
	// nil,nil = nothing stored yet
	Read() ([]byte, error)
	io.Writer
}

// Persist binds Stater{Load,Store} to Storage.
// Zero value with Init(enabled=false) is valid and does nothing.
type Persist struct {
	sync.Mutex
	log     *log2.Log
	tag     string
	target  Stater
	storage Storage
}

func (p *Persist) Init(tag string, target Stater, root string, enabled bool, log *log2.Log) error {
	if !enabled {
		p.tag = tag
		p.log = log
		p.log.Debugf("persist %s disabled", tag)
		return nil
	}
	if root == "" {
		return errors.Errorf("persist %s enabled but root=empty", tag)
	}
	return p.InitStorage(tag, target, extremofile.New(extremofile.Config{
		Dir:      filepath.Join(root, tag),
		DirPerm:  0755,
		FilePerm: 0644,
	}), log)
}

// InitStorage is Init with explicit backend, tests use MemStorage.
func (p *Persist) InitStorage(tag string, target Stater, storage Storage, log *log2.Log) error {
	if target == nil {
		panic("code error persist target nil")
	}
	p.tag = tag
	p.log = log
	p.target = target
	p.storage = storage
	return nil
}

func (p *Persist) Enabled() bool { return p.storage != nil }

func (p *Persist) Load() error {
	if p.tag == "" {
		panic("code error persist must call .Init() first")
	}
	if p.storage == nil {
		return nil
	}
	p.Lock()
	defer p.Unlock()
	tbegin := time.Now()
	b, err := p.storage.Read()
	p.log.Debugf("persist %s storage.read duration=%v", p.tag, time.Since(tbegin))
	if b != nil {
		if err != nil {
			p.log.Errorf("persist %s ignore non-critical storage err=%v", p.tag, err)
		}
		err = p.target.UnmarshalBinary(b)
	}
	return errors.Annotatef(err, "persist %s Load", p.tag)
}

func (p *Persist) Store() error {
	if p.tag == "" {
		panic("code error persist must call .Init() first")
	}
	if p.storage == nil {
		return nil
	}
	p.Lock()
	defer p.Unlock()
	b, err := p.target.MarshalBinary()
	if err == nil {
		tbegin := time.Now()
		_, err = p.storage.Write(b)
		p.log.Debugf("persist %s storage.write duration=%v", p.tag, time.Since(tbegin))
	}
	return errors.Annotatef(err, "persist %s Store", p.tag)
}

type MemStorage struct {
	sync.Mutex
	b      []byte
	Writes int
}

func (m *MemStorage) Read() ([]byte, error) {
	m.Lock()
	defer m.Unlock()
	if m.b == nil {
		return nil, nil
	}
	return append([]byte(nil), m.b...), nil
}

func (m *MemStorage) Write(b []byte) (int, error) {
	m.Lock()
	defer m.Unlock()
	m.b = append(m.b[:0], b...)
	m.Writes++
	return len(b), nil
}
