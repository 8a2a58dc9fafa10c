// Package serial opens the UART link to SensorTag receiver.
package serial

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/config"
	"github.com/juju/errors"
	bugst "go.bug.st/serial"
)

type Port interface {
	io.ReadWriteCloser
}

type Opener interface {
	Open(path string) (Port, error)
}

type SystemOpener struct {
	mode        bugst.Mode
	readTimeout time.Duration
}

func NewOpener(c config.Serial) *SystemOpener {
	return &SystemOpener{
		mode: bugst.Mode{
			BaudRate: c.BaudRate,
			DataBits: 8,
			Parity:   bugst.NoParity,
			StopBits: bugst.OneStopBit,
		},
		readTimeout: c.ReadTimeout(),
	}
}

func (self *SystemOpener) Open(path string) (Port, error) {
	mode := self.mode
	p, err := bugst.Open(path, &mode)
	if err != nil {
		return nil, errors.Annotatef(err, "serial open path=%s baud=%d", path, mode.BaudRate)
	}
	if err = p.SetReadTimeout(self.readTimeout); err != nil {
		p.Close()
		return nil, errors.Annotatef(err, "serial path=%s set read timeout", path)
	}
	_ = p.ResetInputBuffer()
	return newPort(p), nil
}

// port hides read timeouts from bufio, which gives up after
// a few (0, nil) reads with io.ErrNoProgress.
type port struct {
	p      bugst.Port
	closed uint32
}

func newPort(p bugst.Port) *port { return &port{p: p} }

func (self *port) Read(b []byte) (int, error) {
	for {
		if atomic.LoadUint32(&self.closed) != 0 {
			return 0, io.EOF
		}
		n, err := self.p.Read(b)
		if n != 0 || err != nil {
			if err != nil && atomic.LoadUint32(&self.closed) != 0 {
				err = io.EOF
			}
			return n, err
		}
	}
}

func (self *port) Write(b []byte) (int, error) {
	if atomic.LoadUint32(&self.closed) != 0 {
		return 0, io.ErrClosedPipe
	}
	return self.p.Write(b)
}

func (self *port) Close() error {
	if !atomic.CompareAndSwapUint32(&self.closed, 0, 1) {
		return nil
	}
	return self.p.Close()
}
