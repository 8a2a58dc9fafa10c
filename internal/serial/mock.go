package serial

// Public API to easy create serial stubs to test your code.
import (
	"io"
	"sync"
	"time"

	"github.com/juju/errors"
)

// NullPort reads r and writes w, both usually bytes.Buffer.
type NullPort struct {
	r io.Reader
	w io.Writer
}

func NewNullPort(r io.Reader, w io.Writer) *NullPort { return &NullPort{r: r, w: w} }

func (self *NullPort) Read(p []byte) (int, error)  { return self.r.Read(p) }
func (self *NullPort) Write(p []byte) (int, error) { return self.w.Write(p) }
func (self *NullPort) Close() error                { return nil }

// ChanPort is a fake device: Feed() bytes arrive on Read, writes go to Written().
type ChanPort struct {
	r        chan []byte
	w        chan []byte
	done     chan struct{}
	once     sync.Once
	pending  []byte
	timeout  time.Duration
	WriteErr error
}

func NewChanPort(timeout time.Duration) *ChanPort {
	return &ChanPort{
		r:       make(chan []byte, 16),
		w:       make(chan []byte, 16),
		done:    make(chan struct{}),
		timeout: timeout,
	}
}

// Feed queues bytes as if sent by device.
func (self *ChanPort) Feed(b []byte) {
	select {
	case self.r <- append([]byte(nil), b...):
	case <-self.done:
	}
}

func (self *ChanPort) Written() <-chan []byte { return self.w }

func (self *ChanPort) Read(p []byte) (int, error) {
	if len(self.pending) == 0 {
		select {
		case b := <-self.r:
			self.pending = b
		case <-self.done:
			return 0, io.EOF
		}
	}
	n := copy(p, self.pending)
	self.pending = self.pending[n:]
	return n, nil
}

func (self *ChanPort) Write(p []byte) (int, error) {
	if self.WriteErr != nil {
		return 0, self.WriteErr
	}
	select {
	case <-self.done:
		return 0, io.ErrClosedPipe
	default:
	}
	select {
	case self.w <- append([]byte(nil), p...):
		return len(p), nil
	case <-time.After(self.timeout):
		panic("serial mock ChanPort.Write timeout guard, nobody reads Written()")
	}
}

func (self *ChanPort) Close() error {
	self.once.Do(func() { close(self.done) })
	return nil
}

func (self *ChanPort) Closed() bool {
	select {
	case <-self.done:
		return true
	default:
		return false
	}
}

// MockOpener returns prepared ports by path, unknown path fails.
type MockOpener struct {
	mu     sync.Mutex
	Ports  map[string]Port
	Opened []string
}

func NewMockOpener() *MockOpener { return &MockOpener{Ports: make(map[string]Port)} }

func (self *MockOpener) Add(path string, p Port) {
	self.mu.Lock()
	self.Ports[path] = p
	self.mu.Unlock()
}

func (self *MockOpener) Open(path string) (Port, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.Opened = append(self.Opened, path)
	p, ok := self.Ports[path]
	if !ok {
		return nil, errors.NotFoundf("serial mock path=%s", path)
	}
	return p, nil
}

// Opens returns copy of opened paths, in order.
func (self *MockOpener) Opens() []string {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]string(nil), self.Opened...)
}
