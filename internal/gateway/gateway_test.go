package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/codec"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/config"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/discovery"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/metrics"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/outq"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/publish"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/serial"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/log2"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockEnum struct {
	sync.Mutex
	ports []discovery.Port
}

func (self *mockEnum) List() ([]discovery.Port, error) {
	self.Lock()
	defer self.Unlock()
	return append([]discovery.Port(nil), self.ports...), nil
}

func (self *mockEnum) set(ports ...discovery.Port) {
	self.Lock()
	self.ports = ports
	self.Unlock()
}

type testEnv struct {
	g      *Gateway
	pub    *publish.Mock
	opener *serial.MockOpener
	enum   *mockEnum
	m      *metrics.Metrics
	clock  *testClock
	logs   *testLogs
}

// testClock follows wall time shifted by advance().
type testClock struct {
	sync.Mutex
	offset time.Duration
}

func (self *testClock) now() time.Time {
	self.Lock()
	defer self.Unlock()
	return time.Now().Add(self.offset)
}

func (self *testClock) advance(d time.Duration) {
	self.Lock()
	self.offset += d
	self.Unlock()
}

type testLogs struct {
	sync.Mutex
	t     testing.TB
	lines []string
}

func (self *testLogs) logf(format string, args ...interface{}) {
	s := fmt.Sprintf(format, args...)
	self.Lock()
	self.lines = append(self.lines, s)
	self.Unlock()
	self.t.Logf("%s", s)
}

func (self *testLogs) count(substr string) int {
	self.Lock()
	defer self.Unlock()
	n := 0
	for _, l := range self.lines {
		if strings.Contains(l, substr) {
			n++
		}
	}
	return n
}

func testPort(n int) discovery.Port {
	path := fmt.Sprintf("/dev/ttyTEST%d", n)
	return discovery.Port{Path: path, HardwareID: fmt.Sprintf("TEST SER=%d PORT=%s", n, path), USB: true}
}

func newTestEnv(t testing.TB, mode string, tweak func(c *config.Config)) *testEnv {
	logs := &testLogs{t: t}
	log := log2.NewFunc(logs.logf, log2.LDebug)
	log.SetFlags(log2.LTestFlags)
	fs := config.NewMockFullReader(map[string]string{"test-inline": fmt.Sprintf(`
serial { mode = "%s" buffer_size = 16 }
discovery { allow = ["^TEST "] max_tries = 2 poll_ms = 10 }
gateway { challenge_timeout_ms = 3000 settle_ms = 10 pace_ms = 5 heartbeat_sec = 15 identify_text = "gw" }
publish { backend = "log" }
`, mode)})
	c, err := config.ReadConfig(log, fs, "test-inline")
	require.NoError(t, err, errors.ErrorStack(err))
	if tweak != nil {
		tweak(c)
	}
	env := &testEnv{
		pub:    publish.NewMock(),
		opener: serial.NewMockOpener(),
		enum:   &mockEnum{},
		m:      metrics.New(),
		clock:  &testClock{},
		logs:   logs,
	}
	env.g, err = New(log, Options{
		Config:     c,
		Publisher:  env.pub,
		Opener:     env.opener,
		Enumerator: env.enum,
		Metrics:    env.m,
		Now:        env.clock.now,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		env.g.alive.Stop()
		env.g.teardown()
	})
	return env
}

// plug makes device visible and openable, returns its fake port.
func (self *testEnv) plug(ports ...discovery.Port) []*serial.ChanPort {
	cps := make([]*serial.ChanPort, len(ports))
	for i, p := range ports {
		cps[i] = serial.NewChanPort(5 * time.Second)
		self.opener.Add(p.Path, cps[i])
	}
	self.enum.set(ports...)
	return cps
}

func written(t testing.TB, cp *serial.ChanPort) []byte {
	t.Helper()
	select {
	case b := <-cp.Written():
		return b
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for serial write")
	}
	return nil
}

func TestPeerSessionPing(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.ModePeer, nil)
	cps := env.plug(testPort(0))
	env.g.onPoll()
	require.Equal(t, StateConnected, env.g.State(), "peer mode is live without handshake")

	env.g.onFrame([]byte("id:15,session:start,temp:27.82,session:end,ping"))

	sessions := env.pub.Topic("sessions")
	require.Len(t, sessions, 1)
	assert.Equal(t, "0015", sessions[0]["sensorTagID"])
	assert.Equal(t, []interface{}{27.82}, sessions[0]["temp"])
	assert.Len(t, sessions[0]["light"], 1)
	assert.Empty(t, env.pub.Topic("sensordata"), "sensordata consumed by session")

	require.Equal(t, 1, env.g.outq.Len())
	env.g.onPace()
	assert.Equal(t, "pong", string(written(t, cps[0])))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.m.SessionsFlushed))
}

func TestServerPingBeforeEmptyEnd(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.ModeServer, nil)
	env.g.handleFrame(append([]byte{0x23, 0x00}, "session:end,ping"...))
	// end without start fails, ping is still answered
	errs := env.pub.Errors()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Value["error"], "not started")
	require.Equal(t, 1, env.g.outq.Len())
	job, err := env.g.outq.Tick(devNull{})
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0023), job.Dest)
	assert.Equal(t, []byte{0x23, 0x00, 'p', 'o', 'n', 'g', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, job.Wire())
}

type devNull struct{}

func (devNull) Write(b []byte) (int, error) { return len(b), nil }

func TestPipelineTopics(t *testing.T) {
	t.Parallel()
	type Case struct {
		name   string
		frame  string
		expect map[string]map[string]interface{}
		errs   int
	}
	cases := []Case{
		{"tama", "\x23\x00EAT:8", map[string]map[string]interface{}{
			"tamaActions": {"id": "0023", "EAT": int64(8)},
		}, 0},
		{"explicit-id-wins", "\xff\xffid:00aa,event:UP", map[string]map[string]interface{}{
			"events": {"id": "00aa", "event": "UP"},
		}, 0},
		{"sensordata-direct", "\x01\x00light:3.5", map[string]map[string]interface{}{
			"sensordata": {"id": "0001", "light": 3.5},
		}, 0},
		{"unknown", "\x01\x00evnt:UP", nil, 1},
		{"bad-value", "\x01\x00EAT:eleven", nil, 1},
		{"no-prefix", "\x01", nil, 1},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			env := newTestEnv(t, config.ModeServer, nil)
			env.g.handleFrame([]byte(c.frame))
			got := map[string]map[string]interface{}{}
			for _, m := range env.pub.Messages() {
				got[m.Topic] = m.Value
			}
			if c.expect == nil {
				assert.Empty(t, got)
			} else {
				assert.Equal(t, c.expect, got)
			}
			assert.Len(t, env.pub.Errors(), c.errs)
		})
	}
}

func TestPipelineCapacity(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.ModePeer, func(c *config.Config) { c.Session.MaxRows = 2 })
	env.g.handleFrame([]byte("id:0015,session:start"))
	for i := 0; i < 3; i++ {
		env.g.handleFrame([]byte(fmt.Sprintf("id:0015,light:%d", i)))
	}
	require.Len(t, env.pub.Errors(), 1)
	assert.Contains(t, env.pub.Errors()[0].Value["error"], "buffer full")
	env.g.handleFrame([]byte("id:0015,session:end"))
	sessions := env.pub.Topic("sessions")
	require.Len(t, sessions, 1)
	assert.Equal(t, []interface{}{0.0, 1.0}, sessions[0]["light"])
	assert.Equal(t, 1.0, testutil.ToFloat64(env.m.SessionErrors.WithLabelValues("capacity")))
}

func TestHandshake(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.ModeServer, nil)
	p0, p1 := testPort(0), testPort(1)
	cps := env.plug(p0, p1)

	env.g.onPoll()
	require.Equal(t, StateAwaitingChallengeResponse, env.g.State())
	assert.Equal(t, p0.Path, env.g.conn.cand.Path)
	identify := written(t, cps[0])
	assert.Equal(t, []byte{0xfe, 0xfe, 0x01, 'g', 'w'}, identify[:5])
	assert.True(t, env.g.challenge.Armed())

	// data before handshake is ignored
	env.g.onFrame(append([]byte{1, 0}, "EAT:1"...))
	assert.Empty(t, env.pub.Messages())

	env.g.onChallengeTimeout()
	assert.Equal(t, StateClosing, env.g.State())
	assert.True(t, cps[0].Closed())
	assert.Equal(t, uint32(1), env.g.disco.Tries(p0.HardwareID))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.m.HandshakeTimeouts))

	env.g.onSettled()
	require.Equal(t, StateAwaitingChallengeResponse, env.g.State(), "round robin moves to next candidate")
	assert.Equal(t, p1.Path, env.g.conn.cand.Path)
	written(t, cps[1])

	env.g.onFrame([]byte{0xfe, 0xfe, 0x01, 'S', 'T'})
	assert.Equal(t, StateConnected, env.g.State())
	assert.False(t, env.g.challenge.Armed())
	assert.True(t, env.g.heartbeat.Running())
	assert.Equal(t, uint32(0), env.g.disco.Tries(p0.HardwareID), "success clears every counter")
}

func TestHandshakeBlacklistSkip(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.ModeServer, nil)
	p := testPort(0)
	const maxTries = 2
	for i := 0; i < maxTries+1; i++ {
		cps := env.plug(p)
		env.g.onPoll()
		require.Equal(t, StateAwaitingChallengeResponse, env.g.State(), "try=%d", i)
		written(t, cps[0])
		env.g.onChallengeTimeout()
		env.g.settle.Stop()
		env.g.teardown()
	}
	env.plug(p)
	env.g.onPoll()
	assert.Equal(t, StateDiscovering, env.g.State(), "blacklisted candidate skipped")
	env.g.onPoll()
	assert.Equal(t, StateDiscovering, env.g.State())

	env.g.disco.ClearBlacklist()
	env.g.onPoll()
	assert.Equal(t, StateAwaitingChallengeResponse, env.g.State())
}

func TestLateEventIgnored(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.ModeServer, nil)
	cps := env.plug(testPort(0))
	env.g.onPoll()
	written(t, cps[0])
	oldGen := env.g.conn.gen
	env.g.onChallengeTimeout()
	env.g.settle.Stop()
	env.g.teardown()

	env.g.onEvent(event{gen: oldGen, frame: []byte{0xfe, 0xfe, 0x01}})
	assert.Equal(t, StateDiscovering, env.g.State())
	assert.Equal(t, uint32(1), env.g.disco.Tries(testPort(0).HardwareID))
}

func TestUnplugWhileConnected(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.ModePeer, nil)
	cps := env.plug(testPort(0))
	env.g.onPoll()
	require.Equal(t, StateConnected, env.g.State())
	env.enum.set()
	env.g.onPoll()
	assert.Equal(t, StateClosing, env.g.State())
	assert.True(t, cps[0].Closed())
	env.g.onSettled()
	assert.Equal(t, StateDiscovering, env.g.State())
	assert.Nil(t, env.g.conn)
}

func TestOtherDeviceOnSamePath(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.ModePeer, nil)
	p := testPort(0)
	cps := env.plug(p)
	env.g.onPoll()
	require.Equal(t, StateConnected, env.g.State())
	p.HardwareID = "TEST SER=other PORT=" + p.Path
	env.enum.set(p)
	env.g.onPoll()
	assert.Equal(t, StateClosing, env.g.State())
	assert.True(t, cps[0].Closed())
}

func TestOpenFailureBackoff(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.ModePeer, nil)
	env.g.backoff.Min = time.Minute
	env.enum.set(testPort(0)) // listed but not openable
	env.g.onPoll()
	assert.Equal(t, StateDiscovering, env.g.State())
	assert.True(t, env.g.backoff.Next() > 0)
	assert.Equal(t, []string{testPort(0).Path}, env.opener.Opens())
	env.g.onPoll()
	assert.Len(t, env.opener.Opens(), 1, "retry delayed by backoff")
}

func TestPaceWithoutTransport(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.ModePeer, nil)
	env.g.onCommand(publish.SendRequest{Address: "0015", Text: "EAT:1"})
	env.g.onCommand(publish.SendRequest{Address: "bogus!", Text: "x"})
	require.Equal(t, 1, env.g.outq.Len())
	env.g.onPace()
	assert.Equal(t, 1, env.g.outq.Len(), "job kept until transport exists")

	cps := env.plug(testPort(0))
	env.g.onPoll()
	env.g.onPace()
	assert.Equal(t, "EAT:1", string(written(t, cps[0])))
	assert.Equal(t, 0, env.g.outq.Len())
}

func TestWriteFailureCloses(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.ModePeer, nil)
	cps := env.plug(testPort(0))
	env.g.onPoll()
	cps[0].WriteErr = errors.New("EIO")
	env.g.Enqueue(outq.Job{Text: "x"})
	env.g.onPace()
	assert.Equal(t, StateClosing, env.g.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(env.m.OutboundFailures))
}

func TestHeartbeat(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.ModePeer, nil)
	env.g.onHeartbeat()
	assert.Equal(t, 0, env.g.outq.Len(), "no heartbeat while discovering")

	cps := env.plug(testPort(0))
	env.g.onPoll()
	env.g.onHeartbeat()
	require.Equal(t, 1, env.g.outq.Len())
	env.g.onPace()
	assert.Equal(t, []byte{0xfe, 0xfe, codec.CmdHeartbeat}, written(t, cps[0]))
	assert.Equal(t, 0, env.logs.count("possible crash"))
}

// heartbeat_sec=15: warning only when silence is within (22.5s, 37.5s)
func TestHeartbeatCrashWindow(t *testing.T) {
	t.Parallel()
	type Case struct {
		name    string
		frame   bool
		elapsed time.Duration
		warn    bool
	}
	cases := []Case{
		{"inside", true, 30 * time.Second, true},
		{"fresh", true, 10 * time.Second, false},
		{"below-low", true, 20 * time.Second, false},
		{"above-high", true, 40 * time.Second, false},
		{"silent-peer", false, 30 * time.Second, true},
		{"silent-peer-fresh", false, 5 * time.Second, false},
	}
	rand.Shuffle(len(cases), func(i int, j int) { cases[i], cases[j] = cases[j], cases[i] })
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, config.ModePeer, nil)
			env.plug(testPort(0))
			env.g.onPoll()
			require.Equal(t, StateConnected, env.g.State())
			if c.frame {
				env.g.onEvent(event{gen: env.g.gen, frame: []byte("id:0015,ping")})
			}
			env.clock.advance(c.elapsed)
			env.g.onHeartbeat()
			expect := 0
			if c.warn {
				expect = 1
			}
			assert.Equal(t, expect, env.logs.count("possible crash"))
			assert.Equal(t, StateConnected, env.g.State(), "possible crash is only a warning")
		})
	}
}

func TestManualSelection(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.ModePeer, func(c *config.Config) { c.Discovery.Manual = true })
	env.plug(testPort(0), testPort(1))
	env.g.onPoll()
	assert.Equal(t, StateDiscovering, env.g.State(), "manual mode waits for input")
	env.g.onManualLine("7")
	assert.Equal(t, StateDiscovering, env.g.State(), "invalid index is retryable")
	env.g.onManualLine("1")
	require.Equal(t, StateConnected, env.g.State())
	assert.Equal(t, testPort(1).Path, env.g.conn.cand.Path)
}

func TestOversizedFrameKeepsConnection(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.ModePeer, nil)
	cps := env.plug(testPort(0))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.g.Run(ctx) }()

	cps[0].Feed([]byte(strings.Repeat("x", codec.DefaultMaxFrame+100) + "\x00"))
	cps[0].Feed([]byte("id:0015,ping\x00"))
	assert.Equal(t, "pong", string(written(t, cps[0])))
	assert.Equal(t, StateConnected, env.g.State())
	assert.False(t, cps[0].Closed())
	assert.Len(t, env.opener.Opens(), 1)
	require.Len(t, env.pub.Errors(), 1)
	assert.Contains(t, env.pub.Errors()[0].Value["error"], "frame longer than max")
	assert.Equal(t, 1.0, testutil.ToFloat64(env.m.DecodeErrors.WithLabelValues("frame")))

	cancel()
	require.NoError(t, <-done)
}

func TestRun(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.ModePeer, nil)
	cps := env.plug(testPort(0))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.g.Run(ctx) }()

	cps[0].Feed([]byte("id:0015,ping,event:TAP\x00"))
	assert.Equal(t, "pong", string(written(t, cps[0])))
	require.Eventually(t, func() bool { return len(env.pub.Topic("events")) == 1 }, 5*time.Second, 5*time.Millisecond)

	env.pub.Command(publish.SendRequest{Address: "0015", Text: "MSG1:hi"})
	assert.Equal(t, "MSG1:hi", string(written(t, cps[0])))

	// device closes port: gateway reconnects to the same path after settle
	cps2 := serial.NewChanPort(5 * time.Second)
	env.opener.Add(testPort(0).Path, cps2)
	cps[0].Close()
	require.Eventually(t, func() bool {
		return len(env.opener.Opens()) >= 2 && env.g.State() == StateConnected
	}, 5*time.Second, 5*time.Millisecond)
	cps2.Feed([]byte("id:0016,ping\x00"))
	assert.Equal(t, "pong", string(written(t, cps2)))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}
