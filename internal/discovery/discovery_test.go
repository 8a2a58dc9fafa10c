package discovery

import (
	"testing"

	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/config"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/persist"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/log2"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"
)

type mockEnum struct {
	ports []Port
	err   error
}

func (m *mockEnum) List() ([]Port, error) { return append([]Port(nil), m.ports...), m.err }

func tiPort(path, ser string) Port {
	return Port{
		Path:       path,
		HardwareID: HardwareID(&enumerator.PortDetails{Name: path, IsUSB: true, VID: "0451", PID: "bef3", SerialNumber: ser}),
		USB:        true,
	}
}

func newTest(t testing.TB, c config.Discovery, enum Enumerator) *Discovery {
	if len(c.Allow) == 0 {
		c.Allow = []string{`VID:PID=0451:BEF3`}
	}
	d, err := New(log2.NewTest(t, log2.LDebug), c, enum)
	require.NoError(t, err)
	return d
}

func TestHardwareID(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "USB VID:PID=0451:BEF3 SER=L1100 PORT=/dev/ttyACM0",
		HardwareID(&enumerator.PortDetails{Name: "/dev/ttyACM0", IsUSB: true, VID: "0451", PID: "bef3", SerialNumber: "L1100"}))
	assert.Equal(t, "PORT=/dev/ttyS0", HardwareID(&enumerator.PortDetails{Name: "/dev/ttyS0"}))
}

func TestDefaultAllow(t *testing.T) {
	t.Parallel()
	type Case struct {
		goos  string
		hwid  string
		match bool
	}
	cases := []Case{
		{"linux", "USB VID:PID=0451:BEF3 SER=L1100 PORT=/dev/ttyACM0", true},
		{"linux", "USB VID:PID=0451:bef3 SER=L1100 PORT=/dev/ttyACM2", true},
		{"linux", "USB VID:PID=0451:BEF3 SER=L1100 PORT=/dev/ttyACM1", false},
		{"linux", "USB VID:PID=2341:0043 SER=A PORT=/dev/ttyACM0", false},
		{"darwin", "USB VID:PID=0451:BEF3 SER=L1100 PORT=/dev/cu.usbmodemL11001", true},
		{"darwin", "USB VID:PID=0451:BEF3 SER=L1100 PORT=/dev/cu.usbmodemL11004", false},
		{"windows", "USB VID:PID=0451:BEF3 SER=L1100 PORT=COM7", true},
		{"windows", "PORT=COM1", false},
	}
	for _, c := range cases {
		c := c
		t.Run(c.goos+"/"+c.hwid, func(t *testing.T) {
			d := newTest(t, config.Discovery{Allow: DefaultAllow(c.goos)}, &mockEnum{})
			assert.Equal(t, c.match, d.Allowed(c.hwid))
		})
	}
}

func TestPollArrivalDeparture(t *testing.T) {
	t.Parallel()
	enum := &mockEnum{ports: []Port{
		tiPort("/dev/ttyACM0", "A"),
		{Path: "/dev/ttyS0", HardwareID: "PORT=/dev/ttyS0"},
		tiPort("/dev/ttyACM2", "B"),
	}}
	d := newTest(t, config.Discovery{MaxTries: 3}, enum)

	ch, err := d.Poll()
	require.NoError(t, err)
	assert.Len(t, ch.Arrived, 3)
	assert.Empty(t, ch.Departed)
	require.Len(t, d.Candidates(), 2)
	assert.Equal(t, "/dev/ttyACM0", d.Candidates()[0].Path)

	ch, err = d.Poll()
	require.NoError(t, err)
	assert.True(t, ch.Empty())

	// leading candidate unplugged
	enum.ports = enum.ports[1:]
	ch, err = d.Poll()
	require.NoError(t, err)
	require.Len(t, ch.Departed, 1)
	assert.Equal(t, "/dev/ttyACM0", ch.Departed[0].Path)
	assert.False(t, d.Present("/dev/ttyACM0"))
	_, ok := d.Lookup("/dev/ttyACM0")
	assert.False(t, ok)
	cur, ok := d.Lookup("/dev/ttyACM2")
	require.True(t, ok)
	assert.Equal(t, tiPort("/dev/ttyACM2", "B").HardwareID, cur.HardwareID)
	c, ok := d.Next()
	require.True(t, ok)
	assert.Equal(t, "/dev/ttyACM2", c.Path)
}

func TestPollEnumError(t *testing.T) {
	t.Parallel()
	d := newTest(t, config.Discovery{}, &mockEnum{err: errors.New("no sysfs")})
	_, err := d.Poll()
	assert.EqualError(t, err, "no sysfs")
}

func TestNextRoundRobin(t *testing.T) {
	t.Parallel()
	enum := &mockEnum{ports: []Port{tiPort("/dev/ttyACM0", "A"), tiPort("/dev/ttyACM2", "B")}}
	d := newTest(t, config.Discovery{MaxTries: 3}, enum)
	_, err := d.Poll()
	require.NoError(t, err)
	paths := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		c, ok := d.Next()
		require.True(t, ok)
		paths = append(paths, c.Path)
	}
	assert.Equal(t, []string{"/dev/ttyACM0", "/dev/ttyACM2", "/dev/ttyACM0", "/dev/ttyACM2"}, paths)
}

func TestBlacklistSkipUntilClear(t *testing.T) {
	t.Parallel()
	const maxTries = 2
	p := tiPort("/dev/ttyACM0", "A")
	d := newTest(t, config.Discovery{MaxTries: maxTries}, &mockEnum{ports: []Port{p}})
	_, err := d.Poll()
	require.NoError(t, err)

	for i := 0; i < maxTries+1; i++ {
		c, ok := d.Next()
		require.True(t, ok, "try=%d", i)
		d.Blacklist(c.HardwareID)
	}
	assert.Equal(t, uint32(maxTries+1), d.Tries(p.HardwareID))
	for i := 0; i < 3; i++ {
		_, ok := d.Next()
		assert.False(t, ok, "skipped without reset")
	}
	assert.Equal(t, uint32(maxTries+1), d.Tries(p.HardwareID), "skip does not reset")

	d.ClearBlacklist()
	c, ok := d.Next()
	require.True(t, ok)
	assert.Equal(t, uint32(0), c.Tries)
}

func TestBlacklistPersist(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	storage := &persist.MemStorage{}

	var b1 Blacklist
	b1.Touch("PORT=/dev/ttyS0")
	b1.Inc("USB VID:PID=0451:BEF3 SER=A PORT=/dev/ttyACM0")
	b1.Inc("USB VID:PID=0451:BEF3 SER=A PORT=/dev/ttyACM0")
	var p1 persist.Persist
	require.NoError(t, p1.InitStorage("blacklist", &b1, storage, log))
	require.NoError(t, p1.Store())

	var b2 Blacklist
	var p2 persist.Persist
	require.NoError(t, p2.InitStorage("blacklist", &b2, storage, log))
	require.NoError(t, p2.Load())
	assert.Equal(t, uint32(2), b2.Get("USB VID:PID=0451:BEF3 SER=A PORT=/dev/ttyACM0"))
	assert.Equal(t, b1.m, b2.m)

	assert.Error(t, b2.UnmarshalBinary([]byte{0x05}), "truncated")
}

func TestBlacklistPersistDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := tiPort("/dev/ttyACM0", "A")
	d1 := newTest(t, config.Discovery{MaxTries: 3, PersistDir: dir}, &mockEnum{ports: []Port{p}})
	d1.Blacklist(p.HardwareID)

	d2 := newTest(t, config.Discovery{MaxTries: 3, PersistDir: dir}, &mockEnum{ports: []Port{p}})
	assert.Equal(t, uint32(1), d2.Tries(p.HardwareID))
}

func TestManualSelect(t *testing.T) {
	t.Parallel()
	enum := &mockEnum{ports: []Port{
		tiPort("/dev/ttyACM2", "B"),
		{Path: "/dev/ttyS0", HardwareID: "PORT=/dev/ttyS0"},
	}}
	d := newTest(t, config.Discovery{Manual: true}, enum)
	assert.Contains(t, d.Prompt(), "no serial devices")
	_, err := d.Poll()
	require.NoError(t, err)
	assert.True(t, d.Manual())
	assert.Contains(t, d.Prompt(), "  1: /dev/ttyS0 PORT=/dev/ttyS0")

	type Case struct {
		input     string
		expect    string
		expectErr string
	}
	cases := []Case{
		{"0", "/dev/ttyACM2", ""},
		{" 1 \n", "/dev/ttyS0", ""},
		{"2", "", "device index=2 range=[0,2) not valid"},
		{"-1", "", "device index=-1 range=[0,2) not valid"},
		{"zero", "", `device index="zero" not valid`},
		{"", "", `device index="" not valid`},
	}
	for _, c := range cases {
		c := c
		t.Run(c.input, func(t *testing.T) {
			cand, err := d.Select(c.input)
			if c.expectErr != "" {
				require.Error(t, err)
				assert.True(t, errors.IsNotValid(err))
				assert.EqualError(t, err, c.expectErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expect, cand.Path)
		})
	}
}
