// Package discovery finds the serial port a SensorTag receiver is attached to.
package discovery

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/config"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/persist"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/log2"
	"github.com/juju/errors"
)

type Candidate struct {
	Port
	Tries uint32
}

type Changes struct {
	Arrived  []Port
	Departed []Port
}

func (c Changes) Empty() bool { return len(c.Arrived) == 0 && len(c.Departed) == 0 }

// Discovery is owned by gateway loop, not safe for concurrent use.
type Discovery struct {
	log      *log2.Log
	enum     Enumerator
	allow    []*regexp.Regexp
	maxTries uint32
	manual   bool

	known      map[string]Port // by path
	candidates []string        // hardware ids, insertion order
	byHW       map[string]Port
	cursor     int

	blacklist Blacklist
	persist   persist.Persist
}

func New(log *log2.Log, c config.Discovery, enum Enumerator) (*Discovery, error) {
	if enum == nil {
		enum = SystemEnumerator{}
	}
	patterns := c.Allow
	if len(patterns) == 0 {
		patterns = defaultAllow()
	}
	self := &Discovery{
		log:      log,
		enum:     enum,
		allow:    make([]*regexp.Regexp, 0, len(patterns)),
		maxTries: uint32(c.MaxTries),
		manual:   c.Manual,
		known:    make(map[string]Port),
		byHW:     make(map[string]Port),
	}
	for _, s := range patterns {
		re, err := regexp.Compile(s)
		if err != nil {
			return nil, errors.Annotatef(err, "discovery allow=%s", s)
		}
		self.allow = append(self.allow, re)
	}
	if err := self.persist.Init("blacklist", &self.blacklist, c.PersistDir, c.PersistDir != "", log); err != nil {
		return nil, errors.Annotate(err, "discovery")
	}
	if err := self.persist.Load(); err != nil {
		self.log.Errorf("discovery blacklist load err=%v", err)
	}
	return self, nil
}

func (self *Discovery) Manual() bool { return self.manual }

func (self *Discovery) Allowed(hwid string) bool {
	for _, re := range self.allow {
		if re.MatchString(hwid) {
			return true
		}
	}
	return false
}

// Poll re-lists devices, diffs against known set and updates candidates.
func (self *Discovery) Poll() (Changes, error) {
	var ch Changes
	ports, err := self.enum.List()
	if err != nil {
		return ch, errors.Trace(err)
	}
	seen := make(map[string]struct{}, len(ports))
	for _, p := range ports {
		seen[p.Path] = struct{}{}
		if old, ok := self.known[p.Path]; ok {
			if old.HardwareID == p.HardwareID {
				continue
			}
			ch.Departed = append(ch.Departed, old)
			self.dropCandidate(old.HardwareID)
		}
		self.known[p.Path] = p
		ch.Arrived = append(ch.Arrived, p)
		self.log.Debugf("discovery arrived %s", p)
		self.blacklist.Touch(p.HardwareID)
		if self.Allowed(p.HardwareID) {
			if _, dup := self.byHW[p.HardwareID]; !dup {
				self.candidates = append(self.candidates, p.HardwareID)
			}
			self.byHW[p.HardwareID] = p
		}
	}
	for path, p := range self.known {
		if _, ok := seen[path]; !ok {
			delete(self.known, path)
			ch.Departed = append(ch.Departed, p)
			self.log.Debugf("discovery departed %s", p)
			self.dropCandidate(p.HardwareID)
		}
	}
	sort.Slice(ch.Departed, func(i, j int) bool { return ch.Departed[i].Path < ch.Departed[j].Path })
	return ch, nil
}

func (self *Discovery) dropCandidate(hwid string) {
	if _, ok := self.byHW[hwid]; !ok {
		return
	}
	delete(self.byHW, hwid)
	for i, id := range self.candidates {
		if id == hwid {
			self.candidates = append(self.candidates[:i], self.candidates[i+1:]...)
			if self.cursor > i {
				self.cursor--
			}
			break
		}
	}
}

// Next returns candidates round-robin, skipping ones blacklisted more than max tries.
func (self *Discovery) Next() (Candidate, bool) {
	n := len(self.candidates)
	for i := 0; i < n; i++ {
		idx := (self.cursor + i) % n
		hwid := self.candidates[idx]
		tries := self.blacklist.Get(hwid)
		if tries > self.maxTries {
			continue
		}
		self.cursor = (idx + 1) % n
		return Candidate{Port: self.byHW[hwid], Tries: tries}, true
	}
	return Candidate{}, false
}

func (self *Discovery) Candidates() []Candidate {
	cs := make([]Candidate, 0, len(self.candidates))
	for _, hwid := range self.candidates {
		cs = append(cs, Candidate{Port: self.byHW[hwid], Tries: self.blacklist.Get(hwid)})
	}
	return cs
}

func (self *Discovery) Tries(hwid string) uint32 { return self.blacklist.Get(hwid) }

func (self *Discovery) Blacklist(hwid string) uint32 {
	n := self.blacklist.Inc(hwid)
	self.log.Infof("discovery blacklist hwid=%s tries=%d max=%d", hwid, n, self.maxTries)
	self.store()
	return n
}

func (self *Discovery) ClearBlacklist() {
	self.blacklist.Clear()
	self.store()
}

func (self *Discovery) store() {
	if err := self.persist.Store(); err != nil {
		self.log.Errorf("discovery blacklist store err=%v", err)
	}
}

func (self *Discovery) Present(path string) bool {
	_, ok := self.known[path]
	return ok
}

func (self *Discovery) Lookup(path string) (Candidate, bool) {
	p, ok := self.known[path]
	if !ok {
		return Candidate{}, false
	}
	return Candidate{Port: p, Tries: self.blacklist.Get(p.HardwareID)}, true
}

func (self *Discovery) listed() []Port {
	ps := make([]Port, 0, len(self.known))
	for _, p := range self.known {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].Path < ps[j].Path })
	return ps
}

// Prompt lists known devices for manual selection.
func (self *Discovery) Prompt() string {
	ps := self.listed()
	if len(ps) == 0 {
		return "no serial devices found, waiting"
	}
	var b strings.Builder
	b.WriteString("select serial device:\n")
	for i, p := range ps {
		fmt.Fprintf(&b, "%3d: %s\n", i, p)
	}
	return b.String()
}

// Select validates manual input. Error is retryable, show Prompt again.
func (self *Discovery) Select(line string) (Candidate, error) {
	ps := self.listed()
	line = strings.TrimSpace(line)
	i, err := strconv.Atoi(line)
	if err != nil {
		return Candidate{}, errors.NotValidf("device index=%q", line)
	}
	if i < 0 || i >= len(ps) {
		return Candidate{}, errors.NotValidf("device index=%d range=[0,%d)", i, len(ps))
	}
	p := ps[i]
	return Candidate{Port: p, Tries: self.blacklist.Get(p.HardwareID)}, nil
}
