// Package config reads gateway configuration from HCL files.
package config

import (
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/helpers"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/message"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/session"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/log2"
	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
)

const (
	ModeServer = "server"
	ModePeer   = "peer"

	FramingDelimiter = "delimiter"
	FramingFixed     = "fixed"

	BackendMQTT = "mqtt"
	BackendNATS = "nats"
	BackendLog  = "log"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Serial    Serial         `hcl:"serial"`
	Discovery Discovery      `hcl:"discovery"`
	Gateway   Gateway        `hcl:"gateway"`
	Session   session.Config `hcl:"session"`
	Schema    struct {
		Fields []message.FieldConfig `hcl:"field"`
	} `hcl:"schema"`
	Publish Publish `hcl:"publish"`
	Metrics struct {
		Listen string `hcl:"listen"`
	} `hcl:"metrics"`
	LogDebug bool `hcl:"log_debug"`

	_copy_guard sync.Mutex //nolint:unused
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

type Serial struct {
	BaudRate      int    `hcl:"baud_rate"`
	Framing       string `hcl:"framing"`
	FrameLength   int    `hcl:"frame_length"`
	BufferSize    int    `hcl:"buffer_size"`
	Mode          string `hcl:"mode"`
	ReadTimeoutMs int    `hcl:"read_timeout_ms"`
}

func (s *Serial) Server() bool { return s.Mode != ModePeer }
func (s *Serial) ReadTimeout() time.Duration {
	return helpers.IntMillisecondDefault(s.ReadTimeoutMs, 500*time.Millisecond)
}

type Discovery struct {
	PollMs     int      `hcl:"poll_ms"`
	Allow      []string `hcl:"allow"`
	MaxTries   int      `hcl:"max_tries"`
	Manual     bool     `hcl:"manual"`
	PersistDir string   `hcl:"persist_dir"`
}

func (d *Discovery) Poll() time.Duration { return helpers.IntMillisecondDefault(d.PollMs, time.Second) }

type Gateway struct {
	HeartbeatSec       int    `hcl:"heartbeat_sec"`
	PaceMs             int    `hcl:"pace_ms"`
	ChallengeTimeoutMs int    `hcl:"challenge_timeout_ms"`
	SettleMs           int    `hcl:"settle_ms"`
	IdentifyText       string `hcl:"identify_text"`
}

func (g *Gateway) Heartbeat() time.Duration {
	return helpers.IntSecondDefault(g.HeartbeatSec, 15*time.Second)
}
func (g *Gateway) Pace() time.Duration {
	return helpers.IntMillisecondDefault(g.PaceMs, 100*time.Millisecond)
}
func (g *Gateway) ChallengeTimeout() time.Duration {
	return helpers.IntMillisecondDefault(g.ChallengeTimeoutMs, 3*time.Second)
}
func (g *Gateway) Settle() time.Duration {
	return helpers.IntMillisecondDefault(g.SettleMs, 500*time.Millisecond)
}

type Publish struct {
	Backend      string `hcl:"backend"`
	Broker       string `hcl:"broker"`
	ClientID     string `hcl:"client_id"`
	Username     string `hcl:"username"`
	Password     string `hcl:"password"`
	TopicPrefix  string `hcl:"topic_prefix"`
	CommandTopic string `hcl:"command_topic"`
	ErrorTopic   string `hcl:"error_topic"`
	TLSCAFile    string `hcl:"tls_ca_file"`
	BacklogPath  string `hcl:"backlog_path"`
	KeepaliveSec int    `hcl:"keepalive_sec"`
	LogDebug     bool   `hcl:"log_debug"`
}

func (c *Config) setDefaults() {
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = 115200
	}
	if c.Serial.Framing == "" {
		c.Serial.Framing = FramingDelimiter
	}
	if c.Serial.Mode == "" {
		c.Serial.Mode = ModeServer
	}
	if c.Serial.BufferSize == 0 {
		c.Serial.BufferSize = 80
	}
	if c.Discovery.MaxTries == 0 {
		c.Discovery.MaxTries = 3
	}
	if c.Gateway.IdentifyText == "" {
		c.Gateway.IdentifyText = "gateway"
	}
	if c.Publish.Backend == "" {
		c.Publish.Backend = BackendMQTT
	}
	if c.Publish.ClientID == "" {
		c.Publish.ClientID = "sensortag-gateway"
	}
	if c.Publish.CommandTopic == "" {
		c.Publish.CommandTopic = "toSensorTag"
	}
	if c.Publish.ErrorTopic == "" {
		c.Publish.ErrorTopic = "errors"
	}
}

func (c *Config) validate() error {
	errs := make([]error, 0, 8)
	switch c.Serial.Mode {
	case ModeServer, ModePeer:
	default:
		errs = append(errs, errors.NotValidf("serial mode=%s", c.Serial.Mode))
	}
	switch c.Serial.Framing {
	case FramingDelimiter:
	case FramingFixed:
		if c.Serial.FrameLength <= 0 {
			errs = append(errs, errors.NotValidf("serial framing=fixed frame_length=%d", c.Serial.FrameLength))
		}
	default:
		errs = append(errs, errors.NotValidf("serial framing=%s", c.Serial.Framing))
	}
	if c.Serial.BufferSize < 4 {
		errs = append(errs, errors.NotValidf("serial buffer_size=%d", c.Serial.BufferSize))
	}
	for _, s := range c.Discovery.Allow {
		if _, err := regexp.Compile(s); err != nil {
			errs = append(errs, errors.Annotatef(err, "discovery allow=%s", s))
		}
	}
	switch c.Publish.Backend {
	case BackendMQTT, BackendNATS:
		if c.Publish.Broker == "" {
			errs = append(errs, errors.NotValidf("publish backend=%s broker=empty", c.Publish.Backend))
		}
	case BackendLog:
	default:
		errs = append(errs, errors.NotValidf("publish backend=%s", c.Publish.Backend))
	}
	if fields, err := c.SchemaFields(); err != nil {
		errs = append(errs, err)
	} else if _, err = message.NewSchema(fields); err != nil {
		errs = append(errs, errors.Annotate(err, "config schema"))
	}
	return helpers.FoldErrors(errs)
}

// SchemaFields is built-in field table with config overrides applied.
func (c *Config) SchemaFields() ([]message.Field, error) {
	extra := make([]message.Field, 0, len(c.Schema.Fields))
	for _, fc := range c.Schema.Fields {
		f, err := fc.Field()
		if err != nil {
			return nil, err
		}
		extra = append(extra, f)
	}
	return message.MergeFields(message.DefaultFields(), extra), nil
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		log.Fatalf("config duplicate source=%s", source.Name)
	} else {
		log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	}
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return nil, err
	}
	c.setDefaults()
	return c, c.validate()
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
