// Package message knows which fields sensor nodes may send,
// how to decode them and which backend topics they go to.
package message

import (
	"sort"

	"github.com/juju/errors"
)

type Control uint8

const (
	ControlNone Control = iota
	ControlIdentity
	ControlPing
	ControlSession
)

const (
	TopicTamaActions = "tamaActions"
	TopicMessages    = "messages"
	TopicEvents      = "events"
	TopicSensorData  = "sensordata"

	SessionStart = "start"
	SessionEnd   = "end"
)

type Field struct {
	Name   string // short name on the wire
	Output string // key in published map
	Topics []string
	// Zero value means presence of the field alone makes its topics published.
	NoForceSend bool
	Control     Control
	Decode      DecodeFunc
}

// FieldConfig is config file form of Field.
// Example: field "hum" { output = "humidity" topics = ["sensordata"] decoder = "float" }
type FieldConfig struct {
	Name        string   `hcl:"name,key"`
	Output      string   `hcl:"output"`
	Topics      []string `hcl:"topics"`
	Decoder     string   `hcl:"decoder"`
	Enum        []string `hcl:"enum"`
	NoForceSend bool     `hcl:"no_force_send"`
}

// Field leaves Decode nil when decoder is not set, MergeFields fills it.
func (fc FieldConfig) Field() (Field, error) {
	var dec DecodeFunc
	if fc.Decoder != "" || len(fc.Enum) != 0 {
		var err error
		if dec, err = DecoderByName(fc.Decoder, fc.Enum); err != nil {
			return Field{}, errors.Annotatef(err, "schema field=%s", fc.Name)
		}
	}
	return Field{
		Name:        fc.Name,
		Output:      fc.Output,
		Topics:      fc.Topics,
		NoForceSend: fc.NoForceSend,
		Decode:      dec,
	}, nil
}

// Schema is immutable after NewSchema.
type Schema struct {
	fields   []Field
	index    map[string]int
	topics   []string
	identity int
}

func NewSchema(fields []Field) (*Schema, error) {
	s := &Schema{
		fields:   make([]Field, len(fields)),
		index:    make(map[string]int, len(fields)),
		identity: -1,
	}
	copy(s.fields, fields)
	topicSet := make(map[string]struct{})
	for i := range s.fields {
		f := &s.fields[i]
		if f.Name == "" {
			return nil, errors.NotValidf("schema field #%d empty name", i)
		}
		if _, dup := s.index[f.Name]; dup {
			return nil, errors.AlreadyExistsf("schema field=%s", f.Name)
		}
		if f.Decode == nil {
			return nil, errors.NotValidf("schema field=%s without decoder", f.Name)
		}
		if err := checkControl(f); err != nil {
			return nil, err
		}
		if f.Output == "" {
			f.Output = f.Name
		}
		f.Topics = append([]string(nil), f.Topics...)
		if f.Control == ControlIdentity {
			if s.identity >= 0 {
				return nil, errors.NotValidf("schema second identity field=%s", f.Name)
			}
			s.identity = i
		}
		for _, t := range f.Topics {
			topicSet[t] = struct{}{}
		}
		s.index[f.Name] = i
	}
	if s.identity < 0 {
		return nil, errors.NotValidf("schema without identity field")
	}
	for t := range topicSet {
		s.topics = append(s.topics, t)
	}
	sort.Strings(s.topics)
	// identity goes into every topic, that's how backend knows the sender
	if id := &s.fields[s.identity]; len(id.Topics) == 0 {
		id.Topics = append([]string(nil), s.topics...)
	}
	return s, nil
}

// MergeFields replaces fields with same name and appends new ones, order kept.
// Override keeps control role, no_force_send and whatever it leaves empty
// from the base field. New field without decoder is float.
func MergeFields(base []Field, extra []Field) []Field {
	out := append([]Field(nil), base...)
	for _, x := range extra {
		replaced := false
		for i := range out {
			if b := &out[i]; b.Name == x.Name {
				x.Control = b.Control
				x.NoForceSend = x.NoForceSend || b.NoForceSend
				if x.Decode == nil {
					x.Decode = b.Decode
				}
				if x.Output == "" {
					x.Output = b.Output
				}
				if x.Topics == nil {
					x.Topics = b.Topics
				}
				*b = x
				replaced = true
				break
			}
		}
		if !replaced {
			if x.Decode == nil {
				x.Decode = DecodeFloat
			}
			out = append(out, x)
		}
	}
	return out
}

// checkControl makes sure decoder of a control field yields what Tokenize expects.
func checkControl(f *Field) error {
	switch f.Control {
	case ControlIdentity:
		v, err := f.Decode("1")
		if _, ok := v.(string); err != nil || !ok {
			return errors.NotValidf("schema identity field=%s decoder must accept hex id and give string", f.Name)
		}
	case ControlPing:
		if _, err := f.Decode(""); err != nil {
			return errors.NotValidf("schema ping field=%s decoder must accept bare name", f.Name)
		}
	case ControlSession:
		for _, x := range []string{SessionStart, SessionEnd} {
			if v, err := f.Decode(x); err != nil || v != x {
				return errors.NotValidf("schema session field=%s decoder must accept %s|%s", f.Name, SessionStart, SessionEnd)
			}
		}
	}
	return nil
}

func (s *Schema) Lookup(name string) (Field, bool) {
	i, ok := s.index[name]
	if !ok {
		return Field{}, false
	}
	return s.fields[i], true
}

func (s *Schema) Names() []string {
	names := make([]string, len(s.fields))
	for i, f := range s.fields {
		names[i] = f.Name
	}
	return names
}

// Topics returns sorted copy of all topics known to schema.
func (s *Schema) Topics() []string { return append([]string(nil), s.topics...) }

func (s *Schema) IdentityName() string { return s.fields[s.identity].Name }

func DefaultFields() []Field {
	tama := func(name string) Field {
		return Field{Name: name, Topics: []string{TopicTamaActions}, Decode: DecodeInt}
	}
	sensor := func(name string, dec DecodeFunc) Field {
		return Field{Name: name, Topics: []string{TopicSensorData}, Decode: dec}
	}
	return []Field{
		{Name: "id", Control: ControlIdentity, NoForceSend: true, Decode: DecodeHexID},
		tama("EAT"),
		tama("EXERCISE"),
		tama("PET"),
		tama("ACTIVATE"),
		{Name: "MSG1", Topics: []string{TopicMessages}, Decode: DecodeString},
		{Name: "MSG2", Topics: []string{TopicMessages}, Decode: DecodeString},
		{Name: "event", Topics: []string{TopicEvents}, Decode: DecodeEnum("UP", "DOWN", "LEFT", "RIGHT", "TAP", "SHAKE")},
		{Name: "ping", Control: ControlPing, NoForceSend: true, Decode: DecodeFlag},
		{Name: "session", Control: ControlSession, NoForceSend: true, Topics: []string{TopicSensorData},
			Decode: DecodeEnum(SessionStart, SessionEnd)},
		sensor("time", DecodeInt),
		sensor("temp", DecodeFloat),
		sensor("humid", DecodeFloat),
		sensor("press", DecodeFloat),
		sensor("light", DecodeFloat),
		sensor("ax", DecodeFloat),
		sensor("ay", DecodeFloat),
		sensor("az", DecodeFloat),
		sensor("gx", DecodeFloat),
		sensor("gy", DecodeFloat),
		sensor("gz", DecodeFloat),
	}
}
