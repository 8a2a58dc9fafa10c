package message

import (
	"fmt"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/juju/errors"
)

var ErrMissingID = errors.New("message without id")

type UnknownFieldError struct {
	Name       string
	Suggestion string
}

func (e *UnknownFieldError) Error() string {
	if e.Suggestion == "" {
		return fmt.Sprintf("unknown field=%q", e.Name)
	}
	return fmt.Sprintf("unknown field=%q, did you mean %q?", e.Name, e.Suggestion)
}

type DecodeError struct {
	Field string
	Value string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("field=%s value=%q: %v", e.Field, e.Value, e.Err)
}

// Decoded is built fresh per frame.
type Decoded struct {
	Sender       string
	Send         map[string]bool
	Topics       map[string]map[string]interface{}
	Ping         bool
	SessionStart bool
	SessionEnd   bool
}

func (d *Decoded) Topic(name string) map[string]interface{} { return d.Topics[name] }

// Tokenize parses comma separated name[:value] tokens.
// Any bad token fails the whole message, nothing is partially applied.
func (s *Schema) Tokenize(text string) (*Decoded, error) {
	d := &Decoded{
		Send:   make(map[string]bool),
		Topics: make(map[string]map[string]interface{}),
	}
	haveID := false
	for _, token := range strings.Split(text, ",") {
		name, raw := token, ""
		if i := strings.IndexByte(token, ':'); i >= 0 {
			name, raw = token[:i], token[i+1:]
		}
		name = clean(name)
		if name == "" {
			continue
		}
		fi, ok := s.index[name]
		if !ok {
			return nil, errors.Trace(&UnknownFieldError{Name: name, Suggestion: s.Suggest(name)})
		}
		f := &s.fields[fi]
		raw = clean(raw)
		value, err := f.Decode(raw)
		if err != nil {
			return nil, errors.Trace(&DecodeError{Field: f.Name, Value: raw, Err: err})
		}

		switch f.Control {
		case ControlIdentity:
			sender, ok := value.(string)
			if !ok {
				return nil, errors.Trace(&DecodeError{Field: f.Name, Value: raw, Err: errors.NotValidf("id type %T", value)})
			}
			d.Sender = sender
			haveID = true
		case ControlPing:
			d.Ping = true
		case ControlSession:
			switch value {
			case SessionStart:
				d.SessionStart = true
			case SessionEnd:
				d.SessionEnd = true
			}
		}
		for _, topic := range f.Topics {
			if !f.NoForceSend {
				d.Send[topic] = true
			}
			m := d.Topics[topic]
			if m == nil {
				m = make(map[string]interface{})
				d.Topics[topic] = m
			}
			m[f.Output] = value
		}
	}
	if !haveID {
		return nil, errors.Trace(ErrMissingID)
	}
	for _, topic := range s.topics {
		if !d.Send[topic] {
			delete(d.Topics, topic)
		}
	}
	return d, nil
}

// Suggest returns nearest known name by edit distance, first wins on tie.
func (s *Schema) Suggest(name string) string {
	best, bestDist := "", -1
	for _, f := range s.fields {
		dist := levenshtein.ComputeDistance(name, f.Name)
		if bestDist < 0 || dist < bestDist {
			best, bestDist = f.Name, dist
		}
	}
	return best
}

func clean(s string) string {
	return strings.TrimSpace(strings.Replace(s, "\x00", "", -1))
}
