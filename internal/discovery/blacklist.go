package discovery

import (
	"sort"

	"github.com/golang/protobuf/proto"
	"github.com/juju/errors"
)

// Blacklist counts failed handshakes per hardware id.
// Binary form: varint count, then (string hwid, varint tries) pairs.
type Blacklist struct {
	m map[string]uint32
}

func (b *Blacklist) Get(hwid string) uint32 { return b.m[hwid] }

func (b *Blacklist) Inc(hwid string) uint32 {
	if b.m == nil {
		b.m = make(map[string]uint32)
	}
	b.m[hwid]++
	return b.m[hwid]
}

func (b *Blacklist) Touch(hwid string) {
	if b.m == nil {
		b.m = make(map[string]uint32)
	}
	if _, ok := b.m[hwid]; !ok {
		b.m[hwid] = 0
	}
}

// Clear resets every counter to zero, ids stay known.
func (b *Blacklist) Clear() {
	for k := range b.m {
		b.m[k] = 0
	}
}

func (b *Blacklist) MarshalBinary() ([]byte, error) {
	keys := make([]string, 0, len(b.m))
	for k := range b.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf := proto.NewBuffer(make([]byte, 0, 16+len(keys)*48))
	if err := buf.EncodeVarint(uint64(len(keys))); err != nil {
		return nil, err
	}
	for _, k := range keys {
		if err := buf.EncodeStringBytes(k); err != nil {
			return nil, err
		}
		if err := buf.EncodeVarint(uint64(b.m[k])); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (b *Blacklist) UnmarshalBinary(data []byte) error {
	buf := proto.NewBuffer(data)
	n, err := buf.DecodeVarint()
	if err != nil {
		return errors.Annotate(err, "blacklist count")
	}
	m := make(map[string]uint32, n)
	for i := uint64(0); i < n; i++ {
		k, err := buf.DecodeStringBytes()
		if err != nil {
			return errors.Annotatef(err, "blacklist key i=%d", i)
		}
		v, err := buf.DecodeVarint()
		if err != nil {
			return errors.Annotatef(err, "blacklist value key=%s", k)
		}
		m[k] = uint32(v)
	}
	b.m = m
	return nil
}
