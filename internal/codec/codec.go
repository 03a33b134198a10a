// Package codec encodes and decodes a session's key/value mapping into an
// opaque byte payload.
//
// Values are partitioned into two groups before encoding: "heavy" values
// (recognized by a pluggable HeavyAdapter and given a compact external
// encoding) and "light" values (everything else, encoded with encoding/gob).
// This mirrors the split the original Python implementation makes between
// db.Model instances (protobuf-encoded) and everything else (pickled) — see
// original_source/gaesessions/__init__.py, __encode_data/__decode_data.
package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
)

// ErrCorruptPayload indicates that a payload could not be decoded. Callers
// should treat this as "start fresh" rather than propagating the error.
var ErrCorruptPayload = errors.New("corrupt session payload")

// HeavyAdapter recognizes and (de)serializes a single distinguished "heavy"
// value kind (e.g., a framework model type) more compactly than the
// general-purpose gob path. A nil HeavyAdapter means no such type exists and
// every value is encoded on the light path.
type HeavyAdapter interface {
	// IsHeavy reports whether v should be routed through ToBytes/FromBytes.
	IsHeavy(v any) bool
	// ToBytes serializes a heavy value.
	ToBytes(v any) ([]byte, error)
	// FromBytes reconstructs a heavy value previously produced by ToBytes.
	FromBytes(b []byte) (any, error)
}

// Codec encodes and decodes session data mappings.
type Codec struct {
	heavy HeavyAdapter
}

// New returns a Codec. adapter may be nil if no heavy value kind is in use.
func New(adapter HeavyAdapter) *Codec {
	return &Codec{heavy: adapter}
}

const version byte = 1

// Encode partitions data into heavy/light groups and frames them into a
// single versioned byte payload. The bytes are not deterministic: gob writes
// map entries in Go's randomized map iteration order, so encoding the same
// mapping twice can yield different payloads. Encoding never fails due to map
// insertion order: the decoded mapping always compares equal regardless of
// the order keys were inserted in data.
func (c *Codec) Encode(data map[string]any) ([]byte, error) {
	heavy := make(map[string][]byte)
	light := make(map[string]any)
	for k, v := range data {
		if c.heavy != nil && c.heavy.IsHeavy(v) {
			b, err := c.heavy.ToBytes(v)
			if err != nil {
				return nil, fmt.Errorf("codec: failed to encode heavy value for key %q: %w", k, err)
			}
			heavy[k] = b
			continue
		}
		light[k] = v
	}

	var heavyBuf, lightBuf bytes.Buffer
	if len(heavy) > 0 {
		if err := gob.NewEncoder(&heavyBuf).Encode(heavy); err != nil {
			return nil, fmt.Errorf("codec: failed to encode heavy section: %w", err)
		}
	}
	if len(light) > 0 {
		if err := gob.NewEncoder(&lightBuf).Encode(light); err != nil {
			return nil, fmt.Errorf("codec: failed to encode light section: %w", err)
		}
	}

	var out bytes.Buffer
	out.WriteByte(version)
	writeSection(&out, heavyBuf.Bytes())
	writeSection(&out, lightBuf.Bytes())
	return out.Bytes(), nil
}

func writeSection(out *bytes.Buffer, section []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(section)))
	out.Write(lenBuf[:])
	out.Write(section)
}

// Decode is the inverse of Encode. On any structural or gob-level failure it
// returns ErrCorruptPayload; the caller (Session) treats this as "start
// fresh" rather than terminating the session outright.
func (c *Codec) Decode(payload []byte) (map[string]any, error) {
	if len(payload) == 0 {
		return map[string]any{}, nil
	}
	r := bytes.NewReader(payload)
	v, err := r.ReadByte()
	if err != nil || v != version {
		return nil, fmt.Errorf("%w: unrecognized version byte", ErrCorruptPayload)
	}
	heavySection, err := readSection(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	lightSection, err := readSection(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: trailing bytes after light section", ErrCorruptPayload)
	}

	data := make(map[string]any)

	if len(lightSection) > 0 {
		light := make(map[string]any)
		if err := gob.NewDecoder(bytes.NewReader(lightSection)).Decode(&light); err != nil {
			return nil, fmt.Errorf("%w: light section: %v", ErrCorruptPayload, err)
		}
		for k, v := range light {
			data[k] = v
		}
	}

	if len(heavySection) > 0 {
		if c.heavy == nil {
			return nil, fmt.Errorf("%w: payload has a heavy section but no HeavyAdapter is configured", ErrCorruptPayload)
		}
		heavy := make(map[string][]byte)
		if err := gob.NewDecoder(bytes.NewReader(heavySection)).Decode(&heavy); err != nil {
			return nil, fmt.Errorf("%w: heavy section: %v", ErrCorruptPayload, err)
		}
		for k, b := range heavy {
			hv, err := c.heavy.FromBytes(b)
			if err != nil {
				return nil, fmt.Errorf("%w: heavy value for key %q: %v", ErrCorruptPayload, k, err)
			}
			data[k] = hv
		}
	}

	return data, nil
}

func readSection(r *bytes.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := readFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("reading section length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if int64(n) > int64(r.Len()) {
		return nil, fmt.Errorf("section length %d exceeds remaining payload", n)
	}
	section := make([]byte, n)
	if _, err := readFull(r, section); err != nil {
		return nil, fmt.Errorf("reading section body: %w", err)
	}
	return section, nil
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	n, err := r.Read(buf)
	if err != nil {
		return n, err
	}
	if n != len(buf) {
		return n, fmt.Errorf("short read: got %d want %d", n, len(buf))
	}
	return n, nil
}
