package engine

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/driftkv/driftkv/lib/clock"
)

// metaSuffix marks the internal sidecar key carrying a user key's timestamp
// and tombstone flag. Meta keys never appear in user-facing listings.
const metaSuffix = ":meta"

// metaKey derives the sidecar key for a user key.
func metaKey(key string) string {
	return key + metaSuffix
}

// isMetaKey reports whether a key is an internal meta sidecar.
func isMetaKey(key string) bool {
	return len(key) >= len(metaSuffix) && key[len(key)-len(metaSuffix):] == metaSuffix
}

// --------------------------------------------------------------------------
// Meta codec
// --------------------------------------------------------------------------

// meta is the decoded sidecar record
type meta struct {
	TS        clock.Timestamp
	Tombstone bool
}

// encodeMeta renders the sidecar JSON: {"ts":i64,"l":u32,"n":u32[,"tombstone":true]}
func encodeMeta(ts clock.Timestamp, tombstone bool) []byte {
	var buf bytes.Buffer
	buf.WriteString(`{"ts":`)
	buf.WriteString(strconv.FormatInt(ts.WallTime, 10))
	buf.WriteString(`,"l":`)
	buf.WriteString(strconv.FormatUint(uint64(ts.Logical), 10))
	buf.WriteString(`,"n":`)
	buf.WriteString(strconv.FormatUint(uint64(ts.NodeID), 10))
	if tombstone {
		buf.WriteString(`,"tombstone":true`)
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

// parseMeta decodes a sidecar record. Numeric fields are accepted as either
// integer or floating-point for interoperability; unknown fields are
// ignored. Empty or malformed input yields the zero meta, which orders
// before every real timestamp.
func parseMeta(data []byte) meta {
	if len(data) == 0 {
		return meta{}
	}

	var fields map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return meta{}
	}

	var m meta
	m.TS.WallTime = numField(fields, "ts")
	m.TS.Logical = uint32(numField(fields, "l"))
	m.TS.NodeID = uint32(numField(fields, "n"))
	if t, ok := fields["tombstone"].(bool); ok {
		m.Tombstone = t
	}
	return m
}

// DecodeMeta parses sidecar bytes into their timestamp and tombstone flag.
// Empty or malformed input yields the zero timestamp, which orders before
// every real write.
func DecodeMeta(data []byte) (clock.Timestamp, bool) {
	m := parseMeta(data)
	return m.TS, m.Tombstone
}

// numField extracts a numeric field as int64, tolerating float encodings.
func numField(fields map[string]interface{}, name string) int64 {
	v, ok := fields[name]
	if !ok {
		return 0
	}
	num, ok := v.(json.Number)
	if !ok {
		return 0
	}
	if i, err := num.Int64(); err == nil {
		return i
	}
	if f, err := num.Float64(); err == nil {
		return int64(f)
	}
	return 0
}
