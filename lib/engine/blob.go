package engine

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/driftkv/driftkv/lib/merkle"
)

// --------------------------------------------------------------------------
// Blob (opaque value container)
// --------------------------------------------------------------------------

// Blob is the opaque byte container stored per key. Its contract is small:
// a stable byte image for hashing, whole overwrite, and in-place typed field
// mutation for JSON-object payloads. Non-object payloads are kept verbatim
// and promoted to an object on the first patch.
type Blob struct {
	raw []byte
}

// NewBlob creates an empty blob (the tombstone representation).
func NewBlob() *Blob {
	return &Blob{}
}

// Overwrite replaces the whole payload.
func (b *Blob) Overwrite(data []byte) {
	b.raw = bytes.Clone(data)
}

// View returns the stable byte image. Callers must not mutate it.
func (b *Blob) View() []byte {
	return b.raw
}

// Len returns the payload size; zero means absent or tombstoned.
func (b *Blob) Len() int {
	return len(b.raw)
}

// Hash returns the blob's contribution to its Merkle leaf. Empty blobs hash
// to zero so absent and tombstoned slots agree across nodes.
func (b *Blob) Hash() uint64 {
	if len(b.raw) == 0 {
		return 0
	}
	return merkle.HashBytes(b.raw)
}

// SetInt sets a named integer field, promoting the payload to a JSON object
// if it is not one already.
func (b *Blob) SetInt(field string, v int64) error {
	return b.setField(field, v)
}

// SetStr sets a named string field, promoting the payload to a JSON object
// if it is not one already.
func (b *Blob) SetStr(field string, v string) error {
	return b.setField(field, v)
}

// setField decodes the payload as a JSON object, sets the field and
// re-encodes. encoding/json writes map keys in sorted order, so the byte
// image stays deterministic for identical logical content.
func (b *Blob) setField(field string, v interface{}) error {
	obj := map[string]interface{}{}
	if len(b.raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(b.raw))
		dec.UseNumber()
		if err := dec.Decode(&obj); err != nil || obj == nil {
			// Not an object (JSON null decodes to a nil map): start fresh
			// with just the patched field
			obj = map[string]interface{}{}
		}
	}

	obj[field] = v

	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("blob patch %q: %v", field, err)
	}
	b.raw = data
	return nil
}
