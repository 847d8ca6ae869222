// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool pools the scratch buffers used to encode wire frames.
package bufpool

import (
	"bytes"
	"encoding/json"
	"sync"
)

// Buffers grown past this size, such as those of large events before
// fragmentation, are left to the garbage collector.
const maxPooledCap = 256 * 1024

var pool = sync.Pool{New: func() any { return bytes.NewBuffer(make([]byte, 0, 1024)) }}

func get() *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

func put(b *bytes.Buffer) {
	if b.Cap() > maxPooledCap {
		return
	}
	pool.Put(b)
}

// MarshalJSON encodes v without HTML escaping and without the trailing
// newline of json.Encoder. The result does not alias pooled memory.
func MarshalJSON(v any) ([]byte, error) {
	buf := get()
	defer put(buf)

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	out := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
	return bytes.Clone(out), nil
}
