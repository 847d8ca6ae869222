// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGate(t *testing.T) {
	s := &sink{}
	budget := 2
	r := Gate(s, func() bool {
		budget--
		return budget >= 0
	})

	for _, m := range []string{"a", "b", "c"} {
		r.HandleMessage([]byte(m))
	}
	r.HandleError(errors.New("boom"))
	r.HandleClose(nil)

	assert.Equal(t, []string{"a", "b"}, s.messages())
	assert.Equal(t, 1, s.closes())
	assert.Len(t, s.errs, 1)
}
