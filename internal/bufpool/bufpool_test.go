// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bufpool

import (
	"strings"
	"sync"
	"testing"
)

func TestMarshalJSONKeepsMarkup(t *testing.T) {
	out, err := MarshalJSON(map[string]string{"html": "<b>&</b>"})
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"html":"<b>&</b>"}` {
		t.Fatalf("unexpected encoding %q", out)
	}
}

func TestMarshalJSONDoesNotAliasPool(t *testing.T) {
	first, err := MarshalJSON("first")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := MarshalJSON("second-value-overwriting"); err != nil {
		t.Fatal(err)
	}
	if string(first) != `"first"` {
		t.Fatalf("result changed after reuse: %q", first)
	}
}

func TestMarshalJSONError(t *testing.T) {
	if _, err := MarshalJSON(make(chan int)); err == nil {
		t.Fatal("expected error for unsupported type")
	}
}

func TestPutDiscardsOversizedBuffer(t *testing.T) {
	b := get()
	b.Grow(maxPooledCap + 1)
	put(b) // discarded, not pooled

	if _, err := MarshalJSON(strings.Repeat("x", maxPooledCap)); err != nil {
		t.Fatal(err)
	}
}

func TestConcurrentMarshal(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := MarshalJSON(map[string]int{"n": i})
			if err != nil {
				t.Error(err)
				return
			}
			if !strings.HasPrefix(string(out), `{"n":`) {
				t.Errorf("unexpected output %q", out)
			}
		}(i)
	}
	wg.Wait()
}
