// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ingest

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLineRing_KeepsLastLinesInOrder(t *testing.T) {
	r := NewLineRing(3)
	_, _ = r.Write([]byte("a\nb\nc\nd\n"))

	if diff := cmp.Diff([]string{"b", "c", "d"}, r.LastN(10)); diff != "" {
		t.Errorf("LastN mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"d"}, r.LastN(1)); diff != "" {
		t.Errorf("LastN(1) mismatch (-want +got):\n%s", diff)
	}
}

func TestLineRing_JoinsPartialWrites(t *testing.T) {
	r := NewLineRing(4)
	_, _ = r.Write([]byte("401 Unau"))
	_, _ = r.Write([]byte("thorized\r\nnext"))

	if diff := cmp.Diff([]string{"401 Unauthorized", "next"}, r.LastN(5)); diff != "" {
		t.Errorf("LastN mismatch (-want +got):\n%s", diff)
	}
}

func TestLooksLikeAuthFailure(t *testing.T) {
	if !looksLikeAuthFailure([]string{"method DESCRIBE failed: 401 Unauthorized"}) {
		t.Error("expected auth failure")
	}
	if looksLikeAuthFailure([]string{"Connection refused"}) {
		t.Error("connection refused is not an auth failure")
	}
}
