package xid

import (
	"strings"
	"testing"
)

func TestNewIsPrefixedAndUnique(t *testing.T) {
	a := New("ref")
	b := New("ref")
	if !strings.HasPrefix(a, "ref-") || len(a) != len("ref-")+32 {
		t.Fatalf("unexpected id %q", a)
	}
	if a == b {
		t.Fatalf("expected unique ids, got %q twice", a)
	}
}
