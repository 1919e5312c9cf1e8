package commands

import "testing"

func TestPathSegmentExtractsID(t *testing.T) {
	id, ok := pathSegment("/attempts/abc-123/diff", "/attempts/", "/diff")
	if !ok || id != "abc-123" {
		t.Fatalf("got (%q, %v), want (\"abc-123\", true)", id, ok)
	}
}

func TestPathSegmentRejectsMismatchedPrefixOrSuffix(t *testing.T) {
	if _, ok := pathSegment("/executions/abc/diff", "/attempts/", "/diff"); ok {
		t.Fatal("expected no match on prefix mismatch")
	}
	if _, ok := pathSegment("/attempts/abc/messages", "/attempts/", "/diff"); ok {
		t.Fatal("expected no match on suffix mismatch")
	}
}
