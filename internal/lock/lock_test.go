package lock

import (
	"testing"
	"time"
)

func TestNewValidation(t *testing.T) {
	if _, err := New("", "script", "gemini-script"); err == nil {
		t.Fatalf("expected error for empty job id")
	}
	if _, err := New("job-1", "", "gemini-script"); err == nil {
		t.Fatalf("expected error for empty stage")
	}
	if _, err := New("job-1", "script", ""); err == nil {
		t.Fatalf("expected error for empty provider")
	}
}

func TestIsLockedForExactMatch(t *testing.T) {
	l, err := New("job-1", "script", "gemini-script")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if !l.IsLockedFor("gemini-script") {
		t.Fatalf("expected lock held for exact name")
	}
	if l.IsLockedFor("Gemini-Script") {
		t.Fatalf("match must be case-sensitive")
	}
	if l.IsLockedFor("polly-voice") {
		t.Fatalf("expected no match for different provider")
	}

	l.Release()
	if l.IsLockedFor("gemini-script") {
		t.Fatalf("released lock must not match")
	}
}

func TestReleaseIdempotentAndDurationFrozen(t *testing.T) {
	l, _ := New("job-1", "script", "gemini-script")
	l.Release()
	d1 := l.Duration()
	time.Sleep(10 * time.Millisecond)
	l.Release()
	d2 := l.Duration()
	if d1 != d2 {
		t.Fatalf("duration changed after release: %s vs %s", d1, d2)
	}
}

func TestTableAcquireConflict(t *testing.T) {
	tbl := NewTable()
	if _, err := tbl.Acquire("job-1", "script", "gemini-script"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := tbl.Acquire("job-1", "script", "other"); err == nil {
		t.Fatalf("expected conflict while lock is held")
	}
	// A different stage of the same job is independent.
	if _, err := tbl.Acquire("job-1", "voice", "polly-voice"); err != nil {
		t.Fatalf("acquire other stage: %v", err)
	}

	l, ok := tbl.Get("job-1", "script")
	if !ok {
		t.Fatalf("expected lock present")
	}
	l.Release()
	if _, err := tbl.Acquire("job-1", "script", "other"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestTableReleaseJobAndDrop(t *testing.T) {
	tbl := NewTable()
	tbl.Acquire("job-1", "script", "gemini-script")
	tbl.Acquire("job-1", "voice", "polly-voice")
	tbl.Acquire("job-2", "script", "gemini-script")

	if n := tbl.ReleaseJob("job-1"); n != 2 {
		t.Fatalf("expected 2 released, got %d", n)
	}
	if got := tbl.ActiveForJob("job-1"); len(got) != 0 {
		t.Fatalf("expected no active locks, got %d", len(got))
	}
	if got := tbl.ActiveForJob("job-2"); len(got) != 1 {
		t.Fatalf("job-2 lock must be untouched")
	}

	tbl.Drop("job-2")
	if _, ok := tbl.Get("job-2", "script"); ok {
		t.Fatalf("expected dropped lock gone")
	}
}
