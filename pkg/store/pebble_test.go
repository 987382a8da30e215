package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestAppendAssignsSequences(t *testing.T) {
	l := openTestLog(t)
	for i := 1; i <= 5; i++ {
		m, err := l.Append(fmt.Sprintf("tok%d", i), fmt.Sprintf("msg %d", i))
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		if m.Sequence != uint64(i) {
			t.Fatalf("expected seq %d, got %d", i, m.Sequence)
		}
		if m.AcceptedAt == 0 {
			t.Fatalf("expected accepted_at to be set")
		}
	}
	if l.LastSeq() != 5 {
		t.Fatalf("expected last seq 5, got %d", l.LastSeq())
	}
}

func TestAppendDuplicateToken(t *testing.T) {
	l := openTestLog(t)
	first, err := l.Append("tok1", "hello")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	dup, err := l.Append("tok1", "hello")
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if dup.Sequence != first.Sequence {
		t.Fatalf("duplicate should report original seq %d, got %d", first.Sequence, dup.Sequence)
	}
	msgs, err := l.ReadFrom(0)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one stored message, got %d", len(msgs))
	}
	if l.LastSeq() != first.Sequence {
		t.Fatalf("duplicate must not advance the sequence")
	}
}

func TestEmptyTokenSkipsDedup(t *testing.T) {
	l := openTestLog(t)
	if _, err := l.Append("", "a"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := l.Append("", "a"); err != nil {
		t.Fatalf("second Append with empty token: %v", err)
	}
	msgs, _ := l.ReadFrom(0)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
}

func TestReadFromIsExclusiveAndOrdered(t *testing.T) {
	l := openTestLog(t)
	for i := 1; i <= 10; i++ {
		if _, err := l.Append("", fmt.Sprintf("msg %d", i)); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	msgs, err := l.ReadFrom(4)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if len(msgs) != 6 {
		t.Fatalf("expected 6 messages after seq 4, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.Sequence != uint64(5+i) {
			t.Fatalf("expected seq %d at index %d, got %d", 5+i, i, m.Sequence)
		}
	}
	tail, err := l.ReadFrom(10)
	if err != nil {
		t.Fatalf("ReadFrom tail: %v", err)
	}
	if len(tail) != 0 {
		t.Fatalf("expected empty replay past the tail, got %d", len(tail))
	}
}

func TestSequenceResumesAfterReopen(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := l.Append("", "x"); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()
	m, err := l2.Append("", "y")
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if m.Sequence != 4 {
		t.Fatalf("expected seq 4 after reopen, got %d", m.Sequence)
	}
}

func TestConcurrentAppendsAreGapless(t *testing.T) {
	l := openTestLog(t)
	const workers = 8
	const perWorker = 25

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := l.Append("", fmt.Sprintf("w%d-%d", w, i)); err != nil {
					t.Errorf("Append: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	msgs, err := l.ReadFrom(0)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if len(msgs) != workers*perWorker {
		t.Fatalf("expected %d messages, got %d", workers*perWorker, len(msgs))
	}
	for i, m := range msgs {
		if m.Sequence != uint64(i+1) {
			t.Fatalf("gap at index %d: seq %d", i, m.Sequence)
		}
	}
}

func TestClosedLogIsUnavailable(t *testing.T) {
	l, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := l.Append("tok", "x"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := l.ReadFrom(0); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestPruneBefore(t *testing.T) {
	l := openTestLog(t)
	for i := 1; i <= 4; i++ {
		if _, err := l.Append(fmt.Sprintf("tok%d", i), "old"); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	cutoff := time.Now().UTC().UnixNano()
	time.Sleep(time.Millisecond)
	if _, err := l.Append("tok5", "new"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	removed, err := l.PruneBefore(cutoff, 2)
	if err != nil {
		t.Fatalf("PruneBefore: %v", err)
	}
	if removed != 4 {
		t.Fatalf("expected 4 pruned, got %d", removed)
	}
	msgs, err := l.ReadFrom(0)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Sequence != 5 {
		t.Fatalf("expected only seq 5 to survive, got %+v", msgs)
	}
	// sequences are never reused after a prune
	m, err := l.Append("", "after prune")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if m.Sequence != 6 {
		t.Fatalf("expected seq 6, got %d", m.Sequence)
	}
	// the token index is pruned with the messages: a retry older than the
	// retention period is accepted as a new message, not a duplicate
	late, err := l.Append("tok1", "late retry")
	if err != nil {
		t.Fatalf("Append pruned token: %v", err)
	}
	if late.Sequence != 7 {
		t.Fatalf("expected pruned token to be accepted fresh at seq 7, got %d", late.Sequence)
	}
}
