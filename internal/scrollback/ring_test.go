package scrollback

import "testing"

func TestAppendAndSnapshot(t *testing.T) {
	r := New()
	seq1 := r.Append([]byte("hello "))
	seq2 := r.Append([]byte("world"))
	if seq2 != seq1+1 {
		t.Fatalf("sequence not monotonic: %d, %d", seq1, seq2)
	}
	data, head := r.Snapshot()
	if string(data) != "hello world" {
		t.Fatalf("snapshot = %q", data)
	}
	if head != seq2 {
		t.Fatalf("head = %d, want %d", head, seq2)
	}
}

func TestSinceReturnsOnlyNewerFrames(t *testing.T) {
	r := New()
	seq1 := r.Append([]byte("a"))
	seq2 := r.Append([]byte("b"))
	r.Append([]byte("c"))

	data, head, missed := r.Since(seq1)
	if missed {
		t.Fatal("should not report missed")
	}
	if string(data) != "bc" {
		t.Fatalf("data = %q", data)
	}
	if head != seq2+1 {
		t.Fatalf("head = %d", head)
	}
}

func TestSinceZeroNeverMissed(t *testing.T) {
	r := New()
	r.Append([]byte("a"))
	_, _, missed := r.Since(0)
	if missed {
		t.Fatal("since(0) must never report missed")
	}
}

func TestCapEvictsOldestWholeFrames(t *testing.T) {
	r := New(WithCapBytes(10))
	r.Append([]byte("12345")) // seq 1, 5 bytes
	r.Append([]byte("67890")) // seq 2, 5 bytes, total 10, within cap
	r.Append([]byte("X"))     // seq 3, forces eviction of seq 1

	data, _ := r.Snapshot()
	if string(data) != "67890X" {
		t.Fatalf("snapshot = %q, want eviction of oldest frame", data)
	}
	if r.BytesDropped() != 5 {
		t.Fatalf("bytesDropped = %d, want 5", r.BytesDropped())
	}
}

func TestSinceReportsMissedAfterEviction(t *testing.T) {
	r := New(WithCapBytes(5))
	seq1 := r.Append([]byte("12345"))
	r.Append([]byte("67890")) // evicts seq1's frame entirely

	_, _, missed := r.Since(seq1)
	if !missed {
		t.Fatal("expected missed=true for a cursor behind the oldest held frame")
	}
}

func TestOneAndAHalfMiBAppendAdmittedAndDropsOlder(t *testing.T) {
	r := New(WithCapBytes(1 << 20))
	old := r.Append(make([]byte, 200*1024))
	big := make([]byte, (3*1<<20)/2) // 1.5 MiB
	r.Append(big)

	data, _ := r.Snapshot()
	if len(data) != len(big) {
		t.Fatalf("snapshot len = %d, want %d (only the big frame should remain)", len(data), len(big))
	}
	_, _, missed := r.Since(old)
	if !missed {
		t.Fatal("expected missed=true after the oversized append evicted everything older")
	}
}

func TestDropCallbackInvoked(t *testing.T) {
	var gotBytes int
	var gotTotal uint64
	r := New(WithCapBytes(5), WithDropCallback(func(droppedBytes int, totalDropped uint64) {
		gotBytes = droppedBytes
		gotTotal = totalDropped
	}))
	r.Append([]byte("12345"))
	r.Append([]byte("67890"))

	if gotBytes != 5 || gotTotal != 5 {
		t.Fatalf("gotBytes=%d gotTotal=%d", gotBytes, gotTotal)
	}
}

func TestEmptyAppendIsNoop(t *testing.T) {
	r := New()
	seq := r.Append(nil)
	if seq != 0 {
		t.Fatalf("seq = %d, want 0 for empty append", seq)
	}
	data, head := r.Snapshot()
	if len(data) != 0 || head != 0 {
		t.Fatalf("data=%q head=%d", data, head)
	}
}
