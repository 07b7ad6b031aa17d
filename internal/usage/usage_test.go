package usage

import (
	"sync"
	"testing"
)

func TestRecordAccess_CountsAndMax(t *testing.T) {
	tr := New()

	if got := tr.AccessCount("14/1/1"); got != 0 {
		t.Fatalf("unseen count=%d want 0", got)
	}
	if got := tr.MaxAccessCount(); got != 0 {
		t.Fatalf("initial max=%d want 0", got)
	}

	tr.RecordAccess("14/1/1")
	tr.RecordAccess("14/1/1")
	tr.RecordAccess("14/1/1")
	tr.RecordAccess("14/2/2")

	if got := tr.AccessCount("14/1/1"); got != 3 {
		t.Fatalf("count=%d want 3", got)
	}
	if got := tr.AccessCount("14/2/2"); got != 1 {
		t.Fatalf("count=%d want 1", got)
	}
	if got := tr.MaxAccessCount(); got != 3 {
		t.Fatalf("max=%d want 3", got)
	}
}

func TestConcurrency_ManyAccessSameKey(t *testing.T) {
	tr := New()
	key := "16/36057/19273"
	const N = 256

	var wg sync.WaitGroup
	wg.Add(N)
	for range N {
		go func() {
			tr.RecordAccess(key)
			wg.Done()
		}()
	}
	wg.Wait()

	if got := tr.AccessCount(key); got != N {
		t.Fatalf("count=%d want %d", got, N)
	}
	if got := tr.MaxAccessCount(); got != N {
		t.Fatalf("max=%d want %d", got, N)
	}
}

func TestReset_ClearsEverything(t *testing.T) {
	tr := New()
	tr.RecordAccess("a")
	tr.RecordAccess("b")
	tr.Reset()

	if tr.Size() != 0 || tr.MaxAccessCount() != 0 || tr.AccessCount("a") != 0 {
		t.Fatalf("reset left state: size=%d max=%d", tr.Size(), tr.MaxAccessCount())
	}
}

func TestForget_OnlySelectedKeys(t *testing.T) {
	tr := New()
	tr.RecordAccess("a")
	tr.RecordAccess("b")
	tr.Forget("a", "")

	if tr.AccessCount("a") != 0 {
		t.Fatalf("a not forgotten")
	}
	if tr.AccessCount("b") != 1 {
		t.Fatalf("b lost")
	}
	if tr.Size() != 1 {
		t.Fatalf("size=%d want 1", tr.Size())
	}
}
