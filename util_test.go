package digitizer

import "testing"

func TestRingPushPop(t *testing.T) {
	r := NewRing[int](3)
	r.PushBack(1)
	r.PushBack(2)
	r.PushBack(3)
	if r.Len() != 3 {
		t.Errorf("expected len 3, got %d", r.Len())
	}
	r.PushBack(4) // overwrites 1
	if r.Missed() != 1 {
		t.Errorf("expected 1 missed push, got %d", r.Missed())
	}
	if v := r.PopFront(); v != 2 {
		t.Errorf("expected front 2 after overwrite, got %d", v)
	}
	if v := r.PopFront(); v != 3 {
		t.Errorf("expected 3, got %d", v)
	}
	if v := r.PopFront(); v != 4 {
		t.Errorf("expected 4, got %d", v)
	}
	if r.Len() != 0 {
		t.Errorf("expected empty ring, got len %d", r.Len())
	}
}

func TestRingPopFrontPanicsWhenEmpty(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("expected panic popping from empty ring")
		}
	}()
	r := NewRing[int](2)
	r.PopFront()
}

func TestAverageFilterConverges(t *testing.T) {
	f := NewAverageFilter(4)
	for i := 0; i < 10; i++ {
		f.Add(100.0)
	}
	if v := f.Value(); v != 100.0 {
		t.Errorf("expected converged average 100, got %f", v)
	}
}

func TestAverageFilterPartialWindow(t *testing.T) {
	f := NewAverageFilter(4)
	f.Add(10)
	f.Add(20)
	if v := f.Value(); v != 15 {
		t.Errorf("expected partial average 15, got %f", v)
	}
}

func TestConcurrentQueueFIFO(t *testing.T) {
	q := NewConcurrentQueue[string]()
	q.Push("a")
	q.Push("b")
	v, ok := q.Pop()
	if !ok || v != "a" {
		t.Errorf("expected a, got %q ok=%v", v, ok)
	}
	if q.Len() != 1 {
		t.Errorf("expected len 1, got %d", q.Len())
	}
	q.Clear()
	if _, ok := q.Pop(); ok {
		t.Errorf("expected empty queue after Clear")
	}
}
