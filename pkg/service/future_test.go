package service

import (
	"errors"
	"testing"
)

func TestFuture_ResolvedIsImmediatelyDone(t *testing.T) {
	t.Parallel()
	f := Resolved[string]("ok")
	val, err, done := f.Peek()
	if !done || err != nil || val != "ok" {
		t.Fatalf("Peek() = %q, %v, %v; want ok, nil, true", val, err, done)
	}
}

func TestFuture_FailedIsImmediatelyDone(t *testing.T) {
	t.Parallel()
	wantErr := errors.New("boom")
	f := Failed[string](wantErr)
	val, err, done := f.Peek()
	if !done || err != wantErr || val != "" {
		t.Fatalf("Peek() = %q, %v, %v; want \"\", boom, true", val, err, done)
	}
}

func TestFuture_PeekBeforeCompleteReportsNotDone(t *testing.T) {
	t.Parallel()
	f := NewFuture[int]()
	if _, _, done := f.Peek(); done {
		t.Fatalf("Peek() reported done before Complete was ever called")
	}
}

func TestFuture_CompleteIsIdempotent(t *testing.T) {
	t.Parallel()
	f := NewFuture[int]()
	f.Complete(1, nil)
	f.Complete(2, errors.New("too late"))

	val, err, done := f.Peek()
	if !done || err != nil || val != 1 {
		t.Fatalf("Peek() = %v, %v, %v; want 1, nil, true (first Complete should win)", val, err, done)
	}
}

func TestFuture_OnCompleteFiresSynchronouslyWhenAlreadyDone(t *testing.T) {
	t.Parallel()
	f := Resolved[string]("ok")
	called := false
	f.OnComplete(func(val string, err error) {
		called = true
		if val != "ok" || err != nil {
			t.Fatalf("callback got %q, %v; want ok, nil", val, err)
		}
	})
	if !called {
		t.Fatalf("OnComplete on an already-resolved future did not fire synchronously")
	}
}

func TestFuture_OnCompleteFiresOnceCompleteIsCalledLater(t *testing.T) {
	t.Parallel()
	f := NewFuture[int]()
	result := make(chan int, 1)
	f.OnComplete(func(val int, err error) {
		result <- val
	})

	select {
	case <-result:
		t.Fatalf("callback fired before Complete was called")
	default:
	}

	f.Complete(42, nil)
	if got := <-result; got != 42 {
		t.Fatalf("callback got %d; want 42", got)
	}
}

func TestFuture_MultipleSubscribersAllFire(t *testing.T) {
	t.Parallel()
	f := NewFuture[int]()
	n := 0
	f.OnComplete(func(int, error) { n++ })
	f.OnComplete(func(int, error) { n++ })
	f.OnComplete(func(int, error) { n++ })
	f.Complete(0, nil)
	if n != 3 {
		t.Fatalf("n = %d; want 3 subscribers all fired", n)
	}
}
