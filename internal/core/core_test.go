package core

import "testing"

type fakeStoppable struct{ stopped bool }

func (f *fakeStoppable) Stop() { f.stopped = true }

func TestRegistryStartStop(t *testing.T) {
	r := NewRegistry()
	a := &fakeStoppable{}
	h := r.Start("delivery", a)
	if r.Len() != 1 {
		t.Fatalf("expected 1 registered core, got %d", r.Len())
	}
	r.Stop(h)
	if !a.stopped {
		t.Fatal("expected Stop to be called")
	}
	if r.Len() != 0 {
		t.Fatalf("expected 0 registered cores after stop, got %d", r.Len())
	}
}

func TestRegistryStopAll(t *testing.T) {
	r := NewRegistry()
	a := &fakeStoppable{}
	b := &fakeStoppable{}
	r.Start("gc", a)
	r.Start("mailbox", b)
	r.StopAll()
	if !a.stopped || !b.stopped {
		t.Fatal("expected all cores stopped")
	}
	if r.Len() != 0 {
		t.Fatal("expected registry empty after StopAll")
	}
}

func TestCoreErrorClassification(t *testing.T) {
	gone := NewError(KindPeerGone, "404 from remote inbox", nil)
	if !gone.Terminal() {
		t.Fatal("expected PeerGone to be terminal")
	}
	transient := NewError(KindTransient, "connection reset", nil)
	if !transient.Retryable() {
		t.Fatal("expected Transient to be retryable")
	}
	if gone.Retryable() {
		t.Fatal("PeerGone should not be retryable")
	}
}
