package models

import "testing"

func TestDeliveryJobStatusValues(t *testing.T) {
	job := DeliveryJob{Status: JobPending}
	if job.Status != "pending" {
		t.Errorf("JobPending = %q, want pending", job.Status)
	}
	job.Status = JobAwaitingAck
	if job.Status != "awaiting_ack" {
		t.Errorf("JobAwaitingAck = %q, want awaiting_ack", job.Status)
	}
}

func TestFollowingStateValues(t *testing.T) {
	f := Following{State: FollowPending}
	if f.State != "pending" {
		t.Errorf("FollowPending = %q, want pending", f.State)
	}
	f.State = FollowAccepted
	if f.State != "accepted" {
		t.Errorf("FollowAccepted = %q, want accepted", f.State)
	}
}

func TestChatBundlePrekeyConsumption(t *testing.T) {
	bundle := ChatBundle{
		Prekeys: []ChatPrekey{
			{ID: "prekey-0001", KEMPublic: "aaa"},
			{ID: "prekey-0002", KEMPublic: "bbb"},
		},
	}
	unused := 0
	for _, pk := range bundle.Prekeys {
		if !pk.Consumed {
			unused++
		}
	}
	if unused != 2 {
		t.Fatalf("unused prekeys = %d, want 2", unused)
	}
	bundle.Prekeys[0].Consumed = true
	unused = 0
	for _, pk := range bundle.Prekeys {
		if !pk.Consumed {
			unused++
		}
	}
	if unused != 1 {
		t.Fatalf("unused prekeys after consume = %d, want 1", unused)
	}
}

func TestNowMsMonotonicEnough(t *testing.T) {
	a := NowMs()
	b := NowMs()
	if b < a {
		t.Fatalf("NowMs went backwards: %d then %d", a, b)
	}
}
