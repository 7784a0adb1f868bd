package driftdb

import (
	"context"
	"testing"
	"time"
)

func TestSingleInstanceElectorAlwaysLeads(t *testing.T) {
	var elector LeaderElector = singleInstanceElector{}
	if err := elector.WaitForLeadership(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !elector.IsLeader() {
		t.Error("single instance should always be leader")
	}
}

func TestProcessElectorFirstApplicantWins(t *testing.T) {
	name := "election-" + t.Name()
	a := newProcessLeaderElector(name)
	b := newProcessLeaderElector(name)

	if err := a.WaitForLeadership(context.Background()); err != nil {
		t.Fatalf("a wait: %v", err)
	}
	if !a.IsLeader() {
		t.Fatal("a should be leader")
	}

	done := make(chan error, 1)
	go func() { done <- b.WaitForLeadership(context.Background()) }()

	select {
	case <-done:
		t.Fatal("b acquired leadership while a still holds it")
	case <-time.After(50 * time.Millisecond):
	}
	if b.IsLeader() {
		t.Fatal("b reports leadership without election")
	}

	a.Resign()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("b wait: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("b not promoted after resign")
	}
	if !b.IsLeader() {
		t.Error("b should be leader after promotion")
	}
	if a.IsLeader() {
		t.Error("a still reports leadership after resign")
	}
}

func TestProcessElectorWaitCancellation(t *testing.T) {
	name := "election-" + t.Name()
	a := newProcessLeaderElector(name)
	b := newProcessLeaderElector(name)

	if err := a.WaitForLeadership(context.Background()); err != nil {
		t.Fatalf("a wait: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.WaitForLeadership(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("wait returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not observe cancellation")
	}

	// The canceled candidacy is gone: resigning promotes nobody and a
	// fresh applicant wins directly.
	a.Resign()
	c := newProcessLeaderElector(name)
	if err := c.WaitForLeadership(context.Background()); err != nil {
		t.Fatalf("c wait: %v", err)
	}
	if !c.IsLeader() {
		t.Error("fresh applicant should become leader")
	}
}
