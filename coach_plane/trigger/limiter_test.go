package trigger

import "testing"

func TestUserLimiterBurstThenDeny(t *testing.T) {
	l := NewUserLimiter(0.001, 2) // effectively no refill during the test

	if !l.Allow(1) || !l.Allow(1) {
		t.Fatal("burst of 2 should be allowed")
	}
	if l.Allow(1) {
		t.Error("third trigger should be rate limited")
	}
}

func TestUserLimiterIsolatesUsers(t *testing.T) {
	l := NewUserLimiter(0.001, 1)

	if !l.Allow(1) {
		t.Fatal("first user should be allowed")
	}
	if !l.Allow(2) {
		t.Error("second user has own bucket")
	}
}

func TestUserLimiterReserveReportsDelay(t *testing.T) {
	l := NewUserLimiter(0.5, 1)

	ok, _ := l.Reserve(7)
	if !ok {
		t.Fatal("first reserve should pass")
	}
	ok, delay := l.Reserve(7)
	if ok {
		t.Fatal("second reserve should be limited")
	}
	if delay <= 0 {
		t.Errorf("expected positive delay, got %v", delay)
	}
	// Cancel inside Reserve must give the token back, so a later slot is not
	// pushed further out by the rejected check.
	_, delay2 := l.Reserve(7)
	if delay2 > delay+delay/2 {
		t.Errorf("delay grew after cancelled reserve: %v then %v", delay, delay2)
	}
}
