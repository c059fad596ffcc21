package idempotency

import (
	"testing"
	"time"
)

func TestStoreGetSet(t *testing.T) {
	s := NewStore()

	if _, found := s.Get("missing"); found {
		t.Error("Expected miss for unknown key")
	}

	s.Set("enroll-123", Response{StatusCode: 201, Body: []byte(`{"ok":true}`)})
	resp, found := s.Get("enroll-123")
	if !found {
		t.Fatal("Expected stored response")
	}
	if resp.StatusCode != 201 {
		t.Errorf("Expected status 201, got %d", resp.StatusCode)
	}
	if string(resp.Body) != `{"ok":true}` {
		t.Errorf("Expected stored body, got %s", resp.Body)
	}
}

func TestFingerprintsWindow(t *testing.T) {
	f := NewFingerprints(50 * time.Millisecond)

	if f.Seen("1|EXTERNAL_goal_setting|1717000000") {
		t.Error("Expected unseen fingerprint")
	}
	f.Mark("1|EXTERNAL_goal_setting|1717000000")
	if !f.Seen("1|EXTERNAL_goal_setting|1717000000") {
		t.Error("Expected fingerprint to be seen inside the window")
	}

	time.Sleep(60 * time.Millisecond)
	if f.Seen("1|EXTERNAL_goal_setting|1717000000") {
		t.Error("Expected fingerprint to expire after the window")
	}
}

func TestFingerprintsDistinct(t *testing.T) {
	f := NewFingerprints(time.Minute)

	f.Mark("1|EXTERNAL_goal_setting|1717000000")
	if f.Seen("2|EXTERNAL_goal_setting|1717000000") {
		t.Error("Different user must not collide")
	}
	if f.Seen("1|EXTERNAL_goal_setting|1717003600") {
		t.Error("Different eta must not collide")
	}
}
