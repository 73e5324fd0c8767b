package registry

import (
	"testing"
	"time"

	"github.com/lokutor-ai/babel-relay/pkg/clock"
	"github.com/lokutor-ai/babel-relay/pkg/relay"
)

func TestCreateThenGetReturnsSession(t *testing.T) {
	vc := clock.NewVirtualClock(time.Unix(0, 0))
	r := New(vc, nil)
	s := r.Create("sess-1", "en", "conn-speaker", time.Hour)

	got, ok := r.Get("sess-1", vc.Now())
	if !ok {
		t.Fatalf("expected session to be found")
	}
	if got.ID != s.ID {
		t.Errorf("got session %q, want %q", got.ID, s.ID)
	}
}

func TestGetMissingSessionReturnsFalse(t *testing.T) {
	r := New(nil, nil)
	_, ok := r.Get("missing", time.Now())
	if ok {
		t.Fatalf("expected missing session lookup to fail")
	}
}

func TestGetExpiredSessionReturnsFalse(t *testing.T) {
	vc := clock.NewVirtualClock(time.Unix(0, 0))
	r := New(vc, nil)
	r.Create("sess-1", "en", "conn-speaker", time.Minute)

	_, ok := r.Get("sess-1", vc.Now().Add(2*time.Minute))
	if ok {
		t.Fatalf("expected expired session lookup to fail")
	}
}

func TestRefreshExtendsExpiry(t *testing.T) {
	vc := clock.NewVirtualClock(time.Unix(0, 0))
	r := New(vc, nil)
	r.Create("sess-1", "en", "conn-speaker", time.Minute)

	vc.Advance(50 * time.Second)
	if ok := r.Refresh("sess-1", time.Minute); !ok {
		t.Fatalf("expected refresh to succeed")
	}

	vc.Advance(50 * time.Second)
	if _, ok := r.Get("sess-1", vc.Now()); !ok {
		t.Errorf("expected refreshed session to still be alive")
	}
}

func TestAddAndRemoveListener(t *testing.T) {
	vc := clock.NewVirtualClock(time.Unix(0, 0))
	r := New(vc, nil)
	r.Create("sess-1", "en", "conn-speaker", time.Hour)

	ok := r.AddListener("sess-1", &relay.Listener{ConnectionID: "c1", TargetLanguage: "es"})
	if !ok {
		t.Fatalf("expected AddListener to succeed for an existing session")
	}

	s, _ := r.Get("sess-1", vc.Now())
	if s.ListenerCount() != 1 {
		t.Fatalf("expected 1 listener, got %d", s.ListenerCount())
	}

	if removed := r.RemoveListener("sess-1", "c1"); !removed {
		t.Errorf("expected RemoveListener to report the listener was present")
	}
	if s.ListenerCount() != 0 {
		t.Errorf("expected 0 listeners after removal, got %d", s.ListenerCount())
	}
}

func TestRemoveListenerTwiceIsNoOpNotError(t *testing.T) {
	vc := clock.NewVirtualClock(time.Unix(0, 0))
	r := New(vc, nil)
	r.Create("sess-1", "en", "conn-speaker", time.Hour)
	r.AddListener("sess-1", &relay.Listener{ConnectionID: "c1", TargetLanguage: "es"})

	r.RemoveListener("sess-1", "c1")
	removedAgain := r.RemoveListener("sess-1", "c1")
	if removedAgain {
		t.Errorf("expected second removal to report false, not re-remove")
	}
	s, _ := r.Get("sess-1", vc.Now())
	if s.ListenerCount() != 0 {
		t.Errorf("expected listener count to stay at 0, got %d", s.ListenerCount())
	}
}

func TestExpireStaleRemovesOnlyExpiredSessions(t *testing.T) {
	vc := clock.NewVirtualClock(time.Unix(0, 0))
	r := New(vc, nil)
	r.Create("short", "en", "c1", time.Minute)
	r.Create("long", "en", "c2", time.Hour)

	vc.Advance(2 * time.Minute)
	expired := r.ExpireStale(vc.Now())
	if len(expired) != 1 || expired[0] != "short" {
		t.Fatalf("expected only 'short' to expire, got %v", expired)
	}
	if _, ok := r.Get("long", vc.Now()); !ok {
		t.Errorf("expected 'long' session to remain")
	}
}

func TestDeleteRemovesSession(t *testing.T) {
	r := New(nil, nil)
	r.Create("sess-1", "en", "c1", time.Hour)
	r.Delete("sess-1")
	if _, ok := r.Get("sess-1", time.Now()); ok {
		t.Errorf("expected session to be gone after Delete")
	}
}
