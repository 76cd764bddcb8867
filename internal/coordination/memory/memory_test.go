package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/countplus2/leader-elector/internal/coordination"
	"github.com/countplus2/leader-elector/internal/coordination/coordinationtest"
)

func TestConformance(t *testing.T) {
	srv := NewServer()
	coordinationtest.Run(t, "/conformance", func(t *testing.T) coordination.Service {
		return srv.NewSession()
	})
}

func TestExpireRemovesEphemeralsAndNotifies(t *testing.T) {
	ctx := context.Background()
	srv := NewServer()
	s := srv.NewSession()
	defer s.CloseSession()

	if err := s.EnsureNamespace(ctx, "/election"); err != nil {
		t.Fatalf("EnsureNamespace: %v", err)
	}
	p, err := s.CreateSequentialEphemeral(ctx, "/election", "n_", nil)
	if err != nil {
		t.Fatalf("CreateSequentialEphemeral: %v", err)
	}

	events := make(chan coordination.SessionEvent, 1)
	s.OnSessionEvent(func(ev coordination.SessionEvent) { events <- ev })
	s.Expire()

	select {
	case ev := <-events:
		if ev != coordination.SessionExpired {
			t.Errorf("got event %v, want %v", ev, coordination.SessionExpired)
		}
	case <-time.After(time.Second):
		t.Fatal("no session event after Expire")
	}
	if srv.Exists(p) {
		t.Errorf("ephemeral %s survived session expiry", p)
	}
	if !srv.Exists("/election") {
		t.Errorf("persistent namespace removed by session expiry")
	}
	if _, err := s.ListChildren(ctx, "/election"); !errors.Is(err, coordination.ErrSessionLost) {
		t.Errorf("ListChildren after expiry: err=%v, want %v", err, coordination.ErrSessionLost)
	}
}

func TestSetError(t *testing.T) {
	ctx := context.Background()
	s := NewServer().NewSession()
	defer s.CloseSession()

	s.SetError(OpList, coordination.ErrTransient)
	if _, err := s.ListChildren(ctx, "/"); !errors.Is(err, coordination.ErrTransient) {
		t.Errorf("ListChildren: err=%v, want %v", err, coordination.ErrTransient)
	}
	s.SetError(OpList, nil)
	if _, err := s.ListChildren(ctx, "/"); err != nil {
		t.Errorf("ListChildren after clearing error: %v", err)
	}
}

func TestSetDataFiresWithStillExists(t *testing.T) {
	ctx := context.Background()
	srv := NewServer()
	s := srv.NewSession()
	defer s.CloseSession()
	if err := s.EnsureNamespace(ctx, "/election"); err != nil {
		t.Fatalf("EnsureNamespace: %v", err)
	}
	p, err := s.CreateSequentialEphemeral(ctx, "/election", "n_", nil)
	if err != nil {
		t.Fatalf("CreateSequentialEphemeral: %v", err)
	}
	fired := make(chan bool, 1)
	if _, err := s.WatchForRemoval(ctx, p, func(stillExists bool) { fired <- stillExists }); err != nil {
		t.Fatalf("WatchForRemoval: %v", err)
	}
	if err := srv.SetData(p, []byte("x")); err != nil {
		t.Fatalf("SetData: %v", err)
	}
	select {
	case stillExists := <-fired:
		if !stillExists {
			t.Errorf("data change reported stillExists=false")
		}
	case <-time.After(time.Second):
		t.Fatal("watch did not fire on data change")
	}
}

func TestSetSequence(t *testing.T) {
	ctx := context.Background()
	srv := NewServer()
	s := srv.NewSession()
	defer s.CloseSession()
	if err := s.EnsureNamespace(ctx, "/election"); err != nil {
		t.Fatalf("EnsureNamespace: %v", err)
	}
	srv.SetSequence("/election", 12)
	p, err := s.CreateSequentialEphemeral(ctx, "/election", "n_", nil)
	if err != nil {
		t.Fatalf("CreateSequentialEphemeral: %v", err)
	}
	if want := "/election/n_0000000012"; p != want {
		t.Errorf("CreateSequentialEphemeral=%q, want %q", p, want)
	}
}
