// Package coordinationtest holds a conformance suite that every
// coordination.Service backend is expected to pass.
package coordinationtest

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/countplus2/leader-elector/internal/coordination"
)

// fireTimeout bounds how long the suite waits for a watch to fire.
const fireTimeout = 10 * time.Second

// NewSessionFunc opens a fresh session against the backend under test.
type NewSessionFunc func(t *testing.T) coordination.Service

var sequentialName = regexp.MustCompile(`^n_[0-9]{10}$`)

// Run runs the suite. Every node the suite creates lives under namespace,
// which should be unique per run for backends that persist between runs.
func Run(t *testing.T, namespace string, newSession NewSessionFunc) {
	t.Run("EnsureNamespaceIdempotent", func(t *testing.T) {
		ctx := context.Background()
		s := newSession(t)
		defer s.CloseSession()
		ns := namespace + "/ensure/deep"
		for i := 0; i < 2; i++ {
			if err := s.EnsureNamespace(ctx, ns); err != nil {
				t.Fatalf("EnsureNamespace(%q) #%d: %v", ns, i, err)
			}
		}
		children, err := s.ListChildren(ctx, ns)
		if err != nil {
			t.Fatalf("ListChildren(%q): %v", ns, err)
		}
		if len(children) != 0 {
			t.Errorf("ListChildren(%q)=%v, want empty", ns, children)
		}
	})

	t.Run("SequentialOrder", func(t *testing.T) {
		ctx := context.Background()
		ns := namespace + "/order"
		s1, s2 := newSession(t), newSession(t)
		defer s1.CloseSession()
		defer s2.CloseSession()
		mustEnsure(t, s1, ns)

		var created []string
		for i, s := range []coordination.Service{s1, s2, s1} {
			p, err := s.CreateSequentialEphemeral(ctx, ns, "n_", []byte("owner"))
			if err != nil {
				t.Fatalf("CreateSequentialEphemeral #%d: %v", i, err)
			}
			if !strings.HasPrefix(p, ns+"/") {
				t.Fatalf("CreateSequentialEphemeral #%d=%q, want under %q", i, p, ns)
			}
			name := p[len(ns)+1:]
			if !sequentialName.MatchString(name) {
				t.Fatalf("CreateSequentialEphemeral #%d name %q does not match %v", i, name, sequentialName)
			}
			if len(created) > 0 && name <= created[len(created)-1] {
				t.Errorf("CreateSequentialEphemeral #%d=%q, not after %q", i, name, created[len(created)-1])
			}
			created = append(created, name)
		}

		got, err := s2.ListChildren(ctx, ns)
		if err != nil {
			t.Fatalf("ListChildren: %v", err)
		}
		sort.Strings(got)
		if diff := cmp.Diff(created, got); diff != "" {
			t.Errorf("ListChildren diff (-want +got):\n%s", diff)
		}
	})

	t.Run("CloseSessionReleasesEphemerals", func(t *testing.T) {
		ctx := context.Background()
		ns := namespace + "/release"
		s1, s2 := newSession(t), newSession(t)
		defer s2.CloseSession()
		mustEnsure(t, s1, ns)
		if _, err := s1.CreateSequentialEphemeral(ctx, ns, "n_", nil); err != nil {
			t.Fatalf("CreateSequentialEphemeral: %v", err)
		}
		kept, err := s2.CreateSequentialEphemeral(ctx, ns, "n_", nil)
		if err != nil {
			t.Fatalf("CreateSequentialEphemeral: %v", err)
		}
		if err := s1.CloseSession(); err != nil {
			t.Fatalf("CloseSession: %v", err)
		}
		got, err := s2.ListChildren(ctx, ns)
		if err != nil {
			t.Fatalf("ListChildren: %v", err)
		}
		if want := []string{kept[len(ns)+1:]}; !cmp.Equal(want, got) {
			t.Errorf("ListChildren after close=%v, want %v", got, want)
		}
	})

	t.Run("WatchFiresOnRemoval", func(t *testing.T) {
		ctx := context.Background()
		ns := namespace + "/watch"
		owner, watcher := newSession(t), newSession(t)
		defer owner.CloseSession()
		defer watcher.CloseSession()
		mustEnsure(t, owner, ns)
		p, err := owner.CreateSequentialEphemeral(ctx, ns, "n_", nil)
		if err != nil {
			t.Fatalf("CreateSequentialEphemeral: %v", err)
		}

		fired := make(chan bool, 2)
		if _, err := watcher.WatchForRemoval(ctx, p, func(stillExists bool) { fired <- stillExists }); err != nil {
			t.Fatalf("WatchForRemoval: %v", err)
		}
		if err := owner.Delete(ctx, p); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if stillExists := waitFired(t, fired); stillExists {
			t.Errorf("watch fired with stillExists=true after removal")
		}
		select {
		case <-fired:
			t.Errorf("one-shot watch fired twice")
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("WatchOnAbsentNodeFires", func(t *testing.T) {
		ctx := context.Background()
		ns := namespace + "/absent"
		s := newSession(t)
		defer s.CloseSession()
		mustEnsure(t, s, ns)

		fired := make(chan bool, 1)
		if _, err := s.WatchForRemoval(ctx, ns+"/n_9999999999", func(stillExists bool) { fired <- stillExists }); err != nil {
			t.Fatalf("WatchForRemoval: %v", err)
		}
		if stillExists := waitFired(t, fired); stillExists {
			t.Errorf("watch on absent node fired with stillExists=true")
		}
	})

	t.Run("CancelledWatchIsSilent", func(t *testing.T) {
		ctx := context.Background()
		ns := namespace + "/cancel"
		s := newSession(t)
		defer s.CloseSession()
		mustEnsure(t, s, ns)
		p, err := s.CreateSequentialEphemeral(ctx, ns, "n_", nil)
		if err != nil {
			t.Fatalf("CreateSequentialEphemeral: %v", err)
		}

		fired := make(chan bool, 1)
		sub, err := s.WatchForRemoval(ctx, p, func(stillExists bool) { fired <- stillExists })
		if err != nil {
			t.Fatalf("WatchForRemoval: %v", err)
		}
		sub.Cancel()
		sub.Cancel()
		if err := s.Delete(ctx, p); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		select {
		case <-fired:
			t.Errorf("cancelled watch fired")
		case <-time.After(200 * time.Millisecond):
		}
	})

	t.Run("DeleteAbsentIsNoop", func(t *testing.T) {
		s := newSession(t)
		defer s.CloseSession()
		ns := namespace + "/noop"
		mustEnsure(t, s, ns)
		if err := s.Delete(context.Background(), ns+"/n_9999999999"); err != nil {
			t.Errorf("Delete(absent)=%v, want nil", err)
		}
	})
}

func mustEnsure(t *testing.T, s coordination.Service, ns string) {
	t.Helper()
	if err := s.EnsureNamespace(context.Background(), ns); err != nil {
		t.Fatalf("EnsureNamespace(%q): %v", ns, err)
	}
}

func waitFired(t *testing.T, fired <-chan bool) bool {
	t.Helper()
	select {
	case v := <-fired:
		return v
	case <-time.After(fireTimeout):
		t.Fatalf("watch did not fire within %v", fireTimeout)
	}
	return false
}
