package etcd

import (
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/countplus2/leader-elector/internal/coordination"
	"github.com/countplus2/leader-elector/internal/coordination/coordinationtest"
)

func TestChildName(t *testing.T) {
	for _, tc := range []struct {
		parent, key, want string
	}{
		{parent: "/election", key: "/election/n_0000000001", want: "n_0000000001"},
		{parent: "/election/", key: "/election/n_0000000001", want: "n_0000000001"},
		{parent: "/election", key: "/election", want: ""},
		{parent: "/election", key: "/election/", want: ""},
		{parent: "/election", key: "/election/sub/n_0000000001", want: ""},
		{parent: "/election", key: "/elections/n_0000000001", want: ""},
	} {
		if got := childName(tc.parent, tc.key); got != tc.want {
			t.Errorf("childName(%q, %q)=%q, want %q", tc.parent, tc.key, got, tc.want)
		}
	}
}

func TestSequenceName(t *testing.T) {
	if got, want := sequenceName("n_", 12), "n_0000000012"; got != want {
		t.Errorf("sequenceName()=%q, want %q", got, want)
	}
}

// TestConformance runs against a live cluster listed in ETCD_SERVERS.
func TestConformance(t *testing.T) {
	servers := os.Getenv("ETCD_SERVERS")
	if servers == "" {
		t.Skip("ETCD_SERVERS not set")
	}
	ns := fmt.Sprintf("/leader-elector-test/%d", time.Now().UnixNano())
	coordinationtest.Run(t, ns, func(t *testing.T) coordination.Service {
		e, err := NewEtcd(strings.Split(servers, ","), 10)
		if err != nil {
			t.Fatalf("NewEtcd: %v", err)
		}
		return e
	})
}
