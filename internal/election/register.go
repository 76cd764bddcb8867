package election

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"k8s.io/klog/v2"

	"github.com/countplus2/leader-elector/internal/coordination"
)

// Register nominates owner in namespace: it makes sure the namespace exists
// and creates an ephemeral sequential token under it. It must be called once
// per session; failures are returned as is and not retried. Once ZooKeeper's
// per-namespace counter has wrapped, every attempt fails with
// ErrSequenceWrapped until the namespace is recreated.
func Register(ctx context.Context, svc coordination.Service, namespace, prefix, owner string) (Token, error) {
	if err := svc.EnsureNamespace(ctx, namespace); err != nil {
		return Token{}, fmt.Errorf("ensuring namespace %s: %w", namespace, err)
	}
	p, err := svc.CreateSequentialEphemeral(ctx, namespace, prefix, []byte(owner))
	if err != nil {
		return Token{}, fmt.Errorf("creating token under %s: %w", namespace, err)
	}
	name := p[strings.LastIndex(p, "/")+1:]
	t, err := ParseToken(namespace, prefix, name)
	if errors.Is(err, ErrSequenceWrapped) {
		klog.Errorf("%s: token counter exhausted, delete and recreate the namespace: %v", namespace, err)
	}
	if err != nil {
		return Token{}, fmt.Errorf("coordination service returned %q: %w", p, err)
	}
	t.Owner = owner
	klog.Infof("%s: registered %s as %s", namespace, owner, t.Name)
	return t, nil
}
