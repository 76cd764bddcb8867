// The leader-elector binary takes part in one or more leader elections and
// reports every change of role.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/trillian/client/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/countplus2/leader-elector/internal/config"
	"github.com/countplus2/leader-elector/internal/coordination"
	"github.com/countplus2/leader-elector/internal/coordination/memory"
	"github.com/countplus2/leader-elector/internal/election"
	"github.com/countplus2/leader-elector/internal/etcd"
	"github.com/countplus2/leader-elector/internal/zookeeper"
)

const (
	// shutdownTimeout bounds releasing tokens and sessions on exit.
	shutdownTimeout = 5 * time.Second
	// maxRejoinDelay caps the pause between failed attempts to join.
	maxRejoinDelay = time.Minute
)

func main() {
	klog.InitFlags(nil)
	flags := config.RegisterFlags(flag.CommandLine)
	flag.Parse()
	defer klog.Flush()

	cfg, err := flags.Config()
	if err != nil {
		klog.Exitf("Invalid configuration: %v", err)
	}
	klog.Infof("Starting as %s on %s %v", cfg.Owner, cfg.Backend, cfg.Servers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	if cfg.MetricsEndpoint != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsEndpoint, Handler: mux}
		g.Go(func() error {
			klog.Infof("Serving metrics on %s", cfg.MetricsEndpoint)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	dial, err := dialer(cfg)
	if err != nil {
		klog.Exitf("Invalid backend: %v", err)
	}
	metrics := election.NewMetrics(prometheus.DefaultRegisterer)
	for _, ns := range cfg.Namespaces {
		opts := election.Options{
			Namespace:    ns,
			Prefix:       cfg.Prefix,
			Owner:        cfg.Owner,
			OnRoleChange: workload(ns),
			Metrics:      metrics,
		}
		g.Go(func() error {
			campaign(ctx, dial, opts, cfg.RejoinDelay)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		klog.Exitf("Exiting: %v", err)
	}
	klog.Info("Stopped")
}

// dialFunc opens a new coordination session.
type dialFunc func() (coordination.Service, error)

func dialer(cfg config.Config) (dialFunc, error) {
	switch cfg.Backend {
	case config.BackendZookeeper:
		return func() (coordination.Service, error) {
			return zookeeper.NewZookeeper(cfg.Servers, cfg.SessionTimeout)
		}, nil
	case config.BackendEtcd:
		ttl := int(cfg.SessionTimeout / time.Second)
		return func() (coordination.Service, error) {
			return etcd.NewEtcd(cfg.Servers, ttl)
		}, nil
	case config.BackendMemory:
		srv := memory.NewServer()
		return func() (coordination.Service, error) {
			return srv.NewSession(), nil
		}, nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// campaign keeps this process in one election until ctx is done. Whenever
// the election stops on its own, its session is abandoned and the whole join
// sequence starts over on a new one. The pause between attempts starts at
// rejoinDelay and backs off while joining keeps failing.
func campaign(ctx context.Context, dial dialFunc, opts election.Options, rejoinDelay time.Duration) {
	bo := backoff.Backoff{
		Min:    rejoinDelay,
		Max:    max(rejoinDelay, maxRejoinDelay),
		Factor: 2,
		Jitter: true,
	}
	for {
		if e := join(ctx, dial, opts); e != nil {
			bo.Reset()
			select {
			case <-ctx.Done():
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				if err := e.Close(sctx); err != nil {
					klog.Warningf("%s: leaving election: %v", opts.Namespace, err)
				}
				cancel()
				return
			case <-e.Done():
				klog.Warningf("%s: election stopped (%v), re-joining on a new session", opts.Namespace, e.Err())
				if err := e.Close(ctx); err != nil {
					klog.Warningf("%s: closing old session: %v", opts.Namespace, err)
				}
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.Duration()):
		}
	}
}

func join(ctx context.Context, dial dialFunc, opts election.Options) *election.Election {
	svc, err := dial()
	if err != nil {
		klog.Errorf("%s: opening session: %v", opts.Namespace, err)
		return nil
	}
	e, err := election.Join(ctx, svc, opts)
	if err != nil {
		klog.Errorf("%s: joining election: %v", opts.Namespace, err)
		if cerr := svc.CloseSession(); cerr != nil {
			klog.Warningf("%s: closing session: %v", opts.Namespace, cerr)
		}
		return nil
	}
	return e
}

// workload reacts to role changes in ns. Leader and follower duties belong
// to the embedding application; here they are only announced.
func workload(ns string) func(old, new election.Role) {
	pid := os.Getpid()
	return func(_, r election.Role) {
		switch r {
		case election.Leader:
			klog.Infof("%s: process %d is the leader, starting leader tasks", ns, pid)
		default:
			klog.Infof("%s: process %d is a follower, stopping leader tasks", ns, pid)
		}
	}
}
