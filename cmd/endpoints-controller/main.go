package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ktlcove/kube-endpoints-controller/pkg/admin"
	"github.com/ktlcove/kube-endpoints-controller/pkg/config"
	"github.com/ktlcove/kube-endpoints-controller/pkg/dispatch"
	"github.com/ktlcove/kube-endpoints-controller/pkg/flags"
	"github.com/ktlcove/kube-endpoints-controller/pkg/handler"
	"github.com/ktlcove/kube-endpoints-controller/pkg/hook"
	_ "github.com/ktlcove/kube-endpoints-controller/pkg/hook/apisix"
	"github.com/ktlcove/kube-endpoints-controller/pkg/k8s"
	"github.com/ktlcove/kube-endpoints-controller/pkg/resolver"
	"github.com/ktlcove/kube-endpoints-controller/pkg/store"
	"github.com/ktlcove/kube-endpoints-controller/pkg/util"
	"github.com/ktlcove/kube-endpoints-controller/pkg/watch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/wait"
)

type options struct {
	configPath string
	kubeconfig string
	adminAddr  string
	healthAddr string
	flags      *flags.Options
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	o := &options{}
	cmd := &cobra.Command{
		Use:   "endpoints-controller",
		Short: "Reflects Kubernetes Endpoints into API gateway upstreams",
		Args:  cobra.NoArgs,
		// Flag errors print usage, runtime errors do not.
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			exit, err := o.flags.Apply(cmd.OutOrStdout())
			if err != nil || exit {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, o)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&o.configPath, "config", "",
		fmt.Sprintf("path to the configuration file, defaults to $%s or %s", config.PathEnv, config.DefaultPath))
	fs.StringVar(&o.kubeconfig, "kubeconfig", "", "path to kubeconfig, defaults to $KUBECONFIG or the in cluster configuration")
	fs.StringVar(&o.adminAddr, "admin-addr", ":9996", "address of the metrics, readiness and pprof server")
	fs.StringVar(&o.healthAddr, "health-addr", ":9997", "address of the gRPC health server")
	o.flags = flags.AddFlags(fs)
	return cmd
}

func run(ctx context.Context, o *options) error {
	cfg, err := config.Load(config.ResolvePath(o.configPath))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	entry := log.WithFields(log.Fields{
		"cluster":      cfg.ClusterName,
		"podNamespace": k8s.CurrentNamespace(),
	})

	client, err := k8s.NewClient(o.kubeconfig)
	if err != nil {
		return fmt.Errorf("creating kubernetes client: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hooks, err := hook.Build(cfg.Hooks(), hook.Env{ClusterName: cfg.ClusterName, Log: entry})
	if err != nil {
		return fmt.Errorf("building hooks: %w", err)
	}
	st := store.New(hooks, store.Options{PromRegister: reg, Log: entry})

	policy := cfg.Policy()
	watcher, err := watch.New(watch.Options{
		KubeClient:     client,
		ResyncPeriod:   cfg.Resync(),
		MaxInFlight:    cfg.MaxInFlight,
		WithNamespaces: len(policy.NamespaceLabelSelector) > 0,
		WithServices:   policy.IgnoreHeadless,
		PromRegister:   reg,
		Log:            entry,
	})
	if err != nil {
		return err
	}

	resolverOpts := []resolver.Option{resolver.WithLogger(entry)}
	if l := watcher.NamespaceLister(); l != nil {
		resolverOpts = append(resolverOpts, resolver.WithNamespaceLister(l))
	}
	if l := watcher.ServiceLister(); l != nil {
		resolverOpts = append(resolverOpts, resolver.WithServiceLister(l))
	}
	res, err := resolver.New(policy, resolverOpts...)
	if err != nil {
		return err
	}

	registry := dispatch.NewRegistry()
	handler.New(res, st, entry).Register(registry)
	engine := dispatch.NewEngine(registry, dispatch.Options{PromRegister: reg, Log: entry})

	ready := func() bool { return st.Ready() && watcher.HasSynced() }
	adminServer := admin.NewServer(o.adminAddr, admin.NewHandler(reg, ready))
	health := admin.NewHealth()
	healthLis, err := net.Listen("tcp", o.healthAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", o.healthAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := st.InitHooks(gctx); err != nil {
			return fmt.Errorf("initializing hooks: %w", err)
		}
		entry.Infof("Initialized %d hooks, watching endpoints", len(hooks))
		return watcher.Run(gctx, engine)
	})
	g.Go(func() error {
		util.Until(func() {
			entry.Infof("starting admin server on %s", o.adminAddr)
			if err := adminServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				entry.Errorf("admin server failed: %s", err)
			}
		}, time.Second, gctx.Done())
		return nil
	})
	g.Go(func() error {
		entry.Infof("starting gRPC health server on %s", o.healthAddr)
		return health.Serve(healthLis)
	})
	g.Go(func() error {
		err := wait.PollImmediateUntilWithContext(gctx, time.Second, func(context.Context) (bool, error) {
			return ready(), nil
		})
		if err == nil {
			entry.Info("Controller is ready")
			health.SetServing(true)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		entry.Info("Shutting down")
		health.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return adminServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
