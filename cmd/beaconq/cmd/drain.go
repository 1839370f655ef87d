package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/beaconlabs/beaconq"
	"github.com/beaconlabs/beaconq/collector"
	"github.com/beaconlabs/beaconq/internal/health"
	"github.com/beaconlabs/beaconq/internal/logging"
	"github.com/beaconlabs/beaconq/internal/metrics"
	"github.com/beaconlabs/beaconq/internal/tracing"
	"github.com/beaconlabs/beaconq/netmon"
	"github.com/beaconlabs/beaconq/syncer"
)

var (
	collectorURL string
	secret       string
	listenAddr   string
	wait         bool
)

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Run the sync engine until the queue is empty",
	Long: `Drain starts the sync engine against a collector endpoint and delivers the
queued backlog in order, with backoff between failed attempts. Without
--wait it exits once the queue is empty; with --wait it keeps running and
flushing new events until interrupted.`,
	RunE: runDrain,
}

func init() {
	drainCmd.Flags().StringVar(&collectorURL, "collector", "", "collector batch endpoint (defaults to COLLECTOR_URL)")
	drainCmd.Flags().StringVar(&secret, "secret", "", "HMAC signing secret (defaults to COLLECTOR_SECRET)")
	drainCmd.Flags().StringVar(&listenAddr, "listen", "", "optional address for /metrics and /healthz")
	drainCmd.Flags().BoolVar(&wait, "wait", false, "keep running after the queue is empty")
	rootCmd.AddCommand(drainCmd)
}

func runDrain(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg := envConfig()
	logger := logging.New("beaconq-drain")

	if collectorURL == "" {
		collectorURL = cfg.Collector.URL
	}
	if secret == "" {
		secret = cfg.Collector.Secret
	}

	shutdownTracing, err := tracing.Init(ctx, cfg.AppName)
	if err != nil {
		logger.Plain().WithError(err).Warn("tracing init failed, continuing without traces")
	} else {
		defer shutdownTracing()
	}

	store, closeStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	probe := netmon.NewProbe(cfg.Probe.URL, cfg.Probe.Interval)
	probe.Start(ctx)
	defer probe.Stop()

	// NSQD_TCP_ADDR routes batches through nsqd instead of the HTTP collector.
	var deliverer collector.Deliverer = collector.NewHTTP(collectorURL, secret, cfg.Sync.DeliveryTimeout)
	if cfg.Collector.NSQDTCPAddr != "" {
		nsqDel, err := collector.NewNSQ(cfg.Collector.NSQDTCPAddr, cfg.Collector.Topic)
		if err != nil {
			return err
		}
		defer nsqDel.Stop()
		deliverer = nsqDel
	}

	client, err := beaconq.Open(ctx, beaconq.Config{
		Store:           store,
		Monitor:         probe,
		Collector:       deliverer,
		QueueKey:        cfg.Queue.Key,
		MaxCount:        cfg.Queue.MaxCount,
		MaxBytes:        cfg.Queue.MaxBytes,
		BatchSize:       cfg.Sync.BatchSize,
		MaxAttempts:     cfg.Sync.MaxAttempts,
		Backoff:         cfg.Sync.BackoffSchedule,
		JitterPct:       cfg.Sync.JitterPercent,
		FlushInterval:   cfg.Sync.FlushInterval,
		DeliveryTimeout: cfg.Sync.DeliveryTimeout,
	})
	if err != nil {
		return err
	}
	defer client.Shutdown()

	if listenAddr != "" {
		reg := prometheus.NewRegistry()
		metrics.MustRegister(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.HandleFunc("/healthz", health.HTTPHandler(client.Status))
		srv := &http.Server{Addr: listenAddr, Handler: mux}
		go func() {
			logger.Plain().WithField("addr", listenAddr).Info("metrics server starting")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Plain().WithError(err).Error("metrics server failed")
			}
		}()
		defer srv.Shutdown(context.Background())
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)

	logger.Plain().WithField("size", client.Status().Size).Info("drain started")
	if _, err := client.ForceSync(ctx); err != nil {
		logger.Plain().WithError(err).Warn("initial flush failed, backoff engaged")
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			logger.Plain().Info("interrupted, queued events remain durable")
			return nil
		case st := <-client.Notifications():
			if st.Size == 0 && !wait {
				logger.Plain().Info("queue drained")
				return nil
			}
		case <-ticker.C:
			st := client.Status()
			if st.Size == 0 && !wait {
				logger.Plain().Info("queue drained")
				return nil
			}
			if st.LastFlush.Outcome == syncer.OutcomeFailed {
				fmt.Fprintf(os.Stderr, "pending=%d failures=%d last=%s\n",
					st.Size, st.ConsecutiveFailures, st.LastFlush.Reason)
			}
		}
	}
}
