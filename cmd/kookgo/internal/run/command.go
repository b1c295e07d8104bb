package run

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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/kookgo/kookgo/cmd/kookgo/internal"
	"github.com/kookgo/kookgo/pkg/bot"
	"github.com/kookgo/kookgo/pkg/config"
	"github.com/kookgo/kookgo/pkg/dispatch"
	"github.com/kookgo/kookgo/pkg/event"
	"github.com/kookgo/kookgo/pkg/gateway"
	"github.com/kookgo/kookgo/pkg/logger"
	"github.com/kookgo/kookgo/pkg/metrics"
	"github.com/kookgo/kookgo/pkg/tracing"
)

func NewRunCommand() *cobra.Command {
	var (
		debug         bool
		metricsListen string
	)

	cmd := &cobra.Command{
		Use:     "run",
		Aliases: []string{"r"},
		Short:   "Connect to the gateway and log incoming events",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := internal.LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if debug {
				logger.SetLevel(logger.DEBUG)
			}
			if metricsListen != "" {
				cfg.Metrics.Enabled = true
				cfg.Metrics.Listen = metricsListen
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runBot(ctx, cfg)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "Serve /metrics, /healthz and /readyz on this address")

	return cmd
}

func runBot(ctx context.Context, cfg *config.Config, extra ...bot.Option) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.New(metrics.WithRegistry(reg), metrics.WithNamespace(cfg.Metrics.Namespace))

	opts := []bot.Option{
		bot.WithMetrics(collector),
		bot.WithTracer(tracing.Tracer(tracing.InstrumentationName)),
		bot.OnTerminate(func(err error) {
			if err != nil {
				logger.ErrorCF("run", "Bot terminated", map[string]any{"error": err.Error()})
			}
		}),
	}
	b, err := bot.New(cfg, append(opts, extra...)...)
	if err != nil {
		return err
	}
	if _, err := b.AddProcessor(dispatch.Normal, "log", logEvent); err != nil {
		return err
	}

	var srv *http.Server
	if cfg.Metrics.Enabled {
		ln, err := net.Listen("tcp", cfg.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("admin listener: %w", err)
		}
		srv = &http.Server{Handler: newAdminRouter(b, reg), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.ErrorCF("run", "Admin server error", map[string]any{"error": err.Error()})
			}
		}()
		logger.InfoCF("run", "Admin endpoints available", map[string]any{"addr": ln.Addr().String()})
	}

	if err := b.Start(ctx); err != nil {
		return err
	}
	err = b.Wait()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	if errors.Is(err, gateway.ErrCredentialRejected) {
		return fmt.Errorf("the gateway rejected the bot token: %w", err)
	}
	return err
}

func logEvent(_ context.Context, ev *event.Event) error {
	fields := map[string]any{
		"sn":           ev.SN,
		"type":         ev.Type.String(),
		"channel_type": ev.ChannelType,
		"target_id":    ev.TargetID,
		"author_id":    ev.AuthorID,
		"msg_id":       ev.MsgID,
		"key":          ev.Key.String(),
	}
	if ev.Unknown {
		fields["unknown"] = true
	}
	logger.InfoCF("event", "Event received", fields)
	return nil
}
