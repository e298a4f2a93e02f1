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

	"github.com/fortiblox/stratus-metadata/pkg/metadatasvc"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve metadata over gRPC",
		Long: `Serves the metadata service over gRPC, backed by the local code store.
Prometheus metrics and a health check are served over HTTP when a metrics
address is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx)
		},
	}

	cmd.Flags().String("listen", ":7878", "gRPC listen address")
	cmd.Flags().String("metrics-addr", ":9478", "HTTP address for /metrics and /healthz, empty to disable")
	cmd.Flags().Int("max-message-size", metadatasvc.DefaultMaxMessageSize, "largest gRPC message in bytes")
	c.v.BindPFlag(keyListen, cmd.Flags().Lookup("listen"))
	c.v.BindPFlag(keyMetricsAddr, cmd.Flags().Lookup("metrics-addr"))
	c.v.BindPFlag(keyMaxMessageSize, cmd.Flags().Lookup("max-message-size"))
	return cmd
}

func (c *cli) serve(ctx context.Context) error {
	store, err := c.openStore(false)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	config := metadatasvc.DefaultConfig()
	config.HeapPages = c.heapPages()
	config.ComputeLimit = c.computeLimit()
	if n := c.v.GetInt(keyMaxMessageSize); n > 0 {
		config.MaxMessageSize = n
	}

	srv := metadatasvc.NewServer(metadatasvc.New(config, store, metadatasvc.NewMetrics(reg)))

	lis, err := net.Listen("tcp", c.v.GetString(keyListen))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		log.Noticef("gRPC server listening on %s", lis.Addr())
		errCh <- srv.Serve(lis)
	}()

	var metricsSrv *http.Server
	if addr := c.v.GetString(keyMetricsAddr); addr != "" {
		metricsSrv = &http.Server{
			Addr:         addr,
			Handler:      newMetricsRouter(reg),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			log.Noticef("metrics server listening on %s", addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Noticef("shutting down")
	case err = <-errCh:
	}

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsSrv.Shutdown(shutdownCtx)
	}
	srv.GracefulStop()
	return err
}

func newMetricsRouter(reg *prometheus.Registry) *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods("GET")
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods("GET")
	return router
}
