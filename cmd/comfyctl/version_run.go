package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/openshift/comfyctl/pkg/engine"
	"github.com/openshift/comfyctl/pkg/handler"
	"github.com/openshift/comfyctl/pkg/realize"
	"github.com/openshift/comfyctl/pkg/sink"
)

// openGCSBucket opens a bucket handle via a fresh GCS client per call; the
// client itself is lightweight and safe to discard once the handle's
// requests have been issued (storage.Client holds only connection config).
func openGCSBucket(ctx context.Context, bucket string) (sink.BucketHandle, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("constructing gcs client: %w", err)
	}
	return client.Bucket(bucket), nil
}

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comfyctl_requests_total",
		Help: "Requests handled by run-handler, by outcome.",
	}, []string{"outcome"})
	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "comfyctl_request_duration_seconds",
		Help:    "Time from request receipt to sink emission.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
)

func newVersionRunUICmd(ctx context.Context, log *logrus.Entry, opts *versionOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run-ui <version_id>",
		Short: "Realize and run the engine interactively until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			versionID := args[0]
			lock, app, err := resolveVersion(ctx, log, opts, versionID)
			if err != nil {
				return err
			}
			result, err := app.Realize.Realize(ctx, lock, realize.Options{
				TargetOverride:    opts.target,
				ModelsDirOverride: opts.modelsDir,
				Offline:           lock.Options.Offline,
			})
			if err != nil {
				return err
			}
			sup := engine.New(app.GW, http.DefaultClient, log, result.EngineHome+"/.venv/bin/python")
			if err := sup.Start(ctx, result.EngineHome, result.ModelsDir, nil); err != nil {
				return err
			}
			if err := sup.WaitReady(ctx, 2*time.Minute); err != nil {
				_ = sup.Stop(10 * time.Second)
				return err
			}
			log.Infof("%s is running at http://127.0.0.1:8188; press Ctrl+C to stop", versionID)
			<-ctx.Done()
			return sup.Stop(10 * time.Second)
		},
	}
}

func newVersionRunHandlerCmd(ctx context.Context, log *logrus.Entry, opts *versionOptions) *cobra.Command {
	var port int
	var metricsPort int
	cmd := &cobra.Command{
		Use:   "run-handler",
		Short: "Serve the request shell over HTTP, resolving and realizing each request's version",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(log)
			if err != nil {
				return err
			}

			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				addr := fmt.Sprintf(":%d", metricsPort)
				log.Infof("serving metrics on %s/metrics", addr)
				if err := http.ListenAndServe(addr, mux); err != nil {
					log.WithError(err).Error("metrics server stopped")
				}
			}()

			mux := http.NewServeMux()
			mux.HandleFunc("/invoke", invokeHandler(ctx, log, app, opts))
			addr := fmt.Sprintf(":%d", port)
			log.Infof("serving requests on %s/invoke", addr)
			return http.ListenAndServe(addr, mux)
		},
	}
	cmd.Flags().IntVar(&port, "port", 8080, "Port the request endpoint listens on")
	cmd.Flags().IntVar(&metricsPort, "metrics-port", 9090, "Port the Prometheus metrics endpoint listens on")
	return cmd
}

// invokeHandler decodes one envelope per request, drives it through
// resolve->realize->execute->emit, and writes the sink result (or an
// {error} envelope) as JSON.
func invokeHandler(ctx context.Context, log *logrus.Entry, app *app, opts *versionOptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		_, result, err := handleOneRequest(ctx, log, app, opts, r)
		requestDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			requestsTotal.WithLabelValues("error").Inc()
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		requestsTotal.WithLabelValues("success").Inc()
		_ = json.NewEncoder(w).Encode(result)
	}
}

func handleOneRequest(ctx context.Context, log *logrus.Entry, app *app, opts *versionOptions, r *http.Request) (*handler.Envelope, interface{}, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading request body: %w", err)
	}
	env, err := handler.Decode(body)
	if err != nil {
		return nil, nil, err
	}

	lock, _, err := resolveVersion(ctx, log, opts, env.VersionID)
	if err != nil {
		return env, nil, err
	}
	engineHome, err := app.Layout.EngineHome(env.VersionID, opts.target)
	if err != nil {
		return env, nil, err
	}
	modelsDir, err := app.Layout.ModelsDir(engineHome, opts.modelsDir)
	if err != nil {
		return env, nil, err
	}

	orch := &handler.Orchestrator{
		HTTP:       httpClientWithRetry(),
		Realizer:   app.Realize,
		Supervisor: engine.New(app.GW, http.DefaultClient, log, engineHome+"/.venv/bin/python"),
		OpenBucket: openGCSBucket,
	}
	result, err := orch.Handle(ctx, env, lock, engineHome, modelsDir)
	if err != nil {
		return env, nil, err
	}
	return env, result, nil
}
