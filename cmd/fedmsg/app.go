package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	fedmsg "github.com/coreos/fedmsg-go"
	"github.com/coreos/fedmsg-go/config"
	"github.com/coreos/fedmsg-go/contracts"
	"github.com/coreos/fedmsg-go/health"
	"github.com/coreos/fedmsg-go/messaging"
	"github.com/coreos/fedmsg-go/monitor"
	"github.com/coreos/fedmsg-go/schema"
	"github.com/prometheus/client_golang/prometheus"
)

// app holds global flags and the resources built from them.
type app struct {
	confPath    string
	stg         bool
	extraKeys   []string
	logLevel    string
	logFile     string
	dryRun      bool
	metricsFile string

	stdout io.Writer
	stderr io.Writer

	// transport replaces the broker connection in tests
	transport messaging.Transport

	logger    *slog.Logger
	logCloser io.Closer
	registry  *prometheus.Registry
	metrics   messaging.MetricsCollector
}

func (a *app) env() contracts.Environment {
	if a.stg {
		return contracts.Staging
	}
	return contracts.Production
}

func (a *app) setup() error {
	logger, closer, err := newLogger(a.logLevel, a.logFile, a.stderr)
	if err != nil {
		return err
	}
	a.logger = logger
	a.logCloser = closer

	a.registry = prometheus.NewRegistry()
	collector, err := monitor.NewPrometheusCollector(monitor.WithRegisterer(a.registry))
	if err != nil {
		return err
	}
	a.metrics = collector
	return nil
}

// finish writes metrics and closes the log file. It runs even when the
// command failed.
func (a *app) finish() {
	if a.metricsFile != "" && a.registry != nil {
		if err := prometheus.WriteToTextfile(a.metricsFile, a.registry); err != nil {
			a.logger.Error("failed to write metrics", "file", a.metricsFile, "error", err)
		}
	}
	if a.logCloser != nil {
		a.logCloser.Close()
	}
}

func (a *app) brokerConfig() (config.Config, error) {
	if a.confPath == "" {
		if a.transport != nil || a.dryRun {
			return config.Default(), nil
		}
		return config.Config{}, errors.New("--fedmsg-conf is required")
	}
	cfg, err := config.Load(a.confPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load %s: %w", a.confPath, err)
	}
	return cfg, nil
}

func (a *app) factory(cfg config.Config) *messaging.EnvelopeFactory {
	scheme := messaging.DefaultTopicScheme()
	if cfg.TopicPrefix != "" {
		scheme.Prefix = cfg.TopicPrefix
	}
	return messaging.NewEnvelopeFactory(
		messaging.WithTopicScheme(scheme),
		messaging.WithRequestRegistry(schema.DefaultRequestRegistry()),
	)
}

func (a *app) withClient(fn func(*fedmsg.Client) error) error {
	cfg, err := a.brokerConfig()
	if err != nil {
		return err
	}

	opts := []fedmsg.ClientOption{
		fedmsg.WithLogger(a.logger),
		fedmsg.WithMetrics(a.metrics),
		fedmsg.WithEnvironment(a.env()),
		fedmsg.WithRequestRegistry(schema.DefaultRequestRegistry()),
	}
	if a.transport != nil {
		opts = append(opts, fedmsg.WithTransport(a.transport))
	}

	client, err := fedmsg.NewClient(cfg, opts...)
	if err != nil {
		return err
	}
	defer client.Close()

	return fn(client)
}

// sendRequest publishes a request and prints the success payload. Failures
// and timeouts are returned as errors so the process exits non-zero.
func (a *app) sendRequest(ctx context.Context, requestType string, body map[string]interface{}, timeout time.Duration) error {
	if a.dryRun {
		cfg, err := a.brokerConfig()
		if err != nil {
			return err
		}
		req, err := a.factory(cfg).NewRequest(requestType, a.env(), body)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "response topic: %s\n", req.ResponseTopic)
		return a.printEnvelope(req.Topic, req.Body)
	}

	return a.withClient(func(client *fedmsg.Client) error {
		outcome, err := client.Request(ctx, requestType, body, timeout)
		if err != nil {
			return err
		}
		if !outcome.Succeeded() {
			return fmt.Errorf("%s request %s: %w", requestType, outcome.CorrelationID, outcome.Err())
		}
		a.logger.Info("request succeeded", "requestType", requestType, "correlationId", outcome.CorrelationID, "elapsed", outcome.Elapsed)
		return a.printJSON(outcome.Payload)
	})
}

func (a *app) sendBroadcast(ctx context.Context, broadcastType string, body map[string]interface{}) error {
	extra, err := parseKeyValues(a.extraKeys)
	if err != nil {
		return err
	}

	if a.dryRun {
		cfg, err := a.brokerConfig()
		if err != nil {
			return err
		}
		msg, err := a.factory(cfg).NewBroadcast(broadcastType, a.env(), body, extra)
		if err != nil {
			return err
		}
		return a.printEnvelope(msg.Topic, msg.Body)
	}

	return a.withClient(func(client *fedmsg.Client) error {
		return client.Broadcast(ctx, broadcastType, body, extra)
	})
}

const certExpiryWarning = 14 * 24 * time.Hour

// checkBus connects, runs the health checks and prints the report. An
// unhealthy bus is an error.
func (a *app) checkBus(ctx context.Context, timeout, slow time.Duration) error {
	if a.dryRun {
		return errors.New("check does not support --dry-run")
	}

	return a.withClient(func(client *fedmsg.Client) error {
		pinger, ok := client.Transport().(health.Pinger)
		if !ok {
			return fmt.Errorf("transport %T cannot be checked", client.Transport())
		}

		registry := health.NewRegistry()
		registry.SetMetadata("environment", string(client.Environment()))
		registry.Register(health.NewTransportChecker("bus", pinger, slow))

		cfg, err := a.brokerConfig()
		if err != nil {
			return err
		}
		tlsCfg, err := cfg.TLSClientConfig()
		if err != nil {
			return err
		}
		if tlsCfg != nil && len(tlsCfg.Certificates) > 0 {
			registry.Register(health.NewCertificateChecker("client_cert", tlsCfg.Certificates, certExpiryWarning))
		}

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		report := registry.Check(ctx)
		if err := a.printJSON(report); err != nil {
			return err
		}
		if !report.Healthy() {
			a.metrics.RecordError("health", string(report.Status))
			return fmt.Errorf("bus is %s", report.Status)
		}
		a.logger.Info("bus is reachable", "status", report.Status, "duration", report.Duration)
		return nil
	})
}

func (a *app) printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(a.stdout, string(data))
	return err
}

func (a *app) printEnvelope(topic string, body []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		return err
	}
	_, err := fmt.Fprintf(a.stdout, "topic: %s\n%s\n", topic, buf.String())
	return err
}
