package health

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/coreos/fedmsg-go/transports/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct {
	connected bool
	err       error
	delay     time.Duration
}

func (f *fakePinger) IsConnected() bool { return f.connected }

func (f *fakePinger) Ping(ctx context.Context) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func TestTransportChecker(t *testing.T) {
	t.Run("healthy memory bus", func(t *testing.T) {
		bus := memory.NewBus()
		defer bus.Close()

		result := NewTransportChecker("bus", bus, 0).Check(context.Background())
		assert.Equal(t, "bus", result.Name)
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Contains(t, result.Details, "response_time_ms")
	})

	t.Run("closed memory bus", func(t *testing.T) {
		bus := memory.NewBus()
		require.NoError(t, bus.Close())

		result := NewTransportChecker("bus", bus, 0).Check(context.Background())
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "transport is not connected", result.Message)
	})

	t.Run("ping failure", func(t *testing.T) {
		p := &fakePinger{connected: true, err: errors.New("exchange amq.topic: NOT_FOUND")}

		result := NewTransportChecker("broker", p, 0).Check(context.Background())
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "ping failed", result.Message)
		assert.Contains(t, result.Error, "NOT_FOUND")
	})

	t.Run("slow ping is degraded", func(t *testing.T) {
		p := &fakePinger{connected: true, delay: 20 * time.Millisecond}

		result := NewTransportChecker("broker", p, time.Millisecond).Check(context.Background())
		assert.Equal(t, StatusDegraded, result.Status)
	})
}

func selfSigned(t *testing.T, cn string, notBefore, notAfter time.Time) tls.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func TestCertificateChecker(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	day := 24 * time.Hour

	tests := []struct {
		name      string
		notBefore time.Time
		notAfter  time.Time
		want      Status
		message   string
	}{
		{"valid", now.Add(-day), now.Add(90 * day), StatusHealthy, "certificates are valid"},
		{"expiring soon", now.Add(-day), now.Add(3 * day), StatusDegraded, "coreos-builder expires on 2024-06-04"},
		{"expired", now.Add(-90 * day), now.Add(-day), StatusUnhealthy, "coreos-builder expired on 2024-05-31"},
		{"not yet valid", now.Add(day), now.Add(90 * day), StatusUnhealthy, "coreos-builder is not valid before 2024-06-02"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cert := selfSigned(t, "coreos-builder", tt.notBefore, tt.notAfter)
			checker := NewCertificateChecker("client-cert", []tls.Certificate{cert}, 14*day)
			checker.now = func() time.Time { return now }

			result := checker.Check(context.Background())
			assert.Equal(t, "client-cert", result.Name)
			assert.Equal(t, tt.want, result.Status)
			assert.Equal(t, tt.message, result.Message)
			assert.Contains(t, result.Details, "coreos-builder")
		})
	}

	t.Run("expired wins over expiring", func(t *testing.T) {
		certs := []tls.Certificate{
			selfSigned(t, "a", now.Add(-day), now.Add(day)),
			selfSigned(t, "b", now.Add(-90*day), now.Add(-day)),
		}
		checker := NewCertificateChecker("client-cert", certs, 14*day)
		checker.now = func() time.Time { return now }

		assert.Equal(t, StatusUnhealthy, checker.Check(context.Background()).Status)
	})

	t.Run("empty chain", func(t *testing.T) {
		checker := NewCertificateChecker("client-cert", []tls.Certificate{{}}, day)

		result := checker.Check(context.Background())
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "certificate chain is empty", result.Error)
	})

	t.Run("no certificates", func(t *testing.T) {
		result := NewCertificateChecker("client-cert", nil, day).Check(context.Background())
		assert.Equal(t, StatusHealthy, result.Status)
	})
}

type constantChecker struct {
	name   string
	status Status
}

func (c constantChecker) Name() string { return c.name }

func (c constantChecker) Check(ctx context.Context) CheckResult {
	return CheckResult{Name: c.name, Status: c.status, Timestamp: time.Now()}
}

func TestRegistryCheck(t *testing.T) {
	constant := func(name string, status Status) Checker {
		return constantChecker{name: name, status: status}
	}

	t.Run("empty registry is healthy", func(t *testing.T) {
		report := NewRegistry().Check(context.Background())
		assert.Equal(t, StatusHealthy, report.Status)
		assert.True(t, report.Healthy())
		assert.Empty(t, report.Checks)
	})

	t.Run("worst status wins", func(t *testing.T) {
		tests := []struct {
			name     string
			statuses []Status
			want     Status
		}{
			{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
			{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
			{"unhealthy beats degraded", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				registry := NewRegistry()
				for i, s := range tt.statuses {
					registry.Register(constant(string(rune('a'+i)), s))
				}
				report := registry.Check(context.Background())
				assert.Equal(t, tt.want, report.Status)
				assert.Len(t, report.Checks, len(tt.statuses))
			})
		}
	})

	t.Run("register replaces same name", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(constant("broker", StatusUnhealthy))
		registry.Register(constant("broker", StatusHealthy))

		report := registry.Check(context.Background())
		assert.Equal(t, []string{"broker"}, report.Names())
		assert.Equal(t, StatusHealthy, report.Status)
	})

	t.Run("metadata is copied into report", func(t *testing.T) {
		registry := NewRegistry()
		registry.SetMetadata("environment", "stg")

		report := registry.Check(context.Background())
		assert.Equal(t, "stg", report.Metadata["environment"])
	})

	t.Run("unfinished checks time out", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(NewTransportChecker("slow", &fakePinger{connected: true, delay: time.Minute}, 0))
		registry.Register(constant("fast", StatusHealthy))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		report := registry.Check(ctx)
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.False(t, report.Healthy())
		require.Contains(t, report.Checks, "slow")
		assert.Equal(t, StatusUnhealthy, report.Checks["slow"].Status)
	})
}
