package health

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"
)

// Pinger is a transport that can verify its broker round trip.
type Pinger interface {
	Ping(ctx context.Context) error
	IsConnected() bool
}

// TransportChecker checks that the bus transport is connected and answering.
type TransportChecker struct {
	name      string
	transport Pinger
	slow      time.Duration
}

// NewTransportChecker creates a checker for transport. A ping slower than
// slow reports degraded; zero disables that threshold.
func NewTransportChecker(name string, transport Pinger, slow time.Duration) *TransportChecker {
	return &TransportChecker{name: name, transport: transport, slow: slow}
}

func (c *TransportChecker) Name() string {
	return c.name
}

func (c *TransportChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.name, Timestamp: start, Details: map[string]interface{}{}}
	finish := func(status Status, msg string, err error) CheckResult {
		result.Status = status
		result.Message = msg
		if err != nil {
			result.Error = err.Error()
		}
		result.Duration = time.Since(start)
		return result
	}

	if !c.transport.IsConnected() {
		return finish(StatusUnhealthy, "transport is not connected", nil)
	}
	if err := c.transport.Ping(ctx); err != nil {
		return finish(StatusUnhealthy, "ping failed", err)
	}

	elapsed := time.Since(start)
	result.Details["response_time_ms"] = elapsed.Milliseconds()
	if c.slow > 0 && elapsed > c.slow {
		return finish(StatusDegraded, "broker is slow to answer", nil)
	}
	return finish(StatusHealthy, "transport is healthy", nil)
}

// CertificateChecker reports client certificates that have expired or
// expire within the warning window.
type CertificateChecker struct {
	name  string
	certs []tls.Certificate
	warn  time.Duration
	now   func() time.Time
}

// NewCertificateChecker checks the leaf of each certificate in certs.
func NewCertificateChecker(name string, certs []tls.Certificate, warn time.Duration) *CertificateChecker {
	return &CertificateChecker{name: name, certs: certs, warn: warn, now: time.Now}
}

func (c *CertificateChecker) Name() string {
	return c.name
}

func (c *CertificateChecker) Check(ctx context.Context) CheckResult {
	now := c.now()
	result := CheckResult{
		Name:      c.name,
		Status:    StatusHealthy,
		Message:   "certificates are valid",
		Timestamp: now,
		Details:   map[string]interface{}{},
	}

	for i, cert := range c.certs {
		leaf, err := leafOf(cert)
		if err != nil {
			result.Status = StatusUnhealthy
			result.Message = "unreadable certificate"
			result.Error = err.Error()
			break
		}

		subject := leaf.Subject.CommonName
		if subject == "" {
			subject = fmt.Sprintf("certificate %d", i)
		}
		result.Details[subject] = leaf.NotAfter.UTC().Format(time.RFC3339)

		switch {
		case now.After(leaf.NotAfter):
			result.Status = StatusUnhealthy
			result.Message = fmt.Sprintf("%s expired on %s", subject, leaf.NotAfter.Format(time.DateOnly))
		case now.Before(leaf.NotBefore):
			result.Status = StatusUnhealthy
			result.Message = fmt.Sprintf("%s is not valid before %s", subject, leaf.NotBefore.Format(time.DateOnly))
		case leaf.NotAfter.Sub(now) < c.warn && result.Status == StatusHealthy:
			result.Status = StatusDegraded
			result.Message = fmt.Sprintf("%s expires on %s", subject, leaf.NotAfter.Format(time.DateOnly))
		}
	}
	result.Duration = c.now().Sub(now)
	return result
}

func leafOf(cert tls.Certificate) (*x509.Certificate, error) {
	if cert.Leaf != nil {
		return cert.Leaf, nil
	}
	if len(cert.Certificate) == 0 {
		return nil, fmt.Errorf("certificate chain is empty")
	}
	return x509.ParseCertificate(cert.Certificate[0])
}
