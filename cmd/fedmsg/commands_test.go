package main

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coreos/fedmsg-go/contracts"
	"github.com/coreos/fedmsg-go/messaging"
	"github.com/coreos/fedmsg-go/transports/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the CLI against bus and returns stdout and stderr.
func execute(t *testing.T, bus *memory.Bus, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	a := &app{stdout: &stdout, stderr: &stderr}
	if bus != nil {
		a.transport = bus
	}
	cmd := newRootCmdWithApp(a)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

// reply answers each request on bus with status.
func reply(bus *memory.Bus, status, message string) {
	bus.OnPublish(func(d messaging.TransportDelivery) {
		if strings.HasSuffix(d.Topic(), "."+messaging.FinishedSuffix) {
			return
		}
		var req contracts.RequestEnvelope
		if json.Unmarshal(d.Body(), &req) != nil || req.CorrelationID == "" {
			return
		}
		doc, _ := json.Marshal(map[string]interface{}{
			"request_id":      req.CorrelationID,
			"status":          status,
			"failure-message": message,
			"payload":         map[string]interface{}{"imported": req.Body["build_id"]},
		})
		go bus.Publish(context.Background(), d.Topic()+"."+messaging.FinishedSuffix, doc, nil)
	})
}

func TestRequestCommand(t *testing.T) {
	t.Run("prints payload on success", func(t *testing.T) {
		bus := memory.NewBus()
		reply(bus, "success", "")

		stdout, _, err := execute(t, bus, "request", "ostree-sign", "--field", "build_id=38.1", "--timeout", "2s", "--stg")
		require.NoError(t, err)

		assert.Contains(t, stdout, `"imported": "38.1"`)
		assert.Equal(t, "org.fedoraproject.stg.coreos.build.request.ostree-sign", bus.Published()[0].Topic())
	})

	t.Run("failure exits with the worker message", func(t *testing.T) {
		bus := memory.NewBus()
		reply(bus, "failure", "disk full")

		_, _, err := execute(t, bus, "request", "ostree-sign", "--timeout", "2s")

		assert.ErrorContains(t, err, "disk full")
		var rf *contracts.RemoteFailure
		assert.ErrorAs(t, err, &rf)
	})

	t.Run("timeout", func(t *testing.T) {
		_, _, err := execute(t, memory.NewBus(), "request", "ostree-sign", "--timeout", "20ms")

		assert.ErrorIs(t, err, contracts.ErrTimeout)
	})

	t.Run("requires config without a transport", func(t *testing.T) {
		_, _, err := execute(t, nil, "request", "ostree-sign")

		assert.ErrorContains(t, err, "--fedmsg-conf")
	})
}

func TestOstreeImportCommand(t *testing.T) {
	args := []string{"ostree-import",
		"--build", "38.20230322.1.0", "--arch", "x86_64",
		"--commit-url", "https://example.org/c.tar", "--checksum", "abc",
		"--ostree-ref", "fedora/x86_64/coreos/testing", "--ostree-checksum", "def",
		"--repo", "compose", "--timeout", "2s"}

	t.Run("sends validated request", func(t *testing.T) {
		bus := memory.NewBus()
		reply(bus, "success", "")

		_, _, err := execute(t, bus, args...)
		require.NoError(t, err)

		var req contracts.RequestEnvelope
		require.NoError(t, json.Unmarshal(bus.Published()[0].Body(), &req))
		assert.Equal(t, "ostree-import", req.RequestType)
		assert.Equal(t, "compose", req.Body["target_repo"])
		assert.Equal(t, "sha256:abc", req.Body["checksum"])
	})

	t.Run("refuses latest before publishing", func(t *testing.T) {
		bus := memory.NewBus()
		bad := append([]string{}, args...)
		bad[2] = "latest"

		_, _, err := execute(t, bus, bad...)

		assert.ErrorContains(t, err, "latest")
		assert.Empty(t, bus.Published())
	})

	t.Run("blank checksums are refused", func(t *testing.T) {
		stdout, _, err := execute(t, nil, "--dry-run", "ostree-import",
			"--build", "40.1", "--repo", "prod", "--commit-url", "https://example.org/c.tar")

		assert.ErrorContains(t, err, "--checksum")
		assert.NotContains(t, stdout, `"checksum"`)
	})

	t.Run("dry run prints without connecting", func(t *testing.T) {
		stdout, _, err := execute(t, nil, append(args, "--dry-run")...)
		require.NoError(t, err)

		assert.Contains(t, stdout, "topic: org.fedoraproject.prod.coreos.build.request.ostree-import")
		assert.Contains(t, stdout, "response topic: org.fedoraproject.prod.coreos.build.request.ostree-import.finished")
		assert.Contains(t, stdout, `"target_repo": "compose"`)
	})
}

func TestBroadcastCommand(t *testing.T) {
	t.Run("publishes with extra keys", func(t *testing.T) {
		bus := memory.NewBus()

		_, _, err := execute(t, bus, "--extra-fedmsg-keys", "agent=jenkins",
			"broadcast", "stream.release", "--build", "38.1", "--basearch", "x86_64", "--stream", "stable")
		require.NoError(t, err)

		published := bus.Published()
		require.Len(t, published, 1)
		assert.Equal(t, "org.fedoraproject.prod.coreos.stream.release", published[0].Topic())

		var doc map[string]interface{}
		require.NoError(t, json.Unmarshal(published[0].Body(), &doc))
		assert.Equal(t, "jenkins", doc["agent"])
	})

	t.Run("reserved extra key publishes nothing", func(t *testing.T) {
		bus := memory.NewBus()

		_, _, err := execute(t, bus, "--extra-fedmsg-keys", "body=x",
			"broadcast", "stream.metadata.update", "--stream", "stable")

		assert.ErrorIs(t, err, contracts.ErrReservedKey)
		assert.Empty(t, bus.Published())
	})

	t.Run("missing required flag", func(t *testing.T) {
		_, _, err := execute(t, memory.NewBus(), "broadcast", "build.state.change", "--build", "38.1")

		assert.Error(t, err)
	})

	t.Run("dry run in staging", func(t *testing.T) {
		stdout, _, err := execute(t, nil, "--stg", "--dry-run",
			"broadcast", "build.state.change", "--build", "38.1", "--basearch", "x86_64", "--stream", "testing", "--state", "STARTED")
		require.NoError(t, err)

		assert.Contains(t, stdout, "topic: org.fedoraproject.stg.coreos.build.state.change")
		assert.Contains(t, stdout, `"build_dir": null`)
	})
}

func TestGlobalFlags(t *testing.T) {
	t.Run("writes metrics textfile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "fedmsg.prom")
		bus := memory.NewBus()

		_, _, err := execute(t, bus, "--metrics-file", path, "broadcast", "stream.metadata.update", "--stream", "stable")
		require.NoError(t, err)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "fedmsg_publishes_total")
	})

	t.Run("logs to file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "fedmsg.log")

		_, _, err := execute(t, memory.NewBus(), "--log-file", path, "broadcast", "stream.metadata.update", "--stream", "stable")
		require.NoError(t, err)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "broadcast sent")
	})

	t.Run("rejects unknown log level", func(t *testing.T) {
		_, _, err := execute(t, memory.NewBus(), "--log-level", "loud", "broadcast", "stream.metadata.update", "--stream", "stable")

		assert.ErrorContains(t, err, "log level")
	})

	t.Run("loads config file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "publish.toml")
		require.NoError(t, os.WriteFile(path, []byte("amqp_url = \"amqp://localhost/\"\ntopic_prefix = \"io.example\"\n"), 0o600))

		stdout, _, err := execute(t, nil, "--fedmsg-conf", path, "--dry-run", "broadcast", "stream.metadata.update", "--stream", "stable")
		require.NoError(t, err)

		assert.Contains(t, stdout, "topic: io.example.prod.coreos.stream.metadata.update")
	})
}

func TestCheckCommand(t *testing.T) {
	t.Run("healthy bus prints report", func(t *testing.T) {
		stdout, _, err := execute(t, memory.NewBus(), "check", "--stg")
		require.NoError(t, err)

		var report map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(stdout), &report))
		assert.Equal(t, "healthy", report["status"])
		assert.Equal(t, "stg", report["metadata"].(map[string]interface{})["environment"])
		assert.Contains(t, report["checks"], "bus")
	})

	t.Run("closed bus fails", func(t *testing.T) {
		bus := memory.NewBus()
		require.NoError(t, bus.Close())

		_, _, err := execute(t, bus, "check")
		assert.ErrorIs(t, err, memory.ErrBusClosed)
	})

	t.Run("dry run is rejected", func(t *testing.T) {
		_, _, err := execute(t, nil, "check", "--dry-run")
		assert.ErrorContains(t, err, "--dry-run")
	})

	t.Run("expiring client certificate degrades", func(t *testing.T) {
		dir := t.TempDir()
		certFile, keyFile := writeClientCert(t, dir, time.Now().Add(48*time.Hour))
		conf := filepath.Join(dir, "fedmsg.toml")
		require.NoError(t, os.WriteFile(conf, []byte(fmt.Sprintf(
			"amqp_url = \"amqps://fedora:@rabbitmq.fedoraproject.org/%%2Fpublic_pubsub\"\n[tls]\ncertfile = %q\nkeyfile = %q\n",
			certFile, keyFile)), 0o600))

		stdout, _, err := execute(t, memory.NewBus(), "check", "--fedmsg-conf", conf)
		require.NoError(t, err)

		var report struct {
			Status string                            `json:"status"`
			Checks map[string]map[string]interface{} `json:"checks"`
		}
		require.NoError(t, json.Unmarshal([]byte(stdout), &report))
		assert.Equal(t, "degraded", report.Status)
		require.Contains(t, report.Checks, "client_cert")
		assert.Equal(t, "degraded", report.Checks["client_cert"]["status"])
	})
}

// writeClientCert writes a self-signed certificate and its key as PEM files.
func writeClientCert(t *testing.T, dir string, notAfter time.Time) (string, string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: "coreos-builder"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certFile := filepath.Join(dir, "client.crt")
	keyFile := filepath.Join(dir, "client.key")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}
