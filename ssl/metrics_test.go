package ssl

import (
	"context"
	"crypto/x509"
	"math/big"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/metric/metricdata/metricdatatest"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/fs"

	"github.com/fpesce/envoy/internal/pkitest"
	"github.com/fpesce/envoy/secret"
)

func TestConfigMetrics(t *testing.T) {
	t.Parallel()

	reader := metric.NewManualReader()
	meter := metric.NewMeterProvider(metric.WithReader(reader))

	pk := pkitest.NewPrivateKey(t)
	certPEM := pkitest.PemEncodeCertificate(t, x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Date(2006, time.January, 2, 10, 4, 5, 0, time.UTC),
		NotAfter:     time.Date(2007, time.January, 2, 10, 4, 5, 0, time.UTC),
	}, pk)
	keyPEM := pkitest.EncodePrivateKey(t, pk)

	provider := secret.NewStaticProvider()
	subject, err := NewClientConfig(ClientOptions{
		Options: Options{
			CertChainPEM:  certPEM,
			PrivateKeyPEM: keyPEM,
		},
	}, provider, WithMeterProvider(meter))
	assert.NilError(t, err)
	defer subject.Close() // nolint: errcheck

	rm := metricdata.ResourceMetrics{}
	assert.NilError(t, reader.Collect(context.Background(), &rm))
	assert.Assert(t, len(rm.ScopeMetrics) == 1)

	assert.DeepEqual(t, instrumentation.Scope{
		Name:    "github.com/fpesce/envoy/ssl",
		Version: "0.1.0",
	}, rm.ScopeMetrics[0].Scope)

	wantedMetrics := []metricdata.Metrics{
		{
			Name: "certificate.not_before_timestamp",
			Data: metricdata.Gauge[int64]{
				DataPoints: []metricdata.DataPoint[int64]{
					{
						Attributes: attribute.NewSet(
							attribute.String("certificate.serial", "1"),
							attribute.String("certificate.path", InlinePath),
						),
						Value: 1136196245,
					},
				},
			},
			Description: "The time after which the certificate is valid. Expressed as seconds since the Unix Epoch",
			Unit:        "s",
		},
		{
			Name: "certificate.not_after_timestamp",
			Data: metricdata.Gauge[int64]{
				DataPoints: []metricdata.DataPoint[int64]{
					{
						Attributes: attribute.NewSet(
							attribute.String("certificate.serial", "1"),
							attribute.String("certificate.path", InlinePath),
						),
						Value: 1167732245,
					},
				},
			},
			Description: "The time after which the certificate is invalid. Expressed as seconds since the Unix Epoch",
			Unit:        "s",
		},
	}

	for i, want := range wantedMetrics {
		metricdatatest.AssertEqual(t, want, rm.ScopeMetrics[0].Metrics[i], metricdatatest.IgnoreTimestamp())
	}

	// A rotation that changes the published generation increments the
	// update counter.
	certPEM2, keyPEM2 := testKeyPair(t, "rotated.test", 2)
	assert.NilError(t, provider.Push(secret.Payload{
		CertChainPEM:  certPEM2,
		PrivateKeyPEM: keyPEM2,
	}))

	rm = metricdata.ResourceMetrics{}
	assert.NilError(t, reader.Collect(context.Background(), &rm))
	assert.Assert(t, len(rm.ScopeMetrics) == 1)

	var updates *metricdata.Metrics
	for i := range rm.ScopeMetrics[0].Metrics {
		if rm.ScopeMetrics[0].Metrics[i].Name == "secret.updates" {
			updates = &rm.ScopeMetrics[0].Metrics[i]
		}
	}
	assert.Assert(t, updates != nil, "expected secret.updates to be collected")

	metricdatatest.AssertEqual(t, metricdata.Metrics{
		Name:        "secret.updates",
		Description: "Number of secret deliveries that changed the published generation",
		Data: metricdata.Sum[int64]{
			Temporality: metricdata.CumulativeTemporality,
			IsMonotonic: true,
			DataPoints: []metricdata.DataPoint[int64]{
				{Attributes: attribute.NewSet(), Value: 1},
			},
		},
	}, *updates, metricdatatest.IgnoreTimestamp())
}

func TestConfigMetricsSurviveFailedConstruction(t *testing.T) {
	t.Parallel()

	reader := metric.NewManualReader()
	meter := metric.NewMeterProvider(metric.WithReader(reader))

	certPEM, keyPEM := testKeyPair(t, "listener.test", 1)

	// The truncated ticket key file fails the constructor after the gauge
	// callbacks are already registered with the meter.
	stek := fs.NewFile(t, "stek.bin", fs.WithBytes(make([]byte, 5)))
	defer stek.Remove()

	_, err := NewServerConfig(ServerOptions{
		Options: Options{
			CertChainPEM:  certPEM,
			PrivateKeyPEM: keyPEM,
		},
		SessionTicketKeyPath: stek.Path(),
	}, nil, WithMeterProvider(meter))
	assert.ErrorContains(t, err, "whole 80 byte records")

	// Collecting must tolerate the abandoned configuration, which never
	// published a snapshot.
	rm := metricdata.ResourceMetrics{}
	assert.NilError(t, reader.Collect(context.Background(), &rm))
}
