package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/nhle/fieldsync/internal/model"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					sums[m.Name] += int64(dp.Count)
				}
			}
		}
	}
	return sums
}

func TestMetrics_RecordsSyncActivity(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewMetrics(mp.Meter("test"), tracenoop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordEnqueued(ctx, "p-1")
	m.RecordEnqueued(ctx, "p-1")
	m.RecordDelivered(ctx, "p-1", true)
	m.RecordDelivered(ctx, "p-1", false)
	m.RecordFlush(ctx, "p-1", 20*time.Millisecond, nil)
	m.RecordFlush(ctx, "p-1", 20*time.Millisecond, errors.New("offline"))

	_, done := m.Track(ctx, "create")
	done(nil)

	sums := collect(t, reader)
	assert.EqualValues(t, 2, sums["fieldsync.records.enqueued"])
	assert.EqualValues(t, 1, sums["fieldsync.records.delivered"])
	assert.EqualValues(t, 1, sums["fieldsync.records.replayed"])
	assert.EqualValues(t, 1, sums["fieldsync.flush.failures"])
	assert.EqualValues(t, 2, sums["fieldsync.flush.duration"])
	assert.EqualValues(t, 1, sums["fieldsync.project.operations"])
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	m.RecordEnqueued(ctx, "p")
	m.RecordDelivered(ctx, "p", true)
	m.RecordFlush(ctx, "p", time.Second, nil)
	_, done := m.Track(ctx, "update")
	done(errors.New("x"))

	assert.NotNil(t, Noop())
}

func TestNew_DisabledUsesGlobals(t *testing.T) {
	p, err := New(context.Background(), "fieldsync-test", model.TelemetryConfig{})
	require.NoError(t, err)

	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Meter())
	m, err := p.Metrics()
	require.NoError(t, err)
	assert.NotNil(t, m)
	assert.NoError(t, p.Shutdown(context.Background()))
}
