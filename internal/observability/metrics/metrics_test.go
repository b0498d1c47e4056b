package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestFilterAttributesDropsMemberIdentifiers(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("method", "gcash"),
		attribute.String("member_id", "456"),
		attribute.String("mobile_no", "09171234567"),
		attribute.String("plan_code", "monthly"),
	)
	keys := make([]attribute.Key, 0, len(attrs))
	for _, attr := range attrs {
		keys = append(keys, attr.Key)
	}
	assert.ElementsMatch(t, []attribute.Key{"method", "plan_code"}, keys)
}

func collectSums(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				out[m.Name] += dp.Value
			}
		}
	}
	return out
}

func TestDomainInstruments(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := New(Config{ServiceName: "gymledger-test"}, provider)
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordPurchase(ctx, "monthly", "gcash")
	m.RecordPurchase(ctx, "monthly", "cash")
	m.RecordConfirmedRevenue(ctx, "gcash", 150000)
	m.RecordConfirmedRevenue(ctx, "gcash", 0)
	m.RecordWalkInRevenue(ctx, "cash", 10000)
	m.RecordKioskAccess(ctx, "front-desk", true, "")
	m.RecordKioskAccess(ctx, "front-desk", false, "rate_limited")

	sums := collectSums(t, reader)
	assert.Equal(t, int64(2), sums["gymledger_membership_purchases_total"])
	assert.Equal(t, int64(150000), sums["gymledger_payment_revenue_minor_total"])
	assert.Equal(t, int64(10000), sums["gymledger_walkin_revenue_minor_total"])
	assert.Equal(t, int64(1), sums["gymledger_kiosk_access_allowed_total"])
	assert.Equal(t, int64(1), sums["gymledger_kiosk_access_denied_total"])
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordPurchase(context.Background(), "monthly", "cash")
		m.RecordKioskAccess(context.Background(), "k", false, "rate_limited")
	})
}
