package reference

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/gymledger/internal/config"
	"github.com/smallbiznis/gymledger/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type probe struct {
	ID          int64
	ReferenceNo string
}

func (probe) TableName() string { return "ref_probe" }

func newProbeDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn := dbtest.New(t)
	require.NoError(t, conn.Exec(`CREATE TABLE ref_probe (id INTEGER PRIMARY KEY, reference_no TEXT NOT NULL UNIQUE)`).Error)
	return conn
}

func newGenerator(maxAttempts int, suffixes ...int) *Generator {
	cfg := config.DefaultEngineConfig()
	cfg.Reference.MaxAttempts = maxAttempts
	g := NewGenerator(Params{
		Config: config.NewStaticEngineConfigHolder(cfg),
		Log:    zap.NewNop(),
	})
	i := 0
	g.suffix = func() (int, error) {
		n := suffixes[i%len(suffixes)]
		i++
		return n, nil
	}
	return g
}

func counterValue(t *testing.T, name, label, value string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if pair.GetName() == label && pair.GetValue() == value {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func insertProbe(sp *gorm.DB, ref string) error {
	return sp.Create(&probe{ReferenceNo: ref}).Error
}

func TestFormat(t *testing.T) {
	date := time.Date(2026, 3, 1, 23, 30, 0, 0, time.FixedZone("PHT", 8*3600))

	ref := Format(PrefixPayment, date, 42)
	assert.Equal(t, "PAY-20260301-000042", ref)
	assert.True(t, Valid(ref))

	assert.True(t, Valid(Format(PrefixWalkIn, date, 999999)))
	assert.False(t, Valid("PAY-2026031-000042"))
	assert.False(t, Valid("INV-20260301-000042"))
}

func TestGenerateUsesRandomSuffix(t *testing.T) {
	g := NewGenerator(Params{
		Config: config.NewStaticEngineConfigHolder(config.DefaultEngineConfig()),
		Log:    zap.NewNop(),
	})

	seen := map[string]struct{}{}
	for i := 0; i < 20; i++ {
		ref, err := g.Generate(PrefixWalkIn, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		require.True(t, Valid(ref), ref)
		seen[ref] = struct{}{}
	}
	assert.Greater(t, len(seen), 1)
}

func TestIssueRetriesOnCollision(t *testing.T) {
	conn := newProbeDB(t)
	date := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, conn.Create(&probe{ReferenceNo: Format(PrefixPayment, date, 1)}).Error)

	g := newGenerator(5, 1, 1, 7)
	before := counterValue(t, "gymledger_reference_collisions_total", "prefix", "pay")

	var ref string
	err := conn.Transaction(func(tx *gorm.DB) error {
		var err error
		ref, err = g.Issue(context.Background(), tx, PrefixPayment, date, []string{"ref_probe.reference_no"}, insertProbe)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "PAY-20260301-000007", ref)
	assert.Equal(t, before+2, counterValue(t, "gymledger_reference_collisions_total", "prefix", "pay"))

	var count int64
	require.NoError(t, conn.Model(&probe{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestIssueExhausts(t *testing.T) {
	conn := newProbeDB(t)
	date := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, conn.Create(&probe{ReferenceNo: Format(PrefixWalkIn, date, 5)}).Error)

	g := newGenerator(3, 5)
	before := counterValue(t, "gymledger_reference_exhausted_total", "prefix", "wlk")

	err := conn.Transaction(func(tx *gorm.DB) error {
		_, err := g.Issue(context.Background(), tx, PrefixWalkIn, date, []string{"ref_probe.reference_no"}, insertProbe)
		return err
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReferenceExhausted)

	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, "20260301", exhausted.Date)
	assert.Equal(t, before+1, counterValue(t, "gymledger_reference_exhausted_total", "prefix", "wlk"))
}

func TestIssueReturnsUnrelatedErrors(t *testing.T) {
	conn := newProbeDB(t)
	g := newGenerator(5, 1)
	boom := errors.New("boom")

	calls := 0
	err := conn.Transaction(func(tx *gorm.DB) error {
		_, err := g.Issue(context.Background(), tx, PrefixPayment, time.Now(), []string{"ref_probe.reference_no"}, func(*gorm.DB, string) error {
			calls++
			return boom
		})
		return err
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}
