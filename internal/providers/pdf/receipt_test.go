package pdf

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "PHP 0.05", FormatAmount(5))
	assert.Equal(t, "PHP 150.00", FormatAmount(15000))
	assert.Equal(t, "PHP 1,500.00", FormatAmount(150000))
	assert.Equal(t, "PHP 1,234,567.89", FormatAmount(123456789))
	assert.Equal(t, "-PHP 10.00", FormatAmount(-1000))
}

func TestGenerateReceipt(t *testing.T) {
	reader, err := New().GenerateReceipt(context.Background(), Receipt{
		Title:        "Walk-in Receipt",
		BusinessName: "Gym Front Desk",
		ReferenceNo:  "WLK-20260301-123456",
		IssuedAt:     time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		CustomerName: "Walk-in Customer",
		Method:       "cash",
		Lines:        []Line{{Description: "Day Pass", Period: "1 day", Amount: 15000}},
		Total:        15000,
	})
	require.NoError(t, err)

	body, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(body, []byte("%PDF")))
}

func TestGenerateReceiptRejectsEmpty(t *testing.T) {
	_, err := New().GenerateReceipt(context.Background(), Receipt{ReferenceNo: "PAY-20260301-000001"})
	assert.ErrorIs(t, err, ErrEmptyReceipt)
}
