package pdf

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/fx"
)

var Module = fx.Module("pdf",
	fx.Provide(New),
)

type Provider interface {
	GenerateReceipt(ctx context.Context, data Receipt) (io.Reader, error)
}

// Receipt is the printable proof of a settled membership payment or a
// walk-in sale.
type Receipt struct {
	Title        string
	BusinessName string
	ReferenceNo  string
	IssuedAt     time.Time
	CustomerName string
	Method       string
	Processor    string
	Lines        []Line
	Total        int64
}

type Line struct {
	Description string
	Period      string
	Amount      int64
}

// FormatAmount renders minor units as pesos, e.g. 150000 -> "PHP 1,500.00".
func FormatAmount(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	whole := fmt.Sprintf("%d", minor/100)
	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return fmt.Sprintf("%sPHP %s.%02d", sign, b.String(), minor%100)
}
