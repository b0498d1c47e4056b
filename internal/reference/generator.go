package reference

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"time"

	auditdomain "github.com/smallbiznis/gymledger/internal/audit/domain"
	"github.com/smallbiznis/gymledger/internal/config"
	"github.com/smallbiznis/gymledger/internal/identity"
	obsmetrics "github.com/smallbiznis/gymledger/internal/observability/metrics"
	"github.com/smallbiznis/gymledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Prefix string

const (
	PrefixPayment Prefix = "PAY"
	PrefixWalkIn  Prefix = "WLK"
)

const suffixSpace = 1_000_000

var ErrReferenceExhausted = errors.New("reference_exhausted")

var pattern = regexp.MustCompile(`^(PAY|WLK)-\d{8}-\d{6}$`)

// Valid reports whether ref has the PREFIX-YYYYMMDD-XXXXXX shape.
func Valid(ref string) bool {
	return pattern.MatchString(ref)
}

// ExhaustedError describes a failed issuance.
type ExhaustedError struct {
	Prefix   Prefix
	Date     string
	Attempts int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: %s-%s after %d attempts", ErrReferenceExhausted, e.Prefix, e.Date, e.Attempts)
}

func (e *ExhaustedError) Unwrap() error { return ErrReferenceExhausted }

type Params struct {
	fx.In

	Config *config.EngineConfigHolder
	Log    *zap.Logger
	Audit  auditdomain.Service `optional:"true"`
}

type Generator struct {
	cfg     *config.EngineConfigHolder
	log     *zap.Logger
	audit   auditdomain.Service
	metrics *obsmetrics.EngineMetrics
	suffix  func() (int, error)
}

func NewGenerator(p Params) *Generator {
	return &Generator{
		cfg:     p.Config,
		log:     p.Log.Named("reference.generator"),
		audit:   p.Audit,
		metrics: obsmetrics.Engine(),
		suffix:  randomSuffix,
	}
}

func randomSuffix() (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(suffixSpace))
	if err != nil {
		return 0, err
	}
	return int(n.Int64()), nil
}

// Format renders a reference for the UTC calendar day of date.
func Format(prefix Prefix, date time.Time, suffix int) string {
	return fmt.Sprintf("%s-%s-%06d", prefix, date.UTC().Format("20060102"), suffix%suffixSpace)
}

// Generate returns a single candidate. Only Issue establishes uniqueness.
func (g *Generator) Generate(prefix Prefix, date time.Time) (string, error) {
	n, err := g.suffix()
	if err != nil {
		return "", fmt.Errorf("reference suffix: %w", err)
	}
	return Format(prefix, date, n), nil
}

// Issue persists a record carrying a fresh reference. insert runs inside a
// savepoint of tx. A unique violation on any of targets counts as a
// collision and is retried with a new candidate; any other error is
// returned as is.
func (g *Generator) Issue(ctx context.Context, tx *gorm.DB, prefix Prefix, date time.Time, targets []string, insert func(sp *gorm.DB, ref string) error) (string, error) {
	maxAttempts := g.cfg.Get().Reference.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = config.DefaultEngineConfig().Reference.MaxAttempts
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ref, err := g.Generate(prefix, date)
		if err != nil {
			return "", err
		}

		err = tx.WithContext(ctx).Transaction(func(sp *gorm.DB) error {
			return insert(sp, ref)
		})
		if err == nil {
			return ref, nil
		}
		if !db.IsUniqueViolation(err, targets...) {
			return "", err
		}

		g.metrics.IncReferenceCollision(string(prefix))
		g.log.Debug("reference.collision",
			zap.String("prefix", string(prefix)),
			zap.Int("attempt", attempt),
		)
	}

	exhausted := &ExhaustedError{
		Prefix:   prefix,
		Date:     date.UTC().Format("20060102"),
		Attempts: maxAttempts,
	}
	g.log.Error("reference.exhausted",
		zap.String("prefix", string(prefix)),
		zap.String("date", exhausted.Date),
		zap.Int("attempts", maxAttempts),
	)
	g.metrics.IncReferenceExhausted(string(prefix))
	return "", exhausted
}

// Escalate writes the critical audit entry for an exhaustion error. It must
// be called after the failing transaction has rolled back.
func (g *Generator) Escalate(ctx context.Context, actor identity.Actor, err error) {
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) || g.audit == nil {
		return
	}
	auditErr := g.audit.RecordDetached(ctx, auditdomain.Entry{
		Actor:        actor,
		SubjectModel: "reference",
		Payload: auditdomain.ReferenceExhaustion{
			Prefix:   string(exhausted.Prefix),
			Date:     exhausted.Date,
			Attempts: exhausted.Attempts,
		},
	})
	if auditErr != nil {
		g.log.Error("reference.exhausted.audit_failed", zap.Error(auditErr))
	}
}
