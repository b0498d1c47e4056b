package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/gymledger/internal/config"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const keyKioskAccess = "gymledger:kiosk:access:%s"

// KioskLimiter throttles access checks per kiosk. Limits are read from the
// engine config on every call so reloads apply without a restart.
type KioskLimiter struct {
	cfg    *config.EngineConfigHolder
	log    *zap.Logger
	bucket *redisBucket

	mu    sync.Mutex
	local map[string]*localLimiter
	now   func() time.Time
}

type localLimiter struct {
	limiter *rate.Limiter
	rate    float64
	burst   int
}

func NewKioskLimiter(cfg *config.EngineConfigHolder, client *redis.Client, log *zap.Logger) *KioskLimiter {
	return &KioskLimiter{
		cfg:    cfg,
		log:    log.Named("ratelimit.kiosk"),
		bucket: newRedisBucket(client),
		local:  make(map[string]*localLimiter),
		now:    time.Now,
	}
}

// Allow admits one access check for kioskID. Redis failures fall back to an
// in-process limiter rather than locking members out.
func (k *KioskLimiter) Allow(ctx context.Context, kioskID string) (Decision, error) {
	kioskID = strings.TrimSpace(kioskID)
	if kioskID == "" {
		kioskID = "default"
	}
	limits := k.cfg.Get().Kiosk
	if limits.RatePerSecond <= 0 || limits.Burst <= 0 {
		return Decision{Allowed: true}, nil
	}

	if k.bucket != nil {
		res, err := k.bucket.take(ctx, fmt.Sprintf(keyKioskAccess, kioskID), limits.RatePerSecond, limits.Burst)
		if err == nil {
			return res, nil
		}
		k.log.Warn("kiosk.ratelimit.redis_failed", zap.String("kiosk_id", kioskID), zap.Error(err))
	}
	return k.allowLocal(kioskID, limits), nil
}

func (k *KioskLimiter) allowLocal(kioskID string, limits config.KioskConfig) Decision {
	k.mu.Lock()
	l, ok := k.local[kioskID]
	if !ok || l.rate != limits.RatePerSecond || l.burst != limits.Burst {
		l = &localLimiter{
			limiter: rate.NewLimiter(rate.Limit(limits.RatePerSecond), limits.Burst),
			rate:    limits.RatePerSecond,
			burst:   limits.Burst,
		}
		k.local[kioskID] = l
	}
	k.mu.Unlock()

	now := k.now()
	if l.limiter.AllowN(now, 1) {
		return Decision{Allowed: true, Remaining: int(l.limiter.TokensAt(now))}
	}
	return decide(false, l.limiter.TokensAt(now), limits.RatePerSecond)
}
