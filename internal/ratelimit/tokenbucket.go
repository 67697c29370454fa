// Package ratelimit implements the Rate & Concurrency Controller (§4.7):
// a token bucket per identity backed by the external cache, and a
// process-wide bounded semaphore over concurrent streamed responses.
//
// The token bucket wraps github.com/ulule/limiter/v3's Redis store
// directly — compozy-compozy pairs this exact library with go-redis for
// the same per-identity admission role. ulule/limiter's GCRA store takes
// a (period, limit) pair per call, which is how a single store instance
// serves every identity's own, possibly overridden, rate without needing
// one Limiter per rate.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	redisstore "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/aulendur/cortex/pkg/models"
)

// TokenBucket admits or refuses one request per call, composing a
// deployment-wide default rate with an identity's optional RateOverride.
type TokenBucket struct {
	store     limiter.Store
	baseRPS   float64
	baseBurst int
}

// NewTokenBucket builds a token bucket over client's keyspace. client may
// point at a live Redis or the embedded miniredis instance cache.Client
// wraps for zero-configuration deployments — either way the store is the
// process-shared counter rate limiting needs.
func NewTokenBucket(client *redis.Client, baseRPS float64, baseBurst int) (*TokenBucket, error) {
	store, err := redisstore.NewStoreWithOptions(client, limiter.StoreOptions{
		Prefix: "cortex_ratelimit",
	})
	if err != nil {
		return nil, fmt.Errorf("ratelimit: build redis store: %w", err)
	}
	if baseRPS <= 0 {
		baseRPS = 10
	}
	if baseBurst <= 0 {
		baseBurst = 20
	}
	return &TokenBucket{store: store, baseRPS: baseRPS, baseBurst: baseBurst}, nil
}

// rateFor renders (rps, burst) as a GCRA Rate: Limit is the bucket's burst
// capacity, Period is how long that many requests take to drain at the
// steady-state rate — the closest fit GCRA offers to the token-bucket
// contract a token bucket describes.
func rateFor(rps float64, burst int) limiter.Rate {
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = 1
	}
	period := time.Duration(float64(burst) / rps * float64(time.Second))
	if period <= 0 {
		period = time.Second
	}
	return limiter.Rate{Period: period, Limit: int64(burst)}
}

// Allow admits one request for identityID. The identity's RateOverride, if
// present, composes additively with the deployment default (see
// DESIGN.md): an identity with ExtraRPS=5 on a 10 rps default gets 15, not
// 50.
//
// On refusal it also returns the duration until the bucket next admits a
// request, for the Retry-After header.
func (tb *TokenBucket) Allow(ctx context.Context, identityID string, override *models.RateOverride) (bool, time.Duration, error) {
	rps, burst := tb.baseRPS, tb.baseBurst
	if override != nil {
		rps += override.ExtraRPS
		burst += override.ExtraBurst
	}

	res, err := tb.store.Get(ctx, "identity:"+identityID, rateFor(rps, burst))
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: check identity %s: %w", identityID, err)
	}
	if res.Reached {
		retryAfter := time.Until(time.Unix(res.Reset, 0))
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter, nil
	}
	return true, 0, nil
}
