package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	appErr "leetlabs/pkg/errors"
	"leetlabs/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	idempotencyKeyPrefix  = "grading:idempotency:"
	rateUserKeyPrefix     = "grading:rate:user:"
	rateIPKeyPrefix       = "grading:rate:ip:"
	processingMarker      = "processing"
	defaultIdempotencyTTL = 10 * time.Minute
)

// idempotencyCacheKey scopes client keys per user. An empty key disables idempotency.
func idempotencyCacheKey(userID int64, key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	return idempotencyKeyPrefix + strconv.FormatInt(userID, 10) + ":" + key
}

// acquireIdempotency reserves cacheKey. It reports the existing submission id when the key
// already completed, and TooManyRequests while another request holds it.
func (s *GradingService) acquireIdempotency(ctx context.Context, cacheKey string) (bool, string, error) {
	if cacheKey == "" {
		return true, "", nil
	}
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()

	existing, err := s.cache.Get(ctxCache.ctx, cacheKey)
	if err != nil {
		return false, "", appErr.Wrapf(err, appErr.CacheError, "read idempotency key failed")
	}
	if existing != "" && existing != processingMarker {
		return false, existing, nil
	}

	ok, err := s.cache.SetNX(ctxCache.ctx, cacheKey, processingMarker, s.idempotencyTTL)
	if err != nil {
		return false, "", appErr.Wrapf(err, appErr.CacheError, "reserve idempotency key failed")
	}
	if ok {
		return true, "", nil
	}
	existing, err = s.cache.Get(ctxCache.ctx, cacheKey)
	if err != nil {
		return false, "", appErr.Wrapf(err, appErr.CacheError, "read idempotency key failed")
	}
	if existing != "" && existing != processingMarker {
		return false, existing, nil
	}
	return false, "", appErr.New(appErr.TooManyRequests).WithMessage("request is processing")
}

func (s *GradingService) finalizeIdempotency(ctx context.Context, cacheKey, submissionID string, acquired bool) {
	if !acquired || cacheKey == "" {
		return
	}
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()
	if err := s.cache.Set(ctxCache.ctx, cacheKey, submissionID, s.idempotencyTTL); err != nil {
		logger.Warn(ctx, "update idempotency key failed", zap.Error(err))
	}
}

func (s *GradingService) releaseIdempotency(ctx context.Context, cacheKey string, acquired bool) {
	if !acquired || cacheKey == "" {
		return
	}
	ctxCache := withTimeout(context.WithoutCancel(ctx), s.timeouts.Cache)
	defer ctxCache.cancel()
	if err := s.cache.Del(ctxCache.ctx, cacheKey); err != nil {
		logger.Warn(ctx, "release idempotency key failed", zap.Error(err))
	}
}

// checkRateLimit counts the request against the user, or against the client IP when the
// caller is anonymous.
func (s *GradingService) checkRateLimit(ctx context.Context, userID int64, clientIP string) error {
	if s.rateLimit.Window <= 0 {
		return nil
	}
	var key string
	var max int
	switch {
	case userID > 0:
		key, max = rateUserKeyPrefix+strconv.FormatInt(userID, 10), s.rateLimit.UserMax
	case clientIP != "":
		key, max = rateIPKeyPrefix+clientIP, s.rateLimit.IPMax
	}
	if key == "" || max <= 0 {
		return nil
	}
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()

	count, err := s.cache.Incr(ctxCache.ctx, key)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "rate limit check failed")
	}
	if count == 1 {
		_ = s.cache.Expire(ctxCache.ctx, key, s.rateLimit.Window)
	}
	if int(count) > max {
		return appErr.New(appErr.SubmitTooFrequently).WithMessage("submit too frequently")
	}
	return nil
}
