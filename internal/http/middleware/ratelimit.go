package middleware

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

// RateLimitConfig configures the Redis fixed-window limiter.
type RateLimitConfig struct {
	Redis          *redis.Client
	DefaultRPS     int                         // requests per window per client; <= 0 disables the limiter
	KeyPrefix      string                      // e.g. "lmis:rl:ip:"
	Window         time.Duration               // usually 1s
	RetryAfterHint bool                        // set Retry-After header when limited
	KeyFunc        func(c echo.Context) string // client identity; default c.RealIP()
}

// RateLimitMiddleware counts requests per client in fixed windows shared by every API
// instance through Redis. It fails open: no Redis, or a Redis error, lets the request through.
func RateLimitMiddleware(cfg RateLimitConfig) echo.MiddlewareFunc {
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "lmis:rl:ip:"
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = func(c echo.Context) string { return c.RealIP() }
	}
	limit := int64(cfg.DefaultRPS)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if limit <= 0 || cfg.Redis == nil {
			return next
		}
		return func(c echo.Context) error {
			now := time.Now()
			slot := now.UnixNano() / int64(cfg.Window)
			key := cfg.KeyPrefix + cfg.KeyFunc(c) + ":" + strconv.FormatInt(slot, 10)

			ctx := c.Request().Context()
			var hits *redis.IntCmd
			_, err := cfg.Redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
				hits = p.Incr(ctx, key)
				p.Expire(ctx, key, 2*cfg.Window)
				return nil
			})
			if err != nil {
				c.Logger().Warnf("rate limit unavailable: %v", err)
				return next(c)
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(max(limit-hits.Val(), 0), 10))

			if hits.Val() <= limit {
				return next(c)
			}
			if cfg.RetryAfterHint {
				untilNext := time.Duration(slot+1)*cfg.Window - time.Duration(now.UnixNano())
				h.Set("Retry-After", strconv.Itoa(int((untilNext+time.Second-1)/time.Second)))
			}
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
		}
	}
}
