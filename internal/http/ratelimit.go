package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// limiterTTL bounds how long per-client limiters are kept.
const limiterTTL = time.Hour

// clientLimiter hands out one token bucket per client IP.
type clientLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	lastReset time.Time
	limit     rate.Limit
	burst     int
	now       func() time.Time
}

func newClientLimiter(perSecond float64, burst int) *clientLimiter {
	return &clientLimiter{
		limiters:  make(map[string]*rate.Limiter),
		lastReset: time.Now(),
		limit:     rate.Limit(perSecond),
		burst:     burst,
		now:       time.Now,
	}
}

func (l *clientLimiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.now().Sub(l.lastReset) > limiterTTL {
		l.limiters = make(map[string]*rate.Limiter)
		l.lastReset = l.now()
	}
	limiter, ok := l.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ip] = limiter
	}
	return limiter
}

// middleware rejects requests over the client's budget with 429.
func (l *clientLimiter) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !l.get(c.RealIP()).Allow() {
				return c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "rate limit exceeded"})
			}
			return next(c)
		}
	}
}
