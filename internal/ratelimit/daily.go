package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sms-costguard/internal/persistence"
)

// consumeDaily increments the day counter and rolls back when the limit is
// exceeded, so concurrent workers can never overshoot. The TTL is only set
// by the first caller of the day.
var consumeDaily = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl_seconds = tonumber(ARGV[2])

local current = redis.call('INCR', key)
if current == 1 then
  redis.call('EXPIRE', key, ttl_seconds)
end

if current > limit then
  redis.call('DECR', key)
  return {0, current - 1}
end

return {1, current}
`)

type DailyResult struct {
	Allowed        bool
	UsedToday      int
	RemainingToday int
	DayKey         string
}

// DailyLimiter bounds spend-bearing calls to a per-day budget shared by
// all workers. Faults fail closed: a broken limiter must not open the
// door to runaway AI spend.
type DailyLimiter struct {
	redis  *persistence.RedisClient
	logger *zap.Logger
	now    func() time.Time
}

func NewDailyLimiter(redis *persistence.RedisClient, logger *zap.Logger) *DailyLimiter {
	return &DailyLimiter{redis: redis, logger: logger, now: time.Now}
}

// TryConsume takes one unit from today's budget under keyPrefix.
func (l *DailyLimiter) TryConsume(ctx context.Context, keyPrefix string, limit int, tzName string) DailyResult {
	if limit <= 0 {
		return DailyResult{Allowed: false, DayKey: l.dayKey(keyPrefix, time.UTC)}
	}

	loc, err := time.LoadLocation(tzName)
	if err != nil {
		l.logger.Warn("invalid timezone, falling back to UTC", zap.String("tz", tzName))
		loc = time.UTC
	}

	dayKey := l.dayKey(keyPrefix, loc)
	ttlSeconds := l.secondsUntilNextMidnight(loc)

	res, err := consumeDaily.Run(ctx, l.redis, []string{dayKey}, limit, ttlSeconds).Int64Slice()
	if err != nil || len(res) != 2 {
		l.logger.Error("daily limit check failed", zap.String("day_key", dayKey), zap.Error(err))
		return DailyResult{Allowed: false, DayKey: dayKey}
	}

	used := int(res[1])
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}

	return DailyResult{
		Allowed:        res[0] == 1,
		UsedToday:      used,
		RemainingToday: remaining,
		DayKey:         dayKey,
	}
}

func (l *DailyLimiter) dayKey(prefix string, loc *time.Location) string {
	return prefix + ":" + l.now().In(loc).Format("2006-01-02")
}

func (l *DailyLimiter) secondsUntilNextMidnight(loc *time.Location) int {
	now := l.now().In(loc)
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	seconds := int(next.Sub(now).Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}
