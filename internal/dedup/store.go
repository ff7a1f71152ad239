package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"sms-costguard/internal/persistence"
)

const keyPrefix = "dedup:sms"

// phoneBodyWindow is evaluated server-side so check-and-set is atomic
// across workers. Returns 0 for the first writer (or the same message
// re-entering), 1 for a different message inside the window. The TTL is
// refreshed on every hit to keep the window sliding.
var phoneBodyWindow = redis.NewScript(`
local pb_key = KEYS[1]
local ttl_seconds = tonumber(ARGV[1])
local message_id = ARGV[2]

local existing = redis.call('GET', pb_key)

if existing == false then
  redis.call('SET', pb_key, message_id, 'EX', ttl_seconds)
  return 0
end

if existing == message_id then
  redis.call('EXPIRE', pb_key, ttl_seconds)
  return 0
end

redis.call('EXPIRE', pb_key, ttl_seconds)
return 1
`)

// Store detects duplicate messages inside a sliding window. Faults fail
// open: wrongly sending one SMS is cheaper than blocking legitimate
// traffic while Redis is down.
type Store struct {
	redis  *persistence.RedisClient
	logger *zap.Logger
}

func NewStore(redis *persistence.RedisClient, logger *zap.Logger) *Store {
	return &Store{redis: redis, logger: logger}
}

// Check reports (duplicateByID, duplicateByContent) for one message.
func (s *Store) Check(ctx context.Context, messageID, phone, body string, windowSeconds int) (bool, bool) {
	if windowSeconds <= 0 {
		return false, false
	}

	midKey := keyPrefix + ":mid:" + messageID
	pbKey := keyPrefix + ":pb:" + Fingerprint(phone, body)

	exists, err := s.redis.Exists(ctx, midKey).Result()
	if err != nil {
		s.logger.Error("dedup check failed", zap.String("message_id", messageID), zap.Error(err))
		return false, false
	}

	dupContent, err := phoneBodyWindow.Run(ctx, s.redis, []string{pbKey}, windowSeconds, messageID).Int()
	if err != nil {
		s.logger.Error("dedup window script failed", zap.String("message_id", messageID), zap.Error(err))
		return false, false
	}

	return exists > 0, dupContent == 1
}

// Mark records the message id so later payloads carrying it classify as
// duplicates. Best-effort: a failed mark is logged and swallowed.
func (s *Store) Mark(ctx context.Context, messageID string, ttlSeconds int) {
	if ttlSeconds <= 0 {
		return
	}

	midKey := keyPrefix + ":mid:" + messageID
	if err := s.redis.Set(ctx, midKey, "1", time.Duration(ttlSeconds)*time.Second).Err(); err != nil {
		s.logger.Error("dedup mark failed", zap.String("message_id", messageID), zap.Error(err))
	}
}

// Fingerprint hashes the normalized phone+body pair. NFKC plus whitespace
// collapse keeps trivially reformatted copies on the same key.
func Fingerprint(phone, body string) string {
	phoneNorm := strings.TrimSpace(phone)
	bodyNorm := strings.Join(strings.Fields(norm.NFKC.String(body)), " ")

	sum := sha256.Sum256([]byte(phoneNorm + "\n" + bodyNorm))
	return hex.EncodeToString(sum[:])
}
