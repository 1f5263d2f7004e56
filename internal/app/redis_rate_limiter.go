package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// volumeScale keeps four decimal places of base currency as integer units so
// the budget can use HINCRBY.
const volumeScale = 4

// The script refuses the request without touching the hash when either limit
// would be exceeded, so a refused withdrawal does not eat into the budget.
var withdrawalBudgetScript = redis.NewScript(`
local count = tonumber(redis.call("HGET", KEYS[1], "count") or "0")
local volume = tonumber(redis.call("HGET", KEYS[1], "volume") or "0")
local maxCount = tonumber(ARGV[1])
local maxVolume = tonumber(ARGV[2])
local add = tonumber(ARGV[3])
local windowMs = tonumber(ARGV[4])

local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = windowMs
end

if (maxCount > 0 and count + 1 > maxCount) or (maxVolume > 0 and volume + add > maxVolume) then
  return {0, count, volume, ttl}
end

count = redis.call("HINCRBY", KEYS[1], "count", 1)
volume = redis.call("HINCRBY", KEYS[1], "volume", add)
if redis.call("PTTL", KEYS[1]) < 0 then
  redis.call("PEXPIRE", KEYS[1], windowMs)
end
return {1, count, volume, ttl}
`)

// RedisWithdrawalLimiter keeps one fixed-window budget hash per user holding
// the request count and the withdrawn volume.
type RedisWithdrawalLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisWithdrawalLimiter(client redis.UniversalClient, prefix string) *RedisWithdrawalLimiter {
	return &RedisWithdrawalLimiter{client: client, prefix: normalizePrefix(prefix) + ":withdrawal_budget"}
}

// ConsumeWithdrawalBudget counts one withdrawal of volume against the user's
// budget when both limits still allow it.
func (r *RedisWithdrawalLimiter) ConsumeWithdrawalBudget(ctx context.Context, userID string, volume decimal.Decimal, budget WithdrawalBudget) (BudgetDecision, error) {
	userID = strings.TrimSpace(userID)
	if r == nil || r.client == nil || userID == "" || !budget.enabled() {
		return BudgetDecision{Allowed: true}, nil
	}

	windowMs := budget.Window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}
	maxVolume := int64(0)
	if budget.MaxVolume.IsPositive() {
		maxVolume = scaleVolume(budget.MaxVolume)
	}

	key := fmt.Sprintf("%s:%s", r.prefix, userID)
	raw, err := withdrawalBudgetScript.Run(ctx, r.client, []string{key},
		budget.MaxRequests, maxVolume, scaleVolume(volume), windowMs).Result()
	if err != nil {
		return BudgetDecision{}, err
	}
	return parseBudgetReply(raw, windowMs)
}

func parseBudgetReply(raw interface{}, windowMs int64) (BudgetDecision, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 4 {
		return BudgetDecision{}, fmt.Errorf("unexpected withdrawal budget response shape: %T", raw)
	}
	ints := make([]int64, len(values))
	for i, v := range values {
		n, ok := v.(int64)
		if !ok {
			return BudgetDecision{}, fmt.Errorf("unexpected withdrawal budget value %d type: %T", i, v)
		}
		ints[i] = n
	}
	ttlMs := ints[3]
	if ttlMs <= 0 {
		ttlMs = windowMs
	}
	retryAfter := time.Duration(ttlMs) * time.Millisecond
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return BudgetDecision{
		Allowed:    ints[0] == 1,
		Requests:   int(ints[1]),
		Volume:     decimal.New(ints[2], -volumeScale),
		RetryAfter: retryAfter.Round(time.Second),
	}, nil
}

// scaleVolume rounds up so fractional volume never slips under the cap.
func scaleVolume(v decimal.Decimal) int64 {
	return v.Shift(volumeScale).Ceil().IntPart()
}

func normalizePrefix(prefix string) string {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		return "escrow"
	}
	return prefix
}

