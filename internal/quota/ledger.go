// Package quota enforces per-account send limits with fixed tumbling
// windows: a 60-second minute bucket and a UTC-midnight day bucket.
//
// Counters live in Redis and are mutated only through Lua scripts, so the
// reserve/commit/release cycle is atomic per account even across processes.
// A reservation holds capacity in both buckets until it is committed,
// released, or its 60-second TTL lapses.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/whatsapp-engine/internal/domain"
	"github.com/ignite/whatsapp-engine/internal/pkg/clock"
)

// Denial reasons.
const (
	ReasonMinuteLimit = "minute_limit"
	ReasonDayLimit    = "day_limit"
)

const (
	// ReservationTTL is how long an uncommitted reservation holds capacity.
	ReservationTTL = 60 * time.Second

	minuteKeyTTL = 2 * time.Minute
	dayKeyTTL    = 48 * time.Hour

	// unlimited stands in for "no limit" inside the Lua scripts.
	unlimited = int64(1) << 52
)

// Decision is the outcome of a Reserve call. On OK the caller must either
// Commit after a successful send or Release on abandonment.
type Decision struct {
	OK         bool
	Reason     string
	RetryAfter time.Duration
	// Token identifies the reservation for Commit/Release.
	Token string
}

// PlanSource resolves the quota limits for an account. Plan values <= 0
// mean unlimited for that bucket.
type PlanSource interface {
	Plan(ctx context.Context, accountID string) (*domain.AccountPlan, error)
}

// Ledger is the Redis-backed quota ledger.
type Ledger struct {
	redis *redis.Client
	plans PlanSource
	clock clock.Clock

	reserveScript *redis.Script
	commitScript  *redis.Script
	releaseScript *redis.Script
}

// Reservation members are "<n>|<token>" so the script can recover the held
// count without auxiliary keys. Scores are expiry timestamps in unix ms.
const reserveLua = `
local minKey = KEYS[1]
local dayKey = KEYS[2]
local resvKey = KEYS[3]
local n = tonumber(ARGV[1])
local minLimit = tonumber(ARGV[2])
local dayLimit = tonumber(ARGV[3])
local nowMs = tonumber(ARGV[4])
local ttlMs = tonumber(ARGV[5])
local token = ARGV[6]

redis.call("ZREMRANGEBYSCORE", resvKey, "-inf", nowMs)

local reserved = 0
local members = redis.call("ZRANGE", resvKey, 0, -1)
for _, m in ipairs(members) do
    local sep = string.find(m, "|", 1, true)
    reserved = reserved + (tonumber(string.sub(m, 1, sep - 1)) or 0)
end

local minCur = tonumber(redis.call("GET", minKey) or "0")
local dayCur = tonumber(redis.call("GET", dayKey) or "0")

if minCur + reserved + n > minLimit then
    return {0, 1}
end
if dayCur + reserved + n > dayLimit then
    return {0, 2}
end

redis.call("ZADD", resvKey, nowMs + ttlMs, n .. "|" .. token)
redis.call("PEXPIRE", resvKey, ttlMs * 2)
return {1, 0}
`

const commitLua = `
local minKey = KEYS[1]
local dayKey = KEYS[2]
local resvKey = KEYS[3]
local n = tonumber(ARGV[1])
local token = ARGV[2]
local minTTL = tonumber(ARGV[3])
local dayTTL = tonumber(ARGV[4])

redis.call("ZREM", resvKey, n .. "|" .. token)

local newMin = redis.call("INCRBY", minKey, n)
if newMin == n then
    redis.call("EXPIRE", minKey, minTTL)
end
local newDay = redis.call("INCRBY", dayKey, n)
if newDay == n then
    redis.call("EXPIRE", dayKey, dayTTL)
end
return newDay
`

const releaseLua = `
return redis.call("ZREM", KEYS[1], ARGV[1] .. "|" .. ARGV[2])
`

// NewLedger creates a quota ledger with pre-compiled Lua scripts.
func NewLedger(client *redis.Client, plans PlanSource, clk clock.Clock) *Ledger {
	if clk == nil {
		clk = clock.Real()
	}
	return &Ledger{
		redis:         client,
		plans:         plans,
		clock:         clk,
		reserveScript: redis.NewScript(reserveLua),
		commitScript:  redis.NewScript(commitLua),
		releaseScript: redis.NewScript(releaseLua),
	}
}

func minuteKey(accountID string, t time.Time) string {
	return fmt.Sprintf("quota:%s:min:%d", accountID, t.Unix()/60)
}

func dayKey(accountID string, t time.Time) string {
	return fmt.Sprintf("quota:%s:day:%s", accountID, t.UTC().Format("20060102"))
}

func resvKey(accountID string) string {
	return fmt.Sprintf("quota:%s:resv", accountID)
}

// Reserve holds capacity for n sends. Both buckets must permit; the most
// restrictive wins. On denial the decision carries the wait until the
// limiting window rolls over.
func (l *Ledger) Reserve(ctx context.Context, accountID string, n int) (Decision, error) {
	if n <= 0 {
		n = 1
	}
	plan, err := l.plans.Plan(ctx, accountID)
	if err != nil {
		return Decision{}, fmt.Errorf("resolve plan for %s: %w", accountID, err)
	}

	minLimit := int64(plan.SendsPerMinute)
	if minLimit <= 0 {
		minLimit = unlimited
	}
	dayLimit := int64(plan.SendsPerDay)
	if dayLimit <= 0 {
		dayLimit = unlimited
	}

	now := l.clock.Now()
	token := uuid.New().String()

	result, err := l.reserveScript.Run(ctx, l.redis,
		[]string{minuteKey(accountID, now), dayKey(accountID, now), resvKey(accountID)},
		n, minLimit, dayLimit, now.UnixMilli(), ReservationTTL.Milliseconds(), token,
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("quota reserve: %w", err)
	}

	if result[0].(int64) == 1 {
		return Decision{OK: true, Token: token}, nil
	}

	switch result[1].(int64) {
	case 1:
		return Decision{Reason: ReasonMinuteLimit, RetryAfter: untilNextMinute(now)}, nil
	default:
		return Decision{Reason: ReasonDayLimit, RetryAfter: untilNextUTCDay(now)}, nil
	}
}

// Commit converts a reservation into committed sends. The committed counter
// is bucketed at commit time, so P7 (no more than L commits land inside any
// minute window) holds regardless of when the reservation was taken.
func (l *Ledger) Commit(ctx context.Context, accountID, token string, n int) error {
	if n <= 0 {
		n = 1
	}
	now := l.clock.Now()
	err := l.commitScript.Run(ctx, l.redis,
		[]string{minuteKey(accountID, now), dayKey(accountID, now), resvKey(accountID)},
		n, token, int64(minuteKeyTTL.Seconds()), int64(dayKeyTTL.Seconds()),
	).Err()
	if err != nil {
		return fmt.Errorf("quota commit: %w", err)
	}
	return nil
}

// Release abandons a reservation without consuming quota.
func (l *Ledger) Release(ctx context.Context, accountID, token string, n int) error {
	if n <= 0 {
		n = 1
	}
	err := l.releaseScript.Run(ctx, l.redis, []string{resvKey(accountID)}, n, token).Err()
	if err != nil {
		return fmt.Errorf("quota release: %w", err)
	}
	return nil
}

// Usage returns the committed counts of the current minute and day windows.
func (l *Ledger) Usage(ctx context.Context, accountID string) (minute, day int64, err error) {
	now := l.clock.Now()
	pipe := l.redis.Pipeline()
	minCmd := pipe.Get(ctx, minuteKey(accountID, now))
	dayCmd := pipe.Get(ctx, dayKey(accountID, now))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, 0, fmt.Errorf("quota usage: %w", err)
	}
	minute, _ = minCmd.Int64()
	day, _ = dayCmd.Int64()
	return minute, day, nil
}

func untilNextMinute(now time.Time) time.Duration {
	next := now.Truncate(time.Minute).Add(time.Minute)
	return next.Sub(now)
}

func untilNextUTCDay(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return next.Sub(now)
}
