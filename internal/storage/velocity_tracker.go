package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key prefixes for velocity tracking.
const (
	keyPrefixVelocityHour = "velocity:hour:"
	keyPrefixVelocityDay  = "velocity:day:"
)

// VelocityWindows is the result of a velocity check
type VelocityWindows struct {
	HourTotal int64
	DayTotal  int64
}

// VelocityTracker enforces rolling-window caps on the gross amounts a user
// may request. Entries live in sorted sets scored by admission time; the
// check, prune and record happen in one Lua script so concurrent admissions
// for the same user cannot both slip under a cap.
type VelocityTracker struct {
	redis     redis.Cmdable
	hourlyCap int64
	dailyCap  int64
}

// NewVelocityTracker creates a new velocity tracker
func NewVelocityTracker(client redis.Cmdable, hourlyCap, dailyCap int64) *VelocityTracker {
	return &VelocityTracker{
		redis:     client,
		hourlyCap: hourlyCap,
		dailyCap:  dailyCap,
	}
}

// velocityScript prunes expired entries, sums both windows, and records the
// new request only if neither cap would be breached.
var velocityScript = redis.NewScript(`
	local hourKey = KEYS[1]
	local dayKey = KEYS[2]
	local now = tonumber(ARGV[1])
	local hourStart = tonumber(ARGV[2])
	local dayStart = tonumber(ARGV[3])
	local amount = tonumber(ARGV[4])
	local hourCap = tonumber(ARGV[5])
	local dayCap = tonumber(ARGV[6])
	local member = ARGV[7]

	redis.call('ZREMRANGEBYSCORE', hourKey, '-inf', '(' .. hourStart)
	redis.call('ZREMRANGEBYSCORE', dayKey, '-inf', '(' .. dayStart)

	local function windowTotal(key)
		local total = 0
		local members = redis.call('ZRANGE', key, 0, -1)
		for _, m in ipairs(members) do
			local a = string.match(m, ':(%d+)$')
			if a then
				total = total + tonumber(a)
			end
		end
		return total
	end

	local hourTotal = windowTotal(hourKey)
	local dayTotal = windowTotal(dayKey)

	if hourTotal + amount > hourCap then
		return {0, hourTotal, dayTotal}
	end
	if dayTotal + amount > dayCap then
		return {1, hourTotal, dayTotal}
	end

	redis.call('ZADD', hourKey, now, member)
	redis.call('EXPIRE', hourKey, 3700)
	redis.call('ZADD', dayKey, now, member)
	redis.call('EXPIRE', dayKey, 86500)

	return {2, hourTotal, dayTotal}
`)

// TryAdmit checks both rolling windows and records the request when allowed.
// The exceeded window name is returned when a cap would be breached.
func (t *VelocityTracker) TryAdmit(ctx context.Context, userID, requestID string, amount int64, now time.Time) (allowed bool, window string, totals VelocityWindows, err error) {
	hourKey := keyPrefixVelocityHour + userID
	dayKey := keyPrefixVelocityDay + userID
	member := fmt.Sprintf("%s:%d", requestID, amount)

	res, err := velocityScript.Run(ctx, t.redis,
		[]string{hourKey, dayKey},
		now.Unix(),
		now.Add(-time.Hour).Unix(),
		now.Add(-24*time.Hour).Unix(),
		amount,
		t.hourlyCap,
		t.dailyCap,
		member,
	).Int64Slice()
	if err != nil {
		return false, "", totals, fmt.Errorf("velocity check failed: %w", err)
	}
	if len(res) != 3 {
		return false, "", totals, fmt.Errorf("velocity check returned unexpected result: %v", res)
	}

	totals = VelocityWindows{HourTotal: res[1], DayTotal: res[2]}
	switch res[0] {
	case 0:
		return false, "hourly", totals, nil
	case 1:
		return false, "daily", totals, nil
	default:
		return true, "", totals, nil
	}
}

// revalidateScript re-checks the caps for a request that may already be
// recorded. Its own entry is excluded from the window sums so a retry inside
// the original window never double-counts itself.
var revalidateScript = redis.NewScript(`
	local hourKey = KEYS[1]
	local dayKey = KEYS[2]
	local now = tonumber(ARGV[1])
	local hourStart = tonumber(ARGV[2])
	local dayStart = tonumber(ARGV[3])
	local amount = tonumber(ARGV[4])
	local hourCap = tonumber(ARGV[5])
	local dayCap = tonumber(ARGV[6])
	local member = ARGV[7]

	redis.call('ZREMRANGEBYSCORE', hourKey, '-inf', '(' .. hourStart)
	redis.call('ZREMRANGEBYSCORE', dayKey, '-inf', '(' .. dayStart)

	local function windowTotal(key)
		local total = 0
		local members = redis.call('ZRANGE', key, 0, -1)
		for _, m in ipairs(members) do
			if m ~= member then
				local a = string.match(m, ':(%d+)$')
				if a then
					total = total + tonumber(a)
				end
			end
		end
		return total
	end

	local hourTotal = windowTotal(hourKey)
	local dayTotal = windowTotal(dayKey)

	if hourTotal + amount > hourCap or dayTotal + amount > dayCap then
		return 0
	end

	redis.call('ZADD', hourKey, now, member)
	redis.call('EXPIRE', hourKey, 3700)
	redis.call('ZADD', dayKey, now, member)
	redis.call('EXPIRE', dayKey, 86500)

	return 1
`)

// Revalidate re-checks the caps for an already-admitted request before a
// retry executes. It reports whether the request is still compliant.
func (t *VelocityTracker) Revalidate(ctx context.Context, userID, requestID string, amount int64, now time.Time) (bool, error) {
	member := fmt.Sprintf("%s:%d", requestID, amount)

	res, err := revalidateScript.Run(ctx, t.redis,
		[]string{keyPrefixVelocityHour + userID, keyPrefixVelocityDay + userID},
		now.Unix(),
		now.Add(-time.Hour).Unix(),
		now.Add(-24*time.Hour).Unix(),
		amount,
		t.hourlyCap,
		t.dailyCap,
		member,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("velocity revalidation failed: %w", err)
	}

	return res == 1, nil
}

// Release removes a recorded request from both windows, used when a request
// is cancelled before execution so its amount no longer counts against caps
func (t *VelocityTracker) Release(ctx context.Context, userID, requestID string, amount int64) error {
	member := fmt.Sprintf("%s:%d", requestID, amount)
	pipe := t.redis.Pipeline()
	pipe.ZRem(ctx, keyPrefixVelocityHour+userID, member)
	pipe.ZRem(ctx, keyPrefixVelocityDay+userID, member)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("velocity release failed: %w", err)
	}
	return nil
}

// Caps returns the configured window caps
func (t *VelocityTracker) Caps() (hourly, daily int64) {
	return t.hourlyCap, t.dailyCap
}
