package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lvonguyen/minisoc/internal/telemetry"
)

// upsertScript merges an alert version into its hash. Monotonic fields are
// compared server side so concurrent or replayed writers cannot regress
// them.
//
// KEYS[1] alert hash, KEYS[2] first_seen index
// ARGV score, severity, title, confidence, first_ms, first_ts, last_ms,
// last_ts, count, doc, member
var upsertScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'score', 'first_ms', 'last_ms', 'count')
if not cur[1] then
	redis.call('HSET', KEYS[1],
		'score', ARGV[1], 'severity', ARGV[2], 'title', ARGV[3], 'confidence', ARGV[4],
		'first_ms', ARGV[5], 'first_ts', ARGV[6], 'last_ms', ARGV[7], 'last_ts', ARGV[8],
		'count', ARGV[9], 'doc', ARGV[10])
	redis.call('ZADD', KEYS[2], ARGV[5], ARGV[11])
	return 1
end
if tonumber(ARGV[1]) > tonumber(cur[1]) then
	redis.call('HSET', KEYS[1], 'score', ARGV[1], 'severity', ARGV[2], 'title', ARGV[3], 'confidence', ARGV[4])
end
if tonumber(ARGV[5]) < tonumber(cur[2]) then
	redis.call('HSET', KEYS[1], 'first_ms', ARGV[5], 'first_ts', ARGV[6])
	redis.call('ZADD', KEYS[2], ARGV[5], ARGV[11])
end
if tonumber(ARGV[7]) > tonumber(cur[3]) then
	redis.call('HSET', KEYS[1], 'last_ms', ARGV[7], 'last_ts', ARGV[8])
end
if tonumber(ARGV[9]) >= tonumber(cur[4]) then
	redis.call('HSET', KEYS[1], 'count', ARGV[9], 'doc', ARGV[10])
end
return 0
`)

// Redis stores events in a capped list and alerts in hashes indexed by a
// sorted set on first_seen.
type Redis struct {
	client   *redis.Client
	prefix   string
	eventCap int
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig, password string, eventCap int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: redis ping %s: %v", ErrUnavailable, cfg.Addr, err)
	}
	return NewRedisWithClient(client, cfg.KeyPrefix, eventCap), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, prefix string, eventCap int) *Redis {
	if prefix == "" {
		prefix = "minisoc"
	}
	if eventCap <= 0 {
		eventCap = 10000
	}
	return &Redis{client: client, prefix: prefix, eventCap: eventCap}
}

func (r *Redis) eventsKey() string { return r.prefix + ":events" }

func (r *Redis) indexKey() string { return r.prefix + ":alerts:by_first_seen" }

func (r *Redis) alertKey(dedup string) string { return r.prefix + ":alert:" + dedup }

// AppendEvents implements Store.
func (r *Redis) AppendEvents(ctx context.Context, events []telemetry.Event) error {
	if len(events) == 0 {
		return nil
	}
	vals := make([]interface{}, 0, len(events))
	for _, ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", ev.ID, err)
		}
		vals = append(vals, b)
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, r.eventsKey(), vals...)
		pipe.LTrim(ctx, r.eventsKey(), 0, int64(r.eventCap-1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis append events: %w", err)
	}
	return nil
}

// UpsertAlert implements Store.
func (r *Redis) UpsertAlert(ctx context.Context, a telemetry.Alert) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert %s: %w", a.DedupKey, err)
	}
	err = upsertScript.Run(ctx, r.client,
		[]string{r.alertKey(a.DedupKey), r.indexKey()},
		strconv.FormatFloat(a.Score, 'f', -1, 64),
		string(a.Severity),
		a.Title,
		string(a.Confidence),
		a.FirstSeen.UnixMilli(),
		a.FirstSeen.UTC().Format(time.RFC3339Nano),
		a.LastSeen.UnixMilli(),
		a.LastSeen.UTC().Format(time.RFC3339Nano),
		a.Count,
		string(doc),
		a.DedupKey,
	).Err()
	if err != nil {
		return fmt.Errorf("redis upsert alert %s: %w", a.DedupKey, err)
	}
	return nil
}

// QueryAlerts implements Store.
func (r *Redis) QueryAlerts(ctx context.Context, from, to time.Time) ([]telemetry.Alert, error) {
	rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if !from.IsZero() {
		rng.Min = strconv.FormatInt(from.UnixMilli(), 10)
	}
	if !to.IsZero() {
		rng.Max = strconv.FormatInt(to.UnixMilli(), 10)
	}
	keys, err := r.client.ZRangeByScore(ctx, r.indexKey(), rng).Result()
	if err != nil {
		return nil, fmt.Errorf("redis query alert index: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.HGetAll(ctx, r.alertKey(k))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis load alerts: %w", err)
	}

	out := make([]telemetry.Alert, 0, len(keys))
	for _, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			continue
		}
		a, err := decodeAlertHash(h)
		if err != nil {
			return nil, err
		}
		if inRange(a.FirstSeen, from, to) {
			out = append(out, a)
		}
	}
	SortAlerts(out)
	return out, nil
}

// decodeAlertHash overlays the monotonic hash fields onto the stored doc.
func decodeAlertHash(h map[string]string) (telemetry.Alert, error) {
	var a telemetry.Alert
	if err := json.Unmarshal([]byte(h["doc"]), &a); err != nil {
		return a, fmt.Errorf("decode alert doc: %w", err)
	}
	if v, err := strconv.ParseFloat(h["score"], 64); err == nil {
		a.Score = v
	}
	a.Severity = telemetry.Severity(h["severity"])
	a.Title = h["title"]
	a.Confidence = telemetry.Confidence(h["confidence"])
	if ts, err := time.Parse(time.RFC3339Nano, h["first_ts"]); err == nil {
		a.FirstSeen = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, h["last_ts"]); err == nil {
		a.LastSeen = ts
	}
	if n, err := strconv.Atoi(h["count"]); err == nil {
		a.Count = n
	}
	return a, nil
}

// RecentEvents implements Store.
func (r *Redis) RecentEvents(ctx context.Context, limit int) ([]telemetry.Event, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	raw, err := r.client.LRange(ctx, r.eventsKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis recent events: %w", err)
	}
	out := make([]telemetry.Event, 0, len(raw))
	for _, s := range raw {
		var ev telemetry.Event
		if err := json.Unmarshal([]byte(s), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// Ping implements Store.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close implements Store.
func (r *Redis) Close() error {
	return r.client.Close()
}
