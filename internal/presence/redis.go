package presence

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript drops one session reference held by an instance and stamps
// last-seen when the user has no session left on any live instance. Fields of
// instances whose heartbeat key has expired are removed on the way.
//
// KEYS[1] sessions hash (instance -> count), KEYS[2] last-seen key,
// ARGV[1] instance id, ARGV[2] now in unix millis,
// ARGV[3] instance key prefix, ARGV[4] heartbeat ttl in millis.
var releaseScript = redis.NewScript(`
redis.call('SET', ARGV[3] .. ARGV[1], ARGV[2], 'PX', ARGV[4])
local cur = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
if cur <= 0 then
	return -1
end
if cur == 1 then
	redis.call('HDEL', KEYS[1], ARGV[1])
else
	redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
end
local total = 0
local all = redis.call('HGETALL', KEYS[1])
for i = 1, #all, 2 do
	if redis.call('EXISTS', ARGV[3] .. all[i]) == 1 then
		total = total + tonumber(all[i + 1])
	else
		redis.call('HDEL', KEYS[1], all[i])
	end
end
if total <= 0 then
	redis.call('SET', KEYS[2], ARGV[2])
end
return total
`)

// DefaultHeartbeat is how long an instance's counts survive without a
// heartbeat. A crashed instance stops counting once it lapses.
const DefaultHeartbeat = 30 * time.Second

// Redis shares presence between gateway instances. Each instance counts its
// own sessions in a per-user hash so one instance never releases another's
// references. Counts only hold while the instance keeps its
// presence:instance:<id> key alive.
type Redis struct {
	client     *redis.Client
	instanceId string
	prefix     string
	ttl        time.Duration
	now        func() time.Time

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewRedis(client *redis.Client, instanceId string) *Redis {
	return &Redis{
		client:     client,
		instanceId: instanceId,
		prefix:     "presence:",
		ttl:        DefaultHeartbeat,
		now:        time.Now,
		stop:       make(chan struct{}),
	}
}

// DialRedis parses url, checks the connection and returns the store.
func DialRedis(ctx context.Context, url, instanceId string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	r := NewRedis(client, instanceId)
	if err := r.beat(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to register presence instance: %w", err)
	}
	r.startHeartbeat()
	return r, nil
}

func (r *Redis) instanceKey(instanceId string) string {
	return r.prefix + "instance:" + instanceId
}

// beat marks this instance live for another ttl.
func (r *Redis) beat(ctx context.Context) error {
	return r.client.Set(ctx, r.instanceKey(r.instanceId), r.now().UTC().UnixMilli(), r.ttl).Err()
}

func (r *Redis) startHeartbeat() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
				err := r.beat(ctx)
				cancel()
				if err != nil {
					slog.Warn("presence heartbeat failed", "instance", r.instanceId, "err", err)
				}
			}
		}
	}()
}

func (r *Redis) sessionsKey(userId int64) string {
	return r.prefix + strconv.FormatInt(userId, 10) + ":sessions"
}

func (r *Redis) lastSeenKey(userId int64) string {
	return r.prefix + strconv.FormatInt(userId, 10) + ":last_seen"
}

func (r *Redis) SetOnline(ctx context.Context, userId int64) error {
	now := r.now().UTC().UnixMilli()
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.instanceKey(r.instanceId), now, r.ttl)
		p.HIncrBy(ctx, r.sessionsKey(userId), r.instanceId, 1)
		p.Set(ctx, r.lastSeenKey(userId), now, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence online %d: %w", userId, err)
	}
	return nil
}

func (r *Redis) SetOffline(ctx context.Context, userId int64) error {
	now := r.now().UTC().UnixMilli()
	keys := []string{r.sessionsKey(userId), r.lastSeenKey(userId)}
	args := []any{r.instanceId, now, r.prefix + "instance:", r.ttl.Milliseconds()}
	if err := releaseScript.Run(ctx, r.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("presence offline %d: %w", userId, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, userId int64) (Record, error) {
	rec := Record{UserId: userId}

	var counts *redis.MapStringStringCmd
	var last *redis.StringCmd
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		counts = p.HGetAll(ctx, r.sessionsKey(userId))
		last = p.Get(ctx, r.lastSeenKey(userId))
		return nil
	})
	if err != nil && err != redis.Nil {
		return rec, fmt.Errorf("presence get %d: %w", userId, err)
	}
	if ms, err := last.Int64(); err == nil {
		rec.LastSeen = time.UnixMilli(ms).UTC()
	}

	held := make(map[string]int, len(counts.Val()))
	for instance, v := range counts.Val() {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			held[instance] = n
		}
	}
	if len(held) == 0 {
		return rec, nil
	}

	live := make(map[string]*redis.IntCmd, len(held))
	_, err = r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for instance := range held {
			live[instance] = p.Exists(ctx, r.instanceKey(instance))
		}
		return nil
	})
	if err != nil {
		return rec, fmt.Errorf("presence get %d: %w", userId, err)
	}
	for instance, n := range held {
		if live[instance].Val() == 1 {
			rec.Sessions += n
		}
	}
	rec.Online = rec.Sessions > 0
	return rec, nil
}

// Close stops the heartbeat and closes the client. The instance key is left
// to expire so other instances see the counts lapse.
func (r *Redis) Close() error {
	r.closeOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
	return r.client.Close()
}
