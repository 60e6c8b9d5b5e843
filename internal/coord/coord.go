package coord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "agentcore:"

// Keys embed the user ID as a hash tag so every per-user key lands in the
// same cluster slot and can be touched by one script.
func userKey(userID, name string) string { return keyPrefix + "{" + userID + "}:" + name }

// PauseKey is the per-user emergency brake flag. Presence means the brake is on.
func PauseKey(userID string) string { return userKey(userID, "pause") }

// BrakeKey is the per-user brake state hash.
func BrakeKey(userID string) string { return userKey(userID, "brake") }

// EventsChannel is the per-user pub/sub channel for live activity events.
func EventsChannel(userID string) string { return userKey(userID, "events") }

// BriefingCacheKey holds the last successful briefing payload for a user.
func BriefingCacheKey(userID string) string { return userKey(userID, "briefing:last") }

// casScript sets hash fields only if ARGV[1] still equals ARGV[2].
var casScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then
  return 0
end
for i = 3, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
return 1
`)

// setNXHashScript sets KEYS[1] only if absent and, in the same step, writes
// the field/value pairs in ARGV[2..] to the hash at KEYS[2].
var setNXHashScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
for i = 2, #ARGV, 2 do
  redis.call('HSET', KEYS[2], ARGV[i], ARGV[i + 1])
end
return 1
`)

// delIfScript deletes KEYS[1..] only if hash KEYS[1] field ARGV[1] equals
// ARGV[2].
var delIfScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('DEL', unpack(KEYS))
return 1
`)

// Store is the ephemeral coordination store: flags, per-user hashes,
// pub/sub fan-out and TTL-bounded cache entries.
type Store struct {
	rdb redis.UniversalClient
}

func New(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

// Connect parses a redis:// URL and verifies the connection.
func Connect(ctx context.Context, url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("coord.Connect: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("coord.Connect: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

// SetNX sets key only if absent. Reports whether this call created it.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("SetNX %s: %w", key, err)
	}
	return ok, nil
}

// SetNXWithHash atomically sets key if absent and replaces the hash at
// hashKey with fields. Reports whether this call created key.
func (s *Store) SetNXWithHash(ctx context.Context, key, value, hashKey string, fields map[string]string) (bool, error) {
	argv := make([]any, 0, 1+len(fields)*2)
	argv = append(argv, value)
	for k, v := range fields {
		argv = append(argv, k, v)
	}
	n, err := setNXHashScript.Run(ctx, s.rdb, []string{key, hashKey}, argv...).Int()
	if err != nil {
		return false, fmt.Errorf("SetNXWithHash %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("Exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("Del: %w", err)
	}
	return nil
}

func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	if err := s.rdb.HSet(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("HSet %s: %w", key, err)
	}
	return nil
}

// HGetAll returns an empty map when the key does not exist.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("HGetAll %s: %w", key, err)
	}
	return m, nil
}

// CompareAndSwap atomically applies fields to the hash at key if the hash's
// field currently equals expect. Reports whether the swap happened.
func (s *Store) CompareAndSwap(ctx context.Context, key, field, expect string, fields map[string]string) (bool, error) {
	argv := make([]any, 0, 2+len(fields)*2)
	argv = append(argv, field, expect)
	for k, v := range fields {
		argv = append(argv, k, v)
	}
	n, err := casScript.Run(ctx, s.rdb, []string{key}, argv...).Int()
	if err != nil {
		return false, fmt.Errorf("CompareAndSwap %s: %w", key, err)
	}
	return n == 1, nil
}

// DelIfField deletes the hash at key, together with extra keys, only while
// the hash's field equals expect. Reports whether anything was deleted.
func (s *Store) DelIfField(ctx context.Context, key, field, expect string, extra ...string) (bool, error) {
	keys := append([]string{key}, extra...)
	n, err := delIfScript.Run(ctx, s.rdb, keys, field, expect).Int()
	if err != nil {
		return false, fmt.Errorf("DelIfField %s: %w", key, err)
	}
	return n == 1, nil
}

// Publish is fire-and-forget from the caller's perspective: a message with
// no subscribers is simply dropped.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("Publish %s: %w", channel, err)
	}
	return nil
}

// Subscription delivers raw pub/sub payloads until Close is called.
type Subscription struct {
	C    <-chan []byte
	ps   *redis.PubSub
	done chan struct{}
}

func (s *Subscription) Close() error {
	close(s.done)
	return s.ps.Close()
}

// Subscribe waits for the subscription to be confirmed before returning so
// that no message published afterwards is missed.
func (s *Store) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	ps := s.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("Subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 64)
	sub := &Subscription{C: out, ps: ps, done: make(chan struct{})}
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			select {
			case out <- []byte(msg.Payload):
			case <-sub.done:
				return
			}
		}
	}()
	return sub, nil
}

func (s *Store) SetEX(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("SetEX %s: %w", key, err)
	}
	return nil
}

// Get returns (nil, false, nil) when the key is absent.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("Get %s: %w", key, err)
	}
	return b, true, nil
}

// TTL returns the remaining time to live, or a negative duration if the key
// has none or does not exist.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("TTL %s: %w", key, err)
	}
	return d, nil
}
