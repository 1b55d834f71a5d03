package jobstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// memRedis implements the commands the Store issues over in-process maps, so
// the Redis-coupled paths (retry scheduling, repeat promotion, retention
// trimming) are testable without a server. Any command the Store never
// issues falls through to the nil embedded Cmdable and panics.
type memRedis struct {
	redis.Cmdable

	mu     sync.Mutex
	hashes map[string]map[string]string
	lists  map[string][]string
	zsets  map[string]map[string]float64
	values map[string]string
}

func newMemRedis() *memRedis {
	return &memRedis{
		hashes: make(map[string]map[string]string),
		lists:  make(map[string][]string),
		zsets:  make(map[string]map[string]float64),
		values: make(map[string]string),
	}
}

// --- Hashes ---

func (m *memRedis) HSet(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.hashes[key]
	if h == nil {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	var added int64
	for i := 0; i+1 < len(values); i += 2 {
		field := fmt.Sprint(values[i])
		if _, ok := h[field]; !ok {
			added++
		}
		h[field] = fmt.Sprint(values[i+1])
	}
	return redis.NewIntResult(added, nil)
}

func (m *memRedis) HGet(_ context.Context, key, field string) *redis.StringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.hashes[key]; ok {
		if v, ok := h[field]; ok {
			return redis.NewStringResult(v, nil)
		}
	}
	return redis.NewStringResult("", redis.Nil)
}

func (m *memRedis) HGetAll(_ context.Context, key string) *redis.MapStringStringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return redis.NewMapStringStringResult(out, nil)
}

func (m *memRedis) HIncrBy(_ context.Context, key, field string, incr int64) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.hashes[key]
	if h == nil {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	n, _ := strconv.ParseInt(h[field], 10, 64)
	n += incr
	h[field] = strconv.FormatInt(n, 10)
	return redis.NewIntResult(n, nil)
}

// --- Lists ---

func (m *memRedis) LPush(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range values {
		m.lists[key] = append([]string{fmt.Sprint(v)}, m.lists[key]...)
	}
	return redis.NewIntResult(int64(len(m.lists[key])), nil)
}

func (m *memRedis) LRem(_ context.Context, key string, count int64, value interface{}) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := fmt.Sprint(value)
	var removed int64
	kept := make([]string, 0, len(m.lists[key]))
	for _, v := range m.lists[key] {
		if v == want && (count == 0 || removed < count) {
			removed++
			continue
		}
		kept = append(kept, v)
	}
	m.lists[key] = kept
	return redis.NewIntResult(removed, nil)
}

func (m *memRedis) LLen(_ context.Context, key string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	return redis.NewIntResult(int64(len(m.lists[key])), nil)
}

func (m *memRedis) RPopCount(_ context.Context, key string, count int) *redis.StringSliceCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	if len(l) == 0 {
		return redis.NewStringSliceResult(nil, redis.Nil)
	}
	if count > len(l) {
		count = len(l)
	}
	popped := make([]string, 0, count)
	for i := 0; i < count; i++ {
		popped = append(popped, l[len(l)-1])
		l = l[:len(l)-1]
	}
	m.lists[key] = l
	return redis.NewStringSliceResult(popped, nil)
}

// BLMove is non-blocking here: an empty source reports redis.Nil right away,
// which the Store treats as a claim timeout.
func (m *memRedis) BLMove(_ context.Context, source, destination, _, _ string, _ time.Duration) *redis.StringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.lists[source]
	if len(src) == 0 {
		return redis.NewStringResult("", redis.Nil)
	}
	v := src[len(src)-1]
	m.lists[source] = src[:len(src)-1]
	m.lists[destination] = append([]string{v}, m.lists[destination]...)
	return redis.NewStringResult(v, nil)
}

// --- Sorted sets ---

func (m *memRedis) ZAdd(_ context.Context, key string, members ...redis.Z) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	z := m.zsets[key]
	if z == nil {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	var added int64
	for _, member := range members {
		name := fmt.Sprint(member.Member)
		if _, ok := z[name]; !ok {
			added++
		}
		z[name] = member.Score
	}
	return redis.NewIntResult(added, nil)
}

func (m *memRedis) ZRem(_ context.Context, key string, members ...interface{}) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for _, member := range members {
		name := fmt.Sprint(member)
		if _, ok := m.zsets[key][name]; ok {
			delete(m.zsets[key], name)
			removed++
		}
	}
	return redis.NewIntResult(removed, nil)
}

func (m *memRedis) ZCard(_ context.Context, key string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	return redis.NewIntResult(int64(len(m.zsets[key])), nil)
}

func (m *memRedis) ZRangeByScore(_ context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.zRangeLocked(key, opt)
	members := make([]string, 0, len(entries))
	for _, e := range entries {
		members = append(members, e.Member.(string))
	}
	return redis.NewStringSliceResult(members, nil)
}

func (m *memRedis) ZRangeByScoreWithScores(_ context.Context, key string, opt *redis.ZRangeBy) *redis.ZSliceCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	return redis.NewZSliceCmdResult(m.zRangeLocked(key, opt), nil)
}

func (m *memRedis) zRangeLocked(key string, opt *redis.ZRangeBy) []redis.Z {
	min, max := math.Inf(-1), math.Inf(1)
	if f, err := strconv.ParseFloat(opt.Min, 64); err == nil {
		min = f
	}
	if f, err := strconv.ParseFloat(opt.Max, 64); err == nil {
		max = f
	}
	var out []redis.Z
	for member, score := range m.zsets[key] {
		if score >= min && score <= max {
			out = append(out, redis.Z{Score: score, Member: member})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member.(string) < out[j].Member.(string)
	})
	if opt.Count > 0 && int64(len(out)) > opt.Count {
		out = out[:opt.Count]
	}
	return out
}

// --- Keys ---

func (m *memRedis) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	m.values[key] = fmt.Sprint(value)
	return redis.NewBoolResult(true, nil)
}

func (m *memRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, key := range keys {
		for _, found := range []bool{
			deleteKey(m.hashes, key),
			deleteKey(m.lists, key),
			deleteKey(m.zsets, key),
			deleteKey(m.values, key),
		} {
			if found {
				n++
				break
			}
		}
	}
	return redis.NewIntResult(n, nil)
}

func deleteKey[V any](store map[string]V, key string) bool {
	if _, ok := store[key]; !ok {
		return false
	}
	delete(store, key)
	return true
}
