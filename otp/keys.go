package otp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Notice states published under NoticeKey.
const (
	NoticeWaiting  = "waiting"
	NoticeReceived = "received"
	NoticeTimeout  = "timeout"
)

// Notice tells operators that a job is waiting for a code.
type Notice struct {
	Status          string    `json:"status"`
	Site            string    `json:"site"`
	SiteID          string    `json:"site_id"`
	JobID           string    `json:"job_id"`
	Timestamp       time.Time `json:"timestamp"`
	PhoneLastDigits string    `json:"phone_last_digits,omitempty"`
}

func CodeKey(jobID, siteID string) string {
	return "otp_" + jobID + "_" + siteID
}

func NoticeKey(jobID string) string {
	return "otp_request_" + jobID
}

// codeValue is what lives under CodeKey: {"otp": "<code>"}.
type codeValue struct {
	OTP json.RawMessage `json:"otp"`
}

// encodeCode stores code in the {"otp": ...} shape. A value that is already in that shape is
// normalized first so it is not wrapped twice.
func encodeCode(code string) (string, error) {
	b, err := json.Marshal(struct {
		OTP string `json:"otp"`
	}{decodeCode(code)})
	return string(b), err
}

// decodeCode reads a stored value. External writers use {"otp": "482913"} or {"otp": 482913};
// anything that is not such an object is taken as the bare code.
func decodeCode(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		var v codeValue
		if err := json.Unmarshal([]byte(raw), &v); err == nil && len(v.OTP) > 0 {
			var s string
			if err := json.Unmarshal(v.OTP, &s); err == nil {
				return strings.TrimSpace(s)
			}
			return strings.TrimSpace(string(v.OTP))
		}
		return raw
	}
	var s string
	if strings.HasPrefix(raw, `"`) && json.Unmarshal([]byte(raw), &s) == nil {
		return strings.TrimSpace(s)
	}
	return raw
}

// KeyStore is the transient key-value channel used for ephemeral jobs.
type KeyStore interface {
	PutNotice(ctx context.Context, n Notice) error
	Notices(ctx context.Context) ([]Notice, error)
	PutCode(ctx context.Context, jobID, siteID, code string) error
	// TakeCode reads and deletes the code in one step.
	TakeCode(ctx context.Context, jobID, siteID string) (string, bool, error)
	DeleteCode(ctx context.Context, jobID, siteID string) error
}

type memoryEntry struct {
	value   string
	expires time.Time
}

// MemoryKeys is a process-local KeyStore.
type MemoryKeys struct {
	mu   sync.Mutex
	ttl  time.Duration
	data map[string]memoryEntry
	now  func() time.Time
}

func NewMemoryKeys(ttl time.Duration) *MemoryKeys {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &MemoryKeys{ttl: ttl, data: map[string]memoryEntry{}, now: time.Now}
}

func (m *MemoryKeys) set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = memoryEntry{value: value, expires: m.now().Add(m.ttl)}
}

// get returns a live entry; the caller holds mu.
func (m *MemoryKeys) get(key string) (string, bool) {
	e, ok := m.data[key]
	if !ok {
		return "", false
	}
	if m.now().After(e.expires) {
		delete(m.data, key)
		return "", false
	}
	return e.value, true
}

func (m *MemoryKeys) PutNotice(_ context.Context, n Notice) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	m.set(NoticeKey(n.JobID), string(b))
	return nil
}

func (m *MemoryKeys) Notices(_ context.Context) ([]Notice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Notice
	for key := range m.data {
		if !strings.HasPrefix(key, "otp_request_") {
			continue
		}
		v, ok := m.get(key)
		if !ok {
			continue
		}
		var n Notice
		if err := json.Unmarshal([]byte(v), &n); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, n)
	}
	sortNotices(out)
	return out, nil
}

func (m *MemoryKeys) PutCode(_ context.Context, jobID, siteID, code string) error {
	v, err := encodeCode(code)
	if err != nil {
		return err
	}
	m.set(CodeKey(jobID, siteID), v)
	return nil
}

func (m *MemoryKeys) TakeCode(_ context.Context, jobID, siteID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := CodeKey(jobID, siteID)
	v, ok := m.get(key)
	if !ok {
		return "", false, nil
	}
	delete(m.data, key)
	code := decodeCode(v)
	return code, code != "", nil
}

func (m *MemoryKeys) DeleteCode(_ context.Context, jobID, siteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, CodeKey(jobID, siteID))
	return nil
}

// RedisKeys shares the transient channel between the worker and operator processes.
type RedisKeys struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisKeys(rdb *redis.Client, prefix string, ttl time.Duration) *RedisKeys {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisKeys{rdb: rdb, prefix: strings.TrimSpace(prefix), ttl: ttl}
}

func (r *RedisKeys) key(k string) string {
	return r.prefix + k
}

func (r *RedisKeys) PutNotice(ctx context.Context, n Notice) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, r.key(NoticeKey(n.JobID)), b, r.ttl).Err()
}

func (r *RedisKeys) Notices(ctx context.Context) ([]Notice, error) {
	var out []Notice
	iter := r.rdb.Scan(ctx, 0, r.key("otp_request_*"), 100).Iterator()
	for iter.Next(ctx) {
		val, err := r.rdb.Get(ctx, iter.Val()).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var n Notice
		if err := json.Unmarshal([]byte(val), &n); err != nil {
			return nil, fmt.Errorf("decode %s: %w", iter.Val(), err)
		}
		out = append(out, n)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sortNotices(out)
	return out, nil
}

func (r *RedisKeys) PutCode(ctx context.Context, jobID, siteID, code string) error {
	v, err := encodeCode(code)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, r.key(CodeKey(jobID, siteID)), v, r.ttl).Err()
}

func (r *RedisKeys) TakeCode(ctx context.Context, jobID, siteID string) (string, bool, error) {
	val, err := r.rdb.GetDel(ctx, r.key(CodeKey(jobID, siteID))).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	code := decodeCode(val)
	return code, code != "", nil
}

func (r *RedisKeys) DeleteCode(ctx context.Context, jobID, siteID string) error {
	return r.rdb.Del(ctx, r.key(CodeKey(jobID, siteID))).Err()
}

func sortNotices(ns []Notice) {
	slices.SortFunc(ns, func(a, b Notice) int { return a.Timestamp.Compare(b.Timestamp) })
}
