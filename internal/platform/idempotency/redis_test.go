package idempotency

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type fakeRedis struct {
	values map[string]string
	ttls   map[string]time.Duration
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value any, ttl time.Duration) *redis.BoolCmd {
	if _, ok := f.values[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.values[key] = string(value.([]byte))
	f.ttls[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	value, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(value, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	f.values[key] = string(value.([]byte))
	f.ttls[key] = ttl
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	for _, key := range keys {
		delete(f.values, key)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func TestRedisStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	store := newRedisStore(client, "")

	res, err := store.Reserve(ctx, "customer:u1|k", "fp", fixedTime, time.Hour)
	if err != nil || res.State != ReservationStateNew {
		t.Fatalf("first reserve = %+v, %v", res, err)
	}
	if got := client.ttls[store.key("customer:u1|k")]; got != time.Hour {
		t.Fatalf("expected ttl 1h, got %s", got)
	}

	res, err = store.Reserve(ctx, "customer:u1|k", "fp", fixedTime, time.Hour)
	if err != nil || res.State != ReservationStatePending {
		t.Fatalf("second reserve = %+v, %v", res, err)
	}
	if _, err := store.Reserve(ctx, "customer:u1|k", "other", fixedTime, time.Hour); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("expected fingerprint mismatch, got %v", err)
	}

	resp := Response{Status: http.StatusCreated, Headers: http.Header{"Content-Type": {"application/json"}, "Date": {"x"}}, Body: []byte(`{"ok":true}`)}
	if err := store.Complete(ctx, "customer:u1|k", "fp", resp, fixedTime, time.Hour); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	res, err = store.Reserve(ctx, "customer:u1|k", "fp", fixedTime, time.Hour)
	if err != nil || res.State != ReservationStateCompleted {
		t.Fatalf("reserve after complete = %+v, %v", res, err)
	}
	if res.Record.ResponseStatus != http.StatusCreated || string(res.Record.ResponseBody) != `{"ok":true}` {
		t.Fatalf("unexpected stored record %+v", res.Record)
	}
	if _, ok := res.Record.ResponseHeaders["Date"]; ok {
		t.Fatalf("hop headers should not be stored")
	}

	// completed records survive release
	if err := store.Release(ctx, "customer:u1|k", "fp"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, ok := client.values[store.key("customer:u1|k")]; !ok {
		t.Fatalf("completed record was released")
	}
}

func TestRedisStoreReleasePending(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	store := newRedisStore(client, "test")
	if _, err := store.Reserve(ctx, "k", "fp", fixedTime, time.Minute); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := store.Release(ctx, "k", "fp"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if len(client.values) != 0 {
		t.Fatalf("expected pending reservation removed")
	}
}
