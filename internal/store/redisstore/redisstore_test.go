package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// Needs a live server: REDIS_ADDR=127.0.0.1:6379 go test ./internal/store/redisstore
func openTestStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	s := NewWithClient(rdb, "upscale-tracker-test:"+t.Name()+":")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() {
		_ = rdb.Del(context.Background(), s.prefix+"k").Err()
		_ = s.Close()
	})
	return s
}

func TestLoadSave(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var got []string
	found, err := s.Load(ctx, "k", &got)
	if err != nil || found {
		t.Fatalf("expected miss, got found=%v err=%v", found, err)
	}
	if err := s.Save(ctx, "k", []string{"a", "b"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	found, err = s.Load(ctx, "k", &got)
	if err != nil || !found || len(got) != 2 || got[0] != "a" {
		t.Fatalf("load: found=%v err=%v got=%v", found, err, got)
	}
}
