package origin

import (
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisMarkAndConsume(t *testing.T) {
	mr, client := setupRedis(t)
	tr := NewRedis(client, "client-1", 5*time.Second, log.New())

	tr.Mark("d")
	if ttl := mr.TTL("client-1:origin:d"); ttl <= 0 || ttl > 5*time.Second {
		t.Fatalf("unexpected TTL: %v", ttl)
	}
	if !tr.IsLocal("d") {
		t.Fatal("expected local mark")
	}
	if tr.IsLocal("d") {
		t.Fatal("expected mark to be consumed")
	}
}

func TestRedisMarkExpires(t *testing.T) {
	mr, client := setupRedis(t)
	tr := NewRedis(client, "client-1", 5*time.Second, log.New())

	tr.Mark("d")
	mr.FastForward(6 * time.Second)
	if tr.IsLocal("d") {
		t.Fatal("expected mark to expire")
	}
}

func TestRedisSharedAcrossTrackers(t *testing.T) {
	_, client := setupRedis(t)
	a := NewRedis(client, "client-1", time.Minute, log.New())
	b := NewRedis(client, "client-1", time.Minute, log.New())
	other := NewRedis(client, "client-2", time.Minute, log.New())

	a.Mark("d")
	if other.IsLocal("d") {
		t.Fatal("expected marks to be scoped by prefix")
	}
	if !b.IsLocal("d") {
		t.Fatal("expected mark to be visible to a tracker with the same prefix")
	}
}

func TestRedisFailsOpen(t *testing.T) {
	mr, client := setupRedis(t)
	logger, hook := test.NewNullLogger()
	tr := NewRedis(client, "client-1", time.Minute, logger)

	tr.Mark("d")
	mr.Close()

	if tr.IsLocal("d") {
		t.Fatal("expected lookup to fail open when redis is unavailable")
	}
	if entry := hook.LastEntry(); entry == nil || entry.Level != log.WarnLevel {
		t.Fatalf("expected warning to be logged, got %#v", entry)
	}
}
