package data

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

func MustRedis(url string) *redis.Client {
	opt, err := redis.ParseURL(url)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	return redis.NewClient(opt)
}

// ReplayGuard remembers redeemed payment proofs in Redis so every replica
// rejects a reused proof.
type ReplayGuard struct {
	rdb *redis.Client
}

func NewReplayGuard(rdb *redis.Client) *ReplayGuard {
	return &ReplayGuard{rdb: rdb}
}

func (g *ReplayGuard) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return g.rdb.SetNX(ctx, key, time.Now().Unix(), ttl).Result()
}
