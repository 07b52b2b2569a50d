package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"gatehw/internal/config"
	"gatehw/internal/domain"
)

// Redis mirrors operation snapshots under <prefix>op:<id> and publishes events on
// <prefix>events.
type Redis struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
}

func NewRedis(cfg config.Publish) *Redis {
	rc := cfg.Redis
	return &Redis{
		Client: redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		}),
		Prefix: rc.Prefix,
		TTL:    time.Duration(rc.TTLSeconds) * time.Second,
	}
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Ping(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}

func (r *Redis) OperationKey(id string) string {
	return r.Prefix + "op:" + id
}

func (r *Redis) EventsChannel() string {
	return r.Prefix + "events"
}

func (r *Redis) MirrorOperation(ctx context.Context, op domain.Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal operation: %w", err)
	}
	if err := r.Client.Set(ctx, r.OperationKey(op.ID), data, r.TTL).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", op.ID, err)
	}
	return nil
}

func (r *Redis) Publish(ctx context.Context, evt domain.Event) error {
	data, err := encodeEvent(evt)
	if err != nil {
		return err
	}
	if err := r.Client.Publish(ctx, r.EventsChannel(), data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.Client.Close()
}
