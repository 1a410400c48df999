package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"shiptrack-svr/internal/pipeline"
)

const (
	keyActive     = "ships:active"
	keyLastUpdate = "ships:last_update"
)

func shipKey(id string) string { return "ship:" + id + ":last" }

// Mirror copies each broadcast snapshot into Redis so other services can
// read the latest fleet picture. Keys expire after ttl; Redis is a cache
// here, never the source of truth.
type Mirror struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewMirror connects and pings Redis.
func NewMirror(ctx context.Context, addr string, db int, ttl time.Duration) (*Mirror, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Mirror{rdb: rdb, ttl: ttl}, nil
}

func (m *Mirror) Name() string { return "redis" }

// PublishSnapshot writes every ship under ship:<id>:last, replaces the
// ships:active set and stamps ships:last_update, in one transaction.
func (m *Mirror) PublishSnapshot(ctx context.Context, snap pipeline.Snapshot) error {
	values := make([][]byte, len(snap.Ships))
	ids := make([]any, len(snap.Ships))
	for i, ship := range snap.Ships {
		b, err := json.Marshal(ship)
		if err != nil {
			return fmt.Errorf("redis: encode %s: %w", ship.VesselID, err)
		}
		values[i] = b
		ids[i] = ship.VesselID
	}

	_, err := m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, ship := range snap.Ships {
			pipe.Set(ctx, shipKey(ship.VesselID), values[i], m.ttl)
		}
		pipe.Del(ctx, keyActive)
		if len(ids) > 0 {
			pipe.SAdd(ctx, keyActive, ids...)
			pipe.Expire(ctx, keyActive, m.ttl)
		}
		pipe.Set(ctx, keyLastUpdate, snap.Timestamp, m.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: mirror snapshot: %w", err)
	}
	return nil
}

// GetShip reads back one mirrored report.
func (m *Mirror) GetShip(ctx context.Context, id string) (pipeline.PositionReport, bool, error) {
	val, err := m.rdb.Get(ctx, shipKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return pipeline.PositionReport{}, false, nil
	}
	if err != nil {
		return pipeline.PositionReport{}, false, err
	}
	var r pipeline.PositionReport
	if err := json.Unmarshal(val, &r); err != nil {
		return pipeline.PositionReport{}, false, fmt.Errorf("redis: decode %s: %w", id, err)
	}
	return r, true, nil
}

// ActiveShips lists the vessel ids of the last mirrored snapshot.
func (m *Mirror) ActiveShips(ctx context.Context) ([]string, error) {
	return m.rdb.SMembers(ctx, keyActive).Result()
}

func (m *Mirror) Close() error {
	return m.rdb.Close()
}
