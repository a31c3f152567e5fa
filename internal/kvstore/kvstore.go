// Package kvstore wraps the short-term state store: VRAM state mirroring,
// lockdown record, strike counters, and the last health report.
package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	keyVRAMState       = "vram:state"
	keyVRAMLoadedModel = "vram:loaded_model"
	keyLockdown        = "security:lockdown"
	keyHealthReport    = "health:last_report"
	strikeKeyPrefix    = "strikes:"
)

// Store wraps a redis client with the fixed key vocabulary from §6 of the
// specification.
type Store struct {
	client *redis.Client
}

// New dials addr and verifies connectivity before returning.
func New(addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &Store{client: client}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying redis client for direct access.
func (s *Store) Client() *redis.Client {
	return s.client
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// SetVRAMState mirrors the in-process VRAM state machine for observability.
// Write failures are returned to the caller, who is expected to log and
// continue per §4.1 — KV write failures never block the transition.
func (s *Store) SetVRAMState(ctx context.Context, state, loadedModel string) error {
	pipe := s.client.Pipeline()
	pipe.Set(ctx, keyVRAMState, state, 0)
	pipe.Set(ctx, keyVRAMLoadedModel, loadedModel, 0)
	_, err := pipe.Exec(ctx)
	return err
}

// LockdownRecord mirrors §3's lockdown record shape.
type LockdownRecord struct {
	Active     bool   `json:"active"`
	Reason     string `json:"reason,omitempty"`
	UnlockCode string `json:"unlock_code,omitempty"`
}

// SetLockdown writes the lockdown record.
func (s *Store) SetLockdown(ctx context.Context, rec LockdownRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, keyLockdown, data, 0).Err()
}

// GetLockdown reads the lockdown record. A missing key is treated as an
// inactive record, not an error.
func (s *Store) GetLockdown(ctx context.Context) (LockdownRecord, error) {
	data, err := s.client.Get(ctx, keyLockdown).Bytes()
	if err == redis.Nil {
		return LockdownRecord{}, nil
	}
	if err != nil {
		return LockdownRecord{}, err
	}
	var rec LockdownRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return LockdownRecord{}, err
	}
	return rec, nil
}

// IncrStrike atomically increments the strike counter for a skill and
// returns the new value. This counter, not the metadata field, is
// authoritative for the "reached threshold" decision per §4.9.
func (s *Store) IncrStrike(ctx context.Context, skillID string) (int64, error) {
	return s.client.Incr(ctx, strikeKeyPrefix+skillID).Result()
}

// ResetStrike zeroes the strike counter after auto-deprecation.
func (s *Store) ResetStrike(ctx context.Context, skillID string) error {
	return s.client.Set(ctx, strikeKeyPrefix+skillID, 0, 0).Err()
}

// StrikeCount reads the current strike counter without mutating it.
func (s *Store) StrikeCount(ctx context.Context, skillID string) (int64, error) {
	n, err := s.client.Get(ctx, strikeKeyPrefix+skillID).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// SetHealthReport stores the dream cycle's assembled health report with a
// fixed TTL.
func (s *Store) SetHealthReport(ctx context.Context, report any, ttl time.Duration) error {
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, keyHealthReport, data, ttl).Err()
}

// GetHealthReport reads the most recent health report, if any.
func (s *Store) GetHealthReport(ctx context.Context, out any) (bool, error) {
	data, err := s.client.Get(ctx, keyHealthReport).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, err
	}
	return true, nil
}
