// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AuthGate Contributors

// Package redis implements session.Store on Redis. Sessions live under
// a per-id key with a TTL matching their expiration, plus a per-player
// index set used for lookup.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/authgate/authgate/internal/player"
	"github.com/authgate/authgate/internal/session"
)

const (
	sessionKeyPrefix = "authgate:session:"
	playerKeyPrefix  = "authgate:player_sessions:"
)

// Store implements session.Store using Redis.
type Store struct {
	client redis.UniversalClient
}

// NewStore creates a new Redis-backed session store.
func NewStore(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

func sessionKey(id string) string { return sessionKeyPrefix + id }

func playerKey(name string) string { return playerKeyPrefix + player.Key(name) }

// Create stores a new session with a TTL matching its expiration.
// Redis reaps expired sessions on its own; the per-player index is
// pruned lazily on lookup.
func (s *Store) Create(ctx context.Context, sess *session.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return oops.Code("STORAGE_ERROR").
			With("operation", "marshal session").
			Wrap(err)
	}

	ttl := time.Until(sess.ExpirationTime)
	if ttl <= 0 {
		return oops.Code("STORAGE_ERROR").
			With("operation", "create session").
			Errorf("session already expired")
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionKey(sess.ID), payload, ttl)
	pipe.SAdd(ctx, playerKey(sess.PlayerName), sess.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return oops.Code("STORAGE_ERROR").
			With("operation", "create session").
			With("player", sess.PlayerName).
			Wrap(err)
	}
	return nil
}

// FindAllByPlayer returns all live sessions for a player. Index
// entries whose session key already expired are pruned along the way.
func (s *Store) FindAllByPlayer(ctx context.Context, playerName string) ([]*session.Session, error) {
	ids, err := s.client.SMembers(ctx, playerKey(playerName)).Result()
	if err != nil {
		return nil, oops.Code("STORAGE_ERROR").
			With("operation", "list player sessions").
			With("player", playerName).
			Wrap(err)
	}

	var sessions []*session.Session
	for _, id := range ids {
		payload, err := s.client.Get(ctx, sessionKey(id)).Result()
		if errors.Is(err, redis.Nil) {
			// Session key expired under the index entry.
			_ = s.client.SRem(ctx, playerKey(playerName), id).Err()
			continue
		}
		if err != nil {
			return nil, oops.Code("STORAGE_ERROR").
				With("operation", "get session").
				With("session_id", id).
				Wrap(err)
		}
		var sess session.Session
		if err := json.Unmarshal([]byte(payload), &sess); err != nil {
			return nil, oops.Code("STORAGE_ERROR").
				With("operation", "unmarshal session").
				With("session_id", id).
				Wrap(err)
		}
		sessions = append(sessions, &sess)
	}
	return sessions, nil
}

// Delete removes a session by id.
func (s *Store) Delete(ctx context.Context, id string) error {
	sess, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sessionKey(id))
	if sess != nil {
		pipe.SRem(ctx, playerKey(sess.PlayerName), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return oops.Code("STORAGE_ERROR").
			With("operation", "delete session").
			With("session_id", id).
			Wrap(err)
	}
	return nil
}

// DeleteAllForPlayer removes every session for a player.
func (s *Store) DeleteAllForPlayer(ctx context.Context, playerName string) (int, error) {
	ids, err := s.client.SMembers(ctx, playerKey(playerName)).Result()
	if err != nil {
		return 0, oops.Code("STORAGE_ERROR").
			With("operation", "list player sessions").
			With("player", playerName).
			Wrap(err)
	}

	var deleted int
	for _, id := range ids {
		removed, err := s.client.Del(ctx, sessionKey(id)).Result()
		if err != nil {
			return deleted, oops.Code("STORAGE_ERROR").
				With("operation", "delete session").
				With("session_id", id).
				Wrap(err)
		}
		deleted += int(removed)
	}
	if err := s.client.Del(ctx, playerKey(playerName)).Err(); err != nil {
		return deleted, oops.Code("STORAGE_ERROR").
			With("operation", "delete player index").
			With("player", playerName).
			Wrap(err)
	}
	return deleted, nil
}

// Touch updates the last-activity timestamp, preserving the TTL.
func (s *Store) Touch(ctx context.Context, id string, lastActivity time.Time) error {
	sess, err := s.get(ctx, id)
	if err != nil || sess == nil {
		return err
	}
	sess.LastActivity = lastActivity
	return s.put(ctx, sess, redis.KeepTTL)
}

// Refresh extends the expiration and updates last activity.
func (s *Store) Refresh(ctx context.Context, id string, expiration, lastActivity time.Time) error {
	sess, err := s.get(ctx, id)
	if err != nil || sess == nil {
		return err
	}
	sess.ExpirationTime = expiration
	sess.LastActivity = lastActivity
	return s.put(ctx, sess, time.Until(expiration))
}

// DeleteExpired prunes index entries whose session keys have already
// been reaped by Redis TTL. Returns how many entries were pruned.
func (s *Store) DeleteExpired(ctx context.Context, _ time.Time) (int, error) {
	var pruned int
	iter := s.client.Scan(ctx, 0, playerKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		indexKey := iter.Val()
		ids, err := s.client.SMembers(ctx, indexKey).Result()
		if err != nil {
			return pruned, oops.Code("STORAGE_ERROR").
				With("operation", "list index").
				With("key", indexKey).
				Wrap(err)
		}
		for _, id := range ids {
			exists, err := s.client.Exists(ctx, sessionKey(id)).Result()
			if err != nil {
				return pruned, oops.Code("STORAGE_ERROR").
					With("operation", "check session").
					With("session_id", id).
					Wrap(err)
			}
			if exists == 0 {
				_ = s.client.SRem(ctx, indexKey, id).Err()
				pruned++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return pruned, oops.Code("STORAGE_ERROR").
			With("operation", "scan indexes").
			Wrap(err)
	}
	return pruned, nil
}

// get loads a session by id, returning (nil, nil) when absent.
func (s *Store) get(ctx context.Context, id string) (*session.Session, error) {
	payload, err := s.client.Get(ctx, sessionKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.Code("STORAGE_ERROR").
			With("operation", "get session").
			With("session_id", id).
			Wrap(err)
	}
	var sess session.Session
	if err := json.Unmarshal([]byte(payload), &sess); err != nil {
		return nil, oops.Code("STORAGE_ERROR").
			With("operation", "unmarshal session").
			With("session_id", id).
			Wrap(err)
	}
	return &sess, nil
}

func (s *Store) put(ctx context.Context, sess *session.Session, ttl time.Duration) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return oops.Code("STORAGE_ERROR").
			With("operation", "marshal session").
			Wrap(err)
	}
	if err := s.client.Set(ctx, sessionKey(sess.ID), payload, ttl).Err(); err != nil {
		return oops.Code("STORAGE_ERROR").
			With("operation", "store session").
			With("session_id", sess.ID).
			Wrap(err)
	}
	return nil
}

// Compile-time interface check.
var _ session.Store = (*Store)(nil)
