// Package keystore resolves opaque API keys to key records using a
// cache-aside scheme over the edge KV with the authority as the source of
// truth.
//
// The KV entry's side-channel tag carries one of four negative states so that
// invalid-key floods and authority outages are absorbed at the edge:
//
//	(no tag)   valid record, TTL 10 min
//	revoked    authority said 403, TTL 1 h
//	not_found  authority said 404, TTL 1 h
//	error      authority unreachable or any other status, TTL 60 s
//
// The short error TTL keeps a dead authority from being cached for an hour;
// the long revoked/not_found TTLs are billing-sensitive and deliberately so.
package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nulpointcorp/edge-gateway/internal/authority"
	"github.com/nulpointcorp/edge-gateway/internal/kv"
)

// Negative-cache tags.
const (
	TagRevoked  = "revoked"
	TagNotFound = "not_found"
	TagError    = "error"
)

// Cache TTLs per state.
const (
	ValidTTL    = 600 * time.Second
	NegativeTTL = 3600 * time.Second
	ErrorTTL    = 60 * time.Second
)

const keyPrefix = "apikey:"

// Record is the cached view of an API key.
type Record struct {
	UserID  int64  `json:"userId"`
	Active  bool   `json:"active"`
	Purpose string `json:"purpose"`
}

// Purpose values steering pipeline selection.
const (
	PurposeDefault = "default"
	PurposeCursor  = "cursor"
)

// Observer receives key-cache outcomes for metrics. May be nil.
type Observer interface {
	KeyCacheResult(result string)
}

// Store is the cache-aside key store.
type Store struct {
	kv   kv.Store
	auth *authority.Client
	log  *slog.Logger
	obs  Observer
}

// New creates a Store. obs may be nil.
func New(store kv.Store, auth *authority.Client, log *slog.Logger, obs Observer) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{kv: store, auth: auth, log: log, obs: obs}
}

// Get resolves key to a Record, or nil when the key must not authorize a
// request. Negative outcomes are cached so repeated probes with the same bad
// key never reach the authority within the TTL.
func (s *Store) Get(ctx context.Context, key string) *Record {
	if key == "" {
		return nil
	}

	kvKey := keyPrefix + key

	if entry, ok := s.kv.Get(ctx, kvKey); ok {
		if entry.Negative() {
			s.observe("negative_" + entry.Tag)
			return nil
		}
		var rec Record
		if err := json.Unmarshal(entry.Value, &rec); err == nil {
			s.observe("hit")
			return &rec
		}
		// Corrupt cached value: fall through to the authority.
		s.log.Warn("keystore_corrupt_entry", slog.String("key", kvKey))
	}

	s.observe("miss")
	return s.verify(ctx, key, kvKey)
}

// verify calls the authority and writes the appropriate cache state.
func (s *Store) verify(ctx context.Context, key, kvKey string) *Record {
	auth, err := s.auth.VerifyKey(ctx, key)

	switch {
	case err == nil:
		rec := &Record{
			UserID:  auth.UserID,
			Active:  auth.IsActive,
			Purpose: purposeOrDefault(auth.Purpose),
		}
		if data, merr := json.Marshal(rec); merr == nil {
			_ = s.kv.Set(ctx, kvKey, data, "", ValidTTL)
		}
		return rec

	case errors.Is(err, authority.ErrKeyRevoked):
		_ = s.kv.Set(ctx, kvKey, nil, TagRevoked, NegativeTTL)
		return nil

	case errors.Is(err, authority.ErrKeyNotFound):
		_ = s.kv.Set(ctx, kvKey, nil, TagNotFound, NegativeTTL)
		return nil

	default:
		s.log.Warn("keystore_verify_error", slog.String("error", err.Error()))
		_ = s.kv.Set(ctx, kvKey, nil, TagError, ErrorTTL)
		return nil
	}
}

// Invalidate removes the cache entry for key so the next read goes back to
// the authority. Used for immediate revocation propagation.
func (s *Store) Invalidate(ctx context.Context, key string) error {
	return s.kv.Delete(ctx, keyPrefix+key)
}

func (s *Store) observe(result string) {
	if s.obs != nil {
		s.obs.KeyCacheResult(result)
	}
}

func purposeOrDefault(p string) string {
	if p == "" {
		return PurposeDefault
	}
	return p
}
