// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/DualNBack/services/nback/engine"
	"github.com/AleutianAI/DualNBack/services/nback/telemetry"
)

const (
	blockPrefix = "block/"
	timePrefix  = "time/"

	// DefaultRecentLimit is used by Recent when limit <= 0.
	DefaultRecentLimit = 20

	// saveTimeout bounds a save triggered from the engine event stream.
	saveTimeout = 5 * time.Second

	tracerName = "nback.storage"
)

var (
	// ErrEmptySession is returned for a result without a session ID.
	ErrEmptySession = errors.New("block result has no session id")

	// ErrInvalidSession is returned for a session ID containing '/'.
	ErrInvalidSession = errors.New("session id must not contain '/'")
)

// SessionInfo summarizes one stored session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Blocks    int       `json:"blocks"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	StartN    int       `json:"start_n"`
	LastN     int       `json:"last_n"`
	PeakN     int       `json:"peak_n"`
}

// ResultStore persists engine.BlockResult values.
//
// # Thread Safety
//
// Safe for concurrent use.
type ResultStore struct {
	db     *DB
	logger *slog.Logger
}

// NewResultStore creates a store over db.
//
// Inputs:
//   - db: Open database. Must not be nil. The store does not close it.
//   - logger: Logger for listener failures. Nil uses slog.Default().
//
// Outputs:
//   - *ResultStore: The store.
//   - error: ErrNilDB if db is nil.
func NewResultStore(db *DB, logger *slog.Logger) (*ResultStore, error) {
	if db == nil {
		return nil, ErrNilDB
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResultStore{
		db:     db,
		logger: logger.With(slog.String("component", "nback_storage")),
	}, nil
}

// SaveBlock stores r. Saving the same session and block again overwrites it.
//
// Outputs:
//   - error: ErrEmptySession, ErrInvalidSession, or a wrapped badger error.
func (s *ResultStore) SaveBlock(ctx context.Context, r engine.BlockResult) (err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "ResultStore.SaveBlock",
		trace.WithAttributes(
			attribute.String("nback.session_id", r.SessionID),
			attribute.Int("nback.block", r.Block),
		))
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.SetSpanOK(span)
		}
		span.End()
	}()

	if err := validateSession(r.SessionID); err != nil {
		return err
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode block result: %w", err)
	}
	key := blockKey(r.SessionID, r.Block)

	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if old, err := getResult(txn, key); err == nil {
			if err := txn.Delete(timeKey(old)); err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(timeKey(r), key)
	})
	if err != nil {
		return fmt.Errorf("save block %s/%d: %w", r.SessionID, r.Block, err)
	}
	return nil
}

// ListSession returns the blocks of session id in block order.
func (s *ResultStore) ListSession(ctx context.Context, id string) ([]engine.BlockResult, error) {
	if err := validateSession(id); err != nil {
		return nil, err
	}

	var out []engine.BlockResult
	prefix := []byte(blockPrefix + id + "/")
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			r, err := decodeItem(it.Item())
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list session %s: %w", id, err)
	}
	return out, nil
}

// Recent returns up to limit results, newest first by end time.
func (s *ResultStore) Recent(ctx context.Context, limit int) ([]engine.BlockResult, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	var out []engine.BlockResult
	prefix := []byte(timePrefix)
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append([]byte(timePrefix), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			primary, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			r, err := getResult(txn, primary)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recent results: %w", err)
	}
	return out, nil
}

// Sessions returns one summary per stored session, most recent first.
func (s *ResultStore) Sessions(ctx context.Context) ([]SessionInfo, error) {
	bySession := make(map[string]*SessionInfo)
	var order []string

	prefix := []byte(blockPrefix)
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			r, err := decodeItem(it.Item())
			if err != nil {
				return err
			}
			info, ok := bySession[r.SessionID]
			if !ok {
				info = &SessionInfo{
					ID:        r.SessionID,
					StartedAt: r.StartedAt,
					StartN:    r.N,
				}
				bySession[r.SessionID] = info
				order = append(order, r.SessionID)
			}
			// Blocks iterate in order within a session.
			info.Blocks++
			info.EndedAt = r.EndedAt
			info.LastN = r.NextN
			info.PeakN = max(info.PeakN, r.N)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	out := make([]SessionInfo, 0, len(order))
	for _, id := range order {
		out = append(out, *bySession[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EndedAt.After(out[j].EndedAt)
	})
	return out, nil
}

// DeleteSession removes every block of session id.
//
// Outputs:
//   - int: Number of blocks removed.
//   - error: Non-nil on failure.
func (s *ResultStore) DeleteSession(ctx context.Context, id string) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "ResultStore.DeleteSession",
		trace.WithAttributes(attribute.String("nback.session_id", id)))
	defer span.End()

	blocks, err := s.ListSession(ctx, id)
	if err != nil {
		telemetry.RecordError(span, err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("nback.blocks", len(blocks)))
	if len(blocks) == 0 {
		telemetry.SetSpanOK(span)
		return 0, nil
	}

	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, r := range blocks {
			if err := txn.Delete(blockKey(r.SessionID, r.Block)); err != nil {
				return err
			}
			if err := txn.Delete(timeKey(r)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		telemetry.RecordErrorf(span, "delete session %s: %v", id, err)
		return 0, fmt.Errorf("delete session %s: %w", id, err)
	}
	telemetry.SetSpanOK(span)
	return len(blocks), nil
}

// Listener returns an engine.Listener that saves every completed block.
//
// Save failures are logged; the engine never sees them.
func (s *ResultStore) Listener() engine.Listener {
	return engine.ListenerFunc(func(e engine.Event) {
		if e.Kind != engine.EventBlockCompleted || e.Result == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()

		if err := s.SaveBlock(ctx, *e.Result); err != nil {
			s.logger.Error("failed to save block result",
				slog.String("session_id", e.Result.SessionID),
				slog.Int("block", e.Result.Block),
				slog.String("error", err.Error()),
			)
			return
		}
		s.logger.Debug("block result saved",
			slog.String("session_id", e.Result.SessionID),
			slog.Int("block", e.Result.Block),
		)
	})
}

// -----------------------------------------------------------------------------
// Keys and encoding
// -----------------------------------------------------------------------------

func validateSession(id string) error {
	if id == "" {
		return ErrEmptySession
	}
	if strings.Contains(id, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidSession, id)
	}
	return nil
}

func blockKey(session string, block int) []byte {
	return []byte(fmt.Sprintf("%s%s/%06d", blockPrefix, session, block))
}

func timeKey(r engine.BlockResult) []byte {
	var ns int64
	if r.EndedAt.After(time.Unix(0, 0)) {
		ns = r.EndedAt.UnixNano()
	}
	return []byte(fmt.Sprintf("%s%020d/%s/%06d", timePrefix, ns, r.SessionID, r.Block))
}

func getResult(txn *badger.Txn, key []byte) (engine.BlockResult, error) {
	item, err := txn.Get(key)
	if err != nil {
		return engine.BlockResult{}, err
	}
	return decodeItem(item)
}

func decodeItem(item *badger.Item) (engine.BlockResult, error) {
	var r engine.BlockResult
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &r)
	})
	if err != nil {
		return r, fmt.Errorf("decode %s: %w", item.Key(), err)
	}
	return r, nil
}
