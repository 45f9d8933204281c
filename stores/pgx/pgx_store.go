// Package pgx is a PostgreSQL-backed EventStore/SnapshotStore pair built
// on jackc/pgx. Writes go through a transaction-per-append with
// optimistic concurrency by offset check; a unique-violation on the
// (stream_id, offset) index is the race-loser's signal to retry.
//
// Expected schema (see schema.sql alongside this file):
//
//	events(stream_id, offset, lamport, tags, payload, timestamp_micros)
//	snapshots(aggregate_id, tag, event_key_lamport, event_key_stream,
//	          event_key_offset, offsets, horizon_lamport, horizon_stream,
//	          horizon_offset, cycle, state_blob)
//	lamport_seq: a sequence shared by all streams, assigning the total
//	order across sources.
package pgx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mickamy/fes"
)

// PayloadCodec serializes and deserializes event payloads. The default
// round-trips through JSON into map[string]any, since the store has no
// way to know the concrete payload type ahead of decode; applications
// with a closed set of payload types should supply their own codec
// (e.g. one that dispatches on an embedded discriminator field).
type PayloadCodec = fes.EventCodec

func defaultPayloadCodec() PayloadCodec { return fes.JSONCodec[map[string]any]() }

// Store is a PostgreSQL-backed fes.EventStore, fes.SnapshotStore, and
// fes.Ingestor.
type Store struct {
	pool      *pgxpool.Pool
	codec     PayloadCodec
	extractor fes.MetadataExtractor
	retry     func() backoff.BackOff
}

// Option configures a Store.
type Option func(*Store)

// WithPayloadCodec overrides the default JSON/map[string]any payload codec.
func WithPayloadCodec(codec PayloadCodec) Option {
	return func(s *Store) { s.codec = codec }
}

// WithMetadataExtractor sets a function that builds Metadata from
// context. When provided, Append merges extracted metadata with the
// explicit md; explicit keys take precedence.
func WithMetadataExtractor(ex fes.MetadataExtractor) Option {
	return func(s *Store) { s.extractor = ex }
}

// WithRetryPolicy overrides the backoff policy used to retry transient
// failures of Store (serialization failures, connection resets);
// Retrieve and Invalidate are not retried.
// factory is called fresh for every retried operation, since a
// backoff.BackOff is stateful and not safe to reuse across calls.
func WithRetryPolicy(factory func() backoff.BackOff) Option {
	return func(s *Store) { s.retry = factory }
}

func defaultRetryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	return backoff.WithMaxRetries(b, 3)
}

// New creates a Postgres-backed Store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:  pool,
		codec: defaultPayloadCodec(),
		retry: defaultRetryPolicy,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append implements fes.Ingestor.
func (s *Store) Append(
	ctx context.Context,
	stream fes.StreamID,
	expectedOffset uint64,
	events []fes.Event,
	md fes.Metadata,
) (uint64, error) {
	if s.extractor != nil {
		md = s.extractor(ctx).Merge(md)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("fes-pgx: begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var currentOffset uint64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX("offset"), 0) FROM events WHERE stream_id = $1`,
		string(stream),
	).Scan(&currentOffset); err != nil {
		return 0, fmt.Errorf("fes-pgx: read current offset: %w", err)
	}
	if currentOffset != expectedOffset {
		return 0, &fes.OffsetConflictError{Stream: stream, ExpectedOffset: expectedOffset, ActualOffset: currentOffset}
	}

	if len(events) == 0 {
		if err := tx.Commit(ctx); err != nil {
			return 0, fmt.Errorf("fes-pgx: commit: %w", err)
		}
		return currentOffset, nil
	}

	metaJSON, err := json.Marshal(md)
	if err != nil {
		return 0, fmt.Errorf("fes-pgx: encode metadata: %w", err)
	}

	for _, e := range events {
		currentOffset++
		payload, err := s.codec.Encode(e.Payload)
		if err != nil {
			return 0, fmt.Errorf("fes-pgx: encode payload: %w", err)
		}
		tags := make([]string, 0, len(e.Tags))
		for t := range e.Tags {
			tags = append(tags, t)
		}
		tagsJSON, err := json.Marshal(tags)
		if err != nil {
			return 0, fmt.Errorf("fes-pgx: encode tags: %w", err)
		}

		var lamport uint64
		if err := tx.QueryRow(ctx, `SELECT nextval('lamport_seq')`).Scan(&lamport); err != nil {
			return 0, fmt.Errorf("fes-pgx: assign lamport: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO events (stream_id, "offset", lamport, tags, payload, timestamp_micros, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, string(stream), currentOffset, lamport, tagsJSON, payload, e.TimestampMicros, metaJSON); err != nil {
			if isUniqueViolation(err) {
				var actual uint64
				_ = tx.QueryRow(ctx,
					`SELECT COALESCE(MAX("offset"), 0) FROM events WHERE stream_id = $1`,
					string(stream),
				).Scan(&actual)
				return 0, &fes.OffsetConflictError{Stream: stream, ExpectedOffset: expectedOffset, ActualOffset: actual}
			}
			return 0, fmt.Errorf("fes-pgx: insert event: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("fes-pgx: commit: %w", err)
	}
	return currentOffset, nil
}

// Present implements fes.EventStore.
func (s *Store) Present(ctx context.Context) (fes.OffsetMap, error) {
	rows, err := s.pool.Query(ctx, `SELECT stream_id, MAX("offset") FROM events GROUP BY stream_id`)
	if err != nil {
		return nil, fmt.Errorf("fes-pgx: query present offsets: %w", err)
	}
	defer rows.Close()

	out := make(fes.OffsetMap)
	for rows.Next() {
		var stream string
		var offset uint64
		if err := rows.Scan(&stream, &offset); err != nil {
			return nil, fmt.Errorf("fes-pgx: scan present offset: %w", err)
		}
		out[fes.StreamID(stream)] = offset
	}
	return out, rows.Err()
}

// PersistedEvents implements fes.EventStore. Per-stream offset bounds
// are applied client-side to the scanned rows, not in SQL; the opaque
// Filter predicate (if any) is also applied client-side after decoding,
// since it cannot be translated to SQL. horizon is pushed down as a lamport lower bound as an
// optimization only — the orchestrator re-enforces it in memory
// regardless, so a conservative (looser) server-side bound is safe.
func (s *Store) PersistedEvents(
	ctx context.Context,
	id fes.Identity,
	fromExclusive fes.OffsetMap,
	toInclusive fes.OffsetMap,
	filter fes.Filter,
	order fes.Order,
	horizon *fes.EventKey,
) (<-chan fes.Chunk, <-chan error) {
	out := make(chan fes.Chunk, 1)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		orderSQL := "ASC"
		if order == fes.Descending {
			orderSQL = "DESC"
		}
		query := fmt.Sprintf(`
			SELECT stream_id, "offset", lamport, tags, payload, timestamp_micros
			FROM events
			WHERE ($1::bigint IS NULL OR lamport > $1)
			ORDER BY lamport %s
		`, orderSQL)

		var lamportFloor *uint64
		if horizon != nil {
			l := horizon.Lamport
			lamportFloor = &l
		}

		rows, err := s.pool.Query(ctx, query, lamportFloor)
		if err != nil {
			errc <- fmt.Errorf("fes-pgx: query persisted events: %w", err)
			return
		}
		defer rows.Close()

		var chunk fes.Chunk
		for rows.Next() {
			var streamID string
			var offset, lamport, timestampMicros uint64
			var tagsJSON, payloadJSON []byte

			if err := rows.Scan(&streamID, &offset, &lamport, &tagsJSON, &payloadJSON, &timestampMicros); err != nil {
				errc <- fmt.Errorf("fes-pgx: scan persisted event: %w", err)
				return
			}

			stream := fes.StreamID(streamID)
			if from := fromExclusive.Get(stream); offset <= from {
				continue
			}
			if toInclusive != nil {
				if to, ok := toInclusive[stream]; ok && offset > to {
					continue
				}
			}
			if horizon != nil {
				key := fes.EventKey{Lamport: lamport, Stream: stream, Offset: offset}
				if key.Compare(*horizon) <= 0 {
					continue
				}
			}

			payload, err := s.codec.Decode(payloadJSON)
			if err != nil {
				errc <- fmt.Errorf("fes-pgx: decode payload: %w", err)
				return
			}
			var tagList []string
			if err := json.Unmarshal(tagsJSON, &tagList); err != nil {
				errc <- fmt.Errorf("fes-pgx: decode tags: %w", err)
				return
			}

			e := fes.Event{
				Key:             fes.EventKey{Lamport: lamport, Stream: stream, Offset: offset},
				Source:          stream,
				Offset:          offset,
				Tags:            fes.NewTagSet(tagList...),
				Payload:         payload,
				TimestampMicros: timestampMicros,
			}
			if filter != nil && !filter(e) {
				continue
			}
			chunk = append(chunk, e)
		}
		if err := rows.Err(); err != nil {
			errc <- fmt.Errorf("fes-pgx: iterate persisted events: %w", err)
			return
		}
		if len(chunk) > 0 {
			select {
			case out <- chunk:
			case <-ctx.Done():
				errc <- ctx.Err()
			}
		}
	}()

	return out, errc
}

// Store implements fes.SnapshotStore, retrying transient failures
// (connection resets, serialization failures) with the configured
// backoff policy before surfacing the error.
func (s *Store) Store(ctx context.Context, id fes.Identity, tag string, snap fes.LocalSnapshot[[]byte]) (bool, error) {
	var stored bool
	err := backoff.Retry(func() error {
		var err error
		stored, err = s.storeOnce(ctx, id, tag, snap)
		if err != nil && isTransient(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, s.retry())
	return stored, err
}

func (s *Store) storeOnce(ctx context.Context, id fes.Identity, tag string, snap fes.LocalSnapshot[[]byte]) (bool, error) {
	var horizonLamport, horizonOffset *uint64
	var horizonStream *string
	if snap.Horizon != nil {
		l, o, st := snap.Horizon.Lamport, snap.Horizon.Offset, string(snap.Horizon.Stream)
		horizonLamport, horizonOffset, horizonStream = &l, &o, &st
	}
	offsetsJSON, err := json.Marshal(snap.Offsets)
	if err != nil {
		return false, fmt.Errorf("fes-pgx: encode offsets: %w", err)
	}

	tag2, err := s.pool.Exec(ctx, `
		INSERT INTO snapshots (
			aggregate_id, tag, event_key_lamport, event_key_stream, event_key_offset,
			offsets, horizon_lamport, horizon_stream, horizon_offset, cycle, state_blob
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (aggregate_id, tag) DO UPDATE SET
			event_key_lamport = EXCLUDED.event_key_lamport,
			event_key_stream  = EXCLUDED.event_key_stream,
			event_key_offset  = EXCLUDED.event_key_offset,
			offsets           = EXCLUDED.offsets,
			horizon_lamport   = EXCLUDED.horizon_lamport,
			horizon_stream    = EXCLUDED.horizon_stream,
			horizon_offset    = EXCLUDED.horizon_offset,
			cycle             = EXCLUDED.cycle,
			state_blob        = EXCLUDED.state_blob
		WHERE snapshots.cycle < EXCLUDED.cycle
	`, id.String(), tag, snap.EventKey.Lamport, string(snap.EventKey.Stream), snap.EventKey.Offset,
		offsetsJSON, horizonLamport, horizonStream, horizonOffset, snap.Cycle, snap.StateBlob)
	if err != nil {
		return false, fmt.Errorf("fes-pgx: store snapshot: %w", err)
	}
	return tag2.RowsAffected() > 0, nil
}

// Retrieve implements fes.SnapshotStore, returning the snapshot with the
// highest EventKey across all tags for id.
func (s *Store) Retrieve(ctx context.Context, id fes.Identity) (fes.LocalSnapshot[[]byte], bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT event_key_lamport, event_key_stream, event_key_offset,
		       offsets, horizon_lamport, horizon_stream, horizon_offset, cycle, state_blob
		FROM snapshots
		WHERE aggregate_id = $1
		ORDER BY event_key_lamport DESC, event_key_stream DESC
		LIMIT 1
	`, id.String())

	var lamport, offset, cycle uint64
	var stream string
	var horizonLamport, horizonOffset *uint64
	var horizonStream *string
	var offsetsJSON []byte
	var blob []byte

	if err := row.Scan(&lamport, &stream, &offset, &offsetsJSON, &horizonLamport, &horizonStream, &horizonOffset, &cycle, &blob); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fes.LocalSnapshot[[]byte]{}, false, nil
		}
		return fes.LocalSnapshot[[]byte]{}, false, fmt.Errorf("fes-pgx: scan snapshot: %w", err)
	}

	var offsets fes.OffsetMap
	if err := json.Unmarshal(offsetsJSON, &offsets); err != nil {
		return fes.LocalSnapshot[[]byte]{}, false, fmt.Errorf("fes-pgx: decode offsets: %w", err)
	}

	var horizon *fes.EventKey
	if horizonLamport != nil && horizonStream != nil && horizonOffset != nil {
		horizon = &fes.EventKey{Lamport: *horizonLamport, Stream: fes.StreamID(*horizonStream), Offset: *horizonOffset}
	}

	return fes.LocalSnapshot[[]byte]{
		StateBlob: blob,
		Offsets:   offsets,
		EventKey:  fes.EventKey{Lamport: lamport, Stream: fes.StreamID(stream), Offset: offset},
		Horizon:   horizon,
		Cycle:     cycle,
	}, true, nil
}

// Invalidate implements fes.SnapshotStore.
func (s *Store) Invalidate(ctx context.Context, id fes.Identity, atOrAbove fes.EventKey) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM snapshots
		WHERE aggregate_id = $1 AND event_key_lamport >= $2
	`, id.String(), atOrAbove.Lamport)
	if err != nil {
		return fmt.Errorf("fes-pgx: invalidate snapshots: %w", err)
	}
	return nil
}

var (
	_ fes.EventStore            = (*Store)(nil)
	_ fes.Ingestor              = (*Store)(nil)
	_ fes.SnapshotStore[[]byte] = (*Store)(nil)
)
