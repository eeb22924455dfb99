// Package queue provides the durable on-device queue of records waiting to be
// synchronized, together with their audio artifacts.
//
// Every mutation is a single SQLite transaction, so a record and its artifact
// are either both visible or both absent, and a reader never observes a record
// marked synced that still holds an artifact.
package queue

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sociapp/fieldsync/internal/db"
	apperrors "github.com/sociapp/fieldsync/internal/errors"
	"github.com/sociapp/fieldsync/internal/logging"
	"github.com/sociapp/fieldsync/internal/models"
	"github.com/sociapp/fieldsync/internal/uuid"
)

// Options configures a Queue.
type Options struct {
	// MaxSize caps the number of stored records; 0 means unlimited.
	// A full queue rejects Enqueue rather than dropping anything.
	MaxSize int

	Now    func() time.Time
	NewID  uuid.Generator
	Logger *logging.Logger
}

// Queue is a SQLite-backed store of pending records.
type Queue struct {
	db      *sql.DB
	owned   *db.DB
	maxSize int
	now     func() time.Time
	newID   uuid.Generator
	log     *logging.Logger
}

// Open opens (or creates) the device database in dataDir and returns a Queue
// that owns it. Close releases the database.
func Open(dataDir string, opts Options) (*Queue, error) {
	database, err := db.Open(dataDir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, "open queue store", err)
	}
	q := New(database.DB, opts)
	q.owned = database
	return q, nil
}

// New returns a Queue over an already migrated database. The caller keeps
// ownership of sqlDB.
func New(sqlDB *sql.DB, opts Options) *Queue {
	q := &Queue{
		db:      sqlDB,
		maxSize: opts.MaxSize,
		now:     opts.Now,
		newID:   opts.NewID,
		log:     opts.Logger,
	}
	if q.now == nil {
		q.now = time.Now
	}
	if q.newID == nil {
		q.newID = uuid.NewRandom
	}
	if q.log == nil {
		q.log = logging.Get()
	}
	return q
}

// Close closes the database if the Queue opened it.
func (q *Queue) Close() error {
	if q.owned == nil {
		return nil
	}
	return q.owned.Close()
}

func persistenceErr(op string, err error) error {
	return apperrors.Wrap(apperrors.ErrPersistence, op, err)
}

func notFound(localID string) error {
	return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("record %s not found", localID))
}

// Enqueue validates fields, assigns a fresh local id and stores the record and
// the optional artifact in one transaction. The returned id is only valid if
// err is nil; on error nothing was persisted.
func (q *Queue) Enqueue(ctx context.Context, fields models.RecordFields, artifact *models.Artifact) (string, error) {
	if err := fields.Validate(); err != nil {
		return "", apperrors.Wrap(apperrors.ErrValidation, "invalid record", err)
	}
	if artifact != nil && len(artifact.Data) == 0 {
		return "", apperrors.New(apperrors.ErrValidation, "artifact is empty")
	}

	payload, err := json.Marshal(fields)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrValidation, "encode record", err)
	}

	localID, err := q.newID()
	if err != nil {
		return "", persistenceErr("enqueue", err)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", persistenceErr("enqueue", err)
	}
	defer tx.Rollback()

	if q.maxSize > 0 {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_records`).Scan(&count); err != nil {
			return "", persistenceErr("enqueue", err)
		}
		if count >= q.maxSize {
			return "", apperrors.New(apperrors.ErrPersistence, fmt.Sprintf("queue is full (max size: %d)", q.maxSize))
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO pending_records (local_id, payload, enqueued_at, synced, attempts) VALUES (?, ?, ?, 0, 0)`,
		localID, string(payload), q.now().UnixNano())
	if err != nil {
		return "", persistenceErr("enqueue record", err)
	}

	if artifact != nil {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO artifacts (local_id, data, mime_type, transcoded, size) VALUES (?, ?, ?, ?, ?)`,
			localID, artifact.Data, artifact.MIMEType, artifact.Transcoded, len(artifact.Data))
		if err != nil {
			return "", persistenceErr("enqueue artifact", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", persistenceErr("enqueue commit", err)
	}

	q.log.Info("Record enqueued", map[string]interface{}{
		"local_id":     localID,
		"has_artifact": artifact != nil,
	})
	return localID, nil
}

const selectRecord = `
SELECT r.local_id, r.payload, r.enqueued_at, r.synced, r.last_error, r.attempts,
       EXISTS(SELECT 1 FROM artifacts a WHERE a.local_id = r.local_id)
FROM pending_records r`

// ListPending returns all unsynced records in insertion order.
func (q *Queue) ListPending(ctx context.Context) ([]*models.PendingRecord, error) {
	return q.list(ctx, selectRecord+` WHERE r.synced = 0 ORDER BY r.seq`)
}

// ListAll returns every stored record, synced or not, in insertion order.
func (q *Queue) ListAll(ctx context.Context) ([]*models.PendingRecord, error) {
	return q.list(ctx, selectRecord+` ORDER BY r.seq`)
}

func (q *Queue) list(ctx context.Context, query string) ([]*models.PendingRecord, error) {
	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, persistenceErr("list records", err)
	}
	defer rows.Close()

	var records []*models.PendingRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, persistenceErr("list records", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceErr("list records", err)
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*models.PendingRecord, error) {
	var (
		rec        models.PendingRecord
		payload    string
		enqueuedAt int64
		lastError  sql.NullString
	)
	if err := s.Scan(&rec.LocalID, &payload, &enqueuedAt, &rec.Synced, &lastError, &rec.Attempts, &rec.HasArtifact); err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
	dec.UseNumber()
	if err := dec.Decode(&rec.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", rec.LocalID, err)
	}

	rec.EnqueuedAt = time.Unix(0, enqueuedAt)
	if lastError.Valid {
		msg := lastError.String
		rec.LastError = &msg
	}
	return &rec, nil
}

// Get returns a single record by local id.
func (q *Queue) Get(ctx context.Context, localID string) (*models.PendingRecord, error) {
	row := q.db.QueryRowContext(ctx, selectRecord+` WHERE r.local_id = ?`, localID)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, notFound(localID)
	}
	if err != nil {
		return nil, persistenceErr("get record", err)
	}
	return rec, nil
}

// GetArtifact returns the artifact of a record, or nil when it has none.
func (q *Queue) GetArtifact(ctx context.Context, localID string) (*models.Artifact, error) {
	a := models.Artifact{LocalID: localID}
	err := q.db.QueryRowContext(ctx,
		`SELECT data, mime_type, transcoded FROM artifacts WHERE local_id = ?`, localID,
	).Scan(&a.Data, &a.MIMEType, &a.Transcoded)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, persistenceErr("get artifact", err)
	}
	return &a, nil
}

// MarkSynced flags the record as synced and deletes its artifact atomically.
func (q *Queue) MarkSynced(ctx context.Context, localID string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return persistenceErr("mark synced", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE pending_records SET synced = 1, last_error = NULL WHERE local_id = ?`, localID)
	if err != nil {
		return persistenceErr("mark synced", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return persistenceErr("mark synced", err)
	} else if n == 0 {
		return notFound(localID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM artifacts WHERE local_id = ?`, localID); err != nil {
		return persistenceErr("mark synced", err)
	}

	if err := tx.Commit(); err != nil {
		return persistenceErr("mark synced commit", err)
	}
	return nil
}

// RecordError stores message as the record's most recent failure and counts
// the attempt. The synced flag is left untouched.
func (q *Queue) RecordError(ctx context.Context, localID, message string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE pending_records SET last_error = ?, attempts = attempts + 1 WHERE local_id = ?`,
		message, localID)
	if err != nil {
		return persistenceErr("record error", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistenceErr("record error", err)
	}
	if n == 0 {
		return notFound(localID)
	}
	return nil
}

// Remove hard-deletes a record and its artifact.
func (q *Queue) Remove(ctx context.Context, localID string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return persistenceErr("remove", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM artifacts WHERE local_id = ?`, localID); err != nil {
		return persistenceErr("remove artifact", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM pending_records WHERE local_id = ?`, localID)
	if err != nil {
		return persistenceErr("remove record", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return persistenceErr("remove record", err)
	} else if n == 0 {
		return notFound(localID)
	}

	if err := tx.Commit(); err != nil {
		return persistenceErr("remove commit", err)
	}

	q.log.Info("Record removed", map[string]interface{}{"local_id": localID})
	return nil
}

// PruneSynced deletes every synced record and returns how many were removed.
// Calling it again without new successes removes nothing.
func (q *Queue) PruneSynced(ctx context.Context) (int, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, persistenceErr("prune", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM artifacts WHERE local_id IN (SELECT local_id FROM pending_records WHERE synced = 1)`); err != nil {
		return 0, persistenceErr("prune artifacts", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM pending_records WHERE synced = 1`)
	if err != nil {
		return 0, persistenceErr("prune records", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, persistenceErr("prune records", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, persistenceErr("prune commit", err)
	}

	if n > 0 {
		q.log.Info("Pruned synced records", map[string]interface{}{"count": n})
	}
	return int(n), nil
}

// PendingCount returns the number of unsynced records.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	var count int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_records WHERE synced = 0`).Scan(&count); err != nil {
		return 0, persistenceErr("count pending", err)
	}
	return count, nil
}

// Stats returns record counts by state.
func (q *Queue) Stats(ctx context.Context) (map[string]int, error) {
	var total, pending, failed, synced, artifacts int
	err := q.db.QueryRowContext(ctx, `
	SELECT COUNT(*),
	       COALESCE(SUM(CASE WHEN synced = 0 THEN 1 ELSE 0 END), 0),
	       COALESCE(SUM(CASE WHEN synced = 0 AND last_error IS NOT NULL THEN 1 ELSE 0 END), 0),
	       COALESCE(SUM(CASE WHEN synced = 1 THEN 1 ELSE 0 END), 0),
	       (SELECT COUNT(*) FROM artifacts)
	FROM pending_records`).Scan(&total, &pending, &failed, &synced, &artifacts)
	if err != nil {
		return nil, persistenceErr("queue stats", err)
	}

	return map[string]int{
		"total":     total,
		"pending":   pending,
		"failed":    failed,
		"synced":    synced,
		"artifacts": artifacts,
	}, nil
}
