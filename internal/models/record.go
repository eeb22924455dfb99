// Package models provides data model definitions for the FieldSync core.
package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// RecordFields holds the free-form survey fields of a record.
// Values are restricted to scalars: string, bool, integer and floating point
// numbers, json.Number, and nil. Validate enforces this once at enqueue time.
type RecordFields map[string]interface{}

// Validate checks that every key is non-empty and every value is a scalar.
func (f RecordFields) Validate() error {
	if len(f) == 0 {
		return fmt.Errorf("record has no fields")
	}
	for _, k := range f.Keys() {
		if k == "" {
			return fmt.Errorf("record field with empty name")
		}
		switch v := f[k].(type) {
		case nil, string, bool, json.Number,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64:
		default:
			return fmt.Errorf("field %q has non-scalar value of type %T", k, v)
		}
	}
	return nil
}

// Keys returns the field names in sorted order.
func (f RecordFields) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a shallow copy; scalar values make it a full copy.
func (f RecordFields) Clone() RecordFields {
	out := make(RecordFields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// String returns the value of key as a string, or "" when absent or not a string.
func (f RecordFields) String(key string) string {
	s, _ := f[key].(string)
	return s
}

// PendingRecord is a completed survey waiting to be created remotely.
type PendingRecord struct {
	LocalID     string       `db:"local_id" json:"local_id"`
	Payload     RecordFields `db:"payload" json:"payload"`
	EnqueuedAt  time.Time    `db:"enqueued_at" json:"enqueued_at"`
	Synced      bool         `db:"synced" json:"synced"`
	LastError   *string      `db:"last_error" json:"last_error"`
	Attempts    int          `db:"attempts" json:"attempts"`
	HasArtifact bool         `db:"-" json:"has_artifact"`
}

// TableName returns the table name for PendingRecord.
func (PendingRecord) TableName() string {
	return "pending_records"
}

// ErrorMessage returns LastError or "" when the record never failed.
func (r *PendingRecord) ErrorMessage() string {
	if r.LastError == nil {
		return ""
	}
	return *r.LastError
}

// Artifact is the audio attachment of a record. LocalID is the owning
// record's id; an artifact never exists on its own.
type Artifact struct {
	LocalID    string `db:"local_id" json:"local_id"`
	Data       []byte `db:"data" json:"-"`
	MIMEType   string `db:"mime_type" json:"mime_type"`
	Transcoded bool   `db:"transcoded" json:"transcoded"`
}

// TableName returns the table name for Artifact.
func (Artifact) TableName() string {
	return "artifacts"
}

// Extension returns the upload file extension for the artifact's MIME type.
func (a *Artifact) Extension() string {
	return ExtensionForMIME(a.MIMEType)
}

// ExtensionForMIME maps an audio MIME type to a file extension, defaulting to mp3.
func ExtensionForMIME(mime string) string {
	contains := strings.Contains
	switch {
	case contains(mime, "webm"):
		return "webm"
	case contains(mime, "mp4"), contains(mime, "m4a"):
		return "m4a"
	case contains(mime, "wav"):
		return "wav"
	case contains(mime, "ogg"):
		return "ogg"
	default:
		return "mp3"
	}
}
