package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// AuditEvent is one immutable entry in a run's hash chain. Events are
// constructed fully formed by NewAuditEvent and never updated or deleted;
// tampering is detectable by recomputing hashes at any time.
type AuditEvent struct {
	ID           int            `gorm:"primary_key" json:"id"`
	EventId      string         `gorm:"size:64;uniqueIndex;not null" json:"event_id"`
	RunId        string         `gorm:"size:64;uniqueIndex:uniq_run_seq,priority:1;not null" json:"run_id"`
	Sequence     int64          `gorm:"uniqueIndex:uniq_run_seq,priority:2;not null" json:"sequence"`
	EventType    AuditEventType `gorm:"size:40;index;not null" json:"event_type"`
	Timestamp    time.Time      `gorm:"not null" json:"timestamp"`
	ActorType    ActorType      `gorm:"size:20;not null" json:"actor_type"`
	ActorId      string         `gorm:"size:100" json:"actor_id"`
	EntityType   string         `gorm:"size:50;index" json:"entity_type"`
	EntityId     string         `gorm:"size:64;index" json:"entity_id"`
	EventData    []byte         `gorm:"type:json" json:"event_data"`
	Hash         string         `gorm:"size:64;not null" json:"hash"`
	PreviousHash string         `gorm:"size:64;not null;default:''" json:"previous_hash"`
	CreatedAt    time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

// ComputeEventHash derives the content hash for an audit event:
// hex(sha256(event_id | timestamp | event_data)). The timestamp is rendered
// in RFC3339Nano UTC so the hash is stable across machines and drivers.
// Callers must hash the timestamp at storage precision; NewAuditEvent takes
// care of that.
func ComputeEventHash(eventId string, timestamp time.Time, eventData []byte) string {
	h := sha256.New()
	h.Write([]byte(eventId))
	h.Write([]byte("|"))
	h.Write([]byte(timestamp.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte("|"))
	h.Write(eventData)
	return hex.EncodeToString(h.Sum(nil))
}

// NewAuditEvent builds a fully-formed, hash-complete event. The caller
// supplies the previous hash and sequence fetched from the chain tail; the
// factory has no side effects and hits no storage.
//
// The timestamp is truncated to millisecond precision before hashing: MySQL
// stores it as datetime(3), so hashing finer precision would make every
// persisted event fail verification after the storage round-trip.
func NewAuditEvent(runId string, sequence int64, previousHash string, eventType AuditEventType, actorType ActorType, actorId, entityType, entityId string, eventData []byte, now time.Time) AuditEvent {
	eventId := uuid.NewString()
	ts := now.UTC().Truncate(time.Millisecond)
	return AuditEvent{
		EventId:      eventId,
		RunId:        runId,
		Sequence:     sequence,
		EventType:    eventType,
		Timestamp:    ts,
		ActorType:    actorType,
		ActorId:      actorId,
		EntityType:   entityType,
		EntityId:     entityId,
		EventData:    eventData,
		Hash:         ComputeEventHash(eventId, ts, eventData),
		PreviousHash: previousHash,
	}
}

// VerifyIntegrity recomputes the event's hash from stored fields and compares.
func (e *AuditEvent) VerifyIntegrity() bool {
	return ComputeEventHash(e.EventId, e.Timestamp, e.EventData) == e.Hash
}
