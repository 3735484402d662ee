package models

import (
	"time"

	"github.com/google/uuid"
)

type SourceKind string

const (
	SourceMailbox SourceKind = "mailbox"
	SourceMetric  SourceKind = "metric"
)

type SourceRef struct {
	Kind SourceKind `json:"kind"`
	ID   int64      `json:"id"`
}

type AlertRecord struct {
	ID          int64       `json:"id"`
	TenantID    int64       `json:"tenant_id"`
	Source      SourceRef   `json:"source"`
	DedupKey    string      `json:"dedup_key"`
	Payload     Fields      `json:"payload"`
	Priority    Priority    `json:"priority"`
	Category    Category    `json:"category"`
	Message     string      `json:"message"`
	Status      AlertStatus `json:"status"`
	Error       string      `json:"error,omitempty"`
	Attempts    int         `json:"attempts"`
	ReceivedAt  time.Time   `json:"received_at"`
	ProcessedAt *time.Time  `json:"processed_at,omitempty"`
	SentAt      *time.Time  `json:"sent_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

type NotificationLog struct {
	ID                uuid.UUID          `json:"id"`
	TenantID          int64              `json:"tenant_id"`
	AlertID           int64              `json:"alert_id,omitempty"`
	DestinationID     int64              `json:"destination_id"`
	Status            NotificationStatus `json:"status"`
	ProviderMessageID int64              `json:"provider_message_id,omitempty"`
	Error             string             `json:"error,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	SentAt            *time.Time         `json:"sent_at,omitempty"`
}

type RunLog struct {
	ID         uuid.UUID     `json:"id"`
	TenantID   int64         `json:"tenant_id,omitempty"`
	SourceKind SourceKind    `json:"source_kind,omitempty"`
	SourceID   int64         `json:"source_id,omitempty"`
	Status     RunStatus     `json:"status"`
	Message    string        `json:"message"`
	Fetched    int           `json:"fetched"`
	New        int           `json:"new"`
	Skipped    int           `json:"skipped"`
	Created    int           `json:"created"`
	Sent       int           `json:"sent"`
	Failed     int           `json:"failed"`
	Duration   time.Duration `json:"duration"`
	CreatedAt  time.Time     `json:"created_at"`
}

type RegistrationCode struct {
	Code          string     `json:"code"`
	TenantID      int64      `json:"tenant_id"`
	UserID        int64      `json:"user_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	UsedAt        *time.Time `json:"used_at,omitempty"`
	DestinationID int64      `json:"destination_id,omitempty"`
}

func (c RegistrationCode) Used() bool { return c.UsedAt != nil }

func (c RegistrationCode) Expired(now time.Time) bool { return !now.Before(c.ExpiresAt) }
