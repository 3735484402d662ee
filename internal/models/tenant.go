package models

import "time"

// TenantContext scopes a data-access call to one tenant's partition.
// Store implementations never look up a "current" tenant on their own.
type TenantContext struct {
	ID     int64
	Slug   string
	Schema string
}

type Tenant struct {
	ID           int64     `json:"id"`
	Slug         string    `json:"slug"`
	Name         string    `json:"name"`
	Schema       string    `json:"schema"`
	DefaultBotID int64     `json:"default_bot_id,omitempty"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

func (t Tenant) Context() TenantContext {
	return TenantContext{ID: t.ID, Slug: t.Slug, Schema: t.Schema}
}

// Bot is a messaging bot identity. Token is a secret and must not be logged.
type Bot struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Token  string `json:"-"`
	Active bool   `json:"active"`
}

type User struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	Email          string `json:"email"`
	TelegramChatID string `json:"telegram_chat_id,omitempty"`
	Active         bool   `json:"active"`
}

type ChatKind string

const (
	ChatPrivate    ChatKind = "private"
	ChatGroup      ChatKind = "group"
	ChatSupergroup ChatKind = "supergroup"
	ChatChannel    ChatKind = "channel"
)

type Destination struct {
	ID            int64     `json:"id"`
	TenantID      int64     `json:"tenant_id"`
	BotID         int64     `json:"bot_id,omitempty"`
	ChatID        int64     `json:"chat_id"`
	Kind          ChatKind  `json:"kind"`
	Title         string    `json:"title"`
	Username      string    `json:"username,omitempty"`
	Active        bool      `json:"active"`
	ContentAlerts bool      `json:"content_alerts"`
	SystemAlerts  bool      `json:"system_alerts"`
	MinPriority   Priority  `json:"min_priority,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Accepts reports whether the destination subscribes to alerts of the given
// category and priority.
func (d Destination) Accepts(c Category, p Priority) bool {
	if !d.Active {
		return false
	}
	switch c {
	case CategorySystem:
		if !d.SystemAlerts {
			return false
		}
	default:
		if !d.ContentAlerts {
			return false
		}
	}
	return p == "" || p.AtLeast(d.MinPriority)
}

// InboundMessage is a text message received by a bot, reduced to what the
// command handlers need.
type InboundMessage struct {
	BotID     int64
	ChatID    int64
	ChatKind  ChatKind
	Title     string
	Username  string
	FirstName string
	Text      string
}
