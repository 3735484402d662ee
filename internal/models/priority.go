package models

import (
	"fmt"
	"strings"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var priorityRank = map[Priority]int{
	PriorityLow:      1,
	PriorityMedium:   2,
	PriorityHigh:     3,
	PriorityCritical: 4,
}

func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := priorityRank[p]; !ok {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

func (p Priority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

// AtLeast reports whether p ranks at or above min. An empty min accepts
// every priority.
func (p Priority) AtLeast(min Priority) bool {
	if min == "" {
		return true
	}
	return priorityRank[p] >= priorityRank[min]
}

func (p Priority) Emoji() string {
	switch p {
	case PriorityCritical:
		return "🚨"
	case PriorityHigh:
		return "🔴"
	case PriorityMedium:
		return "🟡"
	case PriorityLow:
		return "🟢"
	default:
		return "📊"
	}
}

type Category string

const (
	CategoryContent Category = "content"
	CategorySystem  Category = "system"
)

func ParseCategory(s string) (Category, error) {
	switch Category(strings.ToLower(strings.TrimSpace(s))) {
	case "", CategoryContent:
		return CategoryContent, nil
	case CategorySystem:
		return CategorySystem, nil
	}
	return "", fmt.Errorf("unknown category %q", s)
}

type AlertStatus string

const (
	StatusPending    AlertStatus = "pending"
	StatusProcessing AlertStatus = "processing"
	StatusSent       AlertStatus = "sent"
	StatusFailed     AlertStatus = "failed"
	StatusIgnored    AlertStatus = "ignored"
)

type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunWarning RunStatus = "warning"
	RunError   RunStatus = "error"
	RunInfo    RunStatus = "info"
)
