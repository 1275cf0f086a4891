package models

import (
	"time"
)

// ErrorLog records one failed execution attempt or dispatcher incident.
type ErrorLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Level     string    `gorm:"size:20;not null;index" json:"level"`   // ERROR, WARN
	Source    string    `gorm:"size:100;not null;index" json:"source"` // dispatcher, store
	ActionID  *uint     `gorm:"index" json:"action_id,omitempty"`
	ContentID string    `gorm:"size:255;index" json:"content_id,omitempty"`
	Attempt   int       `gorm:"default:0" json:"attempt"`
	Title     string    `gorm:"size:500;not null" json:"title"`
	Message   string    `gorm:"type:text;not null" json:"message"`
	Context   string    `gorm:"type:text" json:"context,omitempty"` // JSON
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// StatusCounts is the per-status overview shown to operators.
type StatusCounts struct {
	Pending   int64 `json:"pending"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
}
