package model

import (
	"time"
)

type Status string

const (
	StatusNew      Status = "new"
	StatusReviewed Status = "reviewed"
	StatusFollowUp Status = "follow_up"
	StatusSpam     Status = "spam"
	StatusArchived Status = "archived"
)

func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusReviewed, StatusFollowUp, StatusSpam, StatusArchived:
		return true
	}
	return false
}

// Entry is one stored submission. Data, Files and SubmittedAt never change after creation.
type Entry struct {
	ID          uint64         `gorm:"primaryKey;autoIncrement:true" json:"id"`
	FormID      uint64         `gorm:"index" json:"form_id"`
	Status      Status         `gorm:"size:20;index" json:"status"`
	Data        SubmissionData `gorm:"type:longtext;serializer:json" json:"data"`
	Files       FileMap        `gorm:"type:longtext;serializer:json" json:"files"`
	MailLog     MailLog        `gorm:"type:longtext;serializer:json" json:"mail_log"`
	SubmittedAt time.Time      `gorm:"index" json:"submitted_at"`
	RemoteIP    string         `gorm:"size:45" json:"remote_ip"`
	UserAgent   string         `gorm:"size:255" json:"user_agent"`
	PageURL     string         `gorm:"size:2048" json:"page_url"`
}

// EntryMeta is the request metadata stored with an entry.
type EntryMeta struct {
	RemoteIP  string
	UserAgent string
	PageURL   string
}
