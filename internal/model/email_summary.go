package model

import "time"

// EmailSummary is the triage work-item derived from a classified email
type EmailSummary struct {
	ID             string        `json:"id" gorm:"type:varchar(64);primaryKey"`
	OrgID          string        `json:"org_id" gorm:"type:varchar(64);not null;index"`
	EmailID        string        `json:"email_id" gorm:"type:varchar(64);not null;uniqueIndex"`
	Category       Category      `json:"category" gorm:"type:varchar(16);not null"`
	SummaryBullets StringList    `json:"summary_bullets" gorm:"type:text"`
	Priority       Priority      `json:"priority" gorm:"type:varchar(8);not null"`
	Status         SummaryStatus `json:"status" gorm:"type:varchar(16);not null"`
	AssignedTo     string        `json:"assigned_to" gorm:"type:varchar(64)"`
	Archived       bool          `json:"archived" gorm:"default:false"`
	IsNew          bool          `json:"is_new" gorm:"default:true"`
	CreatedAt      time.Time     `json:"created_at"`
}

// TableName specifies the table name for EmailSummary
func (EmailSummary) TableName() string {
	return "email_summaries"
}
