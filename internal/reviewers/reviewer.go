package reviewers

import (
	"strings"
)

// Reviewer is the directory entry for someone who has signed in to adjudicate.
type Reviewer struct {
	ReviewerID         string `gorm:"column:reviewer_id;primaryKey;size:190;not null"`
	Email              string `gorm:"column:email;size:320;not null;default:''"`
	DisplayName        string `gorm:"column:display_name;size:320;not null;default:''"`
	Admin              bool   `gorm:"column:is_admin;not null"`
	FirstSeenAtSeconds int64  `gorm:"column:first_seen_at_s;not null"`
	LastSeenAtSeconds  int64  `gorm:"column:last_seen_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Reviewer) TableName() string {
	return "reviewers"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
