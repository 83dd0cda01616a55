package models

import (
	"time"
)

// Capsule is a piece of content sealed until its release time. Content is
// stored encrypted and only ever decrypted into response views.
type Capsule struct {
	ID             string        `gorm:"primaryKey;type:uuid" json:"id"`
	UserID         string        `gorm:"type:uuid;index;not null" json:"userId"`
	Content        string        `gorm:"not null" json:"-"`
	CreatedAt      time.Time     `json:"createdAt"`
	HoldDuration   time.Duration `gorm:"not null" json:"holdDuration"`
	ReleaseAt      time.Time     `gorm:"index;not null" json:"releaseAt"`
	ReplyingToID   *string       `gorm:"type:uuid;index" json:"replyingToId,omitempty"`
	ConversationID *string       `gorm:"type:uuid;index" json:"conversationId,omitempty"`
	Delivered      bool          `gorm:"not null;default:false;index" json:"delivered"`

	User *User `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName specifies the table name for Capsule model
func (Capsule) TableName() string {
	return "capsules"
}

// ReleasedAt reports whether the capsule is released at instant t.
func (c *Capsule) ReleasedAt(t time.Time) bool {
	return !t.Before(c.ReleaseAt)
}

// Conversation is a single-owner chain of capsules linked by ReplyingToID.
// LatestCapsuleID is a traversal back-reference, not an ownership edge.
type Conversation struct {
	ID              string    `gorm:"primaryKey;type:uuid" json:"id"`
	UserID          string    `gorm:"type:uuid;index;not null" json:"userId"`
	LatestCapsuleID string    `gorm:"type:uuid;not null" json:"latestCapsuleId"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`

	User *User `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
}

func (Conversation) TableName() string {
	return "conversations"
}
