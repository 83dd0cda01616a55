package models

import (
	"time"
)

// User represents an account that owns capsules.
// Standardized: Go (PascalCase) -> DB (snake_case) -> JSON (camelCase)
type User struct {
	ID          string    `gorm:"primaryKey;type:uuid" json:"id"`
	Username    string    `gorm:"uniqueIndex;size:32;not null" json:"username"`
	Email       *string   `gorm:"uniqueIndex" json:"email,omitempty"`
	Password    string    `gorm:"not null" json:"-"`
	LastUpdated time.Time `json:"lastUpdated"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName specifies the table name for User model
func (User) TableName() string {
	return "users"
}

// APIKey is the long-lived credential a user presents instead of a JWT.
// Only the salted hash is stored; the raw key is shown once at creation.
type APIKey struct {
	ID        string    `gorm:"primaryKey;type:uuid" json:"id"`
	UserID    string    `gorm:"type:uuid;uniqueIndex;not null" json:"userId"`
	Prefix    string    `gorm:"size:12;index;not null" json:"prefix"`
	HashedKey string    `gorm:"size:64;not null" json:"-"`
	Salt      string    `gorm:"size:16;not null" json:"-"`
	CreatedAt time.Time `json:"createdAt"`

	User *User `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
}

func (APIKey) TableName() string {
	return "api_keys"
}
