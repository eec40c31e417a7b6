package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User holds a local or social account. Password is empty for accounts that
// only ever signed in through an external identity provider.
type User struct {
	ID       string `gorm:"primaryKey;type:uuid" json:"id"`
	Email    string `gorm:"uniqueIndex;not null" json:"email"`
	Password string `json:"-"`

	FirstName string `gorm:"size:50" json:"first_name"`
	LastName  string `gorm:"size:50" json:"last_name"`
	Phone     string `gorm:"size:20" json:"phone"`

	IsActive        bool `gorm:"default:true" json:"is_active"`
	IsVerified      bool `gorm:"default:false" json:"is_verified"`
	IsEmailVerified bool `gorm:"default:false" json:"is_email_verified"`

	// Mirrored copies of the purpose-scoped tokens most recently issued for
	// this account. A signed token is only honoured while its mirror is still
	// present, which gives the otherwise stateless tokens one-time-use
	// semantics.
	VerificationToken          *string    `json:"-"`
	VerificationTokenExpiresAt *time.Time `json:"-"`
	ResetPasswordToken         *string    `json:"-"`
	ResetPasswordTokenExpires  *time.Time `json:"-"`

	GoogleID    *string `gorm:"uniqueIndex" json:"-"`
	FacebookID  *string `gorm:"uniqueIndex" json:"-"`
	MicrosoftID *string `gorm:"uniqueIndex" json:"-"`

	LastLoginAt *time.Time `json:"last_login_at"`
	LastLoginIP string     `json:"last_login_ip"`

	FailedAttempts int        `gorm:"default:0" json:"-"`
	LockedUntil    *time.Time `json:"-"`

	Sessions []Session `gorm:"foreignKey:UserID" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate ensures a UUID is present before persisting.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}
