package models

import "time"

// OneTimePasscode is a short numeric secret bound to an (identity, purpose)
// pair. At most one active (unused, unexpired) row may exist per pair; the
// OTP service enforces this by deleting prior rows before inserting.
type OneTimePasscode struct {
	BaseModel

	Identity string `gorm:"not null;index:idx_passcodes_identity_purpose" json:"identity"`
	Purpose  string `gorm:"not null;index:idx_passcodes_identity_purpose" json:"purpose"`
	Code     string `gorm:"not null" json:"-"`

	ExpiresAt time.Time  `gorm:"index" json:"expires_at"`
	UsedAt    *time.Time `json:"used_at"`
	IsUsed    bool       `gorm:"default:false" json:"is_used"`

	Attempts    int `gorm:"default:0" json:"attempts"`
	MaxAttempts int `gorm:"not null" json:"max_attempts"`
}

// AttemptsRemaining reports how many verification attempts are left.
func (p *OneTimePasscode) AttemptsRemaining() int {
	remaining := p.MaxAttempts - p.Attempts
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Expired reports whether the passcode lifetime has elapsed at the given time.
func (p *OneTimePasscode) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}
