package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/credkit/credkit/internal/models"
)

// ErrUserNotFound indicates the requested user does not exist.
var ErrUserNotFound = errors.New("user: not found")

// UpdateProfileInput enumerates the mutable profile attributes. Nil fields
// are left untouched.
type UpdateProfileInput struct {
	FirstName *string
	LastName  *string
	Phone     *string
}

// UserService exposes read and profile-update access to accounts.
type UserService struct {
	db    *gorm.DB
	audit *AuditService
}

// NewUserService constructs a UserService instance.
func NewUserService(db *gorm.DB, audit *AuditService) (*UserService, error) {
	if db == nil {
		return nil, errors.New("user service: db is required")
	}
	return &UserService{db: db, audit: audit}, nil
}

// GetByID fetches a user by primary key.
func (s *UserService) GetByID(ctx context.Context, id string) (*models.User, error) {
	ctx = ensureContext(ctx)

	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrUserNotFound
	}

	var user models.User
	if err := s.db.WithContext(ctx).Take(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("user service: find user: %w", err)
	}
	return &user, nil
}

// GetByEmail fetches a user by email, case-insensitively.
func (s *UserService) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	ctx = ensureContext(ctx)

	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, ErrUserNotFound
	}

	var user models.User
	if err := s.db.WithContext(ctx).Take(&user, "email = ?", email).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("user service: find user: %w", err)
	}
	return &user, nil
}

// UpdateProfile applies the supplied profile changes and returns the updated user.
func (s *UserService) UpdateProfile(ctx context.Context, id string, input UpdateProfileInput) (*models.User, error) {
	ctx = ensureContext(ctx)

	user, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if input.FirstName != nil {
		updates["first_name"] = strings.TrimSpace(*input.FirstName)
	}
	if input.LastName != nil {
		updates["last_name"] = strings.TrimSpace(*input.LastName)
	}
	if input.Phone != nil {
		updates["phone"] = strings.TrimSpace(*input.Phone)
	}
	if len(updates) == 0 {
		return user, nil
	}

	if err := s.db.WithContext(ctx).Model(user).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("user service: update profile: %w", err)
	}

	return s.GetByID(ctx, id)
}

// Deactivate disables an account. Existing sessions are left to the session
// layer, which refuses inactive users on refresh.
func (s *UserService) Deactivate(ctx context.Context, id string) error {
	ctx = ensureContext(ctx)

	user, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).Model(user).Update("is_active", false).Error; err != nil {
		return fmt.Errorf("user service: deactivate: %w", err)
	}

	if s.audit != nil {
		_ = s.audit.Log(ctx, AuditEntry{
			UserID:   &user.ID,
			Identity: user.Email,
			Action:   "user.deactivate",
			Result:   "success",
		})
	}
	return nil
}
