package auth

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"convoai/internal/util"
	"convoai/pkg/domain"
	"convoai/pkg/store"
)

var (
	// ErrEmailTaken indicates the email is already registered.
	ErrEmailTaken = errors.New("email already registered")

	// ErrUsernameTaken indicates the username is already registered.
	ErrUsernameTaken = errors.New("username already registered")

	// ErrInvalidCredentials covers unknown identifier or wrong password,
	// deliberately without distinguishing the two.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidEmail indicates a malformed email address.
	ErrInvalidEmail = errors.New("invalid email address")
)

// Service implements user account operations: registration, login, sessions,
// profile and password changes.
type Service struct {
	store    store.Store
	sessions store.SessionStore
}

// NewService wires an account service over the given store and sessions.
func NewService(st store.Store, sessions store.SessionStore) *Service {
	return &Service{store: st, sessions: sessions}
}

// Register creates a new user account and opens a session.
func (s *Service) Register(email, username, password, fullName string) (domain.User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return domain.User{}, "", ErrInvalidEmail
	}
	username, err := NormalizeUsername(username)
	if err != nil {
		return domain.User{}, "", err
	}
	if err := ValidatePassword(password); err != nil {
		return domain.User{}, "", err
	}
	if taken, err := s.store.HasUserEmail(email); err != nil {
		return domain.User{}, "", fmt.Errorf("check email: %w", err)
	} else if taken {
		return domain.User{}, "", ErrEmailTaken
	}
	if taken, err := s.store.HasUsername(username); err != nil {
		return domain.User{}, "", fmt.Errorf("check username: %w", err)
	} else if taken {
		return domain.User{}, "", ErrUsernameTaken
	}

	hash, err := HashPassword(password)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC()
	user := domain.User{
		ID:                util.NewID(),
		Email:             email,
		Username:          username,
		FullName:          strings.TrimSpace(fullName),
		PasswordHash:      hash,
		IsActive:          true,
		PreferredLanguage: "en",
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.SaveUser(user); err != nil {
		return domain.User{}, "", fmt.Errorf("save user: %w", err)
	}
	token, err := s.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("open session: %w", err)
	}
	return user, token, nil
}

// Login authenticates by email or username and opens a session.
func (s *Service) Login(identifier, password string) (domain.User, string, error) {
	identifier = strings.ToLower(strings.TrimSpace(identifier))
	user, ok, err := s.store.GetUserByEmail(identifier)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("lookup user: %w", err)
	}
	if !ok {
		user, ok, err = s.store.GetUserByUsername(identifier)
		if err != nil {
			return domain.User{}, "", fmt.Errorf("lookup user: %w", err)
		}
	}
	if !ok || !user.IsActive || !CheckPassword(password, user.PasswordHash) {
		return domain.User{}, "", ErrInvalidCredentials
	}
	token, err := s.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("open session: %w", err)
	}
	return user, token, nil
}

// Logout revokes the session token.
func (s *Service) Logout(token string) error {
	return s.sessions.DeleteSession(token)
}

// UserFromToken resolves the account behind a session token.
func (s *Service) UserFromToken(token string) (domain.User, bool) {
	userID, ok, err := s.sessions.GetUserIDByToken(token)
	if err != nil || !ok {
		return domain.User{}, false
	}
	user, ok, err := s.store.GetUserByID(userID)
	if err != nil || !ok || !user.IsActive {
		return domain.User{}, false
	}
	return user, true
}

// ChangePassword verifies the current password before setting a new one.
func (s *Service) ChangePassword(userID, currentPassword, newPassword string) error {
	user, ok, err := s.store.GetUserByID(userID)
	if err != nil {
		return fmt.Errorf("lookup user: %w", err)
	}
	if !ok || !CheckPassword(currentPassword, user.PasswordHash) {
		return ErrInvalidCredentials
	}
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	user.PasswordHash = hash
	user.UpdatedAt = time.Now().UTC()
	if err := s.store.SaveUser(user); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

// ProfileUpdate enumerates the account fields a user may change.
type ProfileUpdate struct {
	FullName             *string
	PreferredLanguage    *string
	ConversationSettings map[string]any
}

// UpdateProfile applies a partial profile update.
func (s *Service) UpdateProfile(userID string, update ProfileUpdate) (domain.User, error) {
	user, ok, err := s.store.GetUserByID(userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if !ok {
		return domain.User{}, ErrInvalidCredentials
	}
	if update.FullName != nil {
		user.FullName = strings.TrimSpace(*update.FullName)
	}
	if update.PreferredLanguage != nil {
		lang := strings.TrimSpace(*update.PreferredLanguage)
		if lang != "" {
			user.PreferredLanguage = lang
		}
	}
	if update.ConversationSettings != nil {
		user.ConversationSettings = update.ConversationSettings
	}
	user.UpdatedAt = time.Now().UTC()
	if err := s.store.SaveUser(user); err != nil {
		return domain.User{}, fmt.Errorf("save user: %w", err)
	}
	return user, nil
}
