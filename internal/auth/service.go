// Package auth issues and verifies session tokens and manages user accounts
// and their registered devices.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"termbroker/internal/model"
	"termbroker/internal/store"
)

var (
	// ErrUnauthorized is the only authentication failure exposed to clients.
	// The underlying cause stays in the server log so callers cannot probe
	// for existing usernames or devices.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrValidation marks rejections the client can correct, such as a
	// duplicate username or an exhausted device limit.
	ErrValidation = errors.New("validation failed")
)

const minPasswordLength = 8

type Service struct {
	store      store.Store
	tokens     TokenConfig
	maxDevices int
	log        *slog.Logger
}

func NewService(st store.Store, tokens TokenConfig, maxDevices int, log *slog.Logger) *Service {
	return &Service{store: st, tokens: tokens, maxDevices: maxDevices, log: log}
}

func (s *Service) TokenConfig() TokenConfig { return s.tokens }

func (s *Service) CreateUser(ctx context.Context, username, password, email string) (*model.User, error) {
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrValidation)
	}
	if len(password) < minPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrValidation, minPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UnixMilli()
	user := &model.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		Settings:     map[string]any{},
		CreatedAt:    now,
	}
	if err := s.store.SaveUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: username or email already taken", ErrValidation)
		}
		return nil, err
	}
	return user, nil
}

// Login checks the password and returns the user. Every failure collapses to
// ErrUnauthorized on the client side.
func (s *Service) Login(ctx context.Context, username, password string) (*model.User, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Error("login lookup failed", "error", err)
		}
		return nil, ErrUnauthorized
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrUnauthorized
	}

	user.LastLoginAt = time.Now().UnixMilli()
	if err := s.store.UpdateUser(ctx, user); err != nil {
		s.log.Warn("last-login update failed", "userId", user.ID, "error", err)
	}
	return user, nil
}

// IssueToken binds {userId, deviceId} into a signed token whose expiry equals
// the configured session timeout.
func (s *Service) IssueToken(userID, deviceID string) (string, error) {
	return CreateToken(userID, deviceID, "", s.tokens)
}

// Verify checks a presented token. The detailed parse error is logged; the
// caller sees only ErrUnauthorized.
func (s *Service) Verify(token string) (*Claims, error) {
	claims, err := VerifyToken(token, s.tokens)
	if err != nil {
		s.log.Info("token rejected", "error", err)
		return nil, ErrUnauthorized
	}
	return claims, nil
}

type DeviceDescriptor struct {
	ID        string
	Name      string
	Type      model.DeviceType
	Platform  string
	PublicKey string
}

// AddDevice registers a device for the user. Re-registering the same device
// id refreshes its last-seen timestamp instead of duplicating the record.
func (s *Service) AddDevice(ctx context.Context, userID string, desc DeviceDescriptor) (*model.Device, error) {
	if desc.Name == "" {
		return nil, fmt.Errorf("%w: device name is required", ErrValidation)
	}
	switch desc.Type {
	case model.DeviceDesktop, model.DeviceMobile, model.DeviceTablet:
	default:
		return nil, fmt.Errorf("%w: unknown device type %q", ErrValidation, desc.Type)
	}

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	if desc.ID != "" {
		for i := range user.Devices {
			if user.Devices[i].ID == desc.ID {
				user.Devices[i].LastSeenAt = now
				if err := s.store.UpdateUser(ctx, user); err != nil {
					return nil, err
				}
				return &user.Devices[i], nil
			}
		}
	}
	for _, d := range user.Devices {
		if d.Name == desc.Name {
			return nil, fmt.Errorf("%w: device %q already registered", ErrValidation, desc.Name)
		}
	}
	if len(user.Devices) >= s.maxDevices {
		return nil, fmt.Errorf("%w: device limit of %d reached", ErrValidation, s.maxDevices)
	}

	device := model.Device{
		ID:         desc.ID,
		UserID:     userID,
		Name:       desc.Name,
		Type:       desc.Type,
		Platform:   desc.Platform,
		LastSeenAt: now,
		PublicKey:  desc.PublicKey,
	}
	if device.ID == "" {
		device.ID = uuid.NewString()
	}
	user.Devices = append(user.Devices, device)
	if err := s.store.UpdateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: device %q already registered", ErrValidation, desc.Name)
		}
		return nil, err
	}
	return &device, nil
}

// UpdateDeviceLastSeen refreshes the device's last-seen timestamp. Failures
// are logged, never propagated; callers run this off their critical path.
func (s *Service) UpdateDeviceLastSeen(ctx context.Context, userID, deviceID string) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		s.log.Warn("last-seen lookup failed", "userId", userID, "error", err)
		return
	}
	found := false
	now := time.Now().UnixMilli()
	for i := range user.Devices {
		if user.Devices[i].ID == deviceID {
			user.Devices[i].LastSeenAt = now
			found = true
			break
		}
	}
	if !found {
		return
	}
	if err := s.store.UpdateUser(ctx, user); err != nil {
		s.log.Warn("last-seen update failed", "userId", userID, "deviceId", deviceID, "error", err)
	}
}
