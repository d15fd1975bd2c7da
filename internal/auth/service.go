package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenInputExpander/internal/config"
	"go.uber.org/zap"
)

type Permission string

const (
	PermRead  Permission = "registers:read"
	PermWrite Permission = "registers:write"
	PermAdmin Permission = "device:admin"
)

const (
	RoleObserver = "observer"
	RoleOperator = "operator"
	RoleMachine  = "machine"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
	ErrLoginDisabled      = errors.New("operator login not configured")
)

// Service authenticates the operator and host tooling. The operator account
// and machine token hashes come from the configuration.
type Service struct {
	jwtHandler     *JWTHandler
	passwordHasher *PasswordHasher
	logger         *zap.Logger

	username      string
	passwordHash  string
	machineHashes map[string]struct{}

	maxAttempts  int
	lockDuration time.Duration

	mu          sync.Mutex
	failed      int
	lockedUntil time.Time
	now         func() time.Time
}

func NewService(cfg config.AuthConfig, logger *zap.Logger) *Service {
	hashes := make(map[string]struct{}, len(cfg.MachineTokenHashes))
	for _, h := range cfg.MachineTokenHashes {
		hashes[h] = struct{}{}
	}

	return &Service{
		jwtHandler:     NewJWTHandler(cfg.GetJWTSecret(), cfg.AccessTokenTTL),
		passwordHasher: NewPasswordHasher(),
		logger:         logger,
		username:       cfg.OperatorUsername,
		passwordHash:   cfg.OperatorPasswordHash,
		machineHashes:  hashes,
		maxAttempts:    cfg.MaxFailedLoginAttempts,
		lockDuration:   cfg.AccountLockDuration,
		now:            time.Now,
	}
}

// Login checks the operator credentials and returns an access token.
func (s *Service) Login(username, password, ipAddress string) (string, time.Time, error) {
	if s.passwordHash == "" {
		return "", time.Time{}, ErrLoginDisabled
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if now := s.now(); now.Before(s.lockedUntil) {
		s.logger.Warn("Login attempt on locked account",
			zap.String("username", username),
			zap.String("ip", ipAddress))
		return "", time.Time{}, fmt.Errorf("%w until %s", ErrAccountLocked, s.lockedUntil.Format(time.RFC3339))
	}

	valid := false
	if username == s.username {
		ok, err := s.passwordHasher.VerifyPassword(password, s.passwordHash)
		if err != nil {
			s.logger.Error("Operator password hash is unusable", zap.Error(err))
		}
		valid = ok
	}

	if !valid {
		s.failed++
		if s.maxAttempts > 0 && s.failed >= s.maxAttempts {
			s.lockedUntil = s.now().Add(s.lockDuration)
			s.failed = 0
			s.logger.Warn("Operator account locked", zap.Time("until", s.lockedUntil))
		}
		s.logger.Info("Login failed", zap.String("username", username), zap.String("ip", ipAddress))
		return "", time.Time{}, ErrInvalidCredentials
	}

	s.failed = 0
	token, expiresAt, err := s.jwtHandler.GenerateAccessToken(username, RoleOperator)
	if err != nil {
		return "", time.Time{}, err
	}

	s.logger.Info("Operator logged in", zap.String("username", username), zap.String("ip", ipAddress))
	return token, expiresAt, nil
}

// ValidateToken accepts a JWT or a configured machine token and returns the
// permissions it grants.
func (s *Service) ValidateToken(token string) (string, []Permission, error) {
	if claims, err := s.jwtHandler.ValidateAccessToken(token); err == nil {
		return claims.Username, roleToPermissions(claims.Role), nil
	}

	if ValidMachineTokenFormat(token) {
		if _, ok := s.machineHashes[HashMachineToken(token)]; ok {
			return RoleMachine, roleToPermissions(RoleMachine), nil
		}
	}

	return "", nil, fmt.Errorf("invalid token")
}

// HashPassword produces a hash suitable for auth.operator_password_hash.
func (s *Service) HashPassword(password string) (string, error) {
	return s.passwordHasher.HashPassword(password)
}

func roleToPermissions(role string) []Permission {
	switch role {
	case RoleOperator:
		return []Permission{PermRead, PermWrite, PermAdmin}
	case RoleMachine:
		return []Permission{PermRead, PermWrite}
	default:
		return []Permission{PermRead}
	}
}
