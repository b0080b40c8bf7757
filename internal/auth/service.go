package auth

import (
	"fmt"

	"deriv-bot-manager/config"
	"deriv-bot-manager/internal/logging"
)

// adminSubject names the single staff account
const adminSubject = "admin"

// Service authenticates the staff portal
type Service struct {
	passwords    *PasswordManager
	jwtManager   *JWTManager
	passwordHash string
	logger       *logging.Logger
}

// NewService builds the admin authenticator. A plaintext password is hashed
// once here; a configured bcrypt hash is used as is.
func NewService(cfg config.AdminConfig) (*Service, error) {
	logger := logging.WithComponent("auth")
	passwords := NewPasswordManager(DefaultBcryptCost)

	hash := cfg.PasswordHash
	if hash != "" {
		if err := checkHash(hash); err != nil {
			return nil, err
		}
	} else {
		if cfg.Password == config.DefaultAdminPassword {
			logger.Warn("ADMIN_PASSWORD is the built-in default; set a real password")
		}
		var err error
		hash, err = passwords.HashPassword(cfg.Password)
		if err != nil {
			return nil, fmt.Errorf("hash admin password: %w", err)
		}
	}

	secret := cfg.JWTSecret
	if secret == "" {
		var err error
		secret, err = GenerateSecret()
		if err != nil {
			return nil, err
		}
		logger.Warn("JWT_SECRET not set; admin tokens will not survive a restart")
	}

	return &Service{
		passwords:    passwords,
		jwtManager:   NewJWTManager(secret, cfg.TokenTTL),
		passwordHash: hash,
		logger:       logger,
	}, nil
}

// GetJWTManager returns the JWT manager used by the middleware
func (s *Service) GetJWTManager() *JWTManager {
	return s.jwtManager
}

// Login exchanges the admin password for an access token
func (s *Service) Login(req LoginRequest) (*LoginResponse, error) {
	if !s.passwords.VerifyPassword(req.Password, s.passwordHash) {
		s.logger.Warn("Admin login failed")
		return nil, ErrInvalidCredentials
	}

	token, err := s.jwtManager.GenerateAccessToken(AdminClaims{Subject: adminSubject, IsAdmin: true})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Admin logged in")
	return &LoginResponse{
		AccessToken: token,
		ExpiresIn:   s.jwtManager.GetAccessTokenDuration(),
		TokenType:   "Bearer",
	}, nil
}
