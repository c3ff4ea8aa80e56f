package services

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/techvisa/expert-marketplace-backend/internal/database"
	"github.com/techvisa/expert-marketplace-backend/internal/models"
	"github.com/techvisa/expert-marketplace-backend/pkg/jwt"
	"golang.org/x/crypto/bcrypt"
)

// ExpertAuthService handles expert portal authentication
type ExpertAuthService struct {
	expertRepo *database.ExpertRepository
	jwtService *jwt.Service
	logger     *logrus.Logger
}

// NewExpertAuthService creates a new expert auth service
func NewExpertAuthService(expertRepo *database.ExpertRepository, jwtService *jwt.Service, logger *logrus.Logger) *ExpertAuthService {
	return &ExpertAuthService{
		expertRepo: expertRepo,
		jwtService: jwtService,
		logger:     logger,
	}
}

// Login authenticates an expert and returns tokens
func (s *ExpertAuthService) Login(email, password string) (*models.ExpertLoginResponse, error) {
	expert, err := s.expertRepo.GetByEmail(email)
	if err != nil {
		return nil, fmt.Errorf("invalid email or password")
	}

	if !expert.IsActive {
		return nil, fmt.Errorf("account is inactive")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(expert.PasswordHash), []byte(password)); err != nil {
		return nil, fmt.Errorf("invalid email or password")
	}

	accessToken, err := s.jwtService.GenerateAccessToken(expert.ID, expert.Email, []string{"expert"})
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	refreshToken, err := s.jwtService.GenerateRefreshToken(expert.ID, expert.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"expert_id": expert.ID,
		"email":     expert.Email,
	}).Info("Expert login successful")

	return &models.ExpertLoginResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpertID:     expert.ID,
		FullName:     expert.FullName(),
	}, nil
}

// RefreshToken issues a fresh token pair from a valid refresh token
func (s *ExpertAuthService) RefreshToken(refreshToken string) (*models.ExpertLoginResponse, error) {
	claims, err := s.jwtService.ValidateRefreshToken(refreshToken)
	if err != nil {
		return nil, fmt.Errorf("invalid refresh token: %w", err)
	}

	expert, err := s.expertRepo.GetByID(claims.ExpertID)
	if err != nil {
		return nil, fmt.Errorf("expert not found")
	}

	if !expert.IsActive {
		return nil, fmt.Errorf("account is inactive")
	}

	accessToken, err := s.jwtService.GenerateAccessToken(expert.ID, expert.Email, []string{"expert"})
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	newRefreshToken, err := s.jwtService.GenerateRefreshToken(expert.ID, expert.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	return &models.ExpertLoginResponse{
		AccessToken:  accessToken,
		RefreshToken: newRefreshToken,
		ExpertID:     expert.ID,
		FullName:     expert.FullName(),
	}, nil
}

// HashPassword hashes a plaintext password for storage
func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashed), nil
}
