package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aman-churiwal/wa-throttle/internal/apperror"
	"github.com/aman-churiwal/wa-throttle/internal/models"
	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type OperatorStore interface {
	Create(ctx context.Context, operator *models.Operator) error
	FindByEmail(ctx context.Context, email string) (*models.Operator, error)
	FindByID(ctx context.Context, id string) (*models.Operator, error)
	Count(ctx context.Context) (int64, error)
}

type AuthService struct {
	repo      OperatorStore
	jwtSecret []byte
	jwtExpiry time.Duration
	nowFn     func() time.Time
}

func NewAuthService(repo OperatorStore, secret string, expiryHours int) *AuthService {
	if expiryHours <= 0 {
		expiryHours = 12
	}
	return &AuthService{
		repo:      repo,
		jwtSecret: []byte(secret),
		jwtExpiry: time.Duration(expiryHours) * time.Hour,
		nowFn:     time.Now,
	}
}

// Creates a new console operator
func (s *AuthService) Register(ctx context.Context, email, password, name, role string) (*models.Operator, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || len(password) < 8 {
		return nil, fmt.Errorf("email and a password of at least 8 characters are required: %w", apperror.ErrInvalidArgument)
	}
	switch role {
	case "":
		role = models.RoleOperator
	case models.RoleAdmin, models.RoleOperator, models.RoleViewer:
	default:
		return nil, fmt.Errorf("unknown role %q: %w", role, apperror.ErrInvalidArgument)
	}

	existing, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("operator %s already exists: %w", email, apperror.ErrConflict)
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	operator := &models.Operator{
		Email:        email,
		PasswordHash: string(hashedPassword),
		Name:         name,
		Role:         role,
	}
	if err := s.repo.Create(ctx, operator); err != nil {
		return nil, err
	}
	return operator, nil
}

// Creates the first admin when no operator exists yet
func (s *AuthService) Bootstrap(ctx context.Context, email, password string) error {
	if email == "" || password == "" {
		return nil
	}
	count, err := s.repo.Count(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if _, err := s.Register(ctx, email, password, "bootstrap", models.RoleAdmin); err != nil {
		return err
	}
	log.WithField("email", email).Info("bootstrap operator created")
	return nil
}

// Authenticates an operator and returns a JWT token
func (s *AuthService) Login(ctx context.Context, email, password string) (string, error) {
	operator, err := s.repo.FindByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return "", err
	}
	if operator == nil {
		return "", ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(operator.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	now := s.nowFn()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": operator.ID.String(),
		"email":   operator.Email,
		"role":    operator.Role,
		"exp":     now.Add(s.jwtExpiry).Unix(),
		"iat":     now.Unix(),
	})

	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	return tokenString, nil
}

// Validates a JWT token and returns the claims
func (s *AuthService) ValidateToken(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})

	if err != nil {
		return nil, err
	}

	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid token claims")
	}

	return claims, nil
}

// Retrieves an operator by ID
func (s *AuthService) GetOperatorByID(ctx context.Context, id string) (*models.Operator, error) {
	return s.repo.FindByID(ctx, id)
}
