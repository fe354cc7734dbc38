package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/aman-churiwal/wa-throttle/internal/apperror"
	"github.com/aman-churiwal/wa-throttle/internal/models"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
)

const keyPrefix = "wt_"

type ClientKeyStore interface {
	Create(ctx context.Context, key *models.ClientKey) error
	FindByHash(ctx context.Context, hash string) (*models.ClientKey, error)
	FindByID(ctx context.Context, id string) (*models.ClientKey, error)
	List(ctx context.Context) ([]models.ClientKey, error)
	Update(ctx context.Context, id string, updates map[string]interface{}) error
	UpdateLastUsed(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id string) error
}

// Issues and validates credentials for machine clients. Validation sits in
// front of every admit call, so results are cached by key hash.
type ClientKeyService struct {
	repository ClientKeyStore
	cache      *cache.Cache
}

func NewClientKeyService(repo ClientKeyStore, ttl time.Duration) *ClientKeyService {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ClientKeyService{
		repository: repo,
		cache:      cache.New(ttl, 2*ttl),
	}
}

func hashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// Returns the plain key; it is never stored and cannot be shown again
func (s *ClientKeyService) Create(ctx context.Context, name, createdBy, scope string) (string, *models.ClientKey, error) {
	switch scope {
	case "":
		scope = models.ScopeDispatch
	case models.ScopeDispatch, models.ScopeWebhook, models.ScopeBilling, "all":
	default:
		return "", nil, fmt.Errorf("unknown scope %q: %w", scope, apperror.ErrInvalidArgument)
	}

	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	key := keyPrefix + base64.RawURLEncoding.EncodeToString(keyBytes)

	clientKey := &models.ClientKey{
		KeyHash:   hashKey(key),
		Name:      name,
		CreatedBy: createdBy,
		Scope:     scope,
		IsActive:  true,
	}
	if err := s.repository.Create(ctx, clientKey); err != nil {
		return "", nil, fmt.Errorf("failed to create client key: %w", err)
	}

	log.WithFields(log.Fields{"key_id": clientKey.ID, "scope": scope, "actor": createdBy}).Info("client key created")
	return key, clientKey, nil
}

// Returns nil for unknown or inactive keys
func (s *ClientKeyService) Validate(ctx context.Context, key string) (*models.ClientKey, error) {
	keyHash := hashKey(key)
	if cached, ok := s.cache.Get(keyHash); ok {
		clientKey := cached.(models.ClientKey)
		return &clientKey, nil
	}

	clientKey, err := s.repository.FindByHash(ctx, keyHash)
	if err != nil {
		return nil, err
	}
	if clientKey == nil {
		return nil, nil
	}

	s.cache.SetDefault(keyHash, *clientKey)
	return clientKey, nil
}

func (s *ClientKeyService) Get(ctx context.Context, id string) (*models.ClientKey, error) {
	return s.repository.FindByID(ctx, id)
}

func (s *ClientKeyService) List(ctx context.Context) ([]models.ClientKey, error) {
	return s.repository.List(ctx)
}

func (s *ClientKeyService) Update(ctx context.Context, id string, updates map[string]interface{}) error {
	s.invalidateCache(ctx, id)
	return s.repository.Update(ctx, id, updates)
}

func (s *ClientKeyService) Delete(ctx context.Context, id string) error {
	s.invalidateCache(ctx, id)
	return s.repository.Delete(ctx, id)
}

func (s *ClientKeyService) UpdateLastUsed(ctx context.Context, id uuid.UUID) {
	if err := s.repository.UpdateLastUsed(ctx, id); err != nil {
		log.WithError(err).WithField("key_id", id).Debug("failed to update key last use")
	}
}

func (s *ClientKeyService) invalidateCache(ctx context.Context, id string) {
	clientKey, err := s.repository.FindByID(ctx, id)
	if err != nil || clientKey == nil {
		return
	}
	s.cache.Delete(clientKey.KeyHash)
}
