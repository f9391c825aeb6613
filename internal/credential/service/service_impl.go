package service

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/depotsync/internal/config"
	"github.com/smallbiznis/depotsync/internal/credential/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Repo  domain.Repository
	GenID *snowflake.Node
	Cfg   config.Config
}

type service struct {
	db     *gorm.DB
	log    *zap.Logger
	repo   domain.Repository
	genID  *snowflake.Node
	encKey []byte
}

type encryptedPayload struct {
	Version    int    `json:"version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

func New(p Params) domain.Service {
	secret := strings.TrimSpace(p.Cfg.CredentialSecret)
	var key []byte
	if secret != "" {
		sum := sha256.Sum256([]byte(secret))
		key = sum[:]
	}

	return &service{
		db:     p.DB,
		log:    p.Log.Named("credential.service"),
		repo:   p.Repo,
		genID:  p.GenID,
		encKey: key,
	}
}

func (s *service) Get(ctx context.Context, tenantID, accountRef string) (*domain.Record, domain.Tokens, error) {
	record, err := s.repo.Get(ctx, s.db, tenantID, accountRef)
	if err != nil {
		return nil, domain.Tokens{}, err
	}
	if record == nil {
		return nil, domain.Tokens{}, domain.ErrNotFound
	}

	access, err := s.decrypt(record.AccessToken)
	if err != nil {
		return nil, domain.Tokens{}, err
	}
	refresh, err := s.decrypt(record.RefreshToken)
	if err != nil {
		return nil, domain.Tokens{}, err
	}

	return record, domain.Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    record.ExpiresAt,
	}, nil
}

func (s *service) Store(ctx context.Context, tenantID, accountRef string, tokens domain.Tokens) error {
	access, err := s.encrypt(tokens.AccessToken)
	if err != nil {
		return err
	}
	refresh, err := s.encrypt(tokens.RefreshToken)
	if err != nil {
		return err
	}

	record, err := s.repo.Get(ctx, s.db, tenantID, accountRef)
	if err != nil {
		return err
	}
	if record == nil {
		record = &domain.Record{
			ID:         s.genID.Generate(),
			TenantID:   tenantID,
			AccountRef: accountRef,
			CreatedAt:  time.Now().UTC(),
		}
	}

	record.AccessToken = access
	record.RefreshToken = refresh
	record.ExpiresAt = tokens.ExpiresAt
	record.Active = true
	record.LastError = ""
	return s.repo.Save(ctx, s.db, record)
}

func (s *service) Deactivate(ctx context.Context, tenantID, accountRef, reason string) error {
	record, err := s.repo.Get(ctx, s.db, tenantID, accountRef)
	if err != nil {
		return err
	}
	if record == nil {
		return domain.ErrNotFound
	}
	record.Active = false
	record.LastError = reason
	s.log.Warn("account credential deactivated",
		zap.String("tenant_id", tenantID),
		zap.String("account_ref", accountRef),
		zap.String("reason", reason),
	)
	return s.repo.Save(ctx, s.db, record)
}

func (s *service) ActiveRefs(ctx context.Context, tenantID string) ([]string, error) {
	return s.repo.ListActiveRefs(ctx, s.db, tenantID)
}

func (s *service) encrypt(plain string) (datatypes.JSON, error) {
	if len(s.encKey) == 0 {
		return nil, domain.ErrEncryptionKeyMissing
	}

	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ciphertext := gcm.Seal(nil, nonce, []byte(plain), nil)

	return json.Marshal(encryptedPayload{
		Version:    1,
		Nonce:      base64.RawStdEncoding.EncodeToString(nonce),
		Ciphertext: base64.RawStdEncoding.EncodeToString(ciphertext),
	})
}

func (s *service) decrypt(encrypted datatypes.JSON) (string, error) {
	if len(s.encKey) == 0 {
		return "", domain.ErrEncryptionKeyMissing
	}
	if len(encrypted) == 0 {
		return "", domain.ErrInvalidEnvelope
	}

	var payload encryptedPayload
	if err := json.Unmarshal(encrypted, &payload); err != nil {
		return "", domain.ErrInvalidEnvelope
	}
	if payload.Version != 1 {
		return "", domain.ErrInvalidEnvelope
	}

	nonce, err := base64.RawStdEncoding.DecodeString(payload.Nonce)
	if err != nil {
		return "", domain.ErrInvalidEnvelope
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return "", domain.ErrInvalidEnvelope
	}

	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", domain.ErrInvalidEnvelope
	}
	return string(plain), nil
}
