// Package auth はユーザー登録、パスワード認証、セッション管理を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/repository"
)

var (
	// ErrUserAlreadyExists は同名のユーザーが既に存在する場合に返される。
	ErrUserAlreadyExists = errors.New("user already exists")
	// ErrInvalidCredentials はユーザー名またはパスワードが誤っている場合に返される。
	// どちらが誤っているかは区別しない。
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNoSession は有効なセッションまたはユーザーが無い場合に返される。
	ErrNoSession = errors.New("no valid session")
)

// registration はユーザー登録の入力制約。
// bcryptは72バイトを超えるパスワードを扱えないため上限を設ける。
type registration struct {
	Name     string `validate:"required,max=64,excludesall= \t\r\n"`
	Password string `validate:"required,max=72"`
}

var validate = validator.New()

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間（秒）
	BcryptCost    int // 0の場合はbcrypt.DefaultCost
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	store    repository.Transactor
	users    repository.UserRepository
	sessions repository.SessionRepository
	config   ServiceConfig
	now      func() time.Time

	dummyOnce sync.Once
	dummyHash []byte
}

// NewService はServiceを生成する。
// usersとsessionsはトランザクション外の読み取りに使用する。
func NewService(
	store repository.Transactor,
	users repository.UserRepository,
	sessions repository.SessionRepository,
	config ServiceConfig,
) *Service {
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	return &Service{
		store:    store,
		users:    users,
		sessions: sessions,
		config:   config,
		now:      time.Now,
	}
}

// RegisterUser はユーザーを登録する。パスワードはbcryptハッシュとして保存する。
// 同名のユーザーが存在する場合はErrUserAlreadyExistsを返す。
func (s *Service) RegisterUser(ctx context.Context, name, password string) (*model.User, error) {
	in := registration{Name: strings.TrimSpace(name), Password: password}
	if err := validate.Struct(in); err != nil {
		return nil, model.NewValidationError(describeRegistration(err))
	}
	name = in.Name

	existing, err := s.users.FindByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if existing != nil {
		return nil, ErrUserAlreadyExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.config.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &model.User{
		ID:           uuid.New().String(),
		Name:         name,
		PasswordHash: string(hash),
		CreatedAt:    s.now().UTC(),
	}

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			return nil, ErrUserAlreadyExists
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	slog.Info("user registered",
		slog.String("user_id", user.ID),
		slog.String("name", user.Name),
	)
	return user, nil
}

func describeRegistration(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	field := map[string]string{"Name": "ユーザー名", "Password": "パスワード"}[fe.Field()]
	switch fe.Tag() {
	case "required":
		return field + "は必須です"
	case "max":
		return fmt.Sprintf("%sは%s文字以内で入力してください", field, fe.Param())
	default:
		return field + "に空白は使用できません"
	}
}

// Authenticate はユーザー名とパスワードを検証する。
// ユーザーが存在しない場合もダミーハッシュとの比較を行い、応答時間からユーザーの有無を推測させない。
func (s *Service) Authenticate(ctx context.Context, name, password string) (*model.User, error) {
	return s.authenticate(ctx, s.users, name, password)
}

func (s *Service) authenticate(ctx context.Context, users repository.UserRepository, name, password string) (*model.User, error) {
	user, err := users.FindByName(ctx, strings.TrimSpace(name))
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	if user == nil {
		_ = bcrypt.CompareHashAndPassword(s.dummy(), []byte(password))
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// dummy は存在しないユーザー用の比較対象ハッシュを返す。
func (s *Service) dummy() []byte {
	s.dummyOnce.Do(func() {
		h, err := bcrypt.GenerateFromPassword([]byte("feedsync-dummy-password"), s.config.BcryptCost)
		if err != nil {
			slog.Error("failed to generate dummy hash", slog.String("error", err.Error()))
			return
		}
		s.dummyHash = h
	})
	return s.dummyHash
}

// Login は認証とセッション発行をひとつのトランザクションで行う。
func (s *Service) Login(ctx context.Context, name, password string) (*model.Session, *model.User, error) {
	var session *model.Session
	var user *model.User

	err := s.store.InTx(ctx, func(repos repository.Repos) error {
		u, err := s.authenticate(ctx, repos.Users, name, password)
		if err != nil {
			return err
		}

		sess, err := s.createSession(ctx, repos.Sessions, u.ID)
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}

		session, user = sess, u
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	slog.Info("user logged in", slog.String("user_id", user.ID))
	return session, user, nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessions.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("user logged out")
	return nil
}

// LoadUser はユーザーIDからユーザーを取得する。
// IDがUUIDとして不正な場合や、ユーザーが存在しない場合はErrNoSessionを返す。
func (s *Service) LoadUser(ctx context.Context, id string) (*model.User, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrNoSession
	}

	user, err := s.users.FindByID(ctx, parsed.String())
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, ErrNoSession
	}
	return user, nil
}

// RestoreSession はセッションIDから現在のユーザーを取得する。
// セッションが存在しないか期限切れの場合はErrNoSessionを返す。
func (s *Service) RestoreSession(ctx context.Context, sessionID string) (*model.User, error) {
	if sessionID == "" {
		return nil, ErrNoSession
	}

	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil || !session.ExpiresAt.After(s.now()) {
		return nil, ErrNoSession
	}

	return s.LoadUser(ctx, session.UserID)
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, sessions repository.SessionRepository, userID string) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now().UTC()
	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}

	if err := sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// generateSessionID は256ビットの乱数をURLセーフなBase64で返す。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
