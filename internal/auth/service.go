// Package auth はアカウント、資格情報、IDトークン、セッションを管理する。
//
// ロールはアカウントのカスタムクレームとして保持され、IDトークンに載る。
// クレームの変更は次のトークン発行から反映され、RevokeTokens で既存のトークンと
// セッションを無効にできる。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/taskboard/internal/model"
	"github.com/hitoshi/taskboard/internal/profile"
	"github.com/hitoshi/taskboard/internal/repository"
)

// ActorResolver は識別情報をプロフィールと整合させてアクターを返す。
type ActorResolver interface {
	ActorFor(ctx context.Context, id profile.Identity) model.Actor
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間（秒）
}

// SignInResult はサインイン結果。
type SignInResult struct {
	Session        *model.Session
	IDToken        string
	TokenExpiresAt time.Time
	Actor          model.Actor
}

// CreateUserInput はユーザー作成の入力。
type CreateUserInput struct {
	Email       string
	Password    string
	DisplayName string
	Role        model.Role
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	accounts repository.AccountRepository
	sessions repository.SessionRepository
	actors   ActorResolver
	tokens   *TokenIssuer
	config   ServiceConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	accounts repository.AccountRepository,
	sessions repository.SessionRepository,
	actors ActorResolver,
	tokens *TokenIssuer,
	config ServiceConfig,
	logger *slog.Logger,
) *Service {
	return &Service{
		accounts: accounts,
		sessions: sessions,
		actors:   actors,
		tokens:   tokens,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

// SignIn はメールアドレスとパスワードで認証し、セッションとIDトークンを発行する。
// プロフィールはここでクレームと整合される。
func (s *Service) SignIn(ctx context.Context, email, password string) (*SignInResult, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, model.NewValidationError("メールアドレスとパスワードは必須です", "email", "password")
	}

	account, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil {
		return nil, model.NewInvalidCredentialsError()
	}
	ok, err := CheckPassword(account.PasswordHash, password)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.logger.Info("パスワードが一致しません", slog.String("user_id", account.ID))
		return nil, model.NewInvalidCredentialsError()
	}

	session, err := s.createSession(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	token, expiresAt, err := s.tokens.Issue(account)
	if err != nil {
		return nil, err
	}

	actor := s.actors.ActorFor(ctx, identityOf(account, account.Claims))
	s.logger.Info("ユーザーがログインしました",
		slog.String("user_id", account.ID),
		slog.String("role", string(actor.Role)),
	)
	return &SignInResult{Session: session, IDToken: token, TokenExpiresAt: expiresAt, Actor: actor}, nil
}

// ResolveSession はセッションIDからアクターを解決する。
// 失効後に作られたセッションでなければ未認証エラーを返す。
func (s *Service) ResolveSession(ctx context.Context, sessionID string) (model.Actor, error) {
	account, err := s.sessionAccount(ctx, sessionID)
	if err != nil {
		return model.Actor{}, err
	}
	return s.actors.ActorFor(ctx, identityOf(account, account.Claims)), nil
}

// ResolveBearer はIDトークンからアクターを解決する。
// ロールはトークンに載ったクレームから決める。
func (s *Service) ResolveBearer(ctx context.Context, token string) (model.Actor, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return model.Actor{}, model.NewUnauthorizedError()
	}

	account, err := s.accounts.FindByID(ctx, claims.Subject)
	if err != nil {
		return model.Actor{}, fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil || claims.IssuedAt == nil || claims.IssuedAt.Before(account.TokensValidAfter) {
		return model.Actor{}, model.NewUnauthorizedError()
	}

	return s.actors.ActorFor(ctx, identityOf(account, claims.Custom())), nil
}

// RefreshToken はセッションに紐づくアカウントの現在のクレームでIDトークンを再発行する。
// SetRole後のロールはここで発行したトークンから反映される。
func (s *Service) RefreshToken(ctx context.Context, sessionID string) (string, time.Time, error) {
	account, err := s.sessionAccount(ctx, sessionID)
	if err != nil {
		return "", time.Time{}, err
	}
	return s.tokens.Issue(account)
}

func (s *Service) sessionAccount(ctx context.Context, sessionID string) (*model.Account, error) {
	if sessionID == "" {
		return nil, model.NewUnauthorizedError()
	}
	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, model.NewUnauthorizedError()
	}

	account, err := s.accounts.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil || session.CreatedAt.Before(account.TokensValidAfter) {
		return nil, model.NewUnauthorizedError()
	}
	return account, nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessions.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	s.logger.Info("user logged out", slog.String("session_id", sessionID))
	return nil
}

// CreateUser はアカウントを作成する。
// ロールを指定した場合は対応するカスタムクレームを設定する。
func (s *Service) CreateUser(ctx context.Context, in CreateUserInput) (*model.Account, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return nil, model.NewValidationError("メールアドレスの形式が正しくありません", "email")
	}
	if len(in.Password) < MinPasswordLength {
		return nil, model.NewValidationError(fmt.Sprintf("パスワードは%d文字以上で入力してください", MinPasswordLength), "password")
	}
	role := in.Role
	if role == "" {
		role = model.RoleMember
	}
	if !role.Valid() {
		return nil, model.NewValidationError("不明なロールです", "role")
	}

	existing, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if existing != nil {
		return nil, model.NewEmailTakenError(email)
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	now := s.now()
	account := &model.Account{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: hash,
		DisplayName:  strings.TrimSpace(in.DisplayName),
		Claims:       model.ClaimsForRole(role),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.accounts.Create(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	s.logger.Info("アカウントを作成しました",
		slog.String("user_id", account.ID),
		slog.String("role", string(role)),
	)
	return account, nil
}

// SetRole はアカウントのカスタムクレームを指定ロールに置き換える。
// 既存のトークンには反映されないため、即時反映にはRevokeTokensを併用する。
func (s *Service) SetRole(ctx context.Context, accountID string, role model.Role) (*model.Account, error) {
	if !role.Valid() {
		return nil, model.NewValidationError("不明なロールです", "role")
	}
	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil {
		return nil, model.NewUserNotFoundError()
	}

	claims := model.ClaimsForRole(role)
	if err := s.accounts.UpdateClaims(ctx, accountID, claims); err != nil {
		return nil, fmt.Errorf("failed to update claims: %w", err)
	}
	account.Claims = claims

	s.logger.Info("カスタムクレームを更新しました",
		slog.String("user_id", accountID),
		slog.String("role", string(role)),
	)
	return account, nil
}

// RevokeTokens はこれまでに発行したIDトークンとセッションを無効にする。
func (s *Service) RevokeTokens(ctx context.Context, accountID string) error {
	// トークンのiatは秒精度
	at := s.now().Truncate(time.Second)
	if err := s.accounts.SetTokensValidAfter(ctx, accountID, at); err != nil {
		return fmt.Errorf("failed to revoke tokens: %w", err)
	}
	deleted, err := s.sessions.DeleteByUserID(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to delete sessions: %w", err)
	}

	s.logger.Info("トークンを失効させました",
		slog.String("user_id", accountID),
		slog.Int64("deleted_sessions", deleted),
	)
	return nil
}

// FindAccountByEmail はメールアドレスでアカウントを取得する。
func (s *Service) FindAccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	account, err := s.accounts.FindByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil {
		return nil, model.NewUserNotFoundError()
	}
	return account, nil
}

// Identity はアカウントの現在のクレームから識別情報を組み立てる。
func Identity(account *model.Account) profile.Identity {
	return identityOf(account, account.Claims)
}

func identityOf(account *model.Account, claims model.Claims) profile.Identity {
	return profile.Identity{
		UserID:      account.ID,
		Email:       account.Email,
		DisplayName: account.DisplayName,
		Claims:      claims,
	}
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID string) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
