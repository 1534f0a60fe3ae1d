package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	authdb "github.com/nanafune/marketgate/internal/auth/db"
	"github.com/nanafune/marketgate/pkg/middleware"
)

// リフレッシュトークン検証の失敗種別。呼び出し側はerrors.Isで分岐する。
var (
	// ErrRefreshNotFound は提示されたトークンの行が存在しないことを示す。
	ErrRefreshNotFound = errors.New("リフレッシュトークンが存在しない")
	// ErrRefreshRevoked はトークンが既に無効化されていることを示す。
	ErrRefreshRevoked = errors.New("リフレッシュトークンは無効化済み")
	// ErrRefreshExpired はトークンの有効期限が切れていることを示す。
	ErrRefreshExpired = errors.New("リフレッシュトークンの有効期限切れ")
)

// TokenService はトークンの発行・検証・ローテーションを担うサービス。
//
// アクセストークンは署名付きで自己完結し、永続化しない。
// リフレッシュトークンは不透明な値としてDBに永続化し、
// ユーザーごとに有効な行が高々1つという不変条件を維持する。
type TokenService struct {
	// db はSQLiteデータベース接続。発行時のトランザクションに使用する。
	db *sql.DB
	// queries はsqlcが生成したクエリ実行オブジェクト。
	queries *authdb.Queries
	// secret はアクセストークン署名用の秘密鍵。
	secret string
	// accessTTL はアクセストークンの有効期間。
	accessTTL time.Duration
	// refreshTTL はリフレッシュトークンの有効期間。
	refreshTTL time.Duration
}

// NewTokenService は新しいTokenServiceを生成する。
func NewTokenService(db *sql.DB, secret string, accessTTL, refreshTTL time.Duration) *TokenService {
	return &TokenService{
		db:         db,
		queries:    authdb.New(db),
		secret:     secret,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

// RefreshTTL はリフレッシュトークンの有効期間を返す。
// HTTP層がCookieのMax-Ageを設定するために使用する。
func (s *TokenService) RefreshTTL() time.Duration {
	return s.refreshTTL
}

// Issue はユーザーに新しいトークンペアを発行する。
//
// 既存の有効なリフレッシュトークンを全て無効化してから新しい行を挿入する。
// 両操作は1つのトランザクションで行い、どちらかが失敗した場合は発行全体が
// 失敗する。呼び出し側が同一ユーザーの有効なトークンを2つ同時に観測する
// ことはない。
func (s *TokenService) Issue(ctx context.Context, userID, role string) (string, authdb.RefreshToken, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", authdb.RefreshToken{}, fmt.Errorf("トランザクションの開始に失敗: %w", err)
	}
	defer tx.Rollback()

	qtx := s.queries.WithTx(tx)
	if err := qtx.InvalidateUserRefreshTokens(ctx, userID); err != nil {
		return "", authdb.RefreshToken{}, fmt.Errorf("既存リフレッシュトークンの無効化に失敗: %w", err)
	}

	refresh, err := s.insertRefreshToken(ctx, qtx, userID)
	if err != nil {
		return "", authdb.RefreshToken{}, err
	}

	if err := tx.Commit(); err != nil {
		return "", authdb.RefreshToken{}, fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}

	access, err := middleware.GenerateAccessToken(s.secret, userID, role, s.accessTTL)
	if err != nil {
		return "", authdb.RefreshToken{}, err
	}
	return access, refresh, nil
}

// VerifyAccess はアクセストークンを署名と有効期限のみで検証する。
// ストレージへの問い合わせは行わず、状態も変更しない。
func (s *TokenService) VerifyAccess(token string) (*middleware.AccessClaims, error) {
	return middleware.ParseAccessToken(s.secret, token)
}

// VerifyRefresh はリフレッシュトークンを永続化された状態に対して検証する。
//
// 行の存在、有効フラグ、有効期限を必ずこの順で検査する。
// 失敗種別が診断可能になるよう、先に該当した失敗を返す。状態は変更しない。
func (s *TokenService) VerifyRefresh(ctx context.Context, token string) (authdb.RefreshToken, error) {
	row, err := s.queries.GetRefreshToken(ctx, token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return authdb.RefreshToken{}, ErrRefreshNotFound
		}
		return authdb.RefreshToken{}, fmt.Errorf("リフレッシュトークンの取得に失敗: %w", err)
	}
	if !row.IsValid {
		return authdb.RefreshToken{}, ErrRefreshRevoked
	}
	if !row.ExpiresAt.After(time.Now()) {
		return authdb.RefreshToken{}, ErrRefreshExpired
	}
	return row, nil
}

// Rotate は提示されたリフレッシュトークンを失効させ、後継のトークンペアを発行する。
//
// 無効化は「現在有効である場合に限り無効化する」条件付きUPDATE（compare-and-set）
// で行う。同じトークンで並行してローテーションが呼ばれた場合、条件付きUPDATEに
// 成功するのは正確に1つであり、敗者はErrRefreshRevokedで失敗する。
// 成功側の後継挿入は、提示トークンが不変条件により唯一の有効トークンだったため、
// 全トークン無効化をやり直さない。
func (s *TokenService) Rotate(ctx context.Context, presented string) (string, authdb.RefreshToken, error) {
	row, err := s.VerifyRefresh(ctx, presented)
	if err != nil {
		return "", authdb.RefreshToken{}, err
	}

	user, err := s.queries.GetUserByID(ctx, row.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", authdb.RefreshToken{}, ErrRefreshNotFound
		}
		return "", authdb.RefreshToken{}, fmt.Errorf("ユーザーの取得に失敗: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", authdb.RefreshToken{}, fmt.Errorf("トランザクションの開始に失敗: %w", err)
	}
	defer tx.Rollback()

	qtx := s.queries.WithTx(tx)
	affected, err := qtx.RevokeRefreshToken(ctx, presented)
	if err != nil {
		return "", authdb.RefreshToken{}, fmt.Errorf("リフレッシュトークンの無効化に失敗: %w", err)
	}
	if affected == 0 {
		// 並行するローテーションが先に無効化した
		return "", authdb.RefreshToken{}, ErrRefreshRevoked
	}

	refresh, err := s.insertRefreshToken(ctx, qtx, row.UserID)
	if err != nil {
		return "", authdb.RefreshToken{}, err
	}

	if err := tx.Commit(); err != nil {
		return "", authdb.RefreshToken{}, fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}

	access, err := middleware.GenerateAccessToken(s.secret, user.ID, user.Role, s.accessTTL)
	if err != nil {
		return "", authdb.RefreshToken{}, err
	}
	return access, refresh, nil
}

// Revoke は提示されたリフレッシュトークンを無効化する。ログアウト時に使用する。
// トークンが存在しない、または既に無効な場合もエラーにしない。
func (s *TokenService) Revoke(ctx context.Context, token string) error {
	if _, err := s.queries.RevokeRefreshToken(ctx, token); err != nil {
		return fmt.Errorf("リフレッシュトークンの無効化に失敗: %w", err)
	}
	return nil
}

// insertRefreshToken は新しいリフレッシュトークン行を挿入して返す。
func (s *TokenService) insertRefreshToken(ctx context.Context, q *authdb.Queries, userID string) (authdb.RefreshToken, error) {
	refresh := authdb.RefreshToken{
		Token:     uuid.New().String(),
		UserID:    userID,
		IsValid:   true,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(s.refreshTTL),
	}
	if err := q.CreateRefreshToken(ctx, authdb.CreateRefreshTokenParams{
		Token:     refresh.Token,
		UserID:    refresh.UserID,
		ExpiresAt: refresh.ExpiresAt,
	}); err != nil {
		return authdb.RefreshToken{}, fmt.Errorf("リフレッシュトークンの保存に失敗: %w", err)
	}
	return refresh, nil
}
