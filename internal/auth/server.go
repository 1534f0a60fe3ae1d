package auth

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	authdb "github.com/nanafune/marketgate/internal/auth/db"
	"github.com/nanafune/marketgate/pkg/middleware"
	_ "modernc.org/sqlite"
)

// validRoles はアカウントに許可するロールの閉じた集合。
var validRoles = map[string]struct{}{
	"buyer":  {},
	"seller": {},
}

// Server は認証サービスのHTTPサーバー。
// アカウント登録、ログイン、トークンのリフレッシュ、
// gateway専用のトークン検証エンドポイントを提供する。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// queries はsqlcが生成したクエリ実行オブジェクト。
	queries *authdb.Queries
	// db はSQLiteデータベース接続。
	db *sql.DB
	// tokens はトークンの発行・検証・ローテーションを担うサービス。
	tokens *TokenService
	// jwtSecret はアクセストークン署名用の秘密鍵。
	jwtSecret string
	// cookieName はリフレッシュトークンを格納するCookie名。
	cookieName string
	// cookieSecure はCookieにSecure属性を付与するかどうか。
	cookieSecure bool
}

// NewServer は新しい認証サーバーを生成する。
// SQLiteデータベースの初期化とスキーマ作成を行う。
func NewServer(port string) (*Server, error) {
	dbPath := getEnvOr("AUTH_DB_PATH", "/data/auth.db?_journal_mode=WAL&_busy_timeout=5000")
	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	if err := initSchema(sqlDB); err != nil {
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "dev-secret-key"
	}

	accessTTL := time.Duration(getEnvInt("ACCESS_TOKEN_EXPIRE_MINUTES", 30)) * time.Minute
	refreshTTL := time.Duration(getEnvInt("REFRESH_TOKEN_EXPIRE_DAYS", 30)) * 24 * time.Hour

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())

	s := &Server{
		router:       router,
		port:         port,
		queries:      authdb.New(sqlDB),
		db:           sqlDB,
		tokens:       NewTokenService(sqlDB, jwtSecret, accessTTL, refreshTTL),
		jwtSecret:    jwtSecret,
		cookieName:   getEnvOr("REFRESH_TOKEN_COOKIE_NAME", "refresh_token"),
		cookieSecure: getEnvOr("REFRESH_TOKEN_COOKIE_SECURE", "false") == "true",
	}
	s.setupRoutes()

	return s, nil
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.port))
}

// Handler はルーターをhttp.Handlerとして返す。テストから使用する。
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	auth := s.router.Group("/auth")
	{
		// 認証不要のエンドポイント
		auth.POST("/register", s.handleRegister())
		auth.POST("/token", s.handleLogin())
		auth.POST("/refresh", s.handleRefresh())
		auth.POST("/logout", s.handleLogout())

		// gateway専用の内部エンドポイント。外部ネットワークからは
		// gatewayのネットワーク境界で遮断されている前提。
		auth.POST("/verify", s.handleVerify())

		// アクセストークン必須のエンドポイント
		users := auth.Group("/users")
		users.Use(middleware.AccessAuth(s.jwtSecret))
		{
			users.GET("/me", s.handleGetMe())
			users.PUT("/me", s.handleUpdateMe())
		}

		// ヘルスチェック
		auth.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "auth"})
		})
	}
}

// registerRequest はアカウント登録リクエストのJSON構造。
type registerRequest struct {
	// Email はログインIDとなるメールアドレス。
	Email string `json:"email" binding:"required,email"`
	// Username は表示用ユーザー名。
	Username string `json:"username" binding:"required,min=3,max=255"`
	// Password は平文パスワード。
	Password string `json:"password" binding:"required,min=8,max=255"`
	// Role はアカウントのロール（buyer または seller）。
	Role string `json:"role" binding:"required"`
}

// loginRequest はログインリクエストのJSON構造。
type loginRequest struct {
	// Email はログインIDとなるメールアドレス。
	Email string `json:"email" binding:"required"`
	// Password は平文パスワード。
	Password string `json:"password" binding:"required"`
}

// refreshRequest はリフレッシュリクエストのJSONボディ構造。
// Cookieが無い場合のフォールバックとして使用する。
type refreshRequest struct {
	// RefreshToken は提示するリフレッシュトークン。
	RefreshToken string `json:"refresh_token"`
}

// updateProfileRequest はプロフィール更新リクエストのJSON構造。
type updateProfileRequest struct {
	// Username は新しいユーザー名。省略時は変更しない。
	Username string `json:"username" binding:"omitempty,min=3,max=255"`
	// Password は新しい平文パスワード。省略時は変更しない。
	Password string `json:"password" binding:"omitempty,min=8,max=255"`
}

// tokenResponse はトークンペアのJSONレスポンス構造。
type tokenResponse struct {
	// AccessToken は署名付きアクセストークン。
	AccessToken string `json:"access_token"`
	// RefreshToken は不透明なリフレッシュトークン。
	RefreshToken string `json:"refresh_token"`
	// TokenType はトークン種別。常に "bearer"。
	TokenType string `json:"token_type"`
}

// userResponse はアカウント情報のJSONレスポンス構造。
type userResponse struct {
	// ID はユーザーの一意識別子。
	ID string `json:"id"`
	// Email はメールアドレス。
	Email string `json:"email"`
	// Username は表示用ユーザー名。
	Username string `json:"username"`
	// Role はロール。
	Role string `json:"role"`
	// CreatedAt は作成日時。
	CreatedAt string `json:"created_at"`
	// UpdatedAt は更新日時。
	UpdatedAt string `json:"updated_at"`
}

// handleRegister はアカウント登録ハンドラを返す。
// 登録成功時はトークンペアも発行して返す。
func (s *Server) handleRegister() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストの形式が不正です"})
			return
		}
		if _, ok := validRoles[req.Role]; !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ロールはbuyerまたはsellerを指定してください"})
			return
		}

		ctx := c.Request.Context()
		if _, err := s.queries.GetUserByEmail(ctx, req.Email); err == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "このメールアドレスは既に登録されています"})
			return
		} else if !errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザー登録に失敗しました"})
			log.Printf("ユーザー照会エラー: %v", err)
			return
		}

		hash, err := HashPassword(req.Password)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザー登録に失敗しました"})
			log.Printf("パスワードハッシュ化エラー: %v", err)
			return
		}

		userID := uuid.New().String()
		if err := s.queries.CreateUser(ctx, authdb.CreateUserParams{
			ID:           userID,
			Email:        req.Email,
			Username:     req.Username,
			PasswordHash: hash,
			Role:         req.Role,
		}); err != nil {
			// email/usernameの一意性制約違反もここに到達する
			c.JSON(http.StatusBadRequest, gin.H{"error": "ユーザー登録に失敗しました"})
			log.Printf("ユーザー作成エラー: %v", err)
			return
		}

		s.respondTokenPair(c, http.StatusCreated, userID, req.Role)
	}
}

// handleLogin は認証情報からトークンペアを発行するハンドラを返す。
func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストの形式が不正です"})
			return
		}

		user, err := s.queries.GetUserByEmail(c.Request.Context(), req.Email)
		if err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "ログイン処理に失敗しました"})
				log.Printf("ユーザー照会エラー: %v", err)
				return
			}
			c.JSON(http.StatusUnauthorized, gin.H{"error": "メールアドレスまたはパスワードが正しくありません"})
			return
		}
		if !VerifyPassword(req.Password, user.PasswordHash) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "メールアドレスまたはパスワードが正しくありません"})
			return
		}

		s.respondTokenPair(c, http.StatusOK, user.ID, user.Role)
	}
}

// handleRefresh はリフレッシュトークンをローテーションするハンドラを返す。
// トークンはCookieを優先し、無ければJSONボディから読む。
// 失敗種別はクライアントに開示せず、一律401を返す。
func (s *Server) handleRefresh() gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := s.presentedRefreshToken(c)
		if presented == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "リフレッシュトークンが無効です"})
			return
		}

		access, refresh, err := s.tokens.Rotate(c.Request.Context(), presented)
		switch {
		case err == nil:
		case errors.Is(err, ErrRefreshNotFound), errors.Is(err, ErrRefreshRevoked), errors.Is(err, ErrRefreshExpired):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "リフレッシュトークンが無効です"})
			log.Printf("リフレッシュ失敗: %v", err)
			return
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークンの更新に失敗しました"})
			log.Printf("ローテーションエラー: %v", err)
			return
		}

		s.setRefreshCookie(c, refresh.Token)
		c.JSON(http.StatusOK, tokenResponse{
			AccessToken:  access,
			RefreshToken: refresh.Token,
			TokenType:    "bearer",
		})
	}
}

// handleVerify はgatewayから呼ばれるアクセストークン検証ハンドラを返す。
// 検証は署名と有効期限のみで完結し、状態を変更しない。
func (s *Server) handleVerify() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := middleware.BearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"status": "invalid"})
			return
		}

		claims, err := s.tokens.VerifyAccess(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"status": "invalid"})
			log.Printf("アクセストークン検証失敗: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":  "valid",
			"user_id": claims.Subject,
			"role":    claims.Role,
		})
	}
}

// handleLogout は提示されたリフレッシュトークンを無効化するハンドラを返す。
// トークンが無い場合や既に無効な場合も成功として扱う。
func (s *Server) handleLogout() gin.HandlerFunc {
	return func(c *gin.Context) {
		if presented := s.presentedRefreshToken(c); presented != "" {
			if err := s.tokens.Revoke(c.Request.Context(), presented); err != nil {
				log.Printf("ログアウト時の無効化エラー: %v", err)
			}
		}

		c.SetCookie(s.cookieName, "", -1, "/", "", s.cookieSecure, true)
		c.JSON(http.StatusOK, gin.H{"message": "ログアウトしました"})
	}
}

// handleGetMe は認証済みユーザーの情報を返すハンドラを返す。
func (s *Server) handleGetMe() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := s.queries.GetUserByID(c.Request.Context(), middleware.GetUserID(c))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "ユーザーが見つかりません"})
			return
		}
		c.JSON(http.StatusOK, toUserResponse(user))
	}
}

// handleUpdateMe は認証済みユーザーのプロフィールを更新するハンドラを返す。
// ユーザー名とパスワードを個別または同時に変更できる。
func (s *Server) handleUpdateMe() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updateProfileRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストの形式が不正です"})
			return
		}

		ctx := c.Request.Context()
		user, err := s.queries.GetUserByID(ctx, middleware.GetUserID(c))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "ユーザーが見つかりません"})
			return
		}

		username := user.Username
		if req.Username != "" {
			username = req.Username
		}
		passwordHash := user.PasswordHash
		if req.Password != "" {
			passwordHash, err = HashPassword(req.Password)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "プロフィール更新に失敗しました"})
				log.Printf("パスワードハッシュ化エラー: %v", err)
				return
			}
		}

		if err := s.queries.UpdateUserProfile(ctx, authdb.UpdateUserProfileParams{
			Username:     username,
			PasswordHash: passwordHash,
			ID:           user.ID,
		}); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "プロフィール更新に失敗しました"})
			log.Printf("プロフィール更新エラー: %v", err)
			return
		}

		updated, err := s.queries.GetUserByID(ctx, user.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "プロフィール更新に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, toUserResponse(updated))
	}
}

// respondTokenPair はトークンペアを発行してレスポンスを返す共通処理。
// 発行はストレージ操作を含むため、失敗時は部分的な状態を返さず500とする。
func (s *Server) respondTokenPair(c *gin.Context, status int, userID, role string) {
	access, refresh, err := s.tokens.Issue(c.Request.Context(), userID, role)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "トークンの発行に失敗しました"})
		log.Printf("トークン発行エラー: %v", err)
		return
	}

	s.setRefreshCookie(c, refresh.Token)
	c.JSON(status, tokenResponse{
		AccessToken:  access,
		RefreshToken: refresh.Token,
		TokenType:    "bearer",
	})
}

// presentedRefreshToken はリクエストからリフレッシュトークンを取り出す。
// Cookieを優先し、無ければJSONボディのrefresh_tokenフィールドを読む。
func (s *Server) presentedRefreshToken(c *gin.Context) string {
	if cookie, err := c.Cookie(s.cookieName); err == nil && cookie != "" {
		return cookie
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err == nil {
		return req.RefreshToken
	}
	return ""
}

// setRefreshCookie はリフレッシュトークンをHttpOnly Cookieに設定する。
func (s *Server) setRefreshCookie(c *gin.Context, token string) {
	maxAge := int(s.tokens.RefreshTTL() / time.Second)
	c.SetCookie(s.cookieName, token, maxAge, "/", "", s.cookieSecure, true)
}

// toUserResponse はDBのユーザー行をレスポンス構造に変換する。
func toUserResponse(user authdb.User) userResponse {
	return userResponse{
		ID:        user.ID,
		Email:     user.Email,
		Username:  user.Username,
		Role:      user.Role,
		CreatedAt: user.CreatedAt.Format(time.RFC3339),
		UpdatedAt: user.UpdatedAt.Format(time.RFC3339),
	}
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// getEnvInt は整数値の環境変数を取得し、未設定または不正な場合はデフォルト値を返す。
func getEnvInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("環境変数%sの値%qが不正なためデフォルト値%dを使用します", key, v, defaultValue)
		return defaultValue
	}
	return n
}
