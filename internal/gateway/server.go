package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nanafune/marketgate/pkg/httpclient"
	"github.com/nanafune/marketgate/pkg/middleware"
)

// errTokenInvalid は検証サービスがトークンを無効と判定したことを示す。
// 失敗種別はクライアントに開示せず、ログにのみ残す。
var errTokenInvalid = errors.New("トークンが無効と判定された")

// serviceTarget はプロキシ先の内部サービス。
type serviceTarget struct {
	// baseURL は内部サービスのベースURL。
	baseURL string
	// rewritePrefix は外部パスの先頭サービス名を置き換える内部パス。
	rewritePrefix string
}

// Server はAPI GatewayサービスのHTTPサーバー。
// 全ての受信リクエストについて認可判定を行い、必要な場合はauthサービスで
// トークンを検証したうえで、検証済みの身元ヘッダーを付与して内部サービスへ
// 転送する。外部からアクセス可能な唯一のサービスであり、信頼境界となる。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// routes は起動時に構築する読み取り専用の認可テーブル。
	routes *routeTable
	// services はサービス名からプロキシ先への不変のマッピング。
	services map[string]serviceTarget
	// verifier はauthサービスのトークン検証エンドポイントへのクライアント。
	verifier *httpclient.Client
	// verifyTimeout はトークン検証呼び出しの上限時間。
	// 超過した場合は検証失敗として扱う（フェイルクローズ）。
	verifyTimeout time.Duration
	// proxyClient は内部サービスへの転送に使用するHTTPクライアント。
	proxyClient *http.Client
}

// NewServer は新しいGatewayサーバーを生成する。
func NewServer(port string) (*Server, error) {
	authURL := getEnvOr("AUTH_SERVICE_URL", "http://localhost:8090")
	catalogURL := getEnvOr("CATALOG_SERVICE_URL", "http://localhost:8080")
	verifyTimeout := time.Duration(getEnvInt("VERIFY_TIMEOUT_SECONDS", 5)) * time.Second
	frontendURL := getEnvOr("FRONTEND_URL", "*")

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	router.Use(middleware.CORS([]string{frontendURL}))

	s := &Server{
		router: router,
		port:   port,
		routes: defaultRouteTable(),
		services: map[string]serviceTarget{
			"auth":    {baseURL: authURL, rewritePrefix: "/auth"},
			"catalog": {baseURL: catalogURL, rewritePrefix: "/api"},
		},
		verifier:      httpclient.New(authURL, verifyTimeout),
		verifyTimeout: verifyTimeout,
		proxyClient: &http.Client{
			Timeout: 30 * time.Second,
		},
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
	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
	})

	// 任意メソッドの /{service}/{残りのパス} を受けるキャッチオール
	s.router.Any("/:service/*path", s.handleProxy())
}

// verifyResult はauthサービスのトークン検証レスポンス。
type verifyResult struct {
	// Status は検証結果（"valid" または "invalid"）。
	Status string `json:"status"`
	// UserID は検証済みユーザーの一意識別子。
	UserID string `json:"user_id"`
	// Role は検証済みユーザーのロール。
	Role string `json:"role"`
}

// handleProxy は受信リクエストの認可と転送を行うハンドラを返す。
//
// 認可判定が公開の場合はそのまま転送する。要認証の場合はBearerトークンを
// 取り出し（欠落・不正形式は遠隔呼び出しなしで即401）、authサービスで
// 検証する。検証の失敗はいかなる種別であれ一律401とし、検証サービスへの
// 到達不能やタイムアウトも401とする（フェイルオープンにしない）。
// ロール制約を満たさない場合は403。成功時は検証済みの身元をヘッダーに
// 直列化して転送する。
func (s *Server) handleProxy() gin.HandlerFunc {
	return func(c *gin.Context) {
		service := c.Param("service")
		rest := c.Param("path")
		externalPath := "/" + service + rest

		dec := s.routes.decide(externalPath, c.Request.Method)

		var ident *requestIdentity
		if dec.kind != decisionPublic {
			token, ok := middleware.BearerToken(c.GetHeader("Authorization"))
			if !ok {
				c.JSON(http.StatusUnauthorized, gin.H{"detail": "Unauthorized"})
				return
			}

			result, err := s.verifyRemote(c.Request.Context(), token)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"detail": "Unauthorized"})
				log.Printf("トークン検証失敗: path=%s, error=%v", externalPath, err)
				return
			}
			if !dec.allowsRole(result.Role) {
				c.JSON(http.StatusForbidden, gin.H{"detail": "Forbidden: Insufficient permissions"})
				return
			}

			ident = &requestIdentity{
				UserID: result.UserID,
				Role:   result.Role,
				Token:  token,
			}
		}

		target, ok := s.services[service]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Service not found"})
			return
		}

		s.forward(c, target, rest, ident)
	}
}

// verifyRemote はauthサービスの検証エンドポイントを呼び出す。
// 呼び出しは受信リクエストのコンテキストに上限時間を加えたもので行うため、
// クライアント切断時には検証呼び出しも中断される。
func (s *Server) verifyRemote(ctx context.Context, token string) (*verifyResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.verifyTimeout)
	defer cancel()

	var result verifyResult
	if err := s.verifier.PostJSON(httpclient.WithBearer(ctx, token), "/auth/verify", nil, &result); err != nil {
		return nil, err
	}
	if result.Status != "valid" {
		return nil, errTokenInvalid
	}
	return &result, nil
}

// forward はリクエストを内部サービスへ転送し、レスポンスをそのまま中継する。
//
// メソッド・ヘッダー・ボディ・クエリパラメータを転送し、サービス名を
// rewritePrefixに置き換えてパスを書き換える。身元が検証済みの場合のみ、
// 転送境界で身元ヘッダーを直列化する。転送は1回のみで自動リトライは
// 行わない（意図したギャップ）。内部サービスへの到達失敗は502を返す。
func (s *Server) forward(c *gin.Context, target serviceTarget, rest string, ident *requestIdentity) {
	proxyURL := target.baseURL + target.rewritePrefix + rest
	if c.Request.URL.RawQuery != "" {
		proxyURL += "?" + c.Request.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, proxyURL, c.Request.Body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "プロキシリクエストの作成に失敗しました"})
		return
	}

	req.Header = c.Request.Header.Clone()
	if ident != nil {
		ident.apply(req.Header)
	}

	resp, err := s.proxyClient.Do(req)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "内部サービスとの通信に失敗しました"})
		log.Printf("プロキシエラー: url=%s, error=%v", proxyURL, err)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "レスポンスの読み取りに失敗しました"})
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}

	c.Data(resp.StatusCode, contentType, body)
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
