package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	authdb "github.com/nanafune/marketgate/internal/auth/db"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestAuthServer はテスト用の認証サーバーを生成する。
// インメモリSQLiteを使用する。
func newTestAuthServer(t *testing.T) *Server {
	t.Helper()

	db := newTestDB(t)
	router := gin.New()
	s := &Server{
		router:       router,
		port:         "0",
		queries:      authdb.New(db),
		db:           db,
		tokens:       NewTokenService(db, testJWTSecret, 30*time.Minute, 30*24*time.Hour),
		jwtSecret:    testJWTSecret,
		cookieName:   "refresh_token",
		cookieSecure: false,
	}
	s.setupRoutes()
	return s
}

// doJSON はテスト用サーバーにJSONリクエストを送り、レコーダーを返す。
func doJSON(t *testing.T, s *Server, method, path, body string, modify ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for _, m := range modify {
		m(req)
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// registerTestUser は登録エンドポイント経由でユーザーを作成し、トークンペアを返す。
func registerTestUser(t *testing.T, s *Server, email, username, role string) tokenResponse {
	t.Helper()

	w := doJSON(t, s, http.MethodPost, "/auth/register",
		`{"email":"`+email+`","username":"`+username+`","password":"password123","role":"`+role+`"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("登録ステータスコード: got %d, want %d (body=%s)", w.Code, http.StatusCreated, w.Body.String())
	}

	var pair tokenResponse
	if err := json.Unmarshal(w.Body.Bytes(), &pair); err != nil {
		t.Fatalf("レスポンスのパースに失敗: %v", err)
	}
	return pair
}

// TestHandleRegister はアカウント登録ハンドラのテスト。
func TestHandleRegister(t *testing.T) {
	t.Parallel()

	t.Run("登録成功時にトークンペアとCookieが返ること", func(t *testing.T) {
		t.Parallel()

		s := newTestAuthServer(t)

		w := doJSON(t, s, http.MethodPost, "/auth/register",
			`{"email":"a@x.com","username":"alice","password":"password123","role":"seller"}`)

		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード: got %d, want %d (body=%s)", w.Code, http.StatusCreated, w.Body.String())
		}

		var pair tokenResponse
		if err := json.Unmarshal(w.Body.Bytes(), &pair); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if pair.AccessToken == "" {
			t.Error("access_tokenが空")
		}
		if pair.RefreshToken == "" {
			t.Error("refresh_tokenが空")
		}
		if pair.TokenType != "bearer" {
			t.Errorf("token_type: got %q, want %q", pair.TokenType, "bearer")
		}

		var found bool
		for _, cookie := range w.Result().Cookies() {
			if cookie.Name == "refresh_token" && cookie.Value == pair.RefreshToken {
				found = true
				if !cookie.HttpOnly {
					t.Error("CookieにHttpOnly属性が無い")
				}
			}
		}
		if !found {
			t.Error("リフレッシュトークンのCookieが設定されていない")
		}
	})

	t.Run("登録済みメールアドレスは400を返すこと", func(t *testing.T) {
		t.Parallel()

		s := newTestAuthServer(t)
		registerTestUser(t, s, "a@x.com", "alice", "seller")

		w := doJSON(t, s, http.MethodPost, "/auth/register",
			`{"email":"a@x.com","username":"alice2","password":"password123","role":"buyer"}`)
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("閉じた集合に無いロールは400を返すこと", func(t *testing.T) {
		t.Parallel()

		s := newTestAuthServer(t)

		w := doJSON(t, s, http.MethodPost, "/auth/register",
			`{"email":"a@x.com","username":"alice","password":"password123","role":"admin"}`)
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("短すぎるパスワードは400を返すこと", func(t *testing.T) {
		t.Parallel()

		s := newTestAuthServer(t)

		w := doJSON(t, s, http.MethodPost, "/auth/register",
			`{"email":"a@x.com","username":"alice","password":"short","role":"buyer"}`)
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

// TestHandleLogin はログインハンドラのテスト。
func TestHandleLogin(t *testing.T) {
	t.Parallel()

	t.Run("正しい認証情報でトークンペアが返ること", func(t *testing.T) {
		t.Parallel()

		s := newTestAuthServer(t)
		registerTestUser(t, s, "a@x.com", "alice", "seller")

		w := doJSON(t, s, http.MethodPost, "/auth/token",
			`{"email":"a@x.com","password":"password123"}`)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}

		var pair tokenResponse
		if err := json.Unmarshal(w.Body.Bytes(), &pair); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if pair.AccessToken == "" || pair.RefreshToken == "" {
			t.Error("トークンペアが空")
		}
	})

	t.Run("誤ったパスワードは401を返すこと", func(t *testing.T) {
		t.Parallel()

		s := newTestAuthServer(t)
		registerTestUser(t, s, "a@x.com", "alice", "seller")

		w := doJSON(t, s, http.MethodPost, "/auth/token",
			`{"email":"a@x.com","password":"wrong-password"}`)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("未登録メールアドレスは401を返すこと", func(t *testing.T) {
		t.Parallel()

		s := newTestAuthServer(t)

		w := doJSON(t, s, http.MethodPost, "/auth/token",
			`{"email":"nobody@x.com","password":"password123"}`)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("再ログインで旧リフレッシュトークンが失効すること", func(t *testing.T) {
		t.Parallel()

		s := newTestAuthServer(t)
		first := registerTestUser(t, s, "a@x.com", "alice", "seller")

		w := doJSON(t, s, http.MethodPost, "/auth/token",
			`{"email":"a@x.com","password":"password123"}`)
		if w.Code != http.StatusOK {
			t.Fatalf("ログインに失敗: %d", w.Code)
		}

		// 旧トークンでのリフレッシュは401になる
		w2 := doJSON(t, s, http.MethodPost, "/auth/refresh",
			`{"refresh_token":"`+first.RefreshToken+`"}`)
		if w2.Code != http.StatusUnauthorized {
			t.Errorf("旧トークンのリフレッシュ: got %d, want %d", w2.Code, http.StatusUnauthorized)
		}
	})
}

// TestHandleRefresh はリフレッシュハンドラのテスト。
func TestHandleRefresh(t *testing.T) {
	t.Parallel()

	t.Run("Cookieのトークンでローテーションできること", func(t *testing.T) {
		t.Parallel()

		s := newTestAuthServer(t)
		pair := registerTestUser(t, s, "a@x.com", "alice", "seller")

		w := doJSON(t, s, http.MethodPost, "/auth/refresh", "", func(req *http.Request) {
			req.AddCookie(&http.Cookie{Name: "refresh_token", Value: pair.RefreshToken})
		})
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d (body=%s)", w.Code, http.StatusOK, w.Body.String())
		}

		var next tokenResponse
		if err := json.Unmarshal(w.Body.Bytes(), &next); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if next.RefreshToken == pair.RefreshToken {
			t.Error("後継トークンが旧トークンと同一")
		}
	})

	t.Run("ボディのトークンでローテーションできること", func(t *testing.T) {
		t.Parallel()

		s := newTestAuthServer(t)
		pair := registerTestUser(t, s, "a@x.com", "alice", "buyer")

		w := doJSON(t, s, http.MethodPost, "/auth/refresh",
			`{"refresh_token":"`+pair.RefreshToken+`"}`)
		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("同じトークンの2回目のリフレッシュは401を返すこと", func(t *testing.T) {
		t.Parallel()

		s := newTestAuthServer(t)
		pair := registerTestUser(t, s, "a@x.com", "alice", "seller")

		w := doJSON(t, s, http.MethodPost, "/auth/refresh",
			`{"refresh_token":"`+pair.RefreshToken+`"}`)
		if w.Code != http.StatusOK {
			t.Fatalf("1回目のリフレッシュに失敗: %d", w.Code)
		}

		w2 := doJSON(t, s, http.MethodPost, "/auth/refresh",
			`{"refresh_token":"`+pair.RefreshToken+`"}`)
		if w2.Code != http.StatusUnauthorized {
			t.Errorf("2回目のリフレッシュ: got %d, want %d", w2.Code, http.StatusUnauthorized)
		}
	})

	t.Run("トークン未提示は401を返すこと", func(t *testing.T) {
		t.Parallel()

		s := newTestAuthServer(t)

		w := doJSON(t, s, http.MethodPost, "/auth/refresh", "")
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("存在しないトークンは401を返すこと", func(t *testing.T) {
		t.Parallel()

		s := newTestAuthServer(t)

		w := doJSON(t, s, http.MethodPost, "/auth/refresh",
			`{"refresh_token":"no-such-token"}`)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})
}

// TestHandleVerify はgateway向けトークン検証ハンドラのテスト。
func TestHandleVerify(t *testing.T) {
	t.Parallel()

	t.Run("有効なアクセストークンでユーザーIDとロールが返ること", func(t *testing.T) {
		t.Parallel()

		s := newTestAuthServer(t)
		pair := registerTestUser(t, s, "a@x.com", "alice", "seller")

		w := doJSON(t, s, http.MethodPost, "/auth/verify", "", func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		})
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}

		var result map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if result["status"] != "valid" {
			t.Errorf("status: got %q, want %q", result["status"], "valid")
		}
		if result["user_id"] == "" {
			t.Error("user_idが空")
		}
		if result["role"] != "seller" {
			t.Errorf("role: got %q, want %q", result["role"], "seller")
		}
	})

	t.Run("Authorizationヘッダーが無い場合は401を返すこと", func(t *testing.T) {
		t.Parallel()

		s := newTestAuthServer(t)

		w := doJSON(t, s, http.MethodPost, "/auth/verify", "")
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("不正なトークンはstatus=invalidの401を返すこと", func(t *testing.T) {
		t.Parallel()

		s := newTestAuthServer(t)

		w := doJSON(t, s, http.MethodPost, "/auth/verify", "", func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer garbage")
		})
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}

		var result map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if result["status"] != "invalid" {
			t.Errorf("status: got %q, want %q", result["status"], "invalid")
		}
	})

	t.Run("リフレッシュトークンはアクセストークンとして検証できないこと", func(t *testing.T) {
		t.Parallel()

		s := newTestAuthServer(t)
		pair := registerTestUser(t, s, "a@x.com", "alice", "seller")

		// 不透明なリフレッシュトークンは署名検証を通らない
		w := doJSON(t, s, http.MethodPost, "/auth/verify", "", func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+pair.RefreshToken)
		})
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})
}

// TestHandleLogout はログアウトハンドラのテスト。
func TestHandleLogout(t *testing.T) {
	t.Parallel()

	t.Run("ログアウトでリフレッシュトークンが失効すること", func(t *testing.T) {
		t.Parallel()

		s := newTestAuthServer(t)
		pair := registerTestUser(t, s, "a@x.com", "alice", "buyer")

		w := doJSON(t, s, http.MethodPost, "/auth/logout",
			`{"refresh_token":"`+pair.RefreshToken+`"}`)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}

		w2 := doJSON(t, s, http.MethodPost, "/auth/refresh",
			`{"refresh_token":"`+pair.RefreshToken+`"}`)
		if w2.Code != http.StatusUnauthorized {
			t.Errorf("失効後のリフレッシュ: got %d, want %d", w2.Code, http.StatusUnauthorized)
		}
	})

	t.Run("トークン未提示でも200を返すこと", func(t *testing.T) {
		t.Parallel()

		s := newTestAuthServer(t)

		w := doJSON(t, s, http.MethodPost, "/auth/logout", "")
		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
	})
}

// TestHandleGetMe は認証済みユーザー情報取得ハンドラのテスト。
func TestHandleGetMe(t *testing.T) {
	t.Parallel()

	t.Run("認証済みユーザーの情報を返すこと", func(t *testing.T) {
		t.Parallel()

		s := newTestAuthServer(t)
		pair := registerTestUser(t, s, "a@x.com", "alice", "seller")

		w := doJSON(t, s, http.MethodGet, "/auth/users/me", "", func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		})
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}

		var result userResponse
		if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if result.Email != "a@x.com" {
			t.Errorf("email: got %q, want %q", result.Email, "a@x.com")
		}
		if result.Username != "alice" {
			t.Errorf("username: got %q, want %q", result.Username, "alice")
		}
		if result.Role != "seller" {
			t.Errorf("role: got %q, want %q", result.Role, "seller")
		}
	})

	t.Run("認証ヘッダーが無い場合は401を返すこと", func(t *testing.T) {
		t.Parallel()

		s := newTestAuthServer(t)

		w := doJSON(t, s, http.MethodGet, "/auth/users/me", "")
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})
}

// TestHandleUpdateMe はプロフィール更新ハンドラのテスト。
func TestHandleUpdateMe(t *testing.T) {
	t.Parallel()

	t.Run("ユーザー名を変更できること", func(t *testing.T) {
		t.Parallel()

		s := newTestAuthServer(t)
		pair := registerTestUser(t, s, "a@x.com", "alice", "seller")

		w := doJSON(t, s, http.MethodPut, "/auth/users/me",
			`{"username":"alice-renamed"}`, func(req *http.Request) {
				req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
			})
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d (body=%s)", w.Code, http.StatusOK, w.Body.String())
		}

		var result userResponse
		if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if result.Username != "alice-renamed" {
			t.Errorf("username: got %q, want %q", result.Username, "alice-renamed")
		}
	})

	t.Run("パスワードを変更すると新パスワードでログインできること", func(t *testing.T) {
		t.Parallel()

		s := newTestAuthServer(t)
		pair := registerTestUser(t, s, "a@x.com", "alice", "buyer")

		w := doJSON(t, s, http.MethodPut, "/auth/users/me",
			`{"password":"new-password-456"}`, func(req *http.Request) {
				req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
			})
		if w.Code != http.StatusOK {
			t.Fatalf("更新に失敗: %d", w.Code)
		}

		w2 := doJSON(t, s, http.MethodPost, "/auth/token",
			`{"email":"a@x.com","password":"new-password-456"}`)
		if w2.Code != http.StatusOK {
			t.Errorf("新パスワードでのログイン: got %d, want %d", w2.Code, http.StatusOK)
		}

		w3 := doJSON(t, s, http.MethodPost, "/auth/token",
			`{"email":"a@x.com","password":"password123"}`)
		if w3.Code != http.StatusUnauthorized {
			t.Errorf("旧パスワードでのログイン: got %d, want %d", w3.Code, http.StatusUnauthorized)
		}
	})
}
