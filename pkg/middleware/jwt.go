package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// AccessClaims はアクセストークンのクレーム（ペイロード）を表す。
// subにユーザーID、roleにロールを格納し、サービス間で伝播する。
type AccessClaims struct {
	jwt.RegisteredClaims
	// Role はユーザーのロール（buyer または seller）。
	Role string `json:"role"`
}

// アクセストークン検証の失敗種別。呼び出し側はerrors.Isで分岐する。
// クライアントへは種別を区別せず一律401を返し、種別はログにのみ残すこと。
var (
	// ErrTokenMalformed はトークンがJWTとして解釈できないことを示す。
	ErrTokenMalformed = errors.New("トークンの形式が不正")
	// ErrTokenSignature はトークンの署名が検証できないことを示す。
	ErrTokenSignature = errors.New("トークンの署名が不正")
	// ErrTokenExpired はトークンの有効期限が切れていることを示す。
	ErrTokenExpired = errors.New("トークンの有効期限切れ")
)

// tokenIssuer はアクセストークンのiss（発行者）クレームの値。
const tokenIssuer = "marketgate-auth"

// GenerateAccessToken はユーザーIDとロールから署名付きアクセストークンを生成する。
// authサービスがログイン成功時とリフレッシュ成功時に呼び出す。
func GenerateAccessToken(secret, userID, role string, ttl time.Duration) (string, error) {
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    tokenIssuer,
		},
		Role: role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("アクセストークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// ParseAccessToken はアクセストークンを署名と有効期限のみで検証する。
// ストレージへの問い合わせは行わない純粋な検証であり、状態を変更しない。
// 失敗時はErrTokenExpired、ErrTokenSignature、ErrTokenMalformedのいずれかを返す。
func ParseAccessToken(secret, tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	switch {
	case err == nil && token.Valid:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, ErrTokenSignature
	default:
		return nil, ErrTokenMalformed
	}
}

// BearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
// ヘッダーが無い、またはBearer形式でない場合はfalseを返す。
func BearerToken(authHeader string) (string, bool) {
	token, found := strings.CutPrefix(authHeader, "Bearer ")
	if !found || token == "" {
		return "", false
	}
	return token, true
}

// AccessAuth はアクセストークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストに "user_id" と "role" を設定する。
// 失敗種別はクライアントに開示せず、一律401を返す。
func AccessAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := BearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "認証に失敗しました",
			})
			return
		}

		claims, err := ParseAccessToken(secret, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "認証に失敗しました",
			})
			return
		}

		c.Set("user_id", claims.Subject)
		c.Set("role", claims.Role)
		c.Next()
	}
}

// GetUserID はGinコンテキストから認証済みユーザーIDを取得する。
// AccessAuthミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	userID, _ := c.Get("user_id")
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}

// GetRole はGinコンテキストから認証済みユーザーのロールを取得する。
// AccessAuthミドルウェアが事前に適用されている必要がある。
func GetRole(c *gin.Context) string {
	role, _ := c.Get("role")
	if r, ok := role.(string); ok {
		return r
	}
	return ""
}
