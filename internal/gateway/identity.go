package gateway

import (
	"net/http"
)

// requestIdentity はgatewayが検証したリクエスト単位の身元情報。
// 1つのリクエストの寿命の間だけ存在し、永続化しない。値として複製され、
// 転送境界でのみヘッダーに直列化される。フレームワーク内部のヘッダー構造を
// 処理途中で書き換えてはならない。
type requestIdentity struct {
	// UserID は検証済みユーザーの一意識別子。
	UserID string
	// Role は検証済みユーザーのロール。
	Role string
	// Token は検証に成功したアクセストークン。下流へ再伝播する。
	Token string
}

// 身元伝播用ヘッダー。gatewayのみが書き込み、下流サービスは
// gatewayのネットワーク境界から届いたことを根拠に信頼する。
const (
	headerUserID   = "X-User-ID"
	headerUserRole = "X-User-Role"
)

// apply は検証済みの身元を転送用ヘッダーに直列化する。
// Setはクライアントが注入した同名ヘッダーを全て置き換えるため、
// 偽装された値が下流に届くことはない。
func (id *requestIdentity) apply(header http.Header) {
	header.Set(headerUserID, id.UserID)
	header.Set(headerUserRole, id.Role)
	header.Set("Authorization", "Bearer "+id.Token)
}
