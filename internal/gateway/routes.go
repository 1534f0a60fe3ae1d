package gateway

import "strings"

// 認可判定のテーブル。起動時に一度だけ構築し、以降は読み取り専用として
// 全リクエストから安全に共有する。リクエスト処理中に変更してはならない。

// decisionKind は経路に対する認可要件の種別。
type decisionKind int

const (
	// decisionPublic は認証不要でそのまま転送することを示す。
	decisionPublic decisionKind = iota
	// decisionAuthenticated は有効なアクセストークンのみを要求することを示す。
	decisionAuthenticated
	// decisionRoleRequired は有効なトークンに加えてロール制約があることを示す。
	decisionRoleRequired
)

// decision は1つのリクエストに対する認可判定。
type decision struct {
	// kind は認可要件の種別。
	kind decisionKind
	// roles はkindがdecisionRoleRequiredの場合に許可するロール集合。
	roles []string
}

// allowsRole は検証済みロールがこの判定で許可されるか返す。
func (d decision) allowsRole(role string) bool {
	if d.kind != decisionRoleRequired {
		return true
	}
	for _, r := range d.roles {
		if r == role {
			return true
		}
	}
	return false
}

// routeKey は公開経路集合のキー。パスとメソッドの完全一致で照合する。
type routeKey struct {
	path   string
	method string
}

// prefixRule はロール制約付きのプレフィックス規則。
type prefixRule struct {
	// prefix はパスの前方一致パターン。
	prefix string
	// method は対象のHTTPメソッド。プレフィックスが一致してもメソッドが
	// 異なる場合、この規則は適用されず後続の判定に落ちる。
	method string
	// roles は許可するロール集合。
	roles []string
}

// routeTable は経路の認可要件を判定するテーブル。
//
// ruleOrderは明示的に順序付けられたスライスであり、マップにしてはならない。
// 先頭から走査して最初に前方一致した規則が勝つため、具体的な（長い）
// プレフィックスほど先頭に置くこと。順序を崩すと、短い保護プレフィックスが
// それを前方に含む別経路を誤って捕捉する。この照合順序は公開契約であり、
// テストで固定されている。
type routeTable struct {
	// public は認証不要の（パス, メソッド）完全一致集合。
	// 完全一致はプレフィックス規則より常に優先される。
	public map[routeKey]struct{}
	// ruleOrder はロール制約付きプレフィックス規則の順序付きリスト。
	ruleOrder []prefixRule
	// authPrefixes は配下全体が認証必須となるサービス名前空間。
	authPrefixes []string
}

// defaultRouteTable は本番構成の認可テーブルを構築する。
func defaultRouteTable() *routeTable {
	return &routeTable{
		public: map[routeKey]struct{}{
			{path: "/auth/register", method: "POST"}: {},
			{path: "/auth/token", method: "POST"}:    {},
			{path: "/auth/refresh", method: "POST"}:  {},
			{path: "/auth/logout", method: "POST"}:   {},
			{path: "/auth/health", method: "GET"}:    {},
			{path: "/catalog/products/", method: "GET"}: {},
			{path: "/catalog/product/", method: "GET"}:  {},
			{path: "/catalog/comments/", method: "GET"}: {},
			{path: "/catalog/search/", method: "GET"}:   {},
		},
		ruleOrder: []prefixRule{
			{prefix: "/catalog/product/", method: "POST", roles: []string{"seller"}},
			{prefix: "/catalog/comment/", method: "POST", roles: []string{"buyer", "seller"}},
		},
		authPrefixes: []string{"/catalog/"},
	}
}

// decide は（パス, メソッド）を公開・要認証・ロール制約付きのいずれかに分類する。
//
// 判定順序: (1) 公開集合との完全一致が常に勝つ。保護プレフィックスに
// 一致する場合でも公開が優先される。(2) 順序付きプレフィックス規則を先頭から
// 走査し、パスとメソッドの両方が一致した最初の規則が決定する。パスのみ一致で
// メソッドが異なる場合は次へ落ちる。(3) 認証必須名前空間に含まれるなら
// ロール制約なしの要認証。(4) それ以外は公開。
func (t *routeTable) decide(path, method string) decision {
	if _, ok := t.public[routeKey{path: path, method: method}]; ok {
		return decision{kind: decisionPublic}
	}

	for _, rule := range t.ruleOrder {
		if strings.HasPrefix(path, rule.prefix) && method == rule.method {
			return decision{kind: decisionRoleRequired, roles: rule.roles}
		}
	}

	for _, prefix := range t.authPrefixes {
		if strings.HasPrefix(path, prefix) {
			return decision{kind: decisionAuthenticated}
		}
	}

	return decision{kind: decisionPublic}
}
