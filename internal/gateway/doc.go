// Package gateway はAPI Gatewayサービスを実装する。
//
// 受信リクエストごとに起動時構築の不変な認可テーブルで公開・要認証・
// ロール制約付きを判定し、必要な場合のみauthサービスへ遠隔でトークンを
// 検証する。検証サービスへの到達不能やタイムアウトは認証失敗として扱い、
// 決してフェイルオープンしない。検証に成功したリクエストには、クライアントが
// 注入した身元ヘッダーを置き換える形でgateway計算の X-User-ID / X-User-Role を
// 付与し、/{service}/{path} 形式のパスをサービスごとの内部名前空間に
// 書き換えて転送する。
package gateway
