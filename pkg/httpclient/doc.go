// Package httpclient はサービス間通信用のHTTPクライアントを提供する。
//
// タイムアウト付きのJSONリクエスト送信と、検証対象Bearerトークンの
// コンテキスト経由での伝播をサポートする。gatewayサービスがauthサービスの
// トークン検証エンドポイントを呼び出すために使用する。
package httpclient
