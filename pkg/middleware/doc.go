// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// アクセストークンの生成・検証、パニックリカバリ、CORS設定など、
// authサービスとgatewayサービスで共通して使用するミドルウェアを含む。
package middleware
