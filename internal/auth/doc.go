// Package auth は認証サービスを実装する。
//
// アカウントの登録・ログイン、アクセストークン（署名付き・短命・ステートレス）と
// リフレッシュトークン（不透明・長命・永続化）の発行、単回使用ローテーション、
// 無効化、およびgateway専用のトークン検証エンドポイントを提供する。
//
// リフレッシュトークンは「ユーザーごとに有効な行は高々1つ」という不変条件を
// 発行とローテーションの両方で維持する。ローテーションの無効化は条件付きUPDATE
// （compare-and-set）で行い、同一トークンの並行リフレッシュで両方が成功する
// リプレイ競合を排除する。
package auth
