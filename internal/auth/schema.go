package auth

import (
	"database/sql"
	"fmt"
)

// スキーマ定義。db/auth/schema.sql と同期すること。
const schema = `
CREATE TABLE IF NOT EXISTS users (
    -- ユーザーの一意識別子（UUID）
    id TEXT PRIMARY KEY,
    -- メールアドレス（ログインID）
    email TEXT NOT NULL UNIQUE,
    -- 表示用ユーザー名
    username TEXT NOT NULL UNIQUE,
    -- bcryptでハッシュ化されたパスワード
    password_hash TEXT NOT NULL,
    -- ロール（buyer または seller）
    role TEXT NOT NULL CHECK (role IN ('buyer', 'seller')),
    -- 作成日時
    created_at DATETIME NOT NULL DEFAULT (datetime('now')),
    -- 更新日時
    updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS refresh_tokens (
    -- リフレッシュトークン本体（不透明なUUID文字列）
    token TEXT PRIMARY KEY,
    -- トークンの所有ユーザーID
    user_id TEXT NOT NULL,
    -- 有効フラグ。ユーザーごとに有効な行は常に高々1つ。
    -- 一意性制約ではなく発行・ローテーション処理が不変条件として維持する。
    -- 無効化済みの行は監査証跡として残す。
    is_valid BOOLEAN NOT NULL DEFAULT TRUE,
    -- 作成日時
    created_at DATETIME NOT NULL DEFAULT (datetime('now')),
    -- 有効期限
    expires_at DATETIME NOT NULL,
    FOREIGN KEY (user_id) REFERENCES users(id)
);

-- ユーザーIDでの検索を高速化するインデックス。
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user_id
    ON refresh_tokens(user_id);
`

// initSchema はSQLiteデータベースにスキーマを適用する。
func initSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("スキーマの適用に失敗: %w", err)
	}
	return nil
}
