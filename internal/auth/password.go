package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword は平文パスワードをbcryptでハッシュ化する。
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("パスワードのハッシュ化に失敗: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword は平文パスワードが保存されたハッシュと一致するか検証する。
func VerifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
