package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	csrfSecretBytes = 32
	csrfSaltBytes   = 16
)

// NewCSRFSecret はセッションに紐付けるCSRFシークレットを生成する。
func NewCSRFSecret() (string, error) {
	b := make([]byte, csrfSecretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate csrf secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// IssueCSRFToken はシークレットからCSRFトークンを発行する。
// 発行ごとにソルトが変わるため、同じシークレットからでも毎回異なるトークンになる。
// 形式: base64url(salt) + "." + base64url(HMAC-SHA256(secret, salt))
func IssueCSRFToken(secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("csrf secret is empty")
	}
	salt := make([]byte, csrfSaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate csrf salt: %w", err)
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(salt) + "." + enc.EncodeToString(csrfMAC(secret, salt)), nil
}

// VerifyCSRFToken はトークンがシークレットから発行されたものかを定数時間で検証する。
func VerifyCSRFToken(secret, token string) bool {
	if secret == "" || token == "" {
		return false
	}
	saltPart, macPart, ok := strings.Cut(token, ".")
	if !ok {
		return false
	}
	enc := base64.RawURLEncoding
	salt, err := enc.DecodeString(saltPart)
	if err != nil || len(salt) != csrfSaltBytes {
		return false
	}
	mac, err := enc.DecodeString(macPart)
	if err != nil {
		return false
	}
	return hmac.Equal(mac, csrfMAC(secret, salt))
}

func csrfMAC(secret string, salt []byte) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(salt)
	return h.Sum(nil)
}
