// Package password はパスワードのハッシュ化・検証と一時パスワード生成を提供する。
package password

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

const (
	// MinLength は生成する一時パスワードの最小長。
	MinLength = 8
	// MaxLength は生成する一時パスワードの最大長。
	MaxLength = 128
	// DefaultLength は長さ未指定時の一時パスワード長。
	DefaultLength = 8
	// DefaultCost はbcryptのデフォルトコスト。
	DefaultCost = 10
)

// charset は一時パスワードに使用する文字集合（英数字＋記号）。
const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789!@#$%^&*()-_=+[]{}<>?"

// ErrInvalidLength は生成長が許容範囲外の場合のエラー。
var ErrInvalidLength = fmt.Errorf("password length must be an integer between %d and %d", MinLength, MaxLength)

// ErrInvalidCost はbcryptコストが許容範囲外の場合のエラー。
var ErrInvalidCost = errors.New("bcrypt cost out of range")

// Hasher はbcryptによるパスワードハッシュ化を行う。
// コストはハードウェアの向上に合わせて引き上げられる。
type Hasher struct {
	cost int
}

// NewHasher はHasherを生成する。
func NewHasher(cost int) (*Hasher, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("%w: %d (allowed %d-%d)", ErrInvalidCost, cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	return &Hasher{cost: cost}, nil
}

// Cost は設定されたbcryptコストを返す。
func (h *Hasher) Cost() int {
	return h.cost
}

// Hash は平文パスワードからソルト付きダイジェストを生成する。
func (h *Hasher) Hash(plaintext string) (string, error) {
	digest, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(digest), nil
}

// Verify は平文パスワードとダイジェストを定数時間で比較する。
// 不正な形式のダイジェストに対してもfalseを返し、エラーにはしない。
func (h *Hasher) Verify(plaintext, digest string) bool {
	if digest == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(plaintext)) == nil
}

// NeedsRehash はダイジェストのコストが現在の設定より低いかを返す。
func (h *Hasher) NeedsRehash(digest string) bool {
	cost, err := bcrypt.Cost([]byte(digest))
	if err != nil {
		return false
	}
	return cost < h.cost
}

// Generate は暗号的に安全な一時パスワードを生成する。
// lengthが[MinLength, MaxLength]の範囲外の場合はErrInvalidLengthを返す。
func Generate(length int) (string, error) {
	if length < MinLength || length > MaxLength {
		return "", ErrInvalidLength
	}

	max := big.NewInt(int64(len(charset)))
	b := make([]byte, length)
	for i := range b {
		// rand.Intは一様分布のため剰余バイアスが生じない
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to read random source: %w", err)
		}
		b[i] = charset[n.Int64()]
	}
	return string(b), nil
}
