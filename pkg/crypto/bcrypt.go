// pkg/crypto/bcrypt.go
package crypto

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrSecretMismatch 口令不匹配
var ErrSecretMismatch = errors.New("secret mismatch")

// BcryptHasher 提供 bcrypt 哈希功能
type BcryptHasher struct {
	cost int
}

// BcryptOption bcrypt 配置选项
type BcryptOption func(*BcryptHasher)

// WithCost 设置 bcrypt 工作因子 (4-31，默认 10)
func WithCost(cost int) BcryptOption {
	return func(h *BcryptHasher) {
		h.cost = cost
	}
}

// NewBcryptHasher 创建 bcrypt 哈希器
func NewBcryptHasher(opts ...BcryptOption) *BcryptHasher {
	h := &BcryptHasher{
		cost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Hash 生成哈希，输出可直接写入 threat.admin_code
func (h *BcryptHasher) Hash(secret string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hashed), nil
}

// Verify 校验口令与哈希是否匹配
func (h *BcryptHasher) Verify(secret, hashed string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hashed), []byte(secret))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrSecretMismatch
		}
		return fmt.Errorf("failed to verify secret: %w", err)
	}
	return nil
}

// IsBcryptHash 判断字符串是否为合法的 bcrypt 哈希
func IsBcryptHash(s string) bool {
	_, err := bcrypt.Cost([]byte(s))
	return err == nil
}
