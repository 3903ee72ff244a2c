package crypto

import "crypto/subtle"

// Secret 静态口令，配置值可以是明文或 bcrypt 哈希
type Secret struct {
	value  []byte
	hashed bool
	hasher *BcryptHasher
}

// NewSecret 根据配置值创建口令，以 bcrypt 格式出现时按哈希校验
func NewSecret(configured string) *Secret {
	return &Secret{
		value:  []byte(configured),
		hashed: IsBcryptHash(configured),
		hasher: NewBcryptHasher(),
	}
}

// Hashed 配置值是否为哈希
func (s *Secret) Hashed() bool {
	return s.hashed
}

// Verify 校验提交的口令，明文模式使用常数时间比较
func (s *Secret) Verify(supplied string) bool {
	if len(s.value) == 0 {
		return false
	}
	if s.hashed {
		return s.hasher.Verify(supplied, string(s.value)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(supplied), s.value) == 1
}
