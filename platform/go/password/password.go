// Package password hashes and verifies account passwords with bcrypt.
package password

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// MinLength is the shortest password accepted for new credentials.
const MinLength = 6

var (
	ErrTooShort = fmt.Errorf("password must be at least %d characters", MinLength)
	ErrTooLong  = errors.New("password must be at most 72 bytes")
)

// Hasher produces and checks bcrypt hashes at a fixed cost.
type Hasher struct {
	cost int

	dummyOnce sync.Once
	dummy     []byte
}

// NewHasher returns a Hasher. A cost outside bcrypt's range falls back to bcrypt.DefaultCost.
func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Hasher{cost: cost}
}

// Validate checks the length rules applied to new passwords.
func Validate(plain string) error {
	if len([]rune(plain)) < MinLength {
		return ErrTooShort
	}
	if len(plain) > 72 {
		return ErrTooLong
	}
	return nil
}

// Hash returns the bcrypt hash of plain.
func (h *Hasher) Hash(plain string) (string, error) {
	if err := Validate(plain); err != nil {
		return "", err
	}
	b, err := bcrypt.GenerateFromPassword([]byte(plain), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(b), nil
}

// Verify safely compares a bcrypt hash and a plain password. A stored value that is not a bcrypt hash
// (the unusable marker of a Pendiente account) still pays for a full comparison before failing.
func (h *Hasher) Verify(hash, plain string) bool {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		h.VerifyDummy(plain)
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// VerifyDummy spends the same time as a real comparison so unknown accounts are not distinguishable by latency.
func (h *Hasher) VerifyDummy(plain string) {
	h.dummyOnce.Do(func() {
		h.dummy, _ = bcrypt.GenerateFromPassword([]byte("dummy-password-for-timing"), h.cost)
	})
	_ = bcrypt.CompareHashAndPassword(h.dummy, []byte(plain))
}
