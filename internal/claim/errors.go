package claim

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrClaimInFlight 已有一個領取在進行中（Negotiating / Mining / Submitting）
	ErrClaimInFlight = errors.New("claim already in flight")
	// ErrClosed Coordinator 已關閉
	ErrClosed = errors.New("coordinator closed")
)

var addressPattern = regexp.MustCompile(`^[a-z0-9]{63,66}$`)

// ValidationError 地址格式不符，在任何網路請求之前回傳
type ValidationError struct {
	Address string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid address %q: want 63-66 lowercase alphanumeric characters", e.Address)
}

// ValidateAddress 檢查地址格式
func ValidateAddress(address string) error {
	if !addressPattern.MatchString(address) {
		return &ValidationError{Address: address}
	}
	return nil
}
