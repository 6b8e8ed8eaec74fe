package domain

import "errors"

var (
	ErrQuotaExceeded     = errors.New("tier quota exceeded")
	ErrClientNotFound    = errors.New("client not found")
	ErrInvalidTier       = errors.New("invalid tier")
	ErrClientExists      = errors.New("client id already registered")
	ErrDispatcherStopped = errors.New("dispatcher stopped")
)
