package domain

import "errors"

var (
	ErrNotFound = errors.New("item not found")
	ErrExpired  = errors.New("item expired")
	ErrConsumed = errors.New("item already consumed")
)
