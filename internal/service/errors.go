package service

import (
	"github.com/pkg/errors"
)

var (
	ErrNotFound                  = errors.New("not found")
	ErrInvalidInput              = errors.New("invalid input")
	ErrUnauthorized              = errors.New("unauthorized")
	ErrEmailTaken                = errors.New("email already registered")
	ErrLoginUserNotFound         = errors.New("user not found")
	ErrLoginPasswordDoesNotMatch = errors.New("password does not match")
)
