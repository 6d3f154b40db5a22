package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"gorm.io/gorm"
)

// Error taxonomy returned by the store layer. Handlers map these onto HTTP
// statuses; everything else is treated as transient.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrExpired      = errors.New("expired")
	ErrInvalidInput = errors.New("invalid input")
	// ErrTransient marks retryable storage failures.
	ErrTransient = errors.New("transient storage failure")
	// ErrInconsistent marks a broken ownership link. Never retried; it
	// means cascade rules were violated and an operator has to look.
	ErrInconsistent = errors.New("referential inconsistency")
)

// storeErr classifies a gorm error into the taxonomy, keeping the original
// in the chain for logs.
func storeErr(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%s: %w", what, ErrConflict)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%s: %v: %w", what, err, ErrTransient)
	}
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrExpired):
		return http.StatusGone
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
