package session

import "errors"

var (
	ErrNoSession           = errors.New("no active session")
	ErrInvalidAmount       = errors.New("amount must be a positive whole number of base units")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrPredictionNotFound  = errors.New("prediction not found")
	ErrVoteNotFound        = errors.New("vote not found")
	ErrSessionSettled      = errors.New("session is settled")
	ErrSessionNotActive    = errors.New("session is not active")
	ErrSessionExpired      = errors.New("session expired")
	ErrUnhandledChallenge  = errors.New("unhandled session challenge")
	ErrCorruptSnapshot     = errors.New("corrupt session snapshot")
)
