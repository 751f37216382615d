package domain

import "errors"

// ErrNotFound indicates an unknown job id on a control operation.
var ErrNotFound = errors.New("job not found")

// ErrInvalidSourceRef indicates a malformed source reference, rejected at submit time.
var ErrInvalidSourceRef = errors.New("invalid source reference")

// ErrDiskExhausted indicates the destination volume is out of space. Non-retryable.
var ErrDiskExhausted = errors.New("disk space exhausted")

// ErrChecksumMismatch indicates downloaded data does not match its declared checksum.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// ErrTooManyAttempts indicates the per-chunk retry budget was exhausted.
var ErrTooManyAttempts = errors.New("retry attempts exhausted")
