// Package errdefs defines the error classes shared by the registry client,
// the content cache and the checkout extractor. Callers classify failures
// with errors.Is against the sentinels below.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocol marks an unexpected registry response: bad status, missing
	// required header, missing redirect location or unknown content type.
	ErrProtocol = errors.New("protocol error")

	// ErrIntegrity marks content whose size or digest differs from what was
	// requested.
	ErrIntegrity = errors.New("integrity error")

	// ErrParse marks malformed JSON or an unrecognized manifest media type.
	ErrParse = errors.New("parse error")

	// ErrCache marks a failure reading or writing the on-disk cache.
	ErrCache = errors.New("cache error")

	// ErrFilesystem marks a failure while extracting layers during checkout.
	ErrFilesystem = errors.New("filesystem error")

	// ErrNotFound marks content that is absent from the cache.
	ErrNotFound = errors.New("not found")

	// ErrUsage marks bad command line input.
	ErrUsage = errors.New("usage error")
)

// Protocolf returns an error wrapping ErrProtocol.
func Protocolf(format string, args ...any) error {
	return classed(ErrProtocol, format, args...)
}

// Integrityf returns an error wrapping ErrIntegrity.
func Integrityf(format string, args ...any) error {
	return classed(ErrIntegrity, format, args...)
}

// Parsef returns an error wrapping ErrParse.
func Parsef(format string, args ...any) error {
	return classed(ErrParse, format, args...)
}

// Cachef returns an error wrapping ErrCache.
func Cachef(format string, args ...any) error {
	return classed(ErrCache, format, args...)
}

// Filesystemf returns an error wrapping ErrFilesystem.
func Filesystemf(format string, args ...any) error {
	return classed(ErrFilesystem, format, args...)
}

// Usagef returns an error wrapping ErrUsage.
func Usagef(format string, args ...any) error {
	return classed(ErrUsage, format, args...)
}

func classed(class error, format string, args ...any) error {
	return fmt.Errorf("%w: %w", class, fmt.Errorf(format, args...))
}

// StatusError is returned for a registry response with an unexpected HTTP
// status. It matches ErrProtocol.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: unexpected status %s", e.Method, e.URL, e.Status)
	}
	return fmt.Sprintf("%s %s: unexpected status %s: %s", e.Method, e.URL, e.Status, e.Body)
}

// Is reports whether target is ErrProtocol.
func (e *StatusError) Is(target error) bool {
	return target == ErrProtocol
}
