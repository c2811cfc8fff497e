package repo

import (
	"github.com/pkg/errors"
)

var (
	// ErrNotFound the package or version exists in no namespace
	ErrNotFound = errors.New("package not found")
	// ErrConflict the version has already been published
	ErrConflict = errors.New("version already published")
	// ErrUnauthorized the credential is missing or invalid
	ErrUnauthorized = errors.New("invalid or missing credential")
	// ErrInvalid the publish input failed validation
	ErrInvalid = errors.New("invalid package input")
	// ErrUpstream the upstream index could not be reached or misbehaved
	ErrUpstream = errors.New("upstream index error")
	// ErrUpstreamNotFound the upstream index does not know the package
	ErrUpstreamNotFound = errors.New("package not found upstream")
)
