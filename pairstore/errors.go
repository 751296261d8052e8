package pairstore

import (
	"errors"
	"fmt"
)

var (
	// ErrIntegrity marks a pair whose raw and rendered images disagree in size.
	ErrIntegrity = errors.New("pair integrity violation")

	// ErrAlreadyExists is returned by Build when the target path is populated.
	ErrAlreadyExists = errors.New("pair store already exists")

	// ErrStoreNotFound is returned by Open when the file or its manifest is missing.
	ErrStoreNotFound = errors.New("pair store not found")

	// ErrKeyNotFound is returned by Get for keys that are not in the store.
	ErrKeyNotFound = errors.New("key not found")
)

// IntegrityError describes a source pair rejected during packaging.
type IntegrityError struct {
	ProfileID    string
	RawPath      string
	RenderedPath string
	RawWidth     int
	RawHeight    int
	RendWidth    int
	RendHeight   int
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s: raw %s is %dx%d but rendered %s is %dx%d",
		e.ProfileID, e.RawPath, e.RawWidth, e.RawHeight, e.RenderedPath, e.RendWidth, e.RendHeight)
}

// Unwrap lets errors.Is match ErrIntegrity.
func (e *IntegrityError) Unwrap() error { return ErrIntegrity }
