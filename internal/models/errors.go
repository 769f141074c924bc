package models

import "errors"

// Error classes surfaced by the conversion core. Concrete error types in the
// pkg/ tree match these through errors.Is
var (
	ErrNotFound          = errors.New("required file not found")
	ErrParse             = errors.New("malformed parameter syntax")
	ErrMissingKey        = errors.New("parameter not present")
	ErrSizeMismatch      = errors.New("payload size does not match declared geometry")
	ErrShape             = errors.New("dimensions and voxel sizes disagree")
	ErrGeometry          = errors.New("degenerate orientation data")
	ErrUnsupportedHandle = errors.New("unsupported dataset handle")
	ErrIncompatible      = errors.New("dataset not applicable")
	ErrIO                = errors.New("read failure")
)
