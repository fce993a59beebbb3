package core

import "errors"

// Error kinds surfaced to the agent API. Pipeline stages wrap internal store
// or transport failures; these sentinels are what the HTTP layer maps to
// status codes.
var (
	ErrParse       = errors.New("parse error")
	ErrAuth        = errors.New("not authorized")
	ErrBlocked     = errors.New("blocked")
	ErrCompliance  = errors.New("compliance rejected")
	ErrRateLimited = errors.New("rate limited")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
)
