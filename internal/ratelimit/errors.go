package ratelimit

import "errors"

// ErrUnknownPolicy is returned by New for an unrecognised policy name.
var ErrUnknownPolicy = errors.New("unknown rate limit policy")
