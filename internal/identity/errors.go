package identity

import "errors"

// ErrInvalidToken covers bad signatures, expired, not-yet-valid and
// malformed credentials, and a resolver configured without a secret.
var ErrInvalidToken = errors.New("invalid token")
