package cryptoutil

import "errors"

// ErrInvalidSecret is returned when the asymmetric decryption of a client's
// "secret" parameter fails (bad padding, wrong key, truncated ciphertext).
var ErrInvalidSecret = errors.New("invalid secret")

// ErrInvalidToken is returned when a symmetric decrypt or its base64
// envelope fails authentication or parsing.
var ErrInvalidToken = errors.New("invalid token")
