package transport

import "net/http"

// errKind is one entry of the error taxonomy surfaced in the response
// envelope's Error field together with an HTTP status (spec.md §7).
type errKind struct {
	message string
	status  int
}

var (
	errInvalidSecret        = errKind{"Invalid secret", http.StatusBadRequest}
	errInvalidToken         = errKind{"Invalid token", http.StatusBadRequest}
	errInvalidNonce         = errKind{"Invalid nonce", http.StatusBadRequest}
	errInvalidTokenID       = errKind{"Invalid token id", http.StatusBadRequest}
	errDuplicatedNonce      = errKind{"Duplicated nonce", http.StatusForbidden}
	errSessionIDNotFound    = errKind{"Session ID not found", http.StatusNotFound}
	errSessionAlreadyClosed = errKind{"Session already closed", http.StatusConflict}
	errTooManySessions      = errKind{"Too many sessions", http.StatusTooManyRequests}
	errConnectFailed        = errKind{"Failed to connect to server", http.StatusServiceUnavailable}
)

// writeError writes the JSON envelope for kind with Connection: close, the
// behavior spec.md §7 requires for every fatal (non-timeout) error.
func writeError(w http.ResponseWriter, sid string, kind errKind) {
	w.Header().Set("Connection", "close")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.status)
	writeJSON(w, Envelope{Error: errStr(kind.message), SID: sid})
}
