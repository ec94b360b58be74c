package transport

import (
	"encoding/json"
	"log"
	"net/http"
)

// Envelope is the JSON response shape shared by every /api/session and
// /api/login/logout response, and by both WebSocket frame directions
// (spec.md §6). Inbound WS frames populate only TokenID/Token. Error is a
// pointer so a successful response serializes "Error":null rather than
// "Error":"".
type Envelope struct {
	Error   *string `json:"Error"`
	TokenID string  `json:"tokenid,omitempty"`
	Token   string  `json:"token,omitempty"`
	SID     string  `json:"sid,omitempty"`
}

// errStr is a small helper building the *string an Envelope's Error field
// wants from a plain message; errNone is nil, read as "Error": null.
func errStr(msg string) *string { return &msg }

var errNone *string

// writeJSON marshals v and writes it, logging (not failing the request
// further) on a marshal error — which would indicate a bug, not client
// input.
func writeJSON(w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[E] failed to encode response: %v", err)
	}
}

// setSIDCookie sets the sid cookie every session response carries
// (spec.md §6: "Cookie sid=<uuid>; Path=/api/ is set on login and on
// every session response").
func setSIDCookie(w http.ResponseWriter, sid string) {
	http.SetCookie(w, &http.Cookie{
		Name:  "sid",
		Value: sid,
		Path:  "/api/",
	})
}
