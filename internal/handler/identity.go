package handler

import (
	"net/http"
	"strings"
)

// IdentityProvider supplies the verified email of the caller, or "" for
// anonymous requests.
type IdentityProvider interface {
	Email(r *http.Request) string
}

// HeaderIdentity trusts a header set by the authenticating proxy in front
// of the service. The proxy must strip the header from client requests.
type HeaderIdentity struct {
	Header string
}

// Email returns the normalized header value.
func (h HeaderIdentity) Email(r *http.Request) string {
	return strings.ToLower(strings.TrimSpace(r.Header.Get(h.Header)))
}
