package signaling

import "net/http"

// ClientHello carries the credential of an in-band {type:"auth"} frame. It is
// nil when authorizing the upgrade request itself.
type ClientHello struct {
	Credential string
}

type Authorizer interface {
	Authorize(r *http.Request, hello *ClientHello) error
}

type AllowAllAuthorizer struct{}

func (AllowAllAuthorizer) Authorize(*http.Request, *ClientHello) error { return nil }
