package fetch

import (
	"net/http"
	"strings"
)

// Authenticator adds credentials to a request before it is sent.
type Authenticator interface {
	Authenticate(req *http.Request) error
}

// AuthenticatorFunc adapts a function to an Authenticator.
type AuthenticatorFunc func(req *http.Request) error

func (f AuthenticatorFunc) Authenticate(req *http.Request) error {
	return f(req)
}

// BasicAuth authenticates requests to a host with a username
// and password. An empty Host matches every host.
type BasicAuth struct {
	Host     string
	Username string
	Password string
}

func (a *BasicAuth) Authenticate(req *http.Request) error {
	if a.Host == "" || strings.EqualFold(a.Host, req.URL.Host) {
		req.SetBasicAuth(a.Username, a.Password)
	}
	return nil
}

// BearerToken authenticates requests to a host with a token.
type BearerToken struct {
	Host  string
	Token string
}

func (a *BearerToken) Authenticate(req *http.Request) error {
	if a.Host == "" || strings.EqualFold(a.Host, req.URL.Host) {
		req.Header.Set("Authorization", "Bearer "+a.Token)
	}
	return nil
}
