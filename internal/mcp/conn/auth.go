package conn

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/MrWong99/toolrelay/internal/mcp"
)

// bearerTransport adds a static Authorization header to every request.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(r)
}

// httpClientFor returns the HTTP client used by a streamable-http transport.
// base may be nil.
func httpClientFor(auth *mcp.AuthConfig, base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	if auth == nil {
		return base
	}
	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	if auth.BearerToken != "" {
		return &http.Client{
			Transport: &bearerTransport{token: auth.BearerToken, base: rt},
			Timeout:   base.Timeout,
		}
	}
	cc := clientcredentials.Config{
		ClientID:     auth.ClientID,
		ClientSecret: auth.ClientSecret,
		TokenURL:     auth.TokenURL,
		Scopes:       auth.Scopes,
	}
	// The token source refreshes with the client stored in the context.
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Transport: rt})
	c := cc.Client(ctx)
	c.Timeout = base.Timeout
	return c
}
