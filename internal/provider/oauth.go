package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// OAuthRefresher runs the refresh-token grant against an OAuth2 token
// endpoint.
type OAuthRefresher struct {
	Config *oauth2.Config
}

func (r OAuthRefresher) Refresh(ctx context.Context, creds Credentials) (Credentials, error) {
	if creds.RefreshToken == "" {
		return Credentials{}, fmt.Errorf("%w: no refresh token", ErrUnauthorized)
	}
	// An expired token forces the token source to hit the endpoint.
	stale := &oauth2.Token{RefreshToken: creds.RefreshToken, Expiry: time.Unix(1, 0)}
	tok, err := r.Config.TokenSource(ctx, stale).Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil && rerr.Response.StatusCode < 500 {
			return Credentials{}, fmt.Errorf("%w: refresh rejected: %v", ErrUnauthorized, err)
		}
		return Credentials{}, fmt.Errorf("%w: refreshing token: %v", ErrUnreachable, err)
	}
	out := Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if out.RefreshToken == "" {
		out.RefreshToken = creds.RefreshToken
	}
	return out, nil
}
