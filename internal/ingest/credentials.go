package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/contextsync/internal/provider"
	"github.com/kalambet/contextsync/internal/storage"
)

// ErrNoCredentials means the user has not connected the provider.
var ErrNoCredentials = errors.New("no credentials stored")

// CredentialBackend is the subset of storage.Store holding OAuth tokens.
type CredentialBackend interface {
	GetCredential(ctx context.Context, userID, provider string) (storage.Credential, error)
	SaveCredential(ctx context.Context, c storage.Credential) error
}

// Credentials adapts stored tokens to provider.Credentials.
type Credentials struct {
	backend CredentialBackend
}

func NewCredentials(b CredentialBackend) *Credentials {
	return &Credentials{backend: b}
}

// Load returns the user's tokens for a provider, or ErrNoCredentials.
func (c *Credentials) Load(ctx context.Context, userID, providerName string) (provider.Credentials, error) {
	cred, err := c.backend.GetCredential(ctx, userID, providerName)
	if errors.Is(err, storage.ErrNotFound) {
		return provider.Credentials{}, fmt.Errorf("%s for %s: %w", providerName, userID, ErrNoCredentials)
	}
	if err != nil {
		return provider.Credentials{}, fmt.Errorf("loading %s credentials: %w", providerName, err)
	}
	if cred.AccessToken == "" {
		return provider.Credentials{}, fmt.Errorf("%s for %s: %w", providerName, userID, ErrNoCredentials)
	}
	return provider.Credentials{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       cred.ExpiresAt,
	}, nil
}

func (c *Credentials) SaveCredentials(ctx context.Context, userID, providerName string, creds provider.Credentials) error {
	return c.backend.SaveCredential(ctx, storage.Credential{
		UserID:       userID,
		Provider:     providerName,
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		ExpiresAt:    creds.Expiry,
	})
}
