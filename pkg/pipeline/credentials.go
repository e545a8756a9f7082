package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// CredentialStore supplies the bearer token attached to outbound calls. An
// empty token sends no Authorization header.
type CredentialStore interface {
	Token(ctx context.Context) (string, error)
}

// StaticCredentials always returns the same token
type StaticCredentials string

// Token returns the static token
func (s StaticCredentials) Token(context.Context) (string, error) {
	return string(s), nil
}

// TokenSourceCredentials adapts an oauth2.TokenSource. The source is expected
// to cache and refresh tokens itself.
type TokenSourceCredentials struct {
	source oauth2.TokenSource
}

// NewTokenSourceCredentials wraps source
func NewTokenSourceCredentials(source oauth2.TokenSource) *TokenSourceCredentials {
	return &TokenSourceCredentials{source: source}
}

// NewClientCredentials returns a store backed by the OAuth2 client
// credentials grant. Tokens are fetched lazily and reused until expiry.
func NewClientCredentials(tokenURL, clientID, clientSecret string, scopes []string) *TokenSourceCredentials {
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	return NewTokenSourceCredentials(oauth2.ReuseTokenSource(nil, cfg.TokenSource(context.Background())))
}

// Token returns the current access token
func (t *TokenSourceCredentials) Token(_ context.Context) (string, error) {
	token, err := t.source.Token()
	if err != nil {
		return "", fmt.Errorf("failed to obtain access token: %w", err)
	}
	return token.AccessToken, nil
}
