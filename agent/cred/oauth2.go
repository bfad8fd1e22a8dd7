package cred

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// OAuth2Config configures an OAuth2Provider.
type OAuth2Config struct {
	// TokenURL is the provider's token endpoint.
	TokenURL string

	// ClientID and ClientSecret authenticate this application.
	ClientID     string
	ClientSecret Secret

	// Scopes requested on client-credentials grants.
	Scopes []string

	// RefreshBuffer is how long before expiry a token counts as needing
	// refresh. Zero means DefaultRefreshBuffer.
	RefreshBuffer time.Duration

	// HTTPClient overrides the client used for token requests.
	HTTPClient *http.Client
}

// OAuth2Provider implements Provider for OAuth2 credentials.
//
// Refresh uses the refresh_token grant when the credential carries a
// refresh_token key, and falls back to the client-credentials grant
// otherwise. The refreshed access token lands in the "access_token" key;
// a rotated refresh token replaces the old one.
type OAuth2Provider struct {
	config OAuth2Config
	client *http.Client
}

// NewOAuth2Provider creates an OAuth2Provider from a config.
func NewOAuth2Provider(config OAuth2Config) *OAuth2Provider {
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if config.RefreshBuffer <= 0 {
		config.RefreshBuffer = DefaultRefreshBuffer
	}
	return &OAuth2Provider{config: config, client: client}
}

// ID implements Provider.
func (p *OAuth2Provider) ID() string { return "oauth2" }

// Supports implements Provider.
func (p *OAuth2Provider) Supports(kind Kind) bool { return kind == KindOAuth2 }

// Refresh implements Provider.
func (p *OAuth2Provider) Refresh(ctx context.Context, c *Credential) (*Credential, error) {
	form := url.Values{}
	if rt, ok := c.Keys["refresh_token"]; ok && !rt.Secret.Empty() {
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", rt.Secret.Reveal())
	} else {
		form.Set("grant_type", "client_credentials")
		if len(p.config.Scopes) > 0 {
			form.Set("scope", strings.Join(p.config.Scopes, " "))
		}
	}
	form.Set("client_id", p.config.ClientID)
	form.Set("client_secret", p.config.ClientSecret.Reveal())

	token, err := p.requestToken(ctx, form)
	if err != nil {
		return nil, err
	}

	refreshed := c.Clone()
	refreshed.Keys["access_token"] = Key{
		Name:      "access_token",
		Secret:    NewSecret(token.AccessToken),
		ExpiresAt: token.expiry(timeNow()),
	}
	if token.RefreshToken != "" {
		refreshed.Keys["refresh_token"] = Key{
			Name:   "refresh_token",
			Secret: NewSecret(token.RefreshToken),
		}
	}
	refreshed.LastRefreshed = timeNow()
	return refreshed, nil
}

// ClientCredentialsGrant obtains an initial credential via the
// client-credentials flow, ready for Store.Save.
func (p *OAuth2Provider) ClientCredentialsGrant(ctx context.Context, id string) (*Credential, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", p.config.ClientID)
	form.Set("client_secret", p.config.ClientSecret.Reveal())
	if len(p.config.Scopes) > 0 {
		form.Set("scope", strings.Join(p.config.Scopes, " "))
	}

	token, err := p.requestToken(ctx, form)
	if err != nil {
		return nil, err
	}

	keys := map[string]Key{
		"access_token": {
			Name:      "access_token",
			Secret:    NewSecret(token.AccessToken),
			ExpiresAt: token.expiry(timeNow()),
		},
	}
	if token.RefreshToken != "" {
		keys["refresh_token"] = Key{Name: "refresh_token", Secret: NewSecret(token.RefreshToken)}
	}

	return &Credential{
		ID:            id,
		Kind:          KindOAuth2,
		Keys:          keys,
		ProviderID:    p.ID(),
		AutoRefresh:   true,
		LastRefreshed: timeNow(),
	}, nil
}

// Validate implements Provider: the access token must exist and not be
// expired.
func (p *OAuth2Provider) Validate(_ context.Context, c *Credential) bool {
	at, ok := c.Keys["access_token"]
	return ok && !at.Secret.Empty() && !at.Expired(timeNow())
}

// ShouldRefresh implements Provider.
func (p *OAuth2Provider) ShouldRefresh(c *Credential) bool {
	return c.NeedsRefresh(p.config.RefreshBuffer, timeNow())
}

// Revoke implements Provider. Generic OAuth2 has no standard revocation
// endpoint; always false.
func (p *OAuth2Provider) Revoke(context.Context, *Credential) bool { return false }

// tokenResponse is the token endpoint's JSON body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
	ErrorCode    string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

func (t *tokenResponse) expiry(now time.Time) time.Time {
	if t.ExpiresIn <= 0 {
		return time.Time{}
	}
	return now.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// requestToken posts the grant to the token endpoint. Error messages name
// the endpoint and the provider's error code only; they never include the
// request form.
func (p *OAuth2Provider) requestToken(ctx context.Context, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &Error{Code: CodeRefreshError, Message: "build token request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &Error{Code: CodeRefreshError, Message: fmt.Sprintf("token endpoint %s unreachable", p.config.TokenURL), Cause: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{Code: CodeRefreshError, Message: "read token response", Cause: err}
	}

	var token tokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, &Error{Code: CodeRefreshError, Message: fmt.Sprintf("token endpoint returned status %d with unparseable body", resp.StatusCode)}
	}

	if resp.StatusCode != http.StatusOK || token.AccessToken == "" {
		msg := fmt.Sprintf("token endpoint returned status %d", resp.StatusCode)
		if token.ErrorCode != "" {
			msg += ": " + token.ErrorCode
		}
		return nil, &Error{Code: CodeRefreshError, Message: msg}
	}

	return &token, nil
}
