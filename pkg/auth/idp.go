package auth

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/keygate-io/keygate/pkg/errors"
	"github.com/keygate-io/keygate/pkg/networking"
)

// oAuthError is the RFC 6749 §5.2 error envelope.
type oAuthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	StatusCode       int    `json:"-"`
}

func (e *oAuthError) String() string {
	if e.ErrorDescription != "" {
		return fmt.Sprintf("OAuth error %q (status %d): %s", e.Error, e.StatusCode, e.ErrorDescription)
	}
	return fmt.Sprintf("OAuth error %q (status %d)", e.Error, e.StatusCode)
}

// IDPTokenResponse is the IdP token endpoint response.
type IDPTokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// IDPClientConfig configures the IdP token endpoint client.
type IDPClientConfig struct {
	// TokenURL is the IdP token endpoint.
	TokenURL string

	// ClientID and ClientSecret authenticate keygate itself for the
	// password grant.
	ClientID     string
	ClientSecret string

	// RequestTimeout bounds each token endpoint call.
	RequestTimeout time.Duration
}

// IDPClient front-ends the IdP's token endpoint for the password and
// client-credentials grants. Keygate never sees long-lived IdP state; it
// forwards credentials and returns the IdP's verdict.
type IDPClient struct {
	cfg    IDPClientConfig
	client networking.HTTPClient
}

// NewIDPClient builds the token endpoint client.
func NewIDPClient(cfg IDPClientConfig) (*IDPClient, error) {
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("IdP token URL must be configured")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = networking.HttpTimeout
	}
	client, err := networking.NewHttpClientBuilder().
		WithTimeout(timeout).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}
	return &IDPClient{cfg: cfg, client: client}, nil
}

// PasswordGrant authenticates a user by username and password.
func (c *IDPClient) PasswordGrant(ctx context.Context, username, password string) (*IDPTokenResponse, error) {
	form := url.Values{
		"grant_type": {"password"},
		"username":   {username},
		"password":   {password},
	}
	if c.cfg.ClientID != "" {
		form.Set("client_id", c.cfg.ClientID)
	}
	if c.cfg.ClientSecret != "" {
		form.Set("client_secret", c.cfg.ClientSecret)
	}
	return c.requestToken(ctx, form)
}

// ClientCredentialsGrant authenticates a machine client by its own
// credentials.
func (c *IDPClient) ClientCredentialsGrant(ctx context.Context, clientID, clientSecret string) (*IDPTokenResponse, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
	}
	return c.requestToken(ctx, form)
}

func (c *IDPClient) requestToken(ctx context.Context, form url.Values) (*IDPTokenResponse, error) {
	res, err := networking.FetchJSON[IDPTokenResponse](ctx, c.client, c.cfg.TokenURL,
		networking.WithFormBody(form),
		networking.WithErrorHandler(idpErrorHandler),
	)
	if err != nil {
		var typed *errors.Error
		if stderrors.As(err, &typed) {
			return nil, err
		}
		if networking.IsHTTPError(err, 0) {
			return nil, errors.NewBackendUnavailableError("identity provider request failed", err)
		}
		return nil, errors.NewBackendUnavailableError("identity provider unreachable", err)
	}
	if res.Data.AccessToken == "" {
		return nil, errors.NewAuthenticationError("identity provider returned no access token", nil)
	}
	return &res.Data, nil
}

// idpErrorHandler translates OAuth error envelopes. Credential rejections
// become AuthenticationFailed; anything else falls through to the transport
// error path.
func idpErrorHandler(resp *http.Response, body []byte) error {
	if resp.StatusCode >= 500 {
		return nil
	}
	var oauthErr oAuthError
	if err := json.Unmarshal(body, &oauthErr); err != nil || oauthErr.Error == "" {
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest {
			return errors.NewAuthenticationError("identity provider rejected credentials", nil)
		}
		return nil
	}
	oauthErr.StatusCode = resp.StatusCode
	return errors.NewAuthenticationError(oauthErr.String(), nil)
}
