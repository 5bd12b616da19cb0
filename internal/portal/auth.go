package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"meterbridge/internal/observability/metrics"
	"meterbridge/internal/session"
)

// AuthClient exchanges refresh tokens at the provider's OAuth endpoint.
// It implements session.TokenSource.
type AuthClient struct {
	tokenURL string
	clientID string
	client   *http.Client
	logger   *log.Logger
}

// NewAuthClient constructs an auth client.
func NewAuthClient(tokenURL, clientID string, logger *log.Logger) (*AuthClient, error) {
	if tokenURL == "" {
		return nil, errors.New("portal: empty token url")
	}
	if clientID == "" {
		return nil, errors.New("portal: empty client id")
	}
	if logger == nil {
		return nil, errors.New("portal: nil logger")
	}
	return &AuthClient{
		tokenURL: tokenURL,
		clientID: clientID,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
	}, nil
}

type tokenResponse struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken string  `json:"refresh_token"`
	ExpiresIn    float64 `json:"expires_in"`
}

// Refresh performs one refresh-token grant. A 4xx from the token endpoint
// means the grant is dead and is reported as session.ErrGrantRejected;
// everything else is transient.
func (a *AuthClient) Refresh(ctx context.Context, refreshToken string) (session.Token, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {a.clientID},
		"refresh_token": {refreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return session.Token{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		metrics.IncTokenRefresh(metrics.ResultError)
		return session.Token{}, &TransportError{Op: "token refresh", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		metrics.IncTokenRefresh(metrics.ResultRejected)
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		a.logger.Printf("portal: token endpoint rejected grant: status %d body %q", resp.StatusCode, body)
		return session.Token{}, fmt.Errorf("portal: token endpoint status %d: %w", resp.StatusCode, session.ErrGrantRejected)
	default:
		metrics.IncTokenRefresh(metrics.ResultError)
		return session.Token{}, &TransportError{Op: "token refresh", Err: fmt.Errorf("http %d", resp.StatusCode)}
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		metrics.IncTokenRefresh(metrics.ResultError)
		return session.Token{}, &TransportError{Op: "token refresh", Err: err}
	}
	if tok.AccessToken == "" {
		metrics.IncTokenRefresh(metrics.ResultError)
		return session.Token{}, &TransportError{Op: "token refresh", Err: errors.New("no access token in response")}
	}
	metrics.IncTokenRefresh(metrics.ResultOK)
	return session.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    time.Duration(tok.ExpiresIn) * time.Second,
	}, nil
}
