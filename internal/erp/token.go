package erp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	credentialdomain "github.com/smallbiznis/depotsync/internal/credential/domain"
	"github.com/smallbiznis/depotsync/internal/erp/domain"
	"go.uber.org/zap"
)

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error"`
}

// accessToken returns a usable bearer token for the account, transparently
// refreshing an expired grant. force bypasses the expiry check after an
// upstream 401.
func (c *client) accessToken(ctx context.Context, account domain.Account, force bool) (string, error) {
	record, tokens, err := c.credentials.Get(ctx, account.TenantID, account.Ref)
	if errors.Is(err, credentialdomain.ErrNotFound) {
		return "", c.reauthorizationRequired(account)
	}
	if err != nil {
		return "", err
	}
	if !record.Active {
		return "", c.reauthorizationRequired(account)
	}
	if !force && !record.Expired(c.clock.Now()) {
		return tokens.AccessToken, nil
	}
	return c.refreshToken(ctx, account, tokens)
}

func (c *client) refreshToken(ctx context.Context, account domain.Account, tokens credentialdomain.Tokens) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", tokens.RefreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("%w: decoding token response: %v", domain.ErrUpstream, err)
	}

	if payload.Error == "invalid_grant" || resp.StatusCode == http.StatusBadRequest && payload.AccessToken == "" {
		reauthErr := c.reauthorizationRequired(account)
		if err := c.credentials.Deactivate(ctx, account.TenantID, account.Ref, "invalid_grant"); err != nil {
			c.log.Error("failed to deactivate credential after invalid grant",
				zap.String("tenant_id", account.TenantID),
				zap.String("account_ref", account.Ref),
				zap.Error(err),
			)
		}
		return "", reauthErr
	}
	if resp.StatusCode != http.StatusOK || payload.AccessToken == "" {
		return "", fmt.Errorf("%w: token refresh returned %d", domain.ErrUpstream, resp.StatusCode)
	}

	refreshed := credentialdomain.Tokens{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresAt:    c.clock.Now().Add(time.Duration(payload.ExpiresIn) * time.Second),
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = tokens.RefreshToken
	}
	if err := c.credentials.Store(ctx, account.TenantID, account.Ref, refreshed); err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

func (c *client) reauthorizationRequired(account domain.Account) error {
	authURL := c.cfg.AuthorizeURL
	if c.cfg.ClientID != "" {
		sep := "?"
		if strings.Contains(authURL, "?") {
			sep = "&"
		}
		authURL = fmt.Sprintf("%s%sresponse_type=code&client_id=%s&state=%s",
			authURL, sep, url.QueryEscape(c.cfg.ClientID), url.QueryEscape(account.Ref))
	}
	return &domain.ReauthorizationRequiredError{
		TenantID:   account.TenantID,
		AccountRef: account.Ref,
		AuthURL:    authURL,
	}
}
