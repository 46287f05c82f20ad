// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/stacklok/signet/pkg/jose"
)

// maxProfileBody caps how much of a provider's profile response we read.
const maxProfileBody = 1 << 20

// userInfoFromClaims maps standard OIDC ID-token claims to UserInfo.
func userInfoFromClaims(claims map[string]any) *UserInfo {
	info := &UserInfo{}
	info.Subject, _ = jose.StringClaim(claims, "sub")
	info.Email, _ = jose.StringClaim(claims, "email")
	info.Name, _ = jose.StringClaim(claims, "name")
	info.GivenName, _ = jose.StringClaim(claims, "given_name")
	info.FamilyName, _ = jose.StringClaim(claims, "family_name")
	info.Picture, _ = jose.StringClaim(claims, "picture")
	if v, ok := claims["email_verified"].(bool); ok {
		info.EmailVerified = v
	}
	return info
}

// fetchProfile reads the provider's user endpoint for providers that hand out
// plain OAuth access tokens instead of ID tokens.
func fetchProfile(ctx context.Context, client *http.Client, cfg *ProviderConfig, token *oauth2.Token) (*UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s profile request: %w", displayName(cfg.Name), err)
	}
	token.SetAuthHeader(req)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s profile: %w", displayName(cfg.Name), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProfileBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s profile: %w", displayName(cfg.Name), err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s profile request failed with status %d", displayName(cfg.Name), resp.StatusCode)
	}

	switch cfg.Name {
	case ProviderFacebook:
		return parseFacebookProfile(body)
	case ProviderX:
		return parseXProfile(body)
	default:
		return nil, fmt.Errorf("provider %s has no profile parser", cfg.Name)
	}
}

// parseFacebookProfile reads a Graph API /me response. The Graph API only
// returns confirmed email addresses, so a present email counts as verified.
func parseFacebookProfile(body []byte) (*UserInfo, error) {
	doc := gjson.ParseBytes(body)
	id := doc.Get("id").String()
	if id == "" {
		return nil, fmt.Errorf("Facebook profile response missing id")
	}

	email := doc.Get("email").String()
	return &UserInfo{
		Subject:       id,
		Name:          doc.Get("name").String(),
		Email:         email,
		EmailVerified: email != "",
		Picture:       doc.Get("picture.data.url").String(),
	}, nil
}

// parseXProfile reads an X API /2/users/me response. X never returns an email
// address, so accounts linked through X carry no contact method.
func parseXProfile(body []byte) (*UserInfo, error) {
	doc := gjson.ParseBytes(body)
	id := doc.Get("data.id").String()
	if id == "" {
		return nil, fmt.Errorf("X profile response missing data.id")
	}

	name := doc.Get("data.name").String()
	if name == "" {
		name = doc.Get("data.username").String()
	}
	return &UserInfo{
		Subject: id,
		Name:    name,
		Picture: doc.Get("data.profile_image_url").String(),
	}, nil
}
