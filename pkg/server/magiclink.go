// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/signet/pkg/session"
	"github.com/stacklok/signet/pkg/storage"
	"github.com/stacklok/signet/pkg/tokens"
)

// Magic-link parameters. Link rows live in the authorization-code store and
// inherit its single-use consumption semantics.
const (
	loginLinkPrefix = "login-link."
	loginLinkTTL    = 15 * time.Minute
	loginLinkSize   = 32
)

// LinkSender delivers a magic sign-in link to a contact address.
type LinkSender interface {
	SendLoginLink(ctx context.Context, email, linkURL string) error
}

// logSender logs the link instead of delivering it, for development setups
// without outbound mail.
type logSender struct {
	log *slog.Logger
}

func (l *logSender) SendLoginLink(_ context.Context, email, linkURL string) error {
	l.log.Info("login link issued", "email", email, "url", linkURL)
	return nil
}

// handleLoginLinkRequest mints a single-use sign-in link. The response is the
// same whether or not the address belongs to an account, so the endpoint is
// not an enumeration oracle.
func (s *Server) handleLoginLinkRequest(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.renderLogin(w, http.StatusBadRequest, loginPageData{Error: "malformed request"})
		return
	}
	email := r.PostForm.Get("email")
	returnTo := session.SanitizeReturnTo(r.PostForm.Get("return_to"))

	if email != "" {
		if err := s.issueLoginLink(r.Context(), email, returnTo); err != nil {
			s.log.Error("failed to issue login link", "error", err)
		}
	}

	http.Redirect(w, r, "/login?link_sent=1&return_to="+url.QueryEscape(returnTo), http.StatusFound)
}

func (s *Server) issueLoginLink(ctx context.Context, email, returnTo string) error {
	user, err := s.users.FindUserByEmail(ctx, email)
	if err != nil {
		// Unknown address: same outward behavior, nothing stored.
		return nil
	}

	buf := make([]byte, loginLinkSize)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("failed to generate login link token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	now := time.Now()
	applied, err := s.store.InsertAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:    loginLinkPrefix + tokens.HashToken(token),
		UserSub: user.Sub,
		// The post-login destination rides in the redirect URI slot.
		RedirectURI: returnTo,
		CreatedAt:   now,
		ExpiresAt:   now.Add(loginLinkTTL),
	})
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("login link collision")
	}

	linkURL := strings.TrimRight(s.cfg.Issuer, "/") + "/login/link/" + token
	return s.links.SendLoginLink(ctx, email, linkURL)
}

// handleLoginLinkVerify consumes a link token and starts a session. A link is
// good exactly once; replays and expired links land back on the login page.
func (s *Server) handleLoginLinkVerify(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	row, found, err := s.store.ConsumeAuthorizationCode(r.Context(), loginLinkPrefix+tokens.HashToken(token))
	if err != nil {
		s.log.Error("failed to consume login link", "error", err)
		s.renderLogin(w, http.StatusInternalServerError, loginPageData{Error: "Something went wrong."})
		return
	}
	if !found {
		s.renderLogin(w, http.StatusBadRequest, loginPageData{Error: "That sign-in link is invalid or has expired."})
		return
	}

	s.startSession(w, r, row.UserSub, row.RedirectURI)
}
