// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"html/template"
	"net/http"

	"github.com/stacklok/signet/pkg/events"
	"github.com/stacklok/signet/pkg/session"
)

// loginPage is the built-in login form. Deployments that want branding put a
// reverse proxy or their own frontend in front of the JSON/redirect contract.
var loginPage = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head><title>Sign in</title></head>
<body>
<h1>Sign in</h1>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
{{if .LinkSent}}<p>If that address exists, a sign-in link is on its way.</p>{{end}}
<form method="POST" action="/login">
  <input type="hidden" name="return_to" value="{{.ReturnTo}}">
  <label>Email <input type="email" name="email" required></label>
  <label>Password <input type="password" name="password" required></label>
  <button type="submit">Sign in</button>
</form>
<form method="POST" action="/login/link">
  <input type="hidden" name="return_to" value="{{.ReturnTo}}">
  <label>Email <input type="email" name="email" required></label>
  <button type="submit">Email me a sign-in link</button>
</form>
{{range .Providers}}<p><a href="/auth/{{.}}?return_to={{$.ReturnTo}}">Continue with {{.}}</a></p>
{{end}}
</body>
</html>
`))

type loginPageData struct {
	ReturnTo  string
	Error     string
	LinkSent  bool
	Providers []string
}

func (s *Server) renderLogin(w http.ResponseWriter, status int, data loginPageData) {
	if s.fed != nil {
		data.Providers = s.fed.Providers()
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := loginPage.Execute(w, data); err != nil {
		s.log.Error("failed to render login page", "error", err)
	}
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	s.renderLogin(w, http.StatusOK, loginPageData{
		ReturnTo: session.SanitizeReturnTo(r.URL.Query().Get("return_to")),
		LinkSent: r.URL.Query().Get("link_sent") == "1",
	})
}

// handleLoginSubmit authenticates an email/password pair and starts a
// session. Unknown users and wrong passwords produce the same response.
func (s *Server) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.renderLogin(w, http.StatusBadRequest, loginPageData{Error: "malformed request"})
		return
	}
	returnTo := session.SanitizeReturnTo(r.PostForm.Get("return_to"))

	user, err := s.users.VerifyPassword(r.Context(), r.PostForm.Get("email"), r.PostForm.Get("password"))
	if err != nil {
		s.recorder.Record(events.AuthFailure, events.Fields{Reason: "password login failed"})
		s.renderLogin(w, http.StatusUnauthorized, loginPageData{
			ReturnTo: returnTo,
			Error:    "Invalid email or password.",
		})
		return
	}

	s.startSession(w, r, user.Sub, returnTo)
}

// startSession issues the session cookie and redirects to the sanitized
// destination.
func (s *Server) startSession(w http.ResponseWriter, r *http.Request, sub, returnTo string) {
	token, err := s.sessions.Issue(sub)
	if err != nil {
		s.log.Error("failed to issue session", "error", err)
		s.renderLogin(w, http.StatusInternalServerError, loginPageData{Error: "Something went wrong."})
		return
	}

	http.SetCookie(w, s.sessions.Cookie(token, session.IsSecure(r)))
	s.recorder.Record(events.AuthSuccess, events.Fields{UserID: sub})
	http.Redirect(w, r, session.SanitizeReturnTo(returnTo), http.StatusFound)
}
