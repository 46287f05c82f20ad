// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"net/url"

	"github.com/stacklok/signet/pkg/oauthtypes"
)

// errorPage renders protocol errors that must never redirect, per the
// authorization endpoint's pre-redirect-URI validation steps.
var errorPage = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head><title>Authorization Error</title></head>
<body>
<h1>Authorization Error</h1>
<p><strong>{{.Code}}</strong>{{if .Description}}: {{.Description}}{{end}}</p>
</body>
</html>
`))

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to write response", "error", err)
	}
}

// writeNoStore sets the token-endpoint cache headers.
func writeNoStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}

// writeOAuthError writes an RFC 6749 §5.2 JSON error body.
func (s *Server) writeOAuthError(w http.ResponseWriter, err error) {
	oe := oauthtypes.AsError(err)
	if oe.Code == oauthtypes.ErrorServerError {
		s.log.Error("request failed", "error", err)
	}
	writeNoStore(w)
	s.writeJSON(w, oe.HTTPStatus(), oe.Response())
}

// writeHTMLError renders the inline error page for authorize requests that
// failed before the redirect URI was validated.
func (s *Server) writeHTMLError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := errorPage.Execute(w, struct{ Code, Description string }{code, description}); err != nil {
		s.log.Error("failed to render error page", "error", err)
	}
}

// redirectError delivers an authorize error to the validated redirect URI as
// query parameters.
func redirectError(w http.ResponseWriter, r *http.Request, redirectURI, code, description, state string) {
	params := url.Values{}
	params.Set("error", code)
	if description != "" {
		params.Set("error_description", description)
	}
	if state != "" {
		params.Set("state", state)
	}
	http.Redirect(w, r, appendQuery(redirectURI, params), http.StatusFound)
}

// appendQuery attaches params to uri, respecting an existing query string.
func appendQuery(uri string, params url.Values) string {
	sep := "?"
	if parsed, err := url.Parse(uri); err == nil && parsed.RawQuery != "" {
		sep = "&"
	}
	return fmt.Sprintf("%s%s%s", uri, sep, params.Encode())
}
