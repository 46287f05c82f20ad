// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/signet/pkg/clients"
	"github.com/stacklok/signet/pkg/storage"
)

// clientPayload is the admin API's JSON shape for a client registration.
type clientPayload struct {
	ID                      string   `json:"client_id"`
	Name                    string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	Scopes                  []string `json:"scopes"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Secret                  string   `json:"client_secret,omitempty"`
}

func clientToPayload(c *storage.Client, secret string) clientPayload {
	return clientPayload{
		ID:                      c.ID,
		Name:                    c.Name,
		RedirectURIs:            c.RedirectURIs,
		GrantTypes:              c.GrantTypes,
		ResponseTypes:           c.ResponseTypes,
		Scopes:                  c.Scopes,
		TokenEndpointAuthMethod: c.TokenEndpointAuthMethod,
		Secret:                  secret,
	}
}

type clientError struct {
	Error string `json:"error"`
}

// registerRequest is the POST /clients body.
type registerRequest struct {
	Name                    string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	Scopes                  []string `json:"scopes"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// updateRequest is the PUT /clients/{id} body; absent fields keep their
// stored values.
type updateRequest struct {
	Name                    *string  `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	Scopes                  []string `json:"scopes"`
	TokenEndpointAuthMethod *string  `json:"token_endpoint_auth_method"`
}

// handleClientRegister creates a client; the secret appears in this response
// and nowhere else.
func (s *Server) handleClientRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, clientError{Error: "malformed JSON body"})
		return
	}

	created, err := s.clients.Register(r.Context(), clients.RegisterInput{
		Name:                    req.Name,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		Scopes:                  req.Scopes,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
	})
	if err != nil {
		var ve *clients.ValidationError
		if errors.As(err, &ve) {
			s.writeJSON(w, http.StatusBadRequest, clientError{Error: ve.Error()})
			return
		}
		if errors.Is(err, storage.ErrAlreadyExists) {
			s.writeJSON(w, http.StatusConflict, clientError{Error: "client already exists"})
			return
		}
		s.log.Error("failed to register client", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, clientError{Error: "registration failed"})
		return
	}

	s.writeJSON(w, http.StatusCreated, clientToPayload(created.Client, created.Secret))
}

func (s *Server) handleClientList(w http.ResponseWriter, r *http.Request) {
	list, err := s.clients.List(r.Context())
	if err != nil {
		s.log.Error("failed to list clients", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, clientError{Error: "listing failed"})
		return
	}

	payloads := make([]clientPayload, 0, len(list))
	for _, c := range list {
		payloads = append(payloads, clientToPayload(c, ""))
	}
	s.writeJSON(w, http.StatusOK, payloads)
}

func (s *Server) handleClientGet(w http.ResponseWriter, r *http.Request) {
	client, err := s.clients.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, clientError{Error: "client not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, clientToPayload(client, ""))
}

func (s *Server) handleClientUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, clientError{Error: "malformed JSON body"})
		return
	}

	updated, err := s.clients.Update(r.Context(), chi.URLParam(r, "id"), clients.UpdateInput{
		Name:                    req.Name,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		Scopes:                  req.Scopes,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
	})
	if err != nil {
		var ve *clients.ValidationError
		switch {
		case errors.As(err, &ve):
			s.writeJSON(w, http.StatusBadRequest, clientError{Error: ve.Error()})
		case errors.Is(err, clients.ErrNotFound):
			s.writeJSON(w, http.StatusNotFound, clientError{Error: "client not found"})
		default:
			s.log.Error("failed to update client", "error", err)
			s.writeJSON(w, http.StatusInternalServerError, clientError{Error: "update failed"})
		}
		return
	}
	s.writeJSON(w, http.StatusOK, clientToPayload(updated, ""))
}

func (s *Server) handleClientDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.clients.Deactivate(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, clients.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, clientError{Error: "client not found"})
			return
		}
		s.log.Error("failed to deactivate client", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, clientError{Error: "deactivation failed"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"deactivated": true})
}
