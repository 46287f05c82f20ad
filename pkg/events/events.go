// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package events records the server's security-relevant events as structured
// log records and feeds the corresponding metrics.
package events

import (
	"log/slog"

	"github.com/stacklok/signet/pkg/telemetry"
)

// Event names.
const (
	AuthSuccess  = "auth_success"
	AuthFailure  = "auth_failure"
	TokenIssued  = "token_issued"
	TokenRevoked = "token_revoked"
)

// Fields carries the structured attributes of one event. Empty fields are
// omitted from the record.
type Fields struct {
	UserID    string
	ClientID  string
	Provider  string
	GrantType string
	Reason    string
}

// Recorder emits security events. A nil *Recorder drops everything, so
// callers never need to nil-check.
type Recorder struct {
	log     *slog.Logger
	metrics *telemetry.Metrics
}

// NewRecorder builds a recorder over the given logger and metric set. Either
// may be nil.
func NewRecorder(log *slog.Logger, metrics *telemetry.Metrics) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{log: log, metrics: metrics}
}

// Record emits one event.
func (r *Recorder) Record(event string, f Fields) {
	if r == nil {
		return
	}

	attrs := make([]any, 0, 12)
	attrs = append(attrs, "event", event)
	if f.UserID != "" {
		attrs = append(attrs, "user_id", f.UserID)
	}
	if f.ClientID != "" {
		attrs = append(attrs, "client_id", f.ClientID)
	}
	if f.Provider != "" {
		attrs = append(attrs, "provider", f.Provider)
	}
	if f.GrantType != "" {
		attrs = append(attrs, "grant_type", f.GrantType)
	}
	if f.Reason != "" {
		attrs = append(attrs, "reason", f.Reason)
	}

	switch event {
	case AuthFailure:
		r.log.Warn("security event", attrs...)
		r.metrics.AuthFailure(f.Reason)
	case TokenIssued:
		r.log.Info("security event", attrs...)
		r.metrics.TokenIssued(f.GrantType)
	default:
		r.log.Info("security event", attrs...)
	}
}
