package httpapi

import (
	"context"
	"errors"
	"net/http"

	"tokenbroker.org/internal/audit"
	"tokenbroker.org/internal/broker"
	"tokenbroker.org/internal/obs"
)

func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		return
	}

	token := accessToken(r)
	if token == "" {
		writeText(w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.requestTimeout)
	defer cancel()

	issued, err := a.issuer.IssueToken(ctx, token)
	if err != nil {
		fields := map[string]any{"request_id": RequestIDFromContext(r.Context())}
		if errors.Is(err, broker.ErrAuthFailure) {
			obs.Error("token_unauthorized", err, fields)
			writeText(w, http.StatusUnauthorized, "identity could not be verified")
			return
		}
		obs.Error("token_issue_failed", err, fields)
		writeText(w, http.StatusInternalServerError, "token issuance failed")
		return
	}

	_ = audit.LogEvent(audit.WithUserID(ctx, issued.UserID), "token.issued", map[string]any{
		"expires": issued.Expires,
	})
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, issued)
}
