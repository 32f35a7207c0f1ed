package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"tokenbroker.org/internal/document"
	"tokenbroker.org/internal/obs"
)

const documentsPrefix = "/v1/documents/"

type documentList struct {
	Documents []document.Document `json:"documents"`
}

func (a *API) handleDocuments(w http.ResponseWriter, r *http.Request) {
	if a.docs == nil {
		writeError(w, r, http.StatusNotFound, "document endpoints are disabled")
		return
	}
	docType := strings.Trim(strings.TrimPrefix(r.URL.Path, documentsPrefix), "/")
	if docType == "" || strings.Contains(docType, "/") {
		writeError(w, r, http.StatusNotFound, "unknown document path")
		return
	}
	partitionKey := strings.TrimSpace(r.URL.Query().Get("partitionKey"))
	token := strings.TrimSpace(r.Header.Get(resourceTokenHeader))

	switch r.Method {
	case http.MethodGet:
		docs, err := a.docs.Query(r.Context(), token, docType, partitionKey)
		if err != nil {
			handleDocumentError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, documentList{Documents: docs})
	case http.MethodPut, http.MethodPost:
		var doc document.Document
		if err := decodeJSON(w, r, &doc); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if doc.Type != "" && doc.Type != docType {
			writeError(w, r, http.StatusBadRequest, "document type does not match path")
			return
		}
		doc.Type = docType
		switch {
		case doc.PartitionKey == "":
			doc.PartitionKey = partitionKey
		case partitionKey != "" && doc.PartitionKey != partitionKey:
			writeError(w, r, http.StatusBadRequest, "partitionKey does not match query")
			return
		}
		saved, err := a.docs.Upsert(r.Context(), token, doc)
		if err != nil {
			handleDocumentError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodPost)
	}
}

func handleDocumentError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, document.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, "resource token rejected")
	case errors.Is(err, document.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "access outside granted partition")
	case errors.Is(err, document.ErrInvalid), errors.Is(err, document.ErrNotObject):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		obs.Error("document_request_failed", err, map[string]any{"request_id": RequestIDFromContext(r.Context())})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
