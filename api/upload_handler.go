package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/easelworks/easel/job"
)

// CreateUploadRequest is the body of POST /v1/uploads.
type CreateUploadRequest struct {
	Filename string `json:"filename"`
}

// CreateUploadResponse carries the presigned PUT URL and the input ref
// to use in the subsequent submit.
type CreateUploadResponse struct {
	UploadURL string `json:"upload_url"`
	InputRef  string `json:"input_ref"`
}

func (a *API) createUpload(w http.ResponseWriter, r *http.Request, owner string) {
	if a.resolver == nil {
		a.writeError(w, http.StatusNotImplemented, "uploads are not configured")
		return
	}

	var req CreateUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Filename == "" || strings.Contains(req.Filename, "..") {
		a.writeError(w, http.StatusBadRequest, "invalid filename")
		return
	}

	url, ref, err := a.resolver.UploadURL(r.Context(), owner, req.Filename)
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, CreateUploadResponse{
		UploadURL: url,
		InputRef:  ref,
	})
}

// StylesResponse lists the accepted style and method vocabulary.
type StylesResponse struct {
	Styles  []job.Style  `json:"styles"`
	Methods []job.Method `json:"methods"`
}

func (a *API) listStyles(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, StylesResponse{
		Styles:  []job.Style{job.StylePencil, job.StyleCharcoal, job.StyleWatercolor, job.StyleInk},
		Methods: []job.Method{job.MethodBasic, job.MethodAdvanced, job.MethodArtistic},
	})
}
