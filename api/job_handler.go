package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/easelworks/easel/blob"
	"github.com/easelworks/easel/id"
	"github.com/easelworks/easel/job"
)

// SubmitJobRequest is the body of POST /v1/jobs. ID is optional: a
// client that supplies its own id can retry the submit safely.
type SubmitJobRequest struct {
	ID       string `json:"id,omitempty"`
	InputRef string `json:"input_ref"`
	Style    string `json:"style"`
	Method   string `json:"method"`
}

// JobResponse is a job record plus a presigned result URL when the
// result is ready and a resolver is configured.
type JobResponse struct {
	*job.Job
	ResultURL string `json:"result_url,omitempty"`
}

func (a *API) submitJob(w http.ResponseWriter, r *http.Request, owner string) {
	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !blob.OwnsRef(owner, req.InputRef) {
		a.writeError(w, http.StatusForbidden, "input ref is outside your upload prefix")
		return
	}

	jobID := id.NewJobID()
	if req.ID != "" {
		parsed, err := id.ParseJobID(req.ID)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, "invalid job id")
			return
		}
		jobID = parsed
	}

	payload := job.Payload{
		InputRef: req.InputRef,
		Style:    job.Style(req.Style),
		Method:   job.Method(req.Method),
	}
	if err := payload.Validate(); err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	j, err := a.registry.Create(ctx, jobID, owner, payload)
	if err != nil {
		a.respondError(w, err)
		return
	}

	if j.State == job.StatePending {
		if j, err = a.registry.Enqueue(ctx, j.ID); err != nil {
			a.respondError(w, err)
			return
		}
	}

	a.writeJSON(w, http.StatusCreated, a.jobResponse(r, j))
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request, owner string) {
	j, ok := a.ownedJob(w, r, owner)
	if !ok {
		return
	}
	a.writeJSON(w, http.StatusOK, a.jobResponse(r, j))
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request, owner string) {
	jobID, err := id.ParseJobID(mux.Vars(r)["jobId"])
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	j, err := a.registry.Cancel(r.Context(), jobID, owner)
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, a.jobResponse(r, j))
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request, owner string) {
	q := r.URL.Query()
	opts := job.ListOpts{
		State:  job.State(q.Get("state")),
		Limit:  intParam(q.Get("limit")),
		Offset: intParam(q.Get("offset")),
	}

	jobs, err := a.registry.ListByOwner(r.Context(), owner, opts)
	if err != nil {
		a.respondError(w, err)
		return
	}

	resp := make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		resp = append(resp, a.jobResponse(r, j))
	}
	a.writeJSON(w, http.StatusOK, resp)
}

// ownedJob loads the path's job and hides other owners' jobs behind a
// 404 so job ids cannot be probed.
func (a *API) ownedJob(w http.ResponseWriter, r *http.Request, owner string) (*job.Job, bool) {
	jobID, err := id.ParseJobID(mux.Vars(r)["jobId"])
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid job id")
		return nil, false
	}

	j, err := a.registry.Get(r.Context(), jobID)
	if err != nil {
		a.respondError(w, err)
		return nil, false
	}
	if j.Owner != owner {
		a.writeError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	return j, true
}

func (a *API) jobResponse(r *http.Request, j *job.Job) JobResponse {
	resp := JobResponse{Job: j}
	if a.resolver != nil && j.State == job.StateCompleted && j.ResultRef != "" {
		url, err := a.resolver.DownloadURL(r.Context(), j.ResultRef)
		if err != nil {
			a.logger.Warn("failed to presign result url",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
		} else {
			resp.ResultURL = url
		}
	}
	return resp
}

// JobStatsResponse summarizes an owner's jobs per lifecycle state.
type JobStatsResponse struct {
	Total  int64               `json:"total"`
	States map[job.State]int64 `json:"states"`
}

func (a *API) jobStats(w http.ResponseWriter, r *http.Request, owner string) {
	resp := JobStatsResponse{States: make(map[job.State]int64)}
	for _, state := range job.States() {
		n, err := a.registry.CountByOwner(r.Context(), owner, state)
		if err != nil {
			a.respondError(w, err)
			return
		}
		if n > 0 {
			resp.States[state] = n
		}
		resp.Total += n
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func intParam(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
