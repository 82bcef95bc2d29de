package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/easelworks/easel/job"
	"github.com/easelworks/easel/process"
)

type transformRequest struct {
	InputRef string `json:"input_ref"`
	Style    string `json:"style"`
	Method   string `json:"method"`
}

type transformResponse struct {
	ResultRef string `json:"result_ref"`
	Error     string `json:"error,omitempty"`
}

// newTransform returns a process.Func that hands the job to the
// transformation service at endpoint. The job deadline rides on the
// request context, so a timed-out job aborts the HTTP call.
func newTransform(endpoint string) process.Func {
	client := &http.Client{}

	return func(ctx context.Context, p job.Payload) (string, error) {
		body, err := json.Marshal(transformRequest{
			InputRef: p.InputRef,
			Style:    string(p.Style),
			Method:   string(p.Method),
		})
		if err != nil {
			return "", fmt.Errorf("encode transform request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return "", fmt.Errorf("build transform request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", process.Transientf("transform service unreachable: %v", err)
		}
		defer resp.Body.Close() //nolint:errcheck

		switch {
		case resp.StatusCode == http.StatusOK:
			var tr transformResponse
			if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
				return "", fmt.Errorf("decode transform response: %w", err)
			}
			if tr.ResultRef == "" {
				return "", fmt.Errorf("transform service returned no result ref")
			}
			return tr.ResultRef, nil

		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return "", process.Inputf("%s", errorBody(resp.Body))

		default:
			return "", process.Transientf("transform service returned %d", resp.StatusCode)
		}
	}
}

func errorBody(r io.Reader) string {
	var tr transformResponse
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err == nil && json.Unmarshal(data, &tr) == nil && tr.Error != "" {
		return tr.Error
	}
	if msg := strings.TrimSpace(string(data)); msg != "" {
		return msg
	}
	return "transform rejected the input"
}
