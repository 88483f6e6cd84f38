package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Endpoint paths shared by the coordinator and the rank processes.
const (
	RegisterPath = "/register"
	RosterPath   = "/roster"
	MessagePath  = "/comm/message"
	HealthPath   = "/health"
	MetricsPath  = "/metrics"
)

// NodeInfo identifies a rank process before it has been assigned a rank.
type NodeInfo struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// RegisterRequest is sent by a node to join the process group.
type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

// RegisterResponse carries the rank assigned to a node.
type RegisterResponse struct {
	Rank int    `json:"rank"`
	Size int    `json:"size"`
	Job  string `json:"job"`
}

// RankInfo is one member of a complete process group.
type RankInfo struct {
	Rank int    `json:"rank"`
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// Roster lists every member of a process group in rank order.
// The Job ID tags every point-to-point message of the group so that
// traffic from a previous run is never mistaken for the current one.
type Roster struct {
	Job     string     `json:"job"`
	Size    int        `json:"size"`
	Members []RankInfo `json:"members"`
}

// Addr returns the base URL of rank, or "" when the rank is not listed.
func (r Roster) Addr(rank int) string {
	if rank < 0 || rank >= len(r.Members) {
		return ""
	}
	return r.Members[rank].Addr
}

// Complete reports whether every rank in [0, Size) is listed in order.
func (r Roster) Complete() bool {
	if r.Size <= 0 || len(r.Members) != r.Size {
		return false
	}
	for i, m := range r.Members {
		if m.Rank != i || m.Addr == "" {
			return false
		}
	}
	return true
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// StatusError is returned by the helpers below when the server answers
// with a status code of 300 or above.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %s: %d", e.URL, e.Code)
}

// Temporary reports whether repeating the request may succeed. Only 503
// qualifies: peers answer it while they are still starting up.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusServiceUnavailable
}

// PostJSON posts body as JSON to url and decodes the response into out.
// out may be nil when the response body is not needed.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := post(ctx, url, "application/json", reqBody)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// PostCBOR posts body encoded as CBOR to url and discards the response.
func PostCBOR(ctx context.Context, url string, body any) error {
	reqBody, err := cbor.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := post(ctx, url, "application/cbor", reqBody)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// GetJSON fetches url and decodes the JSON response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &StatusError{URL: url, Code: resp.StatusCode}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func post(ctx context.Context, url, contentType string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}
	return resp, nil
}
