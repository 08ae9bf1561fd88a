package rewrite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"newsflow/internal/domain"
	"newsflow/internal/provider"
	"newsflow/internal/transition"
)

const JobType = "rewrite"

// Request is the job payload.
type Request struct {
	ContentID    string `json:"content_id"`
	Text         string `json:"text"`
	Instructions string `json:"instructions"`
	Timeout      int    `json:"timeout"` // seconds
}

// Result is stored on the job once the draft is in review.
type Result struct {
	ContentID string               `json:"content_id"`
	Provider  string               `json:"provider"`
	Output    string               `json:"output"`
	Status    domain.ContentStatus `json:"status"`
	Previous  domain.ContentStatus `json:"previous"`
}

type providerRequest struct {
	Instructions string `json:"instructions"`
	Text         string `json:"text"`
}

type providerResponse struct {
	Output string `json:"output"`
}

// Handler sends the content text to an AI backend chosen by the router and
// moves the content item from drafting to in_review. A default provider
// without an endpoint echoes the text unchanged.
type Handler struct {
	router *provider.Router
	guard  *transition.Guard
	client *http.Client
}

func New(router *provider.Router, guard *transition.Guard, client *http.Client) *Handler {
	if client == nil {
		client = &http.Client{}
	}
	return &Handler{router: router, guard: guard, client: client}
}

func (h *Handler) Handle(ctx context.Context, job domain.Job) (json.RawMessage, error) {
	var req Request
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return nil, fmt.Errorf("invalid rewrite payload: %w", err)
	}
	if req.ContentID == "" && job.EntityID != nil {
		req.ContentID = *job.EntityID
	}
	if req.ContentID == "" {
		return nil, fmt.Errorf("content_id is required")
	}
	if req.Timeout <= 0 {
		req.Timeout = 30
	}

	current, err := h.guard.Get(ctx, req.ContentID)
	if err != nil {
		return nil, err
	}
	if current.Status == domain.ContentInReview {
		// an earlier attempt got this far before its bookkeeping was lost
		return json.Marshal(Result{ContentID: current.ID, Status: current.Status, Previous: current.Status})
	}

	// drafting -> drafting is a no-op, so re-runs after a failure are safe
	if _, _, err := h.guard.Apply(ctx, req.ContentID, domain.ContentDrafting, nil); err != nil {
		return nil, fmt.Errorf("enter drafting: %w", err)
	}

	var (
		output string
		used   string
	)
	err = h.router.Call(ctx, func(ctx context.Context, name string) error {
		used = name
		out, err := h.call(ctx, name, req)
		if err != nil {
			return err
		}
		output = out
		return nil
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("rewrite via %s: %w", orNone(used), err)
	}

	expected := domain.ContentDrafting
	item, prev, err := h.guard.Apply(ctx, req.ContentID, domain.ContentInReview, &expected)
	if err != nil {
		return nil, fmt.Errorf("submit for review: %w", err)
	}

	log.Info().
		Str("content_id", req.ContentID).
		Str("provider", used).
		Int("output_len", len(output)).
		Msg("content rewritten")

	return json.Marshal(Result{
		ContentID: req.ContentID,
		Provider:  used,
		Output:    output,
		Status:    item.Status,
		Previous:  prev,
	})
}

func (h *Handler) call(ctx context.Context, name string, req Request) (string, error) {
	p, ok := h.router.Lookup(name)
	if !ok || p.Endpoint == "" {
		return req.Text, nil
	}

	body, err := json.Marshal(providerRequest{Instructions: req.Instructions, Text: req.Text})
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	// Check for HTTP errors (4xx, 5xx)
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	}

	var out providerResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("decode provider response: %w", err)
	}
	if out.Output == "" {
		return "", errors.New("provider returned empty output")
	}
	return out.Output, nil
}

func orNone(name string) string {
	if name == "" {
		return "no provider"
	}
	return name
}
