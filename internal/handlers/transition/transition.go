package transition

import (
	"context"
	"encoding/json"
	"fmt"

	"newsflow/internal/domain"
	guard "newsflow/internal/transition"
)

const JobType = "transition"

// Request moves one content item; typically produced by a schedule
// (e.g. scheduled -> published).
type Request struct {
	ContentID string                `json:"content_id"`
	Target    domain.ContentStatus  `json:"target"`
	Expected  *domain.ContentStatus `json:"expected,omitempty"`
}

type Result struct {
	ContentID string               `json:"content_id"`
	Status    domain.ContentStatus `json:"status"`
	Previous  domain.ContentStatus `json:"previous"`
}

type Handler struct {
	guard *guard.Guard
}

func New(g *guard.Guard) *Handler { return &Handler{guard: g} }

func (h *Handler) Handle(ctx context.Context, job domain.Job) (json.RawMessage, error) {
	var req Request
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return nil, fmt.Errorf("invalid transition payload: %w", err)
	}
	if req.ContentID == "" && job.EntityID != nil {
		req.ContentID = *job.EntityID
	}
	if req.ContentID == "" {
		return nil, fmt.Errorf("content_id is required")
	}
	if !req.Target.Valid() {
		return nil, fmt.Errorf("unknown target status %q", req.Target)
	}

	item, prev, err := h.guard.Apply(ctx, req.ContentID, req.Target, req.Expected)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Result{ContentID: item.ID, Status: item.Status, Previous: prev})
}
