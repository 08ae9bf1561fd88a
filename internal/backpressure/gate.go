package backpressure

import (
	"context"
	"errors"
	"fmt"
)

var ErrAdmissionRejected = errors.New("queue is at capacity")

// AdmissionError carries the depth and limit observed when a queue refused work.
type AdmissionError struct {
	Queue string
	Depth int
	Limit int
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("queue %q at capacity: depth %d, limit %d", e.Queue, e.Depth, e.Limit)
}

func (e *AdmissionError) Unwrap() error { return ErrAdmissionRejected }

// DepthCounter reports queued plus running jobs of a queue.
type DepthCounter interface {
	Depth(ctx context.Context, queue string) (int, error)
}

type Admission struct {
	Allowed bool `json:"allowed"`
	Depth   int  `json:"depth"`
	Limit   int  `json:"limit"`
}

// Gate admits work to a queue while its depth is below the configured
// ceiling. A limit <= 0 disables the check for that queue.
type Gate struct {
	depths       DepthCounter
	limits       map[string]int
	defaultLimit int
}

func NewGate(depths DepthCounter, limits map[string]int, defaultLimit int) *Gate {
	l := make(map[string]int, len(limits))
	for q, n := range limits {
		l[q] = n
	}
	return &Gate{depths: depths, limits: l, defaultLimit: defaultLimit}
}

func (g *Gate) Limit(queue string) int {
	if n, ok := g.limits[queue]; ok {
		return n
	}
	return g.defaultLimit
}

func (g *Gate) CheckAdmission(ctx context.Context, queue string) (Admission, error) {
	limit := g.Limit(queue)
	depth, err := g.depths.Depth(ctx, queue)
	if err != nil {
		return Admission{}, fmt.Errorf("queue depth: %w", err)
	}
	return Admission{
		Allowed: limit <= 0 || depth < limit,
		Depth:   depth,
		Limit:   limit,
	}, nil
}

// Admit is CheckAdmission for producers: a full queue is an *AdmissionError.
func (g *Gate) Admit(ctx context.Context, queue string) (Admission, error) {
	a, err := g.CheckAdmission(ctx, queue)
	if err != nil {
		return a, err
	}
	if !a.Allowed {
		return a, &AdmissionError{Queue: queue, Depth: a.Depth, Limit: a.Limit}
	}
	return a, nil
}
