package domain

import "time"

// ContentStatus is the lifecycle state of a content item.
type ContentStatus string

const (
	ContentNew        ContentStatus = "new"
	ContentClassified ContentStatus = "classified"
	ContentDrafting   ContentStatus = "drafting"
	ContentInReview   ContentStatus = "in_review"
	ContentApproved   ContentStatus = "approved"
	ContentScheduled  ContentStatus = "scheduled"
	ContentPublished  ContentStatus = "published"
	ContentRejected   ContentStatus = "rejected"
	ContentArchived   ContentStatus = "archived"
)

// contentTransitions is the only place lifecycle edges are defined.
// Terminal states map to an empty set.
var contentTransitions = map[ContentStatus][]ContentStatus{
	ContentNew:        {ContentClassified, ContentRejected, ContentArchived},
	ContentClassified: {ContentDrafting, ContentRejected, ContentArchived},
	ContentDrafting:   {ContentInReview, ContentClassified, ContentArchived},
	ContentInReview:   {ContentDrafting, ContentApproved, ContentRejected},
	ContentApproved:   {ContentScheduled, ContentPublished, ContentDrafting},
	ContentScheduled:  {ContentPublished, ContentApproved},
	ContentPublished:  {ContentArchived},
	ContentRejected:   {},
	ContentArchived:   {},
}

// ContentStatuses lists every known status in table order.
func ContentStatuses() []ContentStatus {
	return []ContentStatus{
		ContentNew, ContentClassified, ContentDrafting, ContentInReview,
		ContentApproved, ContentScheduled, ContentPublished, ContentRejected, ContentArchived,
	}
}

func (s ContentStatus) Valid() bool {
	_, ok := contentTransitions[s]
	return ok
}

// AllowedTargets returns a copy of the outgoing edges of s.
func (s ContentStatus) AllowedTargets() []ContentStatus {
	next := contentTransitions[s]
	out := make([]ContentStatus, len(next))
	copy(out, next)
	return out
}

func (s ContentStatus) Terminal() bool {
	return s.Valid() && len(contentTransitions[s]) == 0
}

// CanTransition reports whether s -> to is permitted. Self-transition always is.
func (s ContentStatus) CanTransition(to ContentStatus) bool {
	if s == to {
		return s.Valid()
	}
	for _, n := range contentTransitions[s] {
		if n == to {
			return true
		}
	}
	return false
}

type ContentItem struct {
	ID        string
	Title     string
	Status    ContentStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}
