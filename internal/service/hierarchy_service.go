package service

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/errors"
	"github.com/pesio-ai/be-bank-reconciliation/internal/repository"
)

// HierarchyResolver reads the organisation unit and tier trees one step at a
// time; approver resolution never looks past the direct parent.
//
// The trees are assumed to be acyclic. A node that is its own parent is
// reported as a CONFIGURATION error instead of being followed.
type HierarchyResolver struct {
	org repository.OrganisationReader
}

// NewHierarchyResolver creates a new HierarchyResolver.
func NewHierarchyResolver(org repository.OrganisationReader) *HierarchyResolver {
	return &HierarchyResolver{org: org}
}

// ParentUnit returns the parent of unitID, nil for a root unit.
func (h *HierarchyResolver) ParentUnit(ctx context.Context, unitID int64) (*int64, error) {
	parent, err := h.org.ParentUnit(ctx, unitID)
	if err != nil {
		return nil, err
	}
	if parent != nil && *parent == unitID {
		return nil, errors.Configuration(fmt.Sprintf("organisation unit %d is its own parent", unitID))
	}
	return parent, nil
}

// ParentTier returns the parent of tierID, nil for a root tier.
func (h *HierarchyResolver) ParentTier(ctx context.Context, tierID int64) (*int64, error) {
	parent, err := h.org.ParentTier(ctx, tierID)
	if err != nil {
		return nil, err
	}
	if parent != nil && *parent == tierID {
		return nil, errors.Configuration(fmt.Sprintf("organisation tier %d is its own parent", tierID))
	}
	return parent, nil
}

// IsDirectParentOf reports whether candidate is the parent unit of child.
func (h *HierarchyResolver) IsDirectParentOf(ctx context.Context, candidate, child int64) (bool, error) {
	parent, err := h.ParentUnit(ctx, child)
	if err != nil {
		return false, err
	}
	return parent != nil && *parent == candidate, nil
}
