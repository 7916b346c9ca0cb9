package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SaveRequest describes one memory to persist.
type SaveRequest struct {
	Content    string
	OwnerID    string
	RoomID     string
	AgentID    string
	DocumentID string
	Scope      Scope
	Category   Category
	Importance Importance
	TopicKey   string
	// SkipIfDuplicate short-circuits when a semantically equal active
	// memory already exists.
	SkipIfDuplicate bool
}

func (r *SaveRequest) validate() error {
	if strings.TrimSpace(r.Content) == "" {
		return fmt.Errorf("content is required")
	}
	if r.OwnerID == "" {
		return fmt.Errorf("owner_id is required")
	}

	// An omitted scope follows whichever binding the request carries, so a
	// request naming a room lands in that room.
	if r.Scope == "" {
		switch {
		case r.RoomID != "":
			r.Scope = ScopeChatroom
		case r.AgentID != "":
			r.Scope = ScopeAgent
		case r.DocumentID != "":
			r.Scope = ScopeDocument
		default:
			r.Scope = ScopePersonal
		}
	}
	if r.Category == "" {
		r.Category = CategoryFact
	}
	if r.Importance == "" {
		r.Importance = ImportanceMedium
	}

	// Bindings foreign to the scope are dropped; an explicitly personal
	// save is personal only, whatever ids came along.
	switch r.Scope {
	case ScopePersonal:
		r.RoomID, r.AgentID, r.DocumentID = "", "", ""
	case ScopeChatroom, ScopeProject, ScopeDepartment:
		if r.RoomID == "" {
			return fmt.Errorf("%s scope requires a room_id", r.Scope)
		}
		r.AgentID, r.DocumentID = "", ""
	case ScopeAgent:
		if r.AgentID == "" {
			return fmt.Errorf("agent scope requires an agent_id")
		}
		r.RoomID, r.DocumentID = "", ""
	case ScopeDocument:
		if r.DocumentID == "" {
			return fmt.Errorf("document scope requires a document_id")
		}
		r.AgentID = ""
	}
	return nil
}

// vectorPayload is the filterable metadata stored alongside the embedding.
func vectorPayload(m *Memory) map[string]string {
	payload := map[string]string{
		"owner_id": m.OwnerID,
		"scope":    string(m.Scope),
		"category": string(m.Category),
	}
	if m.RoomID != "" {
		payload["room_id"] = m.RoomID
	}
	if m.AgentID != "" {
		payload["agent_id"] = m.AgentID
	}
	if m.DocumentID != "" {
		payload["document_id"] = m.DocumentID
	}
	return payload
}

// Save persists one memory. With SkipIfDuplicate it returns the existing
// memory and created=false when the content is a semantic duplicate.
// The metadata row is written first; if the vector upsert fails the row is
// removed again and the error surfaces.
func (p *Pipeline) Save(ctx context.Context, req SaveRequest) (*Memory, bool, error) {
	start := time.Now()

	if err := req.validate(); err != nil {
		return nil, false, err
	}

	vector, err := p.embedder.Embed(ctx, req.Content)
	if err != nil {
		p.observer.ProviderFailure("embedder")
		return nil, false, providerErr("embedder", "embed", err)
	}

	if req.SkipIfDuplicate {
		dup, err := p.findDuplicate(ctx, &req, vector)
		if err != nil {
			return nil, false, err
		}
		if dup != nil {
			p.logger.WithFields(logrus.Fields{
				"owner_id":    req.OwnerID,
				"existing_id": dup.ID,
			}).Debug("Skipping duplicate memory")
			p.observer.SaveOutcome("duplicate")
			return dup, false, nil
		}
	}

	now := time.Now().UTC()
	m := &Memory{
		ID:         uuid.New().String(),
		OwnerID:    req.OwnerID,
		RoomID:     req.RoomID,
		AgentID:    req.AgentID,
		DocumentID: req.DocumentID,
		Content:    strings.TrimSpace(req.Content),
		Scope:      req.Scope,
		Category:   req.Category,
		Importance: req.Importance,
		Status:     StatusActive,
		TopicKey:   req.TopicKey,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := p.meta.Insert(ctx, m); err != nil {
		p.observer.ProviderFailure("metadata_store")
		return nil, false, providerErr("metadata_store", "insert", err)
	}

	if err := p.index.Upsert(ctx, m.ID, vector, vectorPayload(m)); err != nil {
		// Compensate so no metadata row exists without its vector.
		if delErr := p.meta.Delete(ctx, m.ID); delErr != nil {
			p.logger.WithError(delErr).WithField("memory_id", m.ID).
				Warn("Failed to roll back metadata row after vector upsert failure")
		}
		p.observer.ProviderFailure("vector_index")
		p.observer.SaveOutcome("failed")
		return nil, false, providerErr("vector_index", "upsert", err)
	}

	p.observer.SaveOutcome("created")
	p.observer.StageCompleted("save", "persist", 1, time.Since(start))
	return m, true, nil
}

// findDuplicate compares the new content against the owner's nearest active
// memories in the same neighborhood: scope plus whichever room, agent or
// document binding the request carries. A duplicate is a hit at or above the
// exact threshold, or above the similar threshold with high token overlap.
func (p *Pipeline) findDuplicate(ctx context.Context, req *SaveRequest, vector []float32) (*Memory, error) {
	equals := map[string]string{
		"owner_id": req.OwnerID,
		"scope":    string(req.Scope),
	}
	if req.RoomID != "" {
		equals["room_id"] = req.RoomID
	}
	if req.AgentID != "" {
		equals["agent_id"] = req.AgentID
	}
	if req.DocumentID != "" {
		equals["document_id"] = req.DocumentID
	}
	filter := &VectorFilter{Equals: equals}

	hits, err := p.index.Search(ctx, vector, 5, p.config.DuplicateSimilar, filter)
	if err != nil {
		p.observer.ProviderFailure("vector_index")
		return nil, providerErr("vector_index", "search", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	for i, hit := range hits {
		ids[i] = hit.ID
	}
	rows, err := p.meta.GetByIDs(ctx, ids)
	if err != nil {
		p.observer.ProviderFailure("metadata_store")
		return nil, providerErr("metadata_store", "get_by_ids", err)
	}

	byID := make(map[string]*Memory, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}

	for _, hit := range hits {
		row, ok := byID[hit.ID]
		if !ok || row.Status != StatusActive {
			continue
		}
		if hit.Score >= p.config.DuplicateExact {
			return row, nil
		}
		if hit.Score >= p.config.DuplicateSimilar &&
			tokenJaccard(req.Content, row.Content) > p.config.DuplicateJaccard {
			return row, nil
		}
	}
	return nil, nil
}
