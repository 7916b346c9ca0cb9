package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/engramhq/engram/internal/llm"
)

// ExtractRequest carries one conversation to mine for memories.
type ExtractRequest struct {
	Conversation string
	OwnerID      string
	RoomID       string
	// OwnerName, when known, lets the model anchor first-person
	// statements to a name.
	OwnerName string
	// PriorContext lists already-stored memories so the model does not
	// extract them again.
	PriorContext string
}

// ExtractReport summarizes what one extraction run persisted.
type ExtractReport struct {
	Saved         []*Memory `json:"saved"`
	Duplicates    int       `json:"duplicates"`
	Failed        int       `json:"failed"`
	Skipped       int       `json:"skipped"`
	SupersededIDs []string  `json:"superseded_ids,omitempty"`
	Verdicts      []Verdict `json:"verdicts,omitempty"`
	// UsedFallback is set when the drafts came from the regex salvage pass
	// instead of strict parsing.
	UsedFallback bool `json:"used_fallback"`
}

// ExtractAndSave asks the model for durable facts in a conversation and
// persists each one through the supersession-aware save path. The LLM call
// is mandatory; an unreadable reply degrades to regex-salvaged contents and
// a reply with nothing usable is an empty no-op.
func (p *Pipeline) ExtractAndSave(ctx context.Context, req ExtractRequest) (*ExtractReport, error) {
	if strings.TrimSpace(req.Conversation) == "" {
		return nil, fmt.Errorf("conversation is required")
	}
	if req.OwnerID == "" {
		return nil, fmt.Errorf("owner_id is required")
	}

	start := time.Now()

	transcript := sanitizeTranscript(req.Conversation, p.config.MaxMessageChars, p.config.MaxTranscriptChars)
	if transcript == "" {
		p.observer.ExtractionOutcome("empty")
		p.logger.WithField("owner_id", req.OwnerID).Debug("Nothing left to extract after sanitizing")
		return &ExtractReport{}, nil
	}

	raw, err := p.llm.Generate(ctx, &llm.GenerateRequest{
		System:      extractionSystemPrompt,
		Prompt:      buildExtractionPrompt(transcript, req.OwnerName, req.PriorContext),
		Temperature: p.config.ExtractionTemperature,
		MaxTokens:   p.config.ExtractionMaxTokens,
	})
	if err != nil {
		p.observer.ProviderFailure("llm")
		p.observer.ExtractionOutcome("failed")
		return nil, providerErr("llm", "generate", err)
	}

	parsed := parseExtraction(raw)
	switch parsed.Kind {
	case ParseEmpty:
		p.observer.ExtractionOutcome("empty")
		log := p.logger.WithField("owner_id", req.OwnerID)
		if parsed.Err != nil {
			log.WithError(parsed.Err).Warn("Extraction output unusable, nothing salvaged")
		} else {
			log.Debug("Extraction found nothing to remember")
		}
		return &ExtractReport{}, nil
	case ParseFallback:
		return p.saveSalvaged(ctx, req, parsed)
	}

	report := &ExtractReport{}
	for _, draft := range parsed.Drafts {
		p.saveDraft(ctx, req, draft, report)
	}

	p.observer.ExtractionOutcome("ok")
	p.observer.StageCompleted("extract", "total", len(report.Saved), time.Since(start))
	p.logger.WithFields(logrus.Fields{
		"owner_id":   req.OwnerID,
		"saved":      len(report.Saved),
		"duplicates": report.Duplicates,
		"superseded": len(report.SupersededIDs),
	}).Debug("Extraction completed")
	return report, nil
}

// saveDraft persists one extracted draft and records the outcome. Draft
// failures are isolated so one bad draft cannot sink the rest.
func (p *Pipeline) saveDraft(ctx context.Context, req ExtractRequest, draft Draft, report *ExtractReport) {
	if len([]rune(draft.Content)) < p.config.MinItemLength {
		report.Skipped++
		p.logger.WithField("owner_id", req.OwnerID).Debug("Skipping too-short extraction item")
		return
	}

	save := SaveRequest{
		Content:         draft.Content,
		OwnerID:         req.OwnerID,
		RoomID:          req.RoomID,
		Scope:           draftScope(draft.Scope, req.RoomID),
		Category:        draft.Category,
		Importance:      draft.Importance,
		TopicKey:        draft.TopicKey,
		SkipIfDuplicate: true,
	}
	if save.TopicKey == "" {
		save.TopicKey = fallbackTopicKey(draft.Content, p.config.TopicKeyFallbackLen)
	}

	res, err := p.saveWithSupersession(ctx, save)
	if err != nil {
		report.Failed++
		p.logger.WithError(err).WithField("owner_id", req.OwnerID).Warn("Failed to save extracted memory")
		return
	}

	report.Verdicts = append(report.Verdicts, res.verdict)
	if res.supersededID != "" {
		report.SupersededIDs = append(report.SupersededIDs, res.supersededID)
	}
	if !res.created {
		report.Duplicates++
		return
	}
	report.Saved = append(report.Saved, res.memory)
	p.linkEntities(ctx, req.OwnerID, res.memory.ID, draft)
}

// draftScope resolves where an extracted draft lands. Inside a room every
// draft persists into that room's scope, personal-marked items included: a
// room with one participant is that person's private context. Without a
// room everything is personal, since extraction never carries agent or
// document ids to bind to.
func draftScope(scope Scope, roomID string) Scope {
	if roomID == "" {
		return ScopePersonal
	}
	switch scope {
	case ScopeChatroom, ScopeProject, ScopeDepartment:
		return scope
	default:
		return ScopeChatroom
	}
}

// linkEntities records the draft's entity mentions and relations. Entirely
// best-effort; the memory row already stands.
func (p *Pipeline) linkEntities(ctx context.Context, ownerID, memoryID string, draft Draft) {
	ids := make(map[string]string, len(draft.Entities))
	for _, de := range draft.Entities {
		entity, err := p.entities.GetOrCreate(ctx, ownerID, de.Type, de.Name)
		if err != nil {
			p.logger.WithError(err).WithField("entity", de.Name).Warn("Failed to record entity")
			p.observer.ProviderFailure("entity_store")
			continue
		}
		ids[NormalizeEntityName(de.Name)] = entity.ID
		if err := p.entities.Link(ctx, memoryID, entity.ID); err != nil {
			p.logger.WithError(err).Warn("Failed to link entity")
			p.observer.ProviderFailure("entity_store")
		}
	}

	// Relations may only join entities the draft itself declared.
	for _, rel := range draft.Relations {
		sourceID, ok := ids[NormalizeEntityName(rel.Source)]
		if !ok {
			continue
		}
		targetID, ok := ids[NormalizeEntityName(rel.Target)]
		if !ok {
			continue
		}
		if err := p.entities.Relate(ctx, ownerID, sourceID, targetID, rel.Type); err != nil {
			p.logger.WithError(err).Warn("Failed to record relation")
			p.observer.ProviderFailure("entity_store")
		}
	}
}

// saveSalvaged persists the content strings the regex pass pulled out of an
// unreadable reply. Salvaged items carry no labels or entities, so each one
// becomes a plain fact draft.
func (p *Pipeline) saveSalvaged(ctx context.Context, req ExtractRequest, parsed ParseResult) (*ExtractReport, error) {
	p.observer.ExtractionOutcome("fallback")
	if parsed.Err != nil {
		p.logger.WithError(parsed.Err).WithField("salvaged", len(parsed.Recovered)).
			Warn("Extraction output unusable, keeping salvaged contents")
	}

	report := &ExtractReport{UsedFallback: true}
	for _, content := range parsed.Recovered {
		p.saveDraft(ctx, req, Draft{
			Content:    content,
			Category:   CategoryFact,
			Importance: ImportanceMedium,
		}, report)
	}
	return report, nil
}
