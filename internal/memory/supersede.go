package memory

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/engramhq/engram/internal/llm"
)

// Verdict classifies how an incoming memory relates to the active memory
// that already holds its topic key.
type Verdict string

const (
	// VerdictUpdate means the new statement carries fresher information
	// and retires the old one.
	VerdictUpdate Verdict = "UPDATE"
	// VerdictSupplement means both statements stand; the new one adds
	// detail.
	VerdictSupplement Verdict = "SUPPLEMENT"
	// VerdictContradiction means the statements conflict; both stay on
	// record.
	VerdictContradiction Verdict = "CONTRADICTION"
	// VerdictUnrelated means the shared topic label was a coincidence.
	VerdictUnrelated Verdict = "UNRELATED"
)

const (
	verdictMaxTokens  = 32
	topicKeyMaxTokens = 64

	// supersedeSaveRetries bounds the extra save attempts once the
	// predecessor has already been retired.
	supersedeSaveRetries = 2
)

// supersedes reports whether this verdict retires the existing memory.
// Only an UPDATE does; a contradiction keeps both rows visible.
func (v Verdict) supersedes() bool {
	return v == VerdictUpdate
}

// saveResult is the outcome of one supersession-aware save.
type saveResult struct {
	memory       *Memory
	created      bool
	verdict      Verdict
	supersededID string
}

// SaveManual persists one explicitly provided memory. When the caller has
// no topic key the model labels the content; when an active memory already
// holds that topic, the model judges whether the new content replaces it.
func (p *Pipeline) SaveManual(ctx context.Context, req SaveRequest) ([]*Memory, Verdict, error) {
	if err := req.validate(); err != nil {
		return nil, VerdictUnrelated, err
	}
	if req.TopicKey == "" {
		req.TopicKey = p.deriveTopicKey(ctx, req.Content)
	} else {
		req.TopicKey = normalizeTopicKey(req.TopicKey)
	}

	res, err := p.saveWithSupersession(ctx, req)
	if err != nil {
		return nil, res.verdict, err
	}

	log := p.logger.WithFields(logrus.Fields{
		"memory_id": res.memory.ID,
		"topic_key": req.TopicKey,
		"verdict":   res.verdict,
	})
	if res.supersededID != "" {
		log = log.WithField("superseded_id", res.supersededID)
	}
	log.Debug("Manual memory saved")

	return []*Memory{res.memory}, res.verdict, nil
}

// saveWithSupersession saves req, first retiring the active memory on the
// same topic when the model rules the new content replaces it. The old row
// is marked superseded before the insert so duplicate detection cannot
// match the row being replaced.
func (p *Pipeline) saveWithSupersession(ctx context.Context, req SaveRequest) (saveResult, error) {
	res := saveResult{verdict: VerdictUnrelated}

	// Normalize scope bindings up front so the topic lookup and the saved
	// row agree on the room.
	if err := req.validate(); err != nil {
		return res, err
	}
	if req.TopicKey == "" {
		return p.plainSave(ctx, req, res)
	}

	existing, err := p.meta.FindActiveByTopicKey(ctx, req.OwnerID, req.RoomID, req.TopicKey)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			p.logger.WithError(err).Warn("Topic lookup failed, saving without supersession")
			p.observer.ProviderFailure("metadata_store")
		}
		return p.plainSave(ctx, req, res)
	}

	res.verdict = p.classifyVerdict(ctx, existing.Content, req.Content)
	p.observer.SupersessionVerdict(res.verdict)

	if !res.verdict.supersedes() {
		return p.plainSave(ctx, req, res)
	}

	marked := true
	if err := p.meta.MarkSuperseded(ctx, existing.ID); err != nil {
		marked = false
		if errors.Is(err, ErrNotFound) {
			// Lost the race: another writer retired this row between the
			// lookup and the mark.
			cerr := &ConsistencyError{MemoryID: existing.ID, Reason: "already superseded"}
			p.logger.WithField("memory_id", existing.ID).Warn(cerr.Error())
		} else {
			p.logger.WithError(err).Warn("Failed to mark memory superseded")
			p.observer.ProviderFailure("metadata_store")
		}
	}

	out, err := p.plainSave(ctx, req, res)
	if marked {
		// The old row is already retired, so the insert has to land before
		// the supersededBy reference can be completed.
		for attempt := 1; err != nil && attempt <= supersedeSaveRetries; attempt++ {
			p.logger.WithError(err).WithFields(logrus.Fields{
				"superseded_id": existing.ID,
				"attempt":       attempt,
			}).Warn("Retrying save after predecessor was retired")
			out, err = p.plainSave(ctx, req, res)
		}
	}
	if err != nil {
		if marked {
			p.logger.WithError(err).WithField("superseded_id", existing.ID).
				Error("Save failed after predecessor was retired")
		}
		return out, err
	}

	if marked {
		out.supersededID = existing.ID
		if err := p.meta.SetSupersededBy(ctx, existing.ID, out.memory.ID); err != nil {
			p.logger.WithError(err).Warn("Failed to link superseding memory")
			p.observer.ProviderFailure("metadata_store")
		}
	}
	return out, nil
}

func (p *Pipeline) plainSave(ctx context.Context, req SaveRequest, res saveResult) (saveResult, error) {
	mem, created, err := p.Save(ctx, req)
	if err != nil {
		return res, err
	}
	res.memory = mem
	res.created = created
	return res, nil
}

// classifyVerdict asks the model how the incoming content relates to the
// existing memory. Any failure degrades to UNRELATED so the save proceeds
// as a plain insert.
func (p *Pipeline) classifyVerdict(ctx context.Context, existing, incoming string) Verdict {
	raw, err := p.llm.Generate(ctx, &llm.GenerateRequest{
		System:      verdictSystemPrompt,
		Prompt:      buildVerdictPrompt(existing, incoming),
		Temperature: p.config.VerdictTemperature,
		MaxTokens:   verdictMaxTokens,
	})
	if err != nil {
		p.logger.WithError(err).Warn("Verdict call failed, treating as unrelated")
		p.observer.ProviderFailure("llm")
		return VerdictUnrelated
	}
	return parseVerdict(raw)
}

// parseVerdict reads {"verdict": "..."} out of a model reply. Anything it
// cannot read is UNRELATED.
func parseVerdict(raw string) Verdict {
	doc := llm.ExtractJSON(raw)
	if doc == "" {
		return VerdictUnrelated
	}
	var payload struct {
		Verdict string `json:"verdict"`
	}
	if err := json.Unmarshal([]byte(doc), &payload); err != nil {
		return VerdictUnrelated
	}
	switch Verdict(strings.ToUpper(strings.TrimSpace(payload.Verdict))) {
	case VerdictUpdate:
		return VerdictUpdate
	case VerdictSupplement:
		return VerdictSupplement
	case VerdictContradiction:
		return VerdictContradiction
	default:
		return VerdictUnrelated
	}
}

// deriveTopicKey labels content via the model, falling back to a content
// prefix so a save never blocks on the labeling call.
func (p *Pipeline) deriveTopicKey(ctx context.Context, content string) string {
	raw, err := p.llm.Generate(ctx, &llm.GenerateRequest{
		System:      topicKeySystemPrompt,
		Prompt:      content,
		Temperature: p.config.VerdictTemperature,
		MaxTokens:   topicKeyMaxTokens,
	})
	if err != nil {
		p.logger.WithError(err).Warn("Topic key call failed, using content prefix")
		p.observer.ProviderFailure("llm")
		return fallbackTopicKey(content, p.config.TopicKeyFallbackLen)
	}

	if doc := llm.ExtractJSON(raw); doc != "" {
		var payload struct {
			TopicKey string `json:"topic_key"`
		}
		if json.Unmarshal([]byte(doc), &payload) == nil {
			if key := normalizeTopicKey(payload.TopicKey); key != "" {
				return key
			}
		}
	}
	return fallbackTopicKey(content, p.config.TopicKeyFallbackLen)
}
