package memory

// Config holds the pipeline tunables. Zero values are replaced by defaults
// in Normalize, so partial configs stay safe.
type Config struct {
	// DefaultLimit caps search results when the caller passes limit <= 0.
	DefaultLimit int `yaml:"default_limit"`
	// MinSimilarity is the vector score floor for search candidates.
	MinSimilarity float64 `yaml:"min_similarity"`
	// CandidateMultiplier scales per-source candidate fetches relative to
	// the requested limit, leaving room for merge losses.
	CandidateMultiplier int `yaml:"candidate_multiplier"`
	// FanOutConcurrency bounds parallel per-source vector queries.
	FanOutConcurrency int `yaml:"fan_out_concurrency"`

	// SimilarityWeight and RecencyWeight blend the fallback score when no
	// reranker is available.
	SimilarityWeight float64 `yaml:"similarity_weight"`
	RecencyWeight    float64 `yaml:"recency_weight"`
	// RecencyHorizonDays is the age at which recency decays to zero.
	RecencyHorizonDays float64 `yaml:"recency_horizon_days"`

	// DuplicateExact is the similarity at which contents are duplicates
	// outright.
	DuplicateExact float64 `yaml:"duplicate_exact"`
	// DuplicateSimilar plus DuplicateJaccard flag near-duplicates.
	DuplicateSimilar float64 `yaml:"duplicate_similar"`
	DuplicateJaccard float64 `yaml:"duplicate_jaccard"`

	// ConsolidationThreshold is the minimum pairwise similarity for
	// consolidation grouping.
	ConsolidationThreshold float64 `yaml:"consolidation_threshold"`

	// Graph hop scores for entity-expansion results.
	GraphHop1Score      float64 `yaml:"graph_hop1_score"`
	GraphHop2Score      float64 `yaml:"graph_hop2_score"`
	GraphResultScore    float64 `yaml:"graph_result_score"`
	GraphMaxAdditions   int     `yaml:"graph_max_additions"`
	TopicKeyFallbackLen int     `yaml:"topic_key_fallback_len"`

	// MinItemLength drops extracted items shorter than this many runes.
	MinItemLength int `yaml:"min_item_length"`
	// MaxMessageChars caps each transcript line fed to extraction;
	// MaxTranscriptChars caps the whole transcript, keeping its tail.
	MaxMessageChars    int `yaml:"max_message_chars"`
	MaxTranscriptChars int `yaml:"max_transcript_chars"`

	ExtractionTemperature float64 `yaml:"extraction_temperature"`
	ExtractionMaxTokens   int     `yaml:"extraction_max_tokens"`
	VerdictTemperature    float64 `yaml:"verdict_temperature"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		DefaultLimit:           10,
		MinSimilarity:          0.5,
		CandidateMultiplier:    2,
		FanOutConcurrency:      4,
		SimilarityWeight:       0.6,
		RecencyWeight:          0.4,
		RecencyHorizonDays:     30,
		DuplicateExact:         0.99,
		DuplicateSimilar:       0.95,
		DuplicateJaccard:       0.85,
		ConsolidationThreshold: 0.8,
		GraphHop1Score:         0.5,
		GraphHop2Score:         0.4,
		GraphResultScore:       0.35,
		GraphMaxAdditions:      10,
		TopicKeyFallbackLen:    20,
		MinItemLength:          10,
		MaxMessageChars:        2000,
		MaxTranscriptChars:     8000,
		ExtractionTemperature:  0.2,
		ExtractionMaxTokens:    2048,
		VerdictTemperature:     0,
	}
}

// Normalize fills zero values with defaults.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = d.DefaultLimit
	}
	if c.MinSimilarity <= 0 {
		c.MinSimilarity = d.MinSimilarity
	}
	if c.CandidateMultiplier <= 0 {
		c.CandidateMultiplier = d.CandidateMultiplier
	}
	if c.FanOutConcurrency <= 0 {
		c.FanOutConcurrency = d.FanOutConcurrency
	}
	if c.SimilarityWeight <= 0 {
		c.SimilarityWeight = d.SimilarityWeight
	}
	if c.RecencyWeight <= 0 {
		c.RecencyWeight = d.RecencyWeight
	}
	if c.RecencyHorizonDays <= 0 {
		c.RecencyHorizonDays = d.RecencyHorizonDays
	}
	if c.DuplicateExact <= 0 {
		c.DuplicateExact = d.DuplicateExact
	}
	if c.DuplicateSimilar <= 0 {
		c.DuplicateSimilar = d.DuplicateSimilar
	}
	if c.DuplicateJaccard <= 0 {
		c.DuplicateJaccard = d.DuplicateJaccard
	}
	if c.ConsolidationThreshold <= 0 {
		c.ConsolidationThreshold = d.ConsolidationThreshold
	}
	if c.GraphHop1Score <= 0 {
		c.GraphHop1Score = d.GraphHop1Score
	}
	if c.GraphHop2Score <= 0 {
		c.GraphHop2Score = d.GraphHop2Score
	}
	if c.GraphResultScore <= 0 {
		c.GraphResultScore = d.GraphResultScore
	}
	if c.GraphMaxAdditions <= 0 {
		c.GraphMaxAdditions = d.GraphMaxAdditions
	}
	if c.TopicKeyFallbackLen <= 0 {
		c.TopicKeyFallbackLen = d.TopicKeyFallbackLen
	}
	if c.MinItemLength <= 0 {
		c.MinItemLength = d.MinItemLength
	}
	if c.MaxMessageChars <= 0 {
		c.MaxMessageChars = d.MaxMessageChars
	}
	if c.MaxTranscriptChars <= 0 {
		c.MaxTranscriptChars = d.MaxTranscriptChars
	}
	if c.ExtractionTemperature <= 0 {
		c.ExtractionTemperature = d.ExtractionTemperature
	}
	if c.ExtractionMaxTokens <= 0 {
		c.ExtractionMaxTokens = d.ExtractionMaxTokens
	}
}
