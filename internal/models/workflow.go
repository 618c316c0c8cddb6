package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type PipelineStage string

const (
	StageIdle      PipelineStage = "idle"
	StageNews      PipelineStage = "fetching_news"
	StageProfile   PipelineStage = "building_profile"
	StageDraft     PipelineStage = "drafting_message"
	StageCompleted PipelineStage = "completed"
	StageFailed    PipelineStage = "failed"
)

// AgentRequest is the uniform envelope sent to the agent boundary. The three
// stages differ only by agent id and instruction text.
type AgentRequest struct {
	AgentID string `json:"agentId"`
	Message string `json:"message"`
}

// AgentReply keeps the response payload undecoded: agents answer either with
// a structured value or with a serialized-string encoding of one, and the
// stage parsers normalize both forms. When Success is false the payload
// carries no usable stage result.
type AgentReply struct {
	Success  bool            `json:"success"`
	Response json.RawMessage `json:"response,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// FailureMessage extracts the most specific failure description available
// from a success=false reply.
func (r *AgentReply) FailureMessage() string {
	if r.Error != "" {
		return r.Error
	}
	var text string
	if len(r.Response) > 0 && json.Unmarshal(r.Response, &text) == nil && text != "" {
		return text
	}
	return "remote agent reported failure without detail"
}

type NewsItem struct {
	Headline       string  `json:"headline"`
	Source         string  `json:"source"`
	Date           string  `json:"date"`
	Summary        string  `json:"summary"`
	KeyTakeaway    string  `json:"keyTakeaway"`
	URL            string  `json:"url"`
	RelevanceScore float64 `json:"relevanceScore"` // passed through as received, not clamped to [0,1]
}

type SearchMetadata struct {
	QueriesExecuted   []string `json:"queriesExecuted"`
	TotalResultsFound int      `json:"totalResultsFound"`
	ResultsSelected   int      `json:"resultsSelected"`
	SearchTimestamp   string   `json:"searchTimestamp"`
}

// NewsResult keeps items in the order the agent ranked them; nothing
// downstream re-sorts, so "top N" always means the first N.
type NewsResult struct {
	Items          []NewsItem     `json:"items"`
	SearchMetadata SearchMetadata `json:"searchMetadata"`
	Confidence     float64        `json:"confidence"`
}

func (n *NewsResult) Clone() *NewsResult {
	if n == nil {
		return nil
	}
	out := *n
	out.Items = append([]NewsItem(nil), n.Items...)
	out.SearchMetadata.QueriesExecuted = append([]string(nil), n.SearchMetadata.QueriesExecuted...)
	return &out
}

func (n *NewsResult) TopItems(count int) []NewsItem {
	if n == nil || count <= 0 {
		return nil
	}
	if count > len(n.Items) {
		count = len(n.Items)
	}
	return n.Items[:count]
}

const (
	FormalityFormal     = "formal"
	FormalitySemiFormal = "semi-formal"
	FormalityInformal   = "informal"
	FormalityVeryCasual = "very-casual"
)

type VoiceProfile struct {
	Tone              string            `json:"tone"`
	VocabularyStyle   string            `json:"vocabularyStyle"`
	EmojiUsage        string            `json:"emojiUsage"`
	SentenceStructure string            `json:"sentenceStructure"`
	HumorStyle        string            `json:"humorStyle"`
	EngagementStyle   string            `json:"engagementStyle"`
	FormalityLevel    string            `json:"formalityLevel"`
	KeyPhrases        []string          `json:"keyPhrases"`
	TopicAngles       map[string]string `json:"topicAngles"`
}

type ProfileResult struct {
	Profile         VoiceProfile `json:"profile"`
	Confidence      float64      `json:"confidence"`
	AnalysisSummary string       `json:"analysisSummary"`
}

func (p *ProfileResult) Clone() *ProfileResult {
	if p == nil {
		return nil
	}
	out := *p
	out.Profile.KeyPhrases = append([]string(nil), p.Profile.KeyPhrases...)
	if p.Profile.TopicAngles != nil {
		out.Profile.TopicAngles = make(map[string]string, len(p.Profile.TopicAngles))
		for topic, angle := range p.Profile.TopicAngles {
			out.Profile.TopicAngles[topic] = angle
		}
	}
	return &out
}

type DraftMetadata struct {
	CharacterCount       int      `json:"characterCount"`
	EmojiCount           int      `json:"emojiCount"`
	ToneMatch            float64  `json:"toneMatch"`
	PersonalityAlignment float64  `json:"personalityAlignment"`
	EngagementPotential  float64  `json:"engagementPotential"`
	NewsSourcesUsed      []string `json:"newsSourcesUsed"`
}

type DraftResult struct {
	Message         string        `json:"message"`
	Metadata        DraftMetadata `json:"metadata"`
	Confidence      float64       `json:"confidence"`
	GenerationNotes string        `json:"generationNotes"`
}

func (d *DraftResult) Clone() *DraftResult {
	if d == nil {
		return nil
	}
	out := *d
	out.Metadata.NewsSourcesUsed = append([]string(nil), d.Metadata.NewsSourcesUsed...)
	return &out
}

type AgentStat struct {
	AgentID   string        `json:"agent_id"`
	Stage     string        `json:"stage"`
	Status    string        `json:"status"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

const (
	AgentStatusRunning   = "running"
	AgentStatusCompleted = "completed"
	AgentStatusFailed    = "failed"
)

type PipelineStats struct {
	RunCount        int                   `json:"run_count"`
	RegenerateCount int                   `json:"regenerate_count"`
	TotalDuration   time.Duration         `json:"total_duration"`
	AgentStats      map[string]*AgentStat `json:"agent_stats,omitempty"`
}

func (s *PipelineStats) Clone() PipelineStats {
	out := *s
	if s.AgentStats != nil {
		out.AgentStats = make(map[string]*AgentStat, len(s.AgentStats))
		for stage, stat := range s.AgentStats {
			copied := *stat
			out.AgentStats[stage] = &copied
		}
	}
	return out
}

// StateSnapshot is a read-only deep copy of a session's workflow state.
// Mutating a snapshot never touches the live state.
type StateSnapshot struct {
	SessionID string         `json:"session_id"`
	Loading   bool           `json:"loading"`
	Stage     PipelineStage  `json:"stage"`
	LastError string         `json:"last_error,omitempty"`
	News      *NewsResult    `json:"news,omitempty"`
	Profile   *ProfileResult `json:"profile,omitempty"`
	Draft     *DraftResult   `json:"draft,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Stats     PipelineStats  `json:"stats"`
}

func (s *StateSnapshot) HasNews() bool    { return s.News != nil }
func (s *StateSnapshot) HasProfile() bool { return s.Profile != nil }
func (s *StateSnapshot) HasDraft() bool   { return s.Draft != nil }

// ExportArtifact is the downloadable document built from a snapshot.
type ExportArtifact struct {
	DraftMessage      string         `json:"draftMessage"`
	DraftMetadata     *DraftMetadata `json:"draftMetadata,omitempty"`
	Timestamp         string         `json:"timestamp"`
	FullProfileResult *ProfileResult `json:"fullProfileResult,omitempty"`
	NewsItems         []NewsItem     `json:"newsItems,omitempty"`
}

// StageUpdate is the progress event published to the updates stream while a
// run advances.
type StageUpdate struct {
	SessionID string        `json:"session_id"`
	Stage     PipelineStage `json:"stage"`
	Status    string        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Progress  int           `json:"progress"`
	Timestamp time.Time     `json:"timestamp"`
}

func GenerateSessionID() string {
	return "sess_" + uuid.New().String()
}
