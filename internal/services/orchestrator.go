package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"muse-ai-pipeline/internal/config"
	"muse-ai-pipeline/internal/models"
	"muse-ai-pipeline/internal/pkg/logger"
)

// ErrSessionNotFound is returned for operations against a session id this
// process has never seen.
var ErrSessionNotFound = errors.New("unknown session id")

// UpdatePublisher receives best-effort progress events while a run advances.
type UpdatePublisher interface {
	PublishStageUpdate(ctx context.Context, update models.StageUpdate) error
}

// NewsEnricher may rewrite the summaries of the top news items before the
// draft stage. Implementations must preserve item count and order.
type NewsEnricher interface {
	EnrichItems(ctx context.Context, items []models.NewsItem) []models.NewsItem
}

// Orchestrator runs the three-stage drafting pipeline: fetch topical news,
// derive the audience voice profile, combine both into a drafted message.
// Stages execute strictly in sequence because each instruction is built from
// the previous stage's structured output.
//
// Each session's state is single-writer: only the orchestrator mutates it,
// one run at a time, and everyone else reads deep-copied snapshots.
type Orchestrator struct {
	invoker   AgentInvoker
	publisher UpdatePublisher
	enricher  NewsEnricher

	config config.AgentConfig
	logger *logger.Logger

	sessions  sync.Map // session_id -> *session
	startTime time.Time
}

// session is the mutable workflow record for one session id. Results
// committed by earlier runs survive later failed runs untouched.
type session struct {
	mu sync.Mutex

	id        string
	loading   bool
	stage     models.PipelineStage
	lastError string
	news      *models.NewsResult
	profile   *models.ProfileResult
	draft     *models.DraftResult
	createdAt time.Time
	updatedAt time.Time
	stats     models.PipelineStats
}

// pipelineRun carries one run's inputs through the stage methods.
type pipelineRun struct {
	orchestrator *Orchestrator
	session      *session
	topic        string
	audience     string
	logger       *logger.Logger
}

var pipelineStageOrder = []models.PipelineStage{
	models.StageNews,
	models.StageProfile,
	models.StageDraft,
}

const newsItemLimit = 8

func NewOrchestrator(
	invoker AgentInvoker,
	publisher UpdatePublisher,
	enricher NewsEnricher,
	cfg config.AgentConfig,
	log *logger.Logger) *Orchestrator {

	orchestrator := &Orchestrator{
		invoker:   invoker,
		publisher: publisher,
		enricher:  enricher,
		config:    cfg,
		logger:    log,
		startTime: time.Now(),
	}

	log.Info("orchestrator initialized",
		"news_agent", cfg.NewsAgentID,
		"profile_agent", cfg.ProfileAgentID,
		"draft_agent", cfg.DraftAgentID,
		"top_stories", cfg.TopStories,
		"updates_enabled", publisher != nil,
		"enrichment_enabled", enricher != nil,
	)

	return orchestrator
}

// RunFullPipeline executes all three stages for the session. Results commit
// stage by stage: a failure at stage N preserves everything committed before
// it, in this run or any earlier one. An empty sessionID starts a fresh
// session. The returned snapshot reflects the state after the run either
// way, so callers still see partial progress alongside the error.
func (orchestrator *Orchestrator) RunFullPipeline(ctx context.Context, sessionID, topic, audience string) (*models.StateSnapshot, error) {
	if sessionID == "" {
		sessionID = models.GenerateSessionID()
	}
	if topic == "" {
		topic = orchestrator.config.NewsTopic
	}
	if audience == "" {
		audience = orchestrator.config.Audience
	}

	sess := orchestrator.getOrCreateSession(sessionID)

	if err := sess.beginRun("run_full_pipeline", models.StageNews); err != nil {
		return nil, err
	}

	startTime := time.Now()
	orchestrator.logger.LogWorkflow(sessionID, "full_run_started", 0, nil)

	// A panicking stage must not wedge the session in loading.
	defer func() {
		if r := recover(); r != nil {
			sess.finishFailed(fmt.Errorf("run panicked: %v", r), time.Since(startTime))
			panic(r)
		}
	}()

	run := &pipelineRun{
		orchestrator: orchestrator,
		session:      sess,
		topic:        topic,
		audience:     audience,
		logger:       orchestrator.logger.WithField("session_id", sessionID),
	}

	err := run.execute(ctx)
	duration := time.Since(startTime)

	if err != nil {
		sess.finishFailed(err, duration)
		orchestrator.logger.LogWorkflow(sessionID, "full_run_failed", duration, err)
		run.publishUpdate(context.WithoutCancel(ctx), models.StageFailed, "failed", err.Error())
		return sess.snapshot(), err
	}

	sess.finishCompleted(duration)
	orchestrator.logger.LogWorkflow(sessionID, "full_run_completed", duration, nil)
	run.publishUpdate(ctx, models.StageCompleted, "completed", "Draft ready")

	return sess.snapshot(), nil
}

// RegenerateDraft re-runs only the draft stage against the cached news and
// profile. It refuses, before any remote contact, when either input is
// missing; on success it replaces the draft and nothing else.
func (orchestrator *Orchestrator) RegenerateDraft(ctx context.Context, sessionID string) (*models.StateSnapshot, error) {
	value, ok := orchestrator.sessions.Load(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	sess := value.(*session)

	sess.mu.Lock()
	if sess.loading {
		sess.mu.Unlock()
		return nil, models.NewBusyError("regenerate_draft")
	}

	var missing []string
	if sess.news == nil {
		missing = append(missing, "news results")
	}
	if sess.profile == nil {
		missing = append(missing, "a voice profile")
	}
	if len(missing) > 0 {
		sess.mu.Unlock()
		return nil, models.NewPreconditionError("regenerate_draft", missing...)
	}

	news := sess.news.Clone()
	profile := sess.profile.Clone()
	previousDraft := ""
	if sess.draft != nil {
		previousDraft = sess.draft.Message
	}

	sess.loading = true
	sess.lastError = ""
	sess.stage = models.StageDraft
	sess.stats.RegenerateCount++
	sess.updatedAt = time.Now()
	sess.mu.Unlock()

	startTime := time.Now()
	orchestrator.logger.LogWorkflow(sessionID, "regenerate_started", 0, nil)

	defer func() {
		if r := recover(); r != nil {
			sess.finishFailed(fmt.Errorf("regenerate panicked: %v", r), time.Since(startTime))
			panic(r)
		}
	}()

	run := &pipelineRun{
		orchestrator: orchestrator,
		session:      sess,
		audience:     orchestrator.config.Audience,
		logger:       orchestrator.logger.WithField("session_id", sessionID),
	}

	err := run.runDraftStage(ctx, news, profile, previousDraft)
	duration := time.Since(startTime)

	if err != nil {
		sess.finishFailed(err, duration)
		orchestrator.logger.LogWorkflow(sessionID, "regenerate_failed", duration, err)
		run.publishUpdate(context.WithoutCancel(ctx), models.StageFailed, "failed", err.Error())
		return sess.snapshot(), err
	}

	sess.finishCompleted(duration)
	orchestrator.logger.LogWorkflow(sessionID, "regenerate_completed", duration, nil)
	run.publishUpdate(ctx, models.StageCompleted, "completed", "Draft regenerated")

	return sess.snapshot(), nil
}

// Snapshot returns a read-only copy of the session's current state.
func (orchestrator *Orchestrator) Snapshot(sessionID string) (*models.StateSnapshot, error) {
	value, ok := orchestrator.sessions.Load(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return value.(*session).snapshot(), nil
}

func (orchestrator *Orchestrator) getOrCreateSession(sessionID string) *session {
	now := time.Now()
	value, _ := orchestrator.sessions.LoadOrStore(sessionID, &session{
		id:        sessionID,
		stage:     models.StageIdle,
		createdAt: now,
		updatedAt: now,
	})
	return value.(*session)
}

// execute runs the three stages in order. The cancellation token is honored
// at each stage boundary: an issued remote call is never aborted mid-flight,
// but no further stage starts once ctx is done.
func (run *pipelineRun) execute(ctx context.Context) error {
	if err := run.runNewsStage(ctx); err != nil {
		return err
	}
	if err := run.runProfileStage(ctx); err != nil {
		return err
	}

	news, profile := run.session.cachedContext()
	return run.runDraftStage(ctx, news, profile, "")
}

func (run *pipelineRun) runNewsStage(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run cancelled before news stage: %w", err)
	}

	startTime := time.Now()
	agentID := run.orchestrator.config.NewsAgentID
	run.publishUpdate(ctx, models.StageNews, "processing", "Fetching topical news")

	reply, err := run.orchestrator.invoker.Invoke(ctx, agentID, run.newsInstruction())
	if err != nil {
		run.recordAgentStat(models.StageNews, agentID, startTime, err)
		return err
	}

	news, err := ParseNewsResult(reply)
	if err != nil {
		run.recordAgentStat(models.StageNews, agentID, startTime, err)
		return err
	}

	if run.orchestrator.enricher != nil {
		top := news.TopItems(run.orchestrator.config.TopStories)
		enriched := run.orchestrator.enricher.EnrichItems(ctx, top)
		copy(news.Items, enriched)
	}

	run.session.commitNews(news)
	run.recordAgentStat(models.StageNews, agentID, startTime, nil)
	run.publishUpdate(ctx, models.StageNews, "completed",
		fmt.Sprintf("Found %d news items", len(news.Items)))

	return nil
}

func (run *pipelineRun) runProfileStage(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run cancelled before profile stage: %w", err)
	}

	startTime := time.Now()
	agentID := run.orchestrator.config.ProfileAgentID
	run.publishUpdate(ctx, models.StageProfile, "processing", "Analyzing audience voice")

	reply, err := run.orchestrator.invoker.Invoke(ctx, agentID, run.profileInstruction())
	if err != nil {
		run.recordAgentStat(models.StageProfile, agentID, startTime, err)
		return err
	}

	profile, err := ParseProfileResult(reply)
	if err != nil {
		run.recordAgentStat(models.StageProfile, agentID, startTime, err)
		return err
	}

	run.session.commitProfile(profile)
	run.recordAgentStat(models.StageProfile, agentID, startTime, nil)
	run.publishUpdate(ctx, models.StageProfile, "completed",
		fmt.Sprintf("Voice profile ready (%s tone)", profile.Profile.Tone))

	return nil
}

// runDraftStage builds the bounded context from the top stories and the full
// profile, then drafts one message. previousDraft, when non-empty, turns the
// instruction into a regenerate variant that demands a materially different
// message.
func (run *pipelineRun) runDraftStage(ctx context.Context, news *models.NewsResult, profile *models.ProfileResult, previousDraft string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run cancelled before draft stage: %w", err)
	}

	startTime := time.Now()
	agentID := run.orchestrator.config.DraftAgentID
	run.publishUpdate(ctx, models.StageDraft, "processing", "Drafting message")

	topItems := news.TopItems(run.orchestrator.config.TopStories)
	instruction := run.draftInstruction(topItems, profile, previousDraft)

	reply, err := run.orchestrator.invoker.Invoke(ctx, agentID, instruction)
	if err != nil {
		run.recordAgentStat(models.StageDraft, agentID, startTime, err)
		return err
	}

	draft, err := ParseDraftResult(reply)
	if err != nil {
		run.recordAgentStat(models.StageDraft, agentID, startTime, err)
		return err
	}

	run.session.commitDraft(draft)
	run.recordAgentStat(models.StageDraft, agentID, startTime, nil)
	run.publishUpdate(ctx, models.StageDraft, "completed",
		fmt.Sprintf("Draft ready (%d characters)", len(draft.Message)))

	return nil
}

func (run *pipelineRun) newsInstruction() string {
	return fmt.Sprintf(`Find the most significant current news about %s.

Search broadly, then select up to %d items and order them by relevance, most relevant first.

Respond with only a JSON document in exactly this shape:
{
  "items": [
    {
      "headline": "string",
      "source": "string",
      "date": "2025-01-15",
      "summary": "two or three sentences",
      "keyTakeaway": "one sentence",
      "url": "https://...",
      "relevanceScore": 0.95
    }
  ],
  "searchMetadata": {
    "queriesExecuted": ["string"],
    "totalResultsFound": 0,
    "resultsSelected": 0,
    "searchTimestamp": "2025-01-15T10:30:00Z"
  },
  "confidence": 0.9
}

Respond with only the JSON object, no markdown formatting.`, run.topic, newsItemLimit)
}

func (run *pipelineRun) profileInstruction() string {
	return fmt.Sprintf(`Describe how the following audience communicates on social media: %s.

Study their tone, vocabulary, emoji habits, sentence structure, humor, and how they engage with posts.

Respond with only a JSON document in exactly this shape:
{
  "profile": {
    "tone": "string",
    "vocabularyStyle": "string",
    "emojiUsage": "string",
    "sentenceStructure": "string",
    "humorStyle": "string",
    "engagementStyle": "string",
    "formalityLevel": "formal | semi-formal | informal | very-casual",
    "keyPhrases": ["string"],
    "topicAngles": {"topic label": "how this audience frames it"}
  },
  "confidence": 0.9,
  "analysisSummary": "string"
}

Respond with only the JSON object, no markdown formatting.`, run.audience)
}

func (run *pipelineRun) draftInstruction(items []models.NewsItem, profile *models.ProfileResult, previousDraft string) string {
	itemsJSON, _ := json.MarshalIndent(items, "", "  ")
	profileJSON, _ := json.MarshalIndent(profile.Profile, "", "  ")

	variant := ""
	if previousDraft != "" {
		variant = fmt.Sprintf(`
A previous draft already exists. Produce a materially different message: new hook, new structure, and none of the previous phrasing.

Previous draft:
%q
`, previousDraft)
	}

	return fmt.Sprintf(`Write one short social media post for this audience: %s.

Top news context:
%s

Audience voice profile:
%s
%s
Ground the post in the news context and write it in the audience's voice. Keep it under 600 characters.

Respond with only a JSON document in exactly this shape:
{
  "message": "the post text",
  "metadata": {
    "characterCount": 0,
    "emojiCount": 0,
    "toneMatch": 0.9,
    "personalityAlignment": 0.9,
    "engagementPotential": 0.9,
    "newsSourcesUsed": ["source name"]
  },
  "confidence": 0.9,
  "generationNotes": "string"
}

Respond with only the JSON object, no markdown formatting.`, run.audience, itemsJSON, profileJSON, variant)
}

func (run *pipelineRun) recordAgentStat(stage models.PipelineStage, agentID string, startTime time.Time, err error) {
	stat := &models.AgentStat{
		AgentID:   agentID,
		Stage:     string(stage),
		Status:    models.AgentStatusCompleted,
		StartTime: startTime,
		EndTime:   time.Now(),
		Duration:  time.Since(startTime),
	}
	if err != nil {
		stat.Status = models.AgentStatusFailed
		stat.Error = err.Error()
	}

	run.session.mu.Lock()
	if run.session.stats.AgentStats == nil {
		run.session.stats.AgentStats = make(map[string]*models.AgentStat)
	}
	run.session.stats.AgentStats[string(stage)] = stat
	run.session.mu.Unlock()
}

func (run *pipelineRun) publishUpdate(ctx context.Context, stage models.PipelineStage, status, message string) {
	if run.orchestrator.publisher == nil {
		return
	}

	update := models.StageUpdate{
		SessionID: run.session.id,
		Stage:     stage,
		Status:    status,
		Message:   message,
		Progress:  calculateStageProgress(stage, status),
		Timestamp: time.Now(),
	}

	if err := run.orchestrator.publisher.PublishStageUpdate(ctx, update); err != nil {
		run.logger.WithError(err).Warn("failed to publish stage update")
	}
}

func calculateStageProgress(stage models.PipelineStage, status string) int {
	switch stage {
	case models.StageCompleted:
		return 100
	case models.StageFailed:
		return 0
	}

	index := -1
	for i, s := range pipelineStageOrder {
		if s == stage {
			index = i
			break
		}
	}
	if index == -1 {
		return 0
	}

	total := len(pipelineStageOrder)
	switch status {
	case "processing":
		return (index*100 + 50) / total
	case "completed":
		return ((index + 1) * 100) / total
	default:
		return (index * 100) / total
	}
}

// beginRun flips the session into the loading state, enforcing the
// one-run-at-a-time guard. Setting loading also clears lastError.
func (sess *session) beginRun(op string, initial models.PipelineStage) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.loading {
		return models.NewBusyError(op)
	}

	sess.loading = true
	sess.lastError = ""
	sess.stage = initial
	sess.stats.RunCount++
	sess.updatedAt = time.Now()
	return nil
}

func (sess *session) finishCompleted(duration time.Duration) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.loading = false
	sess.stage = models.StageCompleted
	sess.lastError = ""
	sess.stats.TotalDuration += duration
	sess.updatedAt = time.Now()
}

// finishFailed clears the loading flag and records the single human-readable
// error for the run. Stage results committed earlier stay as they are.
func (sess *session) finishFailed(err error, duration time.Duration) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.loading = false
	sess.stage = models.StageFailed
	sess.lastError = err.Error()
	sess.stats.TotalDuration += duration
	sess.updatedAt = time.Now()
}

func (sess *session) commitNews(news *models.NewsResult) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.news = news
	sess.stage = models.StageProfile
	sess.updatedAt = time.Now()
}

func (sess *session) commitProfile(profile *models.ProfileResult) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.profile = profile
	sess.stage = models.StageDraft
	sess.updatedAt = time.Now()
}

func (sess *session) commitDraft(draft *models.DraftResult) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.draft = draft
	sess.updatedAt = time.Now()
}

// cachedContext returns clones of the committed news and profile for
// building the draft instruction.
func (sess *session) cachedContext() (*models.NewsResult, *models.ProfileResult) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.news.Clone(), sess.profile.Clone()
}

func (sess *session) snapshot() *models.StateSnapshot {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	return &models.StateSnapshot{
		SessionID: sess.id,
		Loading:   sess.loading,
		Stage:     sess.stage,
		LastError: sess.lastError,
		News:      sess.news.Clone(),
		Profile:   sess.profile.Clone(),
		Draft:     sess.draft.Clone(),
		CreatedAt: sess.createdAt,
		UpdatedAt: sess.updatedAt,
		Stats:     sess.stats.Clone(),
	}
}

func (orchestrator *Orchestrator) ActiveRunCount() int {
	count := 0
	orchestrator.sessions.Range(func(_, value interface{}) bool {
		sess := value.(*session)
		sess.mu.Lock()
		if sess.loading {
			count++
		}
		sess.mu.Unlock()
		return true
	})
	return count
}

func (orchestrator *Orchestrator) SessionCount() int {
	count := 0
	orchestrator.sessions.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

// HealthCheck probes every wired dependency and reports per-dependency
// status alongside the first failure.
func (orchestrator *Orchestrator) HealthCheck(ctx context.Context) (map[string]string, error) {
	checks := map[string]func(context.Context) error{
		"agent_invoker": orchestrator.invoker.HealthCheck,
	}
	if service, ok := orchestrator.publisher.(*RedisService); ok && service != nil {
		checks["redis"] = service.HealthCheck
	}
	if service, ok := orchestrator.enricher.(*ScraperService); ok && service != nil {
		checks["scraper"] = service.HealthCheck
	}

	statuses := make(map[string]string, len(checks))
	var firstErr error
	for name, check := range checks {
		if err := check(ctx); err != nil {
			statuses[name] = err.Error()
			if firstErr == nil {
				firstErr = fmt.Errorf("dependency %s unhealthy: %w", name, err)
			}
			continue
		}
		statuses[name] = "healthy"
	}

	return statuses, firstErr
}

func (orchestrator *Orchestrator) GetStats() map[string]interface{} {
	uptime := time.Since(orchestrator.startTime)

	totalRuns := 0
	totalRegenerates := 0
	orchestrator.sessions.Range(func(_, value interface{}) bool {
		sess := value.(*session)
		sess.mu.Lock()
		totalRuns += sess.stats.RunCount
		totalRegenerates += sess.stats.RegenerateCount
		sess.mu.Unlock()
		return true
	})

	return map[string]interface{}{
		"service":           "orchestrator",
		"uptime_seconds":    uptime.Seconds(),
		"sessions":          orchestrator.SessionCount(),
		"active_runs":       orchestrator.ActiveRunCount(),
		"total_runs":        totalRuns,
		"total_regenerates": totalRegenerates,
		"stages":            pipelineStageOrder,
	}
}

// Close waits for in-flight runs to finish, up to a bounded drain window.
func (orchestrator *Orchestrator) Close() error {
	orchestrator.logger.Info("orchestrator shutting down")

	timeout := time.After(30 * time.Second)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			if active := orchestrator.ActiveRunCount(); active > 0 {
				orchestrator.logger.Warn("timeout waiting for runs to complete", "active_runs", active)
			}
			return nil
		case <-ticker.C:
			if orchestrator.ActiveRunCount() == 0 {
				orchestrator.logger.Info("all runs completed, orchestrator closed")
				return nil
			}
		}
	}
}
