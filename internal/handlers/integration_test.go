package handlers_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"muse-ai-pipeline/internal/config"
	"muse-ai-pipeline/internal/handlers"
	"muse-ai-pipeline/internal/models"
	"muse-ai-pipeline/internal/pkg/logger"
	"muse-ai-pipeline/internal/services"
)

const (
	integrationFirstDraft  = "Storage, not generation, is the story this week. Watts per dollar keep falling, and the grid pilot proves it."
	integrationSecondDraft = "New angle: the record offshore wind bids show where the capital is actually going. Generation gets cheap, storage gets smart."
)

const integrationNewsDocument = `{
  "items": [
    {"headline": "Grid storage pilot doubles capacity", "source": "Energy Daily", "date": "2026-08-20", "summary": "Utility-scale batteries held peak load for six hours.", "keyTakeaway": "Storage is the bottleneck now", "url": "https://example.com/grid", "relevanceScore": 0.97},
    {"headline": "Perovskite cells clear durability bar", "source": "Lab Weekly", "date": "2026-08-19", "summary": "Field trials passed the two-year mark.", "keyTakeaway": "Cheaper panels are coming", "url": "https://example.com/perovskite", "relevanceScore": 0.91},
    {"headline": "Offshore wind auction sets record", "source": "Coastal Wire", "date": "2026-08-18", "summary": "Bids came in well above the last round.", "keyTakeaway": "Capital is moving in", "url": "https://example.com/wind", "relevanceScore": 0.84}
  ],
  "searchMetadata": {"queriesExecuted": ["renewable energy news"], "totalResultsFound": 19, "resultsSelected": 3, "searchTimestamp": "2026-08-21T09:00:00Z"},
  "confidence": 0.9
}`

const integrationProfileDocument = `{
  "profile": {
    "tone": "direct and optimistic",
    "vocabularyStyle": "plain technical",
    "emojiUsage": "sparing",
    "sentenceStructure": "short declaratives",
    "humorStyle": "dry",
    "engagementStyle": "questions at the end",
    "formalityLevel": "semi-formal",
    "keyPhrases": ["build in public", "watts per dollar"],
    "topicAngles": {"solar": "cost curves beat subsidies"}
  },
  "confidence": 0.86,
  "analysisSummary": "Audience rewards concrete numbers over hype."
}`

// agentBackend stands in for the remote agent service: it answers the health
// probe, decodes the wire envelope, and serves canned stage documents in the
// payload shapes a real deployment produces (structured, serialized, fenced).
type agentBackend struct {
	mu           sync.Mutex
	draftCalls   int
	failProfile  bool
	instructions map[string][]string
}

func newAgentBackend() *agentBackend {
	return &agentBackend{instructions: map[string][]string{}}
}

func (backend *agentBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusOK)
		return
	}

	var request models.AgentRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	backend.mu.Lock()
	backend.instructions[request.AgentID] = append(backend.instructions[request.AgentID], request.Message)
	draftCall := 0
	if request.AgentID == "post-writer" {
		backend.draftCalls++
		draftCall = backend.draftCalls
	}
	failProfile := backend.failProfile
	backend.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	switch request.AgentID {
	case "news-scout":
		fmt.Fprintf(w, `{"success": true, "response": %s}`, integrationNewsDocument)
	case "voice-analyst":
		if failProfile {
			fmt.Fprint(w, `{"success": false, "response": "the style sample service is unavailable"}`)
			return
		}
		encoded, _ := json.Marshal(integrationProfileDocument)
		fmt.Fprintf(w, `{"success": true, "response": %s}`, encoded)
	case "post-writer":
		message := integrationFirstDraft
		notes := "lead with the storage pilot"
		if draftCall > 1 {
			message = integrationSecondDraft
			notes = "pivoted to the wind auction"
		}
		document := fmt.Sprintf(`{
  "message": %q,
  "metadata": {"characterCount": %d, "emojiCount": 0, "toneMatch": 0.92, "personalityAlignment": 0.88, "engagementPotential": 0.81, "newsSourcesUsed": ["Energy Daily", "Coastal Wire"]},
  "confidence": 0.9,
  "generationNotes": %q
}`, message, len(message), notes)
		encoded, _ := json.Marshal("```json\n" + document + "\n```")
		fmt.Fprintf(w, `{"success": true, "response": %s}`, encoded)
	default:
		http.Error(w, "unknown agent "+request.AgentID, http.StatusNotFound)
	}
}

func (backend *agentBackend) lastInstruction(agentID string) string {
	backend.mu.Lock()
	defer backend.mu.Unlock()

	sent := backend.instructions[agentID]
	if len(sent) == 0 {
		return ""
	}
	return sent[len(sent)-1]
}

func newIntegrationStack(t *testing.T, backend *agentBackend) (*gin.Engine, string) {
	t.Helper()

	server := httptest.NewServer(backend)
	t.Cleanup(server.Close)

	cfg := config.AgentConfig{
		Endpoint:           server.URL,
		APIKey:             "integration-key",
		NewsAgentID:        "news-scout",
		ProfileAgentID:     "voice-analyst",
		DraftAgentID:       "post-writer",
		Invoker:            "http",
		Timeout:            5 * time.Second,
		MaxRetries:         2,
		RetryDelay:         time.Millisecond,
		BreakerMaxFailures: 10,
		BreakerCooldown:    time.Second,
		NewsTopic:          "renewable energy",
		Audience:           "climate tech operators",
		TopStories:         3,
	}

	client := services.NewHTTPAgentClient(cfg, logger.NewNop())
	orchestrator := services.NewOrchestrator(client, nil, nil, cfg, logger.NewNop())

	exportDir := t.TempDir()
	exporter := services.NewExportService(config.ExportConfig{Dir: exportDir, FilePrefix: "muse-post"}, logger.NewNop())

	gin.SetMode(gin.TestMode)
	handler := handlers.NewWorkflowHandler(orchestrator, exporter, "test", logger.NewNop())
	router := gin.New()
	handler.RegisterRoutes(router)
	return router, exportDir
}

func TestWorkflowLifecycleEndToEnd(t *testing.T) {
	backend := newAgentBackend()
	router, exportDir := newIntegrationStack(t, backend)

	w := performJSON(t, router, "POST", "/api/v1/workflow/run",
		map[string]string{"topic": "solar economics", "audience": "climate tech operators"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 for run, got %d: %s", w.Code, w.Body.String())
	}

	response := decodeWorkflowResponse(t, w)
	if !response.Success {
		t.Fatalf("Expected a successful run, got error %q", response.Error)
	}
	sessionID := response.SessionID
	if !strings.HasPrefix(sessionID, "sess_") {
		t.Fatalf("Expected a generated session id, got %q", sessionID)
	}

	state := response.State
	if state == nil {
		t.Fatal("Expected state in the run response")
	}
	if state.Stage != models.StageCompleted {
		t.Errorf("Expected stage %s, got %s", models.StageCompleted, state.Stage)
	}
	if !state.HasNews() || !state.HasProfile() || !state.HasDraft() {
		t.Fatalf("Expected news, profile and draft after a full run, got %+v", state)
	}
	if len(state.News.Items) != 3 {
		t.Errorf("Expected 3 news items, got %d", len(state.News.Items))
	}
	if state.Profile.Profile.Tone != "direct and optimistic" {
		t.Errorf("Expected the profile tone from the agent, got %q", state.Profile.Profile.Tone)
	}
	if state.Draft.Message != integrationFirstDraft {
		t.Errorf("Expected first draft %q, got %q", integrationFirstDraft, state.Draft.Message)
	}

	if got := backend.lastInstruction("news-scout"); !strings.Contains(got, "solar economics") {
		t.Errorf("Expected the news instruction to carry the requested topic, got %q", got)
	}
	if got := backend.lastInstruction("voice-analyst"); !strings.Contains(got, "climate tech operators") {
		t.Errorf("Expected the profile instruction to carry the audience, got %q", got)
	}
	draftInstruction := backend.lastInstruction("post-writer")
	if !strings.Contains(draftInstruction, "Grid storage pilot doubles capacity") {
		t.Error("Expected the draft instruction to embed the top story")
	}
	if !strings.Contains(draftInstruction, "watts per dollar") {
		t.Error("Expected the draft instruction to embed the voice profile")
	}

	w = performJSON(t, router, "GET", "/api/v1/workflow/"+sessionID+"/state", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 for state, got %d", w.Code)
	}
	stateResponse := decodeWorkflowResponse(t, w)
	if stateResponse.State == nil || stateResponse.State.Draft.Message != integrationFirstDraft {
		t.Errorf("Expected the state endpoint to return the committed draft, got %+v", stateResponse.State)
	}

	w = performJSON(t, router, "POST", "/api/v1/workflow/regenerate", map[string]string{"session_id": sessionID})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 for regenerate, got %d: %s", w.Code, w.Body.String())
	}
	regenerated := decodeWorkflowResponse(t, w)
	if regenerated.State.Draft.Message != integrationSecondDraft {
		t.Errorf("Expected regenerated draft %q, got %q", integrationSecondDraft, regenerated.State.Draft.Message)
	}
	if len(regenerated.State.News.Items) != 3 || regenerated.State.News.Items[0].Headline != "Grid storage pilot doubles capacity" {
		t.Error("Expected regeneration to leave the cached news untouched")
	}
	if regenerated.State.Stats.RegenerateCount != 1 {
		t.Errorf("Expected regenerate count 1, got %d", regenerated.State.Stats.RegenerateCount)
	}

	regenerateInstruction := backend.lastInstruction("post-writer")
	if !strings.Contains(regenerateInstruction, "materially different") {
		t.Error("Expected the regenerate instruction to demand a different message")
	}
	if !strings.Contains(regenerateInstruction, integrationFirstDraft) {
		t.Error("Expected the regenerate instruction to quote the previous draft")
	}

	w = performJSON(t, router, "POST", "/api/v1/workflow/"+sessionID+"/export", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 for export, got %d: %s", w.Code, w.Body.String())
	}
	var exportResponse models.ExportResponse
	if err := json.Unmarshal(w.Body.Bytes(), &exportResponse); err != nil {
		t.Fatalf("Failed to decode export response: %v", err)
	}
	if !strings.HasPrefix(exportResponse.FileName, "muse-post-") {
		t.Errorf("Expected the export file name to carry the prefix, got %q", exportResponse.FileName)
	}
	if !strings.HasPrefix(exportResponse.FilePath, exportDir) {
		t.Errorf("Expected the export to land in %s, got %s", exportDir, exportResponse.FilePath)
	}
	data, err := os.ReadFile(exportResponse.FilePath)
	if err != nil {
		t.Fatalf("Failed to read exported artifact: %v", err)
	}
	var artifact models.ExportArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		t.Fatalf("Failed to decode exported artifact: %v", err)
	}
	if artifact.DraftMessage != integrationSecondDraft {
		t.Errorf("Expected the artifact to hold the regenerated draft, got %q", artifact.DraftMessage)
	}
	if len(artifact.NewsItems) != 3 || artifact.FullProfileResult == nil {
		t.Error("Expected the artifact to carry the news items and the full profile")
	}

	w = performJSON(t, router, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 for health, got %d: %s", w.Code, w.Body.String())
	}
	var health models.HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil {
		t.Fatalf("Failed to decode health response: %v", err)
	}
	if health.Status != "healthy" || health.Dependencies["agent_invoker"] != "healthy" {
		t.Errorf("Expected a healthy report, got %+v", health)
	}

	w = performJSON(t, router, "GET", "/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 for stats, got %d", w.Code)
	}
	var stats map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("Failed to decode stats response: %v", err)
	}
	if stats["total_runs"].(float64) != 1 {
		t.Errorf("Expected 1 total run, got %v", stats["total_runs"])
	}
	if stats["total_regenerates"].(float64) != 1 {
		t.Errorf("Expected 1 regenerate, got %v", stats["total_regenerates"])
	}
}

func TestWorkflowRemoteFailureKeepsCommittedStages(t *testing.T) {
	backend := newAgentBackend()
	backend.failProfile = true
	router, _ := newIntegrationStack(t, backend)

	w := performJSON(t, router, "POST", "/api/v1/workflow/run", map[string]string{"topic": "solar economics"})
	if w.Code != http.StatusBadGateway {
		t.Fatalf("Expected status 502 for a remote failure, got %d: %s", w.Code, w.Body.String())
	}

	response := decodeWorkflowResponse(t, w)
	if response.Success {
		t.Fatal("Expected a failed response")
	}
	if response.ErrorKind != "remote_failure" {
		t.Errorf("Expected error kind remote_failure, got %q", response.ErrorKind)
	}
	if response.State == nil {
		t.Fatal("Expected the partial state in the error response")
	}
	if !response.State.HasNews() {
		t.Error("Expected the committed news to survive the profile failure")
	}
	if response.State.HasProfile() || response.State.HasDraft() {
		t.Error("Expected no profile or draft after the profile stage failed")
	}

	w = performJSON(t, router, "GET", "/api/v1/workflow/"+response.SessionID+"/state", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 for state, got %d", w.Code)
	}
	persisted := decodeWorkflowResponse(t, w)
	if persisted.State.Stage != models.StageFailed {
		t.Errorf("Expected stage %s, got %s", models.StageFailed, persisted.State.Stage)
	}
	if !strings.Contains(persisted.State.LastError, "failed remotely") {
		t.Errorf("Expected the remote failure in last_error, got %q", persisted.State.LastError)
	}
	if !persisted.State.HasNews() {
		t.Error("Expected the news to stay cached in the session")
	}

	if got := backend.lastInstruction("post-writer"); got != "" {
		t.Errorf("Expected the draft agent to never be invoked, got %q", got)
	}
}
