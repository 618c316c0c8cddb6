package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/genai"

	"muse-ai-pipeline/internal/config"
	"muse-ai-pipeline/internal/models"
	"muse-ai-pipeline/internal/pkg/logger"
)

// GeminiAgentClient serves the agent boundary directly from the Gemini API
// instead of a remote agent service. Each configured agent id maps to a
// system role; the instruction text still arrives from the orchestrator, so
// both invokers stay interchangeable behind AgentInvoker.
//
// Model output is returned as the serialized-string payload form and left
// for the stage parsers to decode.
type GeminiAgentClient struct {
	client *genai.Client
	config config.GeminiConfig
	logger *logger.Logger

	roles map[string]string
	temps map[string]float32
}

type generationRequest struct {
	Prompt          string
	SystemRole      string
	MaxTokens       int32
	Temperature     *float32
	DisableThinking bool
	ResponseFormat  string
}

type generationResponse struct {
	Content        string
	TokensUsed     int
	FinishReason   string
	ProcessingTime time.Duration
}

func NewGeminiAgentClient(cfg config.GeminiConfig, agents config.AgentConfig, log *logger.Logger) (*GeminiAgentClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("Gemini API key required")
	}

	ctx := context.Background()

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	service := &GeminiAgentClient{
		client: client,
		config: cfg,
		logger: log,
		roles: map[string]string{
			agents.NewsAgentID:    "You are a news research agent. You find and rank current news items and respond only with the requested JSON document.",
			agents.ProfileAgentID: "You are an audience voice analyst. You describe how a target audience communicates and respond only with the requested JSON document.",
			agents.DraftAgentID:   "You are a social media copywriter. You turn news context and a voice profile into one short post and respond only with the requested JSON document.",
		},
		temps: map[string]float32{
			agents.NewsAgentID:    0.3,
			agents.ProfileAgentID: 0.4,
			agents.DraftAgentID:   float32(cfg.Temperature),
		},
	}

	if err := service.testConnection(); err != nil {
		return nil, fmt.Errorf("failed to connect to Gemini API: %w", err)
	}

	log.Info("Gemini agent client initialized",
		"model", cfg.Model,
		"max_tokens", cfg.MaxTokens,
		"temperature", cfg.Temperature,
	)

	return service, nil
}

func (service *GeminiAgentClient) testConnection() error {
	ctx, cancel := context.WithTimeout(context.Background(), service.config.Timeout)
	defer cancel()

	result, err := service.client.Models.GenerateContent(
		ctx,
		service.config.Model,
		genai.Text("Hello"), nil)
	if err != nil {
		return fmt.Errorf("test generation failed: %w", err)
	}

	if len(result.Candidates) == 0 {
		return fmt.Errorf("test generation failed: no candidates found")
	}

	service.logger.Info("Gemini test connection successful")
	return nil
}

func (service *GeminiAgentClient) Invoke(ctx context.Context, agentID, instruction string) (*models.AgentReply, error) {
	role, known := service.roles[agentID]
	if !known {
		role = "You are a structured-output agent. Respond only with the requested JSON document."
	}

	temp := float32(service.config.Temperature)
	if t, ok := service.temps[agentID]; ok {
		temp = t
	}

	resp, err := service.generateContent(ctx, agentID, &generationRequest{
		Prompt:          instruction,
		SystemRole:      role,
		Temperature:     &temp,
		MaxTokens:       int32(service.config.MaxTokens),
		DisableThinking: true,
		ResponseFormat:  "application/json",
	})
	if err != nil {
		return nil, models.NewTransportError(agentID, "generate", err)
	}

	if resp.Content == "" {
		return &models.AgentReply{
			Success: false,
			Error:   fmt.Sprintf("agent %s produced an empty completion (finish reason %s)", agentID, resp.FinishReason),
		}, nil
	}

	payload, err := json.Marshal(resp.Content)
	if err != nil {
		return nil, models.NewTransportError(agentID, "encode_payload", err)
	}

	return &models.AgentReply{Success: true, Response: payload}, nil
}

func (service *GeminiAgentClient) generateContent(ctx context.Context, agentID string, request *generationRequest) (*generationResponse, error) {
	startTime := time.Now()

	var response *generationResponse
	var err error

	for attempt := 1; attempt <= service.config.MaxRetries; attempt++ {
		response, err = service.makeGenerationRequest(ctx, request)
		if err == nil {
			break
		}

		if attempt < service.config.MaxRetries {
			service.logger.WithFields(logger.Fields{
				"agent_id":    agentID,
				"attempt":     attempt,
				"max_retries": service.config.MaxRetries,
				"error":       err,
			}).Warn("generation attempt failed")

			select {
			case <-time.After(service.config.RetryDelay * time.Duration(attempt)):

			case <-ctx.Done():
				return nil, fmt.Errorf("generation cancelled: %w", ctx.Err())
			}
		}
	}

	if err != nil {
		service.logger.LogService("gemini", "generate_content", time.Since(startTime), logger.Fields{
			"agent_id":      agentID,
			"prompt_length": len(request.Prompt),
			"attempts":      service.config.MaxRetries,
		}, err)
		return nil, err
	}

	duration := time.Since(startTime)
	response.ProcessingTime = duration

	service.logger.LogService("gemini", "generate_content", duration, logger.Fields{
		"agent_id":        agentID,
		"prompt_length":   len(request.Prompt),
		"response_length": len(response.Content),
		"tokens_used":     response.TokensUsed,
		"finish_reason":   response.FinishReason,
	}, nil)

	return response, nil
}

func (service *GeminiAgentClient) makeGenerationRequest(ctx context.Context, req *generationRequest) (*generationResponse, error) {
	genCtx, cancel := context.WithTimeout(ctx, service.config.Timeout)
	defer cancel()

	config := &genai.GenerateContentConfig{}

	if req.SystemRole != "" {
		config.SystemInstruction = genai.NewContentFromText(req.SystemRole, genai.RoleUser)
	}

	if req.Temperature != nil {
		config.Temperature = req.Temperature
	} else {
		temp := float32(service.config.Temperature)
		config.Temperature = &temp
	}

	if req.MaxTokens != 0 {
		config.MaxOutputTokens = req.MaxTokens
	} else {
		config.MaxOutputTokens = int32(service.config.MaxTokens)
	}

	if req.ResponseFormat != "" {
		config.ResponseMIMEType = req.ResponseFormat
	}

	var budget int32 = 0
	if req.DisableThinking {
		config.ThinkingConfig = &genai.ThinkingConfig{
			ThinkingBudget: &budget,
		}
	}

	result, err := service.client.Models.GenerateContent(genCtx, service.config.Model, genai.Text(req.Prompt), config)
	if err != nil {
		return nil, fmt.Errorf("failed to generate gemini completion: %w", err)
	}

	if len(result.Candidates) == 0 {
		return nil, fmt.Errorf("no response candidates generated")
	}

	candidate := result.Candidates[0]

	text := ""
	if candidate.Content != nil && len(candidate.Content.Parts) > 0 {
		for _, part := range candidate.Content.Parts {
			text += part.Text
		}
	}

	tokensUsed := len(req.Prompt)/4 + len(text)/4

	return &generationResponse{
		Content:      text,
		TokensUsed:   tokensUsed,
		FinishReason: string(candidate.FinishReason),
	}, nil
}

func (service *GeminiAgentClient) HealthCheck(ctx context.Context) error {
	testCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var temperature float32 = 0

	resp, err := service.generateContent(testCtx, "health", &generationRequest{
		Prompt:      "Respond with 'OK' if you can process this request",
		Temperature: &temperature,
		MaxTokens:   10,
	})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	if resp.Content == "" {
		return fmt.Errorf("empty response received")
	}

	return nil
}

func (service *GeminiAgentClient) Close() error {
	// request/response model, nothing to tear down
	service.logger.Info("Gemini agent client closed")
	return nil
}
