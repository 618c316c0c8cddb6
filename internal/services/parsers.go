package services

import (
	"encoding/json"
	"strings"

	"muse-ai-pipeline/internal/models"
)

// Stage parsers normalize the two payload representations the agent boundary
// produces: a structured JSON value, or a JSON string whose content is the
// serialized document (often wrapped in a markdown code fence). Both forms
// decode to the same result for equivalent content.
//
// Parsing is shape-only. Scores outside [0,1] and other semantically odd
// values are passed through unchanged.

const (
	stageNews    = "news"
	stageProfile = "profile"
	stageDraft   = "draft"
)

func ParseNewsResult(reply *models.AgentReply) (*models.NewsResult, error) {
	var result models.NewsResult
	if err := decodeStagePayload(stageNews, reply, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func ParseProfileResult(reply *models.AgentReply) (*models.ProfileResult, error) {
	var result models.ProfileResult
	if err := decodeStagePayload(stageProfile, reply, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func ParseDraftResult(reply *models.AgentReply) (*models.DraftResult, error) {
	var result models.DraftResult
	if err := decodeStagePayload(stageDraft, reply, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// decodeStagePayload is the single normalization step shared by all three
// stages: refuse failed envelopes, try the structured form, then fall back
// to string-decode.
func decodeStagePayload(stage string, reply *models.AgentReply, target any) error {
	if reply == nil {
		return models.NewMalformedReplyError(stage, "no reply envelope", nil)
	}
	if !reply.Success {
		return models.NewRemoteFailure("", stage, reply.FailureMessage())
	}
	if len(reply.Response) == 0 {
		return models.NewMalformedReplyError(stage, "empty payload", nil)
	}

	structuredErr := json.Unmarshal(reply.Response, target)
	if structuredErr == nil {
		return nil
	}

	var serialized string
	if err := json.Unmarshal(reply.Response, &serialized); err != nil {
		return models.NewMalformedReplyError(stage, "payload is neither structured nor a serialized string", structuredErr)
	}

	cleaned := stripCodeFence(serialized)
	if cleaned == "" {
		return models.NewMalformedReplyError(stage, "serialized payload is empty", nil)
	}
	if err := json.Unmarshal([]byte(cleaned), target); err != nil {
		return models.NewMalformedReplyError(stage, "serialized payload does not decode", err)
	}
	return nil
}

// stripCodeFence removes a surrounding ```json ... ``` block if present.
// Models frequently fence their JSON even when told not to.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}

	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```JSON")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
