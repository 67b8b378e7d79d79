package planner

import (
	"context"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/BlackWatch0/avocado/internal/config"
	"github.com/BlackWatch0/avocado/internal/model"
)

func TestExtractJSONPayload(t *testing.T) {
	bare, err := ExtractJSONPayload(` {"changes": []} `)
	require.NoError(t, err)
	require.Equal(t, `{"changes": []}`, bare)

	fenced, err := ExtractJSONPayload("Here you go:\n```json\n{\"changes\": [1]}\n```\nDone.")
	require.NoError(t, err)
	require.Equal(t, `{"changes": [1]}`, fenced)

	plain, err := ExtractJSONPayload("```\n{\"changes\": []}\n```")
	require.NoError(t, err)
	require.Equal(t, `{"changes": []}`, plain)

	span, err := ExtractJSONPayload(`The plan is {"changes": []} as requested`)
	require.NoError(t, err)
	require.Equal(t, `{"changes": []}`, span)

	_, err = ExtractJSONPayload("no json here")
	require.Error(t, err)
}

func TestNormalizeChanges(t *testing.T) {
	raw := []any{
		map[string]any{"uid": "u1"},                          // missing calendar_id
		map[string]any{"calendar_id": "  ", "uid": "u1"},     // blank calendar_id
		"not an object",
		map[string]any{
			"calendar_id": " cal-1 ",
			"uid":         " u1 ",
			"start":       "2025-01-02T09:00:00Z",
			"summary":     42,
			"location":    nil,
			"reason":      "earlier is better",
		},
	}
	changes := NormalizeChanges(raw)
	require.Len(t, changes, 1)
	ch := changes[0]
	require.Equal(t, "cal-1", ch.CalendarID)
	require.Equal(t, "u1", ch.UID)
	require.Equal(t, "2025-01-02T09:00:00Z", *ch.Start)
	require.Equal(t, "42", *ch.Summary)
	require.Nil(t, ch.Location, "null values are treated as absent")
	require.Nil(t, ch.End)
	require.Equal(t, "earlier is better", *ch.Reason)
	require.Equal(t, []string{"start", "summary"}, ch.RequestedFields())
}

func TestBuildPayloadAndMessages(t *testing.T) {
	events := []*model.Event{{
		CalendarID: "cal-1",
		UID:        "u1",
		Summary:    "复习",
		Start:      time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC),
		End:        time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC),
		Source:     model.SourceUser,
	}}
	payload := BuildPayload(events, []string{"cal-fixed"},
		time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 8, 23, 59, 59, 0, time.UTC),
		"UTC")

	window := payload["window"].(map[string]any)
	require.Equal(t, "2025-01-02T00:00:00Z", window["start"])
	require.Equal(t, "UTC", window["timezone"])
	require.Equal(t, []string{"cal-fixed"}, payload["immutable_calendar_ids"])

	dicts := payload["events"].([]map[string]any)
	require.Len(t, dicts, 1)
	require.Equal(t, "u1", dicts[0]["uid"])
	require.Equal(t, "2025-01-02T09:00:00Z", dicts[0]["start"])
	require.Equal(t, false, dicts[0]["locked"])

	messages, err := BuildMessages(payload, "")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Equal(t, openai.ChatMessageRoleSystem, messages[0].Role)
	require.Equal(t, config.DefaultSystemPrompt, messages[0].Content)
	require.Contains(t, messages[1].Content, `"复习"`, "unicode stays readable")
	require.NotContains(t, messages[1].Content, `<`)

	custom, err := BuildMessages(payload, "  be terse  ")
	require.NoError(t, err)
	require.Equal(t, "be terse", custom[0].Content)

	require.Greater(t, RequestSize("gpt-test", messages), len(messages[1].Content))
}

type fakeChatAPI struct {
	resp      openai.ChatCompletionResponse
	err       error
	models    openai.ModelsList
	modelsErr error
	calls     int
	lastReq   openai.ChatCompletionRequest
}

func (f *fakeChatAPI) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.calls++
	f.lastReq = req
	return f.resp, f.err
}

func (f *fakeChatAPI) ListModels(context.Context) (openai.ModelsList, error) {
	return f.models, f.modelsErr
}

func chatReply(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: content}}},
	}
}

func configuredAI() config.AIConfig {
	return config.AIConfig{BaseURL: "https://api.test/v1", APIKey: "key", Model: "gpt-test", TimeoutSeconds: 5}
}

func TestGenerateChangesParsesFencedResponse(t *testing.T) {
	fake := &fakeChatAPI{resp: chatReply("```json\n{\"changes\": [{\"calendar_id\": \"c\", \"uid\": \"u\"}]}\n```")}
	client := &Client{cfg: configuredAI(), api: fake}

	result, err := client.GenerateChanges(context.Background(), []openai.ChatCompletionMessage{})
	require.NoError(t, err)
	changes := result["changes"].([]any)
	require.Len(t, changes, 1)
	require.InDelta(t, plannerTemperature, fake.lastReq.Temperature, 0.001)
	require.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, fake.lastReq.ResponseFormat.Type)
}

func TestGenerateChangesRepairsMissingList(t *testing.T) {
	fake := &fakeChatAPI{resp: chatReply(`{"note": "nothing to do"}`)}
	client := &Client{cfg: configuredAI(), api: fake}

	result, err := client.GenerateChanges(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, []any{}, result["changes"])
}

func TestGenerateChangesUnconfiguredProposesNothing(t *testing.T) {
	fake := &fakeChatAPI{}
	client := &Client{cfg: config.AIConfig{}, api: fake}

	result, err := client.GenerateChanges(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, []any{}, result["changes"])
	require.Zero(t, fake.calls)
}

func TestTestConnectivity(t *testing.T) {
	fake := &fakeChatAPI{resp: chatReply("OK\nextra")}
	client := &Client{cfg: configuredAI(), api: fake}

	ok, message := client.TestConnectivity(context.Background())
	require.True(t, ok)
	require.Equal(t, "Connected. Model response: OK extra", message)
	require.Equal(t, 8, fake.lastReq.MaxTokens)

	fake.err = &openai.APIError{HTTPStatusCode: 401, Message: "bad key"}
	ok, message = client.TestConnectivity(context.Background())
	require.False(t, ok)
	require.Equal(t, "HTTP 401: bad key", message)

	unconfigured := &Client{cfg: config.AIConfig{}, api: fake}
	ok, message = unconfigured.TestConnectivity(context.Background())
	require.False(t, ok)
	require.Contains(t, message, "AI config incomplete")
}

func TestListModelsDeduped(t *testing.T) {
	fake := &fakeChatAPI{models: openai.ModelsList{Models: []openai.Model{
		{ID: "gpt-a"}, {ID: " gpt-b "}, {ID: "gpt-a"}, {ID: ""},
	}}}
	client := &Client{cfg: configuredAI(), api: fake}

	require.Equal(t, []string{"gpt-a", "gpt-b"}, client.ListModels(context.Background()))

	fake.modelsErr = context.DeadlineExceeded
	require.Nil(t, client.ListModels(context.Background()))
}
