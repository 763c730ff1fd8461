package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/m4xw311/fuzz/errors"
	"github.com/m4xw311/fuzz/session"
	"github.com/m4xw311/fuzz/tools"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/rs/zerolog/log"
)

// OpenAILLMClient is a client for the OpenAI Chat Completion API and for
// servers that speak the same protocol, such as Ollama's /v1 endpoint.
type OpenAILLMClient struct {
	client *openai.Client
	model  string
	// textToolCalls makes the client recognise tool calls that the model
	// wrote into its text content instead of the tool_calls field.
	textToolCalls bool
}

// NewOpenAILLMClient creates a client for apiKey. baseURL overrides the
// default endpoint when set.
func NewOpenAILLMClient(apiKey, baseURL, modelName string) (*OpenAILLMClient, error) {
	if apiKey == "" {
		return nil, errors.E(errors.KindConfigurationMissing, "OpenAI API key is not configured")
	}
	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	// The v2 SDK uses functional options for configuration.
	c := openai.NewClient(options...)
	return &OpenAILLMClient{client: &c, model: modelName}, nil
}

// DefaultLocalBase is the OpenAI-compatible endpoint of a local Ollama server.
const DefaultLocalBase = "http://localhost:11434/v1"

// NewLocalLLMClient creates a client for a local inference server. Ollama
// ignores the API key but the SDK requires one.
func NewLocalLLMClient(apiBase, modelName string) (*OpenAILLMClient, error) {
	c, err := NewOpenAILLMClient("ollama", LocalChatBase(apiBase), modelName)
	if err != nil {
		return nil, err
	}
	c.textToolCalls = true
	return c, nil
}

// LocalChatBase normalises apiBase to the server's /v1 endpoint.
func LocalChatBase(apiBase string) string {
	base := strings.TrimRight(strings.TrimSpace(apiBase), "/")
	if base == "" {
		return DefaultLocalBase
	}
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base
}

// Chat sends a chat request to OpenAI and converts the response into a session turn.
func (o *OpenAILLMClient) Chat(ctx context.Context, req *Request) (*session.Turn, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: convertMessagesToOpenaiContent(req.Turns),
		Tools:    convertToolsToOpenAITools(req.Tools),
	}
	p := req.Params
	if p.Temperature >= 0 {
		params.Temperature = openai.Float(p.Temperature)
	}
	if p.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(p.MaxTokens))
	}
	if p.TopP > 0 {
		params.TopP = openai.Float(p.TopP)
	}
	if p.FrequencyPenalty != 0 {
		params.FrequencyPenalty = openai.Float(p.FrequencyPenalty)
	}
	if p.PresencePenalty != 0 {
		params.PresencePenalty = openai.Float(p.PresencePenalty)
	}
	if req.ForceToolCall && len(req.Tools) > 0 {
		params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("required")}
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, errors.WrapKind(errors.KindBackend, err, "failed to send message to OpenAI")
	}

	turn, err := processOpenaiResponse(resp)
	if err != nil || turn == nil {
		return turn, err
	}
	if o.textToolCalls && len(turn.ToolCalls()) == 0 {
		if calls := parseTextToolCalls(turn.AllText(), req.Tools); len(calls) > 0 {
			turn.Parts = nil
			for i := range calls {
				turn.Parts = append(turn.Parts, session.Part{ToolCall: &calls[i]})
			}
		}
	}
	return turn, nil
}

// processOpenaiResponse converts an OpenAI API response into a session turn.
func processOpenaiResponse(resp *openai.ChatCompletion) (*session.Turn, error) {
	if len(resp.Choices) == 0 {
		return nil, nil
	}

	choice := resp.Choices[0].Message
	turn := &session.Turn{Role: session.RoleAssistant}
	if choice.Content != "" {
		turn.Parts = append(turn.Parts, session.Part{Text: choice.Content})
	}

	// If model requests tool calls, the ToolCalls field will be present.
	for _, tc := range choice.ToolCalls {
		toolArgs := map[string]interface{}{}
		if strings.TrimSpace(tc.Function.Arguments) != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &toolArgs); err != nil {
				return nil, errors.WrapKind(errors.KindBackend, err, "failed to unmarshal function call arguments from OpenAI")
			}
		}
		turn.Parts = append(turn.Parts, session.Part{ToolCall: &session.ToolCall{
			ToolCallID: tc.ID,
			Name:       tc.Function.Name,
			Args:       toolArgs,
		}})
	}
	return turn, nil
}

// convertMessagesToOpenaiContent converts session turns to OpenAI's message format.
func convertMessagesToOpenaiContent(turns []session.Turn) []openai.ChatCompletionMessageParamUnion {
	var chatMessages []openai.ChatCompletionMessageParamUnion
	for _, turn := range turns {
		switch turn.Role {
		case session.RoleSystem:
			chatMessages = append(chatMessages, openai.SystemMessage(turn.AllText()))
		case session.RoleAssistant:
			assistantMessage := openai.ChatCompletionMessage{
				Role:    "assistant",
				Content: turn.AllText(),
			}
			calls := turn.ToolCalls()
			if len(calls) > 0 {
				var toolCalls []openai.ChatCompletionMessageToolCallUnion
				for _, tc := range calls {
					argsBytes, err := json.Marshal(tc.Args)
					if err != nil {
						log.Warn().Err(err).Str("tool", tc.Name).Msg("could not marshal tool call arguments; skipping call in history")
						continue
					}
					toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallUnion{
						ID:   tc.ToolCallID,
						Type: "function",
						Function: openai.ChatCompletionMessageFunctionToolCallFunction{
							Name:      tc.Name,
							Arguments: string(argsBytes),
						},
					})
				}
				assistantMessage.ToolCalls = toolCalls
			}
			chatMessages = append(chatMessages, assistantMessage.ToParam())
		case session.RoleTool:
			for _, p := range turn.Parts {
				if p.ToolResult != nil {
					chatMessages = append(chatMessages, openai.ToolMessage(p.ToolResult.Content, p.ToolResult.ToolCallID))
				}
			}
		default:
			chatMessages = append(chatMessages, openaiUserMessage(turn))
		}
	}
	return chatMessages
}

func openaiUserMessage(turn session.Turn) openai.ChatCompletionMessageParamUnion {
	hasBlob := false
	for _, p := range turn.Parts {
		if p.Blob != nil {
			hasBlob = true
			break
		}
	}
	if !hasBlob {
		return openai.UserMessage(turn.AllText())
	}

	var parts []openai.ChatCompletionContentPartUnionParam
	for _, p := range turn.Parts {
		switch {
		case p.Blob != nil:
			parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
				URL: dataURI(p.Blob),
			}))
		case p.Text != "":
			parts = append(parts, openai.TextContentPart(p.Text))
		}
	}
	return openai.UserMessage(parts)
}

// convertToolsToOpenAITools converts the tool catalogue to the OpenAI tool format.
func convertToolsToOpenAITools(ts []tools.Tool) []openai.ChatCompletionToolUnionParam {
	if len(ts) == 0 {
		return nil
	}
	var openAITools []openai.ChatCompletionToolUnionParam
	for _, t := range ts {
		toolParam := openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        t.Name(),
			Description: openai.String(t.Description()),
			Parameters:  openai.FunctionParameters(tools.JSONSchema(t.Parameters())),
		})
		openAITools = append(openAITools, toolParam)
	}
	return openAITools
}

// parseTextToolCalls extracts tool calls that a local model wrote as JSON in
// its content. It accepts a single {"name": ..., "arguments": {...}} object,
// an array of them, or either wrapped in <tool_call> tags. Calls naming a
// tool outside ts are ignored.
func parseTextToolCalls(content string, ts []tools.Tool) []session.ToolCall {
	content = strings.TrimSpace(content)
	if content == "" || len(ts) == 0 {
		return nil
	}
	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}
	content = strings.TrimSuffix(strings.TrimPrefix(content, "```json"), "```")
	content = strings.TrimSpace(content)

	type rawCall struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	var calls []rawCall
	if err := json.Unmarshal([]byte(content), &calls); err != nil {
		var single rawCall
		if err := json.Unmarshal([]byte(content), &single); err != nil || single.Name == "" {
			return nil
		}
		calls = []rawCall{single}
	}

	known := make(map[string]bool, len(ts))
	for _, t := range ts {
		known[t.Name()] = true
	}
	var out []session.ToolCall
	for i, c := range calls {
		if !known[c.Name] {
			continue
		}
		args := c.Arguments
		if args == nil {
			args = map[string]any{}
		}
		out = append(out, session.ToolCall{ToolCallID: fmt.Sprintf("call_%d_%s", i, c.Name), Name: c.Name, Args: args})
	}
	return out
}
