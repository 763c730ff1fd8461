package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m4xw311/fuzz/errors"
	"github.com/m4xw311/fuzz/session"
	"github.com/m4xw311/fuzz/tools"
)

const defaultMaxTokens = 4096

// AnthropicLLMClient is a client for the Anthropic API.
type AnthropicLLMClient struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicLLMClient creates a new AnthropicLLMClient. baseURL overrides
// the default endpoint when set.
func NewAnthropicLLMClient(apiKey, baseURL, modelName string) (*AnthropicLLMClient, error) {
	if apiKey == "" {
		return nil, errors.E(errors.KindConfigurationMissing, "Anthropic API key is not configured")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicLLMClient{client: &client, model: modelName}, nil
}

// Chat sends a chat request to the Anthropic API.
func (a *AnthropicLLMClient) Chat(ctx context.Context, req *Request) (*session.Turn, error) {
	maxTokens := int64(req.Params.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: maxTokens,
		Messages:  convertMessagesToAnthropicMessages(req.Turns),
	}
	if systemPrompt := systemText(req.Turns); systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if req.Params.Temperature >= 0 {
		params.Temperature = anthropic.Float(req.Params.Temperature)
	}
	if req.Params.TopP > 0 && req.Params.TopP < 1 {
		params.TopP = anthropic.Float(req.Params.TopP)
	}

	anthropicTools := convertToolsToAnthropicTools(req.Tools)
	params.Tools = make([]anthropic.ToolUnionParam, len(anthropicTools))
	for i := range anthropicTools {
		params.Tools[i] = anthropic.ToolUnionParam{OfTool: &anthropicTools[i]}
	}
	if req.ForceToolCall && len(anthropicTools) > 0 {
		params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, errors.WrapKind(errors.KindBackend, err, "failed to send message to Anthropic")
	}
	return processAnthropicResponse(resp)
}

// convertMessagesToAnthropicMessages converts session turns to Anthropic
// messages. Tool results are user content, and consecutive user contents are
// merged into one message so every tool_use is answered in the next turn.
func convertMessagesToAnthropicMessages(turns []session.Turn) []anthropic.MessageParam {
	var messages []anthropic.MessageParam
	appendBlocks := func(role anthropic.MessageParamRole, blocks []anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(messages); n > 0 && messages[n-1].Role == role {
			messages[n-1].Content = append(messages[n-1].Content, blocks...)
			return
		}
		messages = append(messages, anthropic.MessageParam{Role: role, Content: blocks})
	}

	for _, turn := range turns {
		var blocks []anthropic.ContentBlockParamUnion
		switch turn.Role {
		case session.RoleSystem:
			continue
		case session.RoleAssistant:
			for _, p := range turn.Parts {
				switch {
				case p.ToolCall != nil:
					blocks = append(blocks, anthropic.ContentBlockParamUnion{
						OfToolUse: &anthropic.ToolUseBlockParam{
							ID:    p.ToolCall.ToolCallID,
							Name:  p.ToolCall.Name,
							Input: p.ToolCall.Args,
						}})
				case p.Text != "":
					blocks = append(blocks, anthropic.NewTextBlock(p.Text))
				}
			}
			appendBlocks(anthropic.MessageParamRoleAssistant, blocks)
		case session.RoleTool:
			for _, p := range turn.Parts {
				if p.ToolResult == nil {
					continue
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolResult: &anthropic.ToolResultBlockParam{
						ToolUseID: p.ToolResult.ToolCallID,
						Content: []anthropic.ToolResultBlockParamContentUnion{{
							OfText: &anthropic.TextBlockParam{Text: p.ToolResult.Content},
						}},
					}})
			}
			appendBlocks(anthropic.MessageParamRoleUser, blocks)
		default:
			for _, p := range turn.Parts {
				switch {
				case p.Blob != nil:
					blocks = append(blocks, anthropic.NewImageBlockBase64(p.Blob.MIMEType, base64.StdEncoding.EncodeToString(p.Blob.Data)))
				case p.Text != "":
					blocks = append(blocks, anthropic.NewTextBlock(p.Text))
				}
			}
			appendBlocks(anthropic.MessageParamRoleUser, blocks)
		}
	}
	return messages
}

// convertToolsToAnthropicTools converts the tool catalogue to Anthropic's tool format.
func convertToolsToAnthropicTools(ts []tools.Tool) []anthropic.ToolParam {
	if len(ts) == 0 {
		return nil
	}
	var anthropicTools []anthropic.ToolParam
	for _, t := range ts {
		schema := tools.JSONSchema(t.Parameters())
		anthropicTools = append(anthropicTools, anthropic.ToolParam{
			Name:        t.Name(),
			Description: anthropic.String(t.Description()),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema["properties"],
				Required:   tools.RequiredNames(t.Parameters()),
			},
		})
	}
	return anthropicTools
}

// processAnthropicResponse converts an Anthropic API response into a session turn.
func processAnthropicResponse(resp *anthropic.Message) (*session.Turn, error) {
	if len(resp.Content) == 0 {
		return nil, nil
	}

	turn := &session.Turn{Role: session.RoleAssistant}
	for _, content := range resp.Content {
		switch c := content.AsAny().(type) {
		case anthropic.TextBlock:
			if c.Text != "" {
				turn.Parts = append(turn.Parts, session.Part{Text: c.Text})
			}
		case anthropic.ToolUseBlock:
			args := map[string]interface{}{}
			if len(c.Input) > 0 {
				if err := json.Unmarshal(c.Input, &args); err != nil {
					return nil, errors.WrapKind(errors.KindBackend, err, "failed to unmarshal tool call input")
				}
			}
			turn.Parts = append(turn.Parts, session.Part{ToolCall: &session.ToolCall{
				ToolCallID: c.ID,
				Name:       c.Name,
				Args:       args,
			}})
		}
	}
	return turn, nil
}
