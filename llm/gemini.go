package llm

import (
	"context"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"github.com/m4xw311/fuzz/errors"
	"github.com/m4xw311/fuzz/session"
	"github.com/m4xw311/fuzz/tools"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

// GeminiLLMClient is a client for the Google Gemini API.
type GeminiLLMClient struct {
	client    *genai.Client
	modelName string
}

// NewGeminiLLMClient creates a new GeminiLLMClient. endpoint overrides the
// API host when set. The caller must Close the client.
func NewGeminiLLMClient(ctx context.Context, apiKey, endpoint, modelName string) (*GeminiLLMClient, error) {
	if apiKey == "" {
		return nil, errors.E(errors.KindConfigurationMissing, "Gemini API key is not configured")
	}
	opts := []option.ClientOption{option.WithAPIKey(apiKey)}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.WrapKind(errors.KindBackend, err, "failed to create genai client")
	}
	return &GeminiLLMClient{client: client, modelName: modelName}, nil
}

func (g *GeminiLLMClient) Close() error {
	return g.client.Close()
}

// Chat sends a chat request to the Gemini API.
func (g *GeminiLLMClient) Chat(ctx context.Context, req *Request) (*session.Turn, error) {
	model := g.client.GenerativeModel(g.modelName)
	if sys := systemText(req.Turns); sys != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(sys)}}
	}
	p := req.Params
	if p.Temperature >= 0 {
		model.SetTemperature(float32(p.Temperature))
	}
	if p.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(p.MaxTokens))
	}
	if p.TopP > 0 {
		model.SetTopP(float32(p.TopP))
	}
	model.Tools = convertToolsToGeminiTools(req.Tools)
	if req.ForceToolCall && len(req.Tools) > 0 {
		model.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingAny},
		}
	}

	history := convertMessagesToGeminiContent(req.Turns)
	if len(history) == 0 {
		return nil, errors.New("no conversation to send to Gemini")
	}

	// The last message is the new prompt.
	lastMessage := history[len(history)-1]
	chatSession := model.StartChat()
	chatSession.History = history[:len(history)-1]
	resp, err := chatSession.SendMessage(ctx, lastMessage.Parts...)
	if err != nil {
		return nil, errors.WrapKind(errors.KindBackend, err, "failed to send message to Gemini")
	}
	return processGeminiResponse(resp), nil
}

// convertMessagesToGeminiContent converts session turns to Gemini contents.
// System turns travel as the system instruction. Tool results are sent as
// function responses in user contents, and consecutive contents of the same
// role are merged since Gemini expects the roles to alternate.
func convertMessagesToGeminiContent(turns []session.Turn) []*genai.Content {
	var contents []*genai.Content
	for _, turn := range turns {
		role := "user"
		var parts []genai.Part
		switch turn.Role {
		case session.RoleSystem:
			continue
		case session.RoleAssistant:
			role = "model"
			for _, p := range turn.Parts {
				switch {
				case p.ToolCall != nil:
					parts = append(parts, genai.FunctionCall{Name: p.ToolCall.Name, Args: p.ToolCall.Args})
				case p.Text != "":
					parts = append(parts, genai.Text(p.Text))
				}
			}
		case session.RoleTool:
			for _, p := range turn.Parts {
				if p.ToolResult != nil {
					parts = append(parts, genai.FunctionResponse{
						Name:     p.ToolResult.Name,
						Response: map[string]any{"result": p.ToolResult.Content},
					})
				}
			}
		default:
			for _, p := range turn.Parts {
				switch {
				case p.Blob != nil:
					parts = append(parts, genai.Blob{MIMEType: p.Blob.MIMEType, Data: p.Blob.Data})
				case p.Text != "":
					parts = append(parts, genai.Text(p.Text))
				}
			}
		}
		if len(parts) == 0 {
			continue
		}
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	return contents
}

// convertToolsToGeminiTools converts the tool catalogue to Gemini function declarations.
func convertToolsToGeminiTools(ts []tools.Tool) []*genai.Tool {
	if len(ts) == 0 {
		return nil
	}
	var funcDecls []*genai.FunctionDeclaration
	for _, tool := range ts {
		funcDecls = append(funcDecls, &genai.FunctionDeclaration{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  geminiSchema(tool.Parameters()),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: funcDecls}}
}

func geminiSchema(params []tools.Parameter) *genai.Schema {
	schema := &genai.Schema{
		Type:       genai.TypeObject,
		Properties: make(map[string]*genai.Schema, len(params)),
		Required:   tools.RequiredNames(params),
	}
	for _, p := range params {
		prop := &genai.Schema{Type: geminiType(p.Type), Description: p.Description}
		if p.Type == tools.TypeArray {
			prop.Items = &genai.Schema{Type: genai.TypeString}
		}
		schema.Properties[p.Name] = prop
	}
	return schema
}

func geminiType(t tools.ParamType) genai.Type {
	switch t {
	case tools.TypeBoolean:
		return genai.TypeBoolean
	case tools.TypeInteger:
		return genai.TypeInteger
	case tools.TypeNumber:
		return genai.TypeNumber
	case tools.TypeObject:
		return genai.TypeObject
	case tools.TypeArray:
		return genai.TypeArray
	}
	return genai.TypeString
}

// processGeminiResponse converts a Gemini API response into a session turn.
// Gemini does not return call ids, so each call gets a fresh one.
func processGeminiResponse(resp *genai.GenerateContentResponse) *session.Turn {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}

	turn := &session.Turn{Role: session.RoleAssistant}
	for _, part := range resp.Candidates[0].Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			if v != "" {
				turn.Parts = append(turn.Parts, session.Part{Text: string(v)})
			}
		case genai.FunctionCall:
			args := v.Args
			if args == nil {
				args = map[string]any{}
			}
			turn.Parts = append(turn.Parts, session.Part{ToolCall: &session.ToolCall{
				ToolCallID: "call_" + uuid.NewString(),
				Name:       v.Name,
				Args:       args,
			}})
		default:
			log.Warn().Str("provider", "gemini").Msgf("ignoring unsupported response part %T", v)
		}
	}
	return turn
}
