package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/m4xw311/fuzz/errors"
	"github.com/m4xw311/fuzz/session"
	"github.com/m4xw311/fuzz/tools"
)

// BedrockLLMClient is a client for the Anthropic models on AWS Bedrock.
type BedrockLLMClient struct {
	client  *bedrockruntime.Client
	modelID string
	region  string
}

// NewBedrockLLMClient creates a new BedrockLLMClient. AWS credentials come
// from the default chain. endpoint overrides the service URL when set, and
// falls back to BEDROCK_ENDPOINT_URL.
func NewBedrockLLMClient(ctx context.Context, endpoint, modelID string) (*BedrockLLMClient, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.WrapKind(errors.KindConfigurationMissing, err, "failed to load AWS config")
	}

	region := cfg.Region
	if region == "" {
		region = os.Getenv("AWS_DEFAULT_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}
	if endpoint == "" {
		endpoint = os.Getenv("BEDROCK_ENDPOINT_URL")
	}

	client := bedrockruntime.NewFromConfig(cfg, func(o *bedrockruntime.Options) {
		o.Region = region
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &BedrockLLMClient{client: client, modelID: modelID, region: region}, nil
}

// Chat sends a chat request to the Anthropic model via AWS Bedrock.
func (b *BedrockLLMClient) Chat(ctx context.Context, req *Request) (*session.Turn, error) {
	anthropicMessages, systemPrompt := convertMessagesToAnthropicFormat(req.Turns)

	requestBody, err := createAnthropicRequest(anthropicMessages, systemPrompt, req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create Anthropic request")
	}

	resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Body:        requestBody,
	})
	if err != nil {
		return nil, errors.WrapKind(errors.KindBackend, err, "failed to invoke Bedrock model in %s", b.region)
	}
	return processBedrockResponse(resp.Body)
}

// convertMessagesToAnthropicFormat converts session turns to the Anthropic
// messages JSON accepted by Bedrock, returning the system prompt separately.
func convertMessagesToAnthropicFormat(turns []session.Turn) ([]map[string]interface{}, string) {
	var anthropicMessages []map[string]interface{}
	appendContent := func(role string, content []map[string]interface{}) {
		if len(content) == 0 {
			return
		}
		if n := len(anthropicMessages); n > 0 && anthropicMessages[n-1]["role"] == role {
			prev := anthropicMessages[n-1]["content"].([]map[string]interface{})
			anthropicMessages[n-1]["content"] = append(prev, content...)
			return
		}
		anthropicMessages = append(anthropicMessages, map[string]interface{}{
			"role":    role,
			"content": content,
		})
	}

	for _, turn := range turns {
		var content []map[string]interface{}
		switch turn.Role {
		case session.RoleSystem:
			continue
		case session.RoleAssistant:
			for _, p := range turn.Parts {
				switch {
				case p.ToolCall != nil:
					content = append(content, map[string]interface{}{
						"type":  "tool_use",
						"id":    p.ToolCall.ToolCallID,
						"name":  p.ToolCall.Name,
						"input": p.ToolCall.Args,
					})
				case p.Text != "":
					content = append(content, map[string]interface{}{"type": "text", "text": p.Text})
				}
			}
			appendContent("assistant", content)
		case session.RoleTool:
			for _, p := range turn.Parts {
				if p.ToolResult != nil {
					content = append(content, map[string]interface{}{
						"type":        "tool_result",
						"tool_use_id": p.ToolResult.ToolCallID,
						"content":     p.ToolResult.Content,
					})
				}
			}
			appendContent("user", content)
		default:
			for _, p := range turn.Parts {
				switch {
				case p.Blob != nil:
					content = append(content, map[string]interface{}{
						"type": "image",
						"source": map[string]interface{}{
							"type":       "base64",
							"media_type": p.Blob.MIMEType,
							"data":       base64.StdEncoding.EncodeToString(p.Blob.Data),
						},
					})
				case p.Text != "":
					content = append(content, map[string]interface{}{"type": "text", "text": p.Text})
				}
			}
			appendContent("user", content)
		}
	}
	return anthropicMessages, systemText(turns)
}

// createAnthropicRequest creates the request body for Anthropic models on Bedrock.
func createAnthropicRequest(messages []map[string]interface{}, systemPrompt string, req *Request) ([]byte, error) {
	maxTokens := req.Params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	request := map[string]interface{}{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        maxTokens,
		"messages":          messages,
	}
	if systemPrompt != "" {
		request["system"] = systemPrompt
	}
	if req.Params.Temperature >= 0 {
		request["temperature"] = req.Params.Temperature
	}
	if req.Params.TopP > 0 && req.Params.TopP < 1 {
		request["top_p"] = req.Params.TopP
	}

	if len(req.Tools) > 0 {
		var toolDefs []map[string]interface{}
		for _, tool := range req.Tools {
			toolDefs = append(toolDefs, map[string]interface{}{
				"name":         tool.Name(),
				"description":  tool.Description(),
				"input_schema": tools.JSONSchema(tool.Parameters()),
			})
		}
		request["tools"] = toolDefs
		if req.ForceToolCall {
			request["tool_choice"] = map[string]interface{}{"type": "any"}
		}
	}
	return json.Marshal(request)
}

// processBedrockResponse converts a Bedrock API response into a session turn.
func processBedrockResponse(body []byte) (*session.Turn, error) {
	var response map[string]interface{}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, errors.WrapKind(errors.KindBackend, err, "failed to unmarshal Bedrock response")
	}

	if errMsg, ok := response["error"]; ok {
		return nil, errors.E(errors.KindBackend, "Bedrock API error: %v", errMsg)
	}

	content, ok := response["content"]
	if !ok {
		return nil, nil
	}
	contentArray, ok := content.([]interface{})
	if !ok {
		return nil, errors.E(errors.KindBackend, "unexpected content format in Bedrock response")
	}
	if len(contentArray) == 0 {
		return nil, nil
	}

	turn := &session.Turn{Role: session.RoleAssistant}
	toolCallIDCounter := 0
	for _, item := range contentArray {
		itemMap, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		itemType, _ := itemMap["type"].(string)
		switch itemType {
		case "text":
			if text, ok := itemMap["text"].(string); ok && text != "" {
				turn.Parts = append(turn.Parts, session.Part{Text: text})
			}
		case "tool_use":
			name, ok := itemMap["name"].(string)
			if !ok {
				continue
			}
			input, _ := itemMap["input"].(map[string]interface{})
			if input == nil {
				input = map[string]interface{}{}
			}
			id := fmt.Sprintf("call_%d_%s", toolCallIDCounter, name)
			if toolID, ok := itemMap["id"].(string); ok {
				id = toolID
			}
			turn.Parts = append(turn.Parts, session.Part{ToolCall: &session.ToolCall{
				ToolCallID: id,
				Name:       name,
				Args:       input,
			}})
			toolCallIDCounter++
		}
	}
	return turn, nil
}
