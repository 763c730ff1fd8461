package llm

import (
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/m4xw311/fuzz/session"
	"github.com/m4xw311/fuzz/tools"
)

func TestConvertMessagesToAnthropicMessages(t *testing.T) {
	msgs := convertMessagesToAnthropicMessages(sampleConversation())
	if len(msgs) != 4 {
		t.Fatalf("Expected 4 messages, got %d", len(msgs))
	}
	wantRoles := []anthropic.MessageParamRole{
		anthropic.MessageParamRoleUser,
		anthropic.MessageParamRoleAssistant,
		anthropic.MessageParamRoleUser,
		anthropic.MessageParamRoleAssistant,
	}
	for i, want := range wantRoles {
		if msgs[i].Role != want {
			t.Errorf("message %d role = %s, want %s", i, msgs[i].Role, want)
		}
	}
	if len(msgs[2].Content) != 2 || msgs[2].Content[0].OfToolResult == nil {
		t.Errorf("tool results should be merged into one user message")
	}
	if msgs[1].Content[0].OfToolUse == nil || msgs[1].Content[0].OfToolUse.ID != "call_1" {
		t.Errorf("assistant message should carry the tool use blocks")
	}
}

func TestConvertMessagesToAnthropicMessagesImage(t *testing.T) {
	msgs := convertMessagesToAnthropicMessages([]session.Turn{session.UserImage("image/jpeg", []byte("jpg"), "describe")})
	if len(msgs) != 1 || len(msgs[0].Content) != 2 {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	if msgs[0].Content[0].OfImage == nil {
		t.Error("first block should be the image")
	}
}

func TestConvertToolsToAnthropicTools(t *testing.T) {
	if convertToolsToAnthropicTools(nil) != nil {
		t.Error("no tools should convert to nil")
	}
	converted := convertToolsToAnthropicTools([]tools.Tool{sqlTool()})
	if len(converted) != 1 || converted[0].Name != "DatabaseTool" {
		t.Fatalf("unexpected tools %+v", converted)
	}
	if req := converted[0].InputSchema.Required; len(req) != 1 || req[0] != "sql" {
		t.Errorf("required = %v", req)
	}
}

func TestNewAnthropicLLMClientRequiresKey(t *testing.T) {
	if _, err := NewAnthropicLLMClient("", "", "claude"); err == nil {
		t.Error("expected error without API key")
	}
}
