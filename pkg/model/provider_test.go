package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFakeProviderReplaysScriptInOrder(t *testing.T) {
	p := NewFakeProvider("fake",
		ChatResponse{ID: "1", Choices: []Choice{{Message: Message{Role: "assistant", ToolCalls: []ToolCall{{ID: "tc1", Function: FunctionCall{Name: "list_dir"}}}}}}},
		ChatResponse{ID: "2", Choices: []Choice{{Message: Message{Role: "assistant", Content: "done"}, FinishReason: "stop"}}},
	)

	first, err := p.ChatCompletion(context.Background(), ChatRequest{})
	require.NoError(t, err)
	require.Len(t, first.Choices[0].Message.ToolCalls, 1)

	second, err := p.ChatCompletion(context.Background(), ChatRequest{})
	require.NoError(t, err)
	require.Equal(t, "stop", second.Choices[0].FinishReason)

	_, err = p.ChatCompletion(context.Background(), ChatRequest{})
	require.Error(t, err)
}

func TestMessageContentToText(t *testing.T) {
	require.Equal(t, "hello", messageContentToText("hello"))
	require.Equal(t, "a\nb", messageContentToText([]ContentPart{{Type: "text", Text: "a"}, {Type: "text", Text: "b"}}))
	require.Equal(t, "", messageContentToText(42))
}

func TestModelPricingUnmarshalsStringAndNumber(t *testing.T) {
	var p ModelPricing
	require.NoError(t, p.UnmarshalJSON([]byte(`{"prompt":"0.000001","completion":0.000002}`)))
	require.InDelta(t, 1.0, p.Prompt, 0.0001)
	require.InDelta(t, 2.0, p.Completion, 0.0001)
}
