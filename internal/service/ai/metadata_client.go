package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/jc2409/jsonify/internal/models"
)

// MetadataClient runs one prompt -> chat model chain per file context.
// It is built once and shared by every run.
type MetadataClient struct {
	runnable     compose.Runnable[map[string]any, *schema.Message]
	instructions string
	timeout      time.Duration
}

// NewMetadataClient compiles the chain around cm. timeout bounds each call; 0 means none.
func NewMetadataClient(ctx context.Context, cm model.BaseChatModel, timeout time.Duration) (*MetadataClient, error) {
	if cm == nil {
		return nil, errors.New("chat model required")
	}
	tpl := prompt.FromMessages(schema.FString,
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(userTemplate),
	)
	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(tpl).AppendChatModel(cm)
	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile metadata chain: %w", err)
	}
	return &MetadataClient{
		runnable:     runnable,
		instructions: FormatInstructions(),
		timeout:      timeout,
	}, nil
}

func (c *MetadataClient) Infer(ctx context.Context, fc *models.FileContext) (*models.FileMetadataRecord, error) {
	if fc == nil {
		return nil, &InferenceError{Err: errors.New("file context required")}
	}
	payload, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return nil, &InferenceError{Err: fmt.Errorf("encode context: %w", err)}
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	msg, err := c.runnable.Invoke(ctx, map[string]any{
		"format_instructions": c.instructions,
		"context":             string(payload),
	})
	if err != nil {
		return nil, &InferenceError{Err: err}
	}
	if msg == nil {
		return nil, &InferenceError{Err: errors.New("empty response")}
	}
	return ParseRecord(msg.Content)
}
