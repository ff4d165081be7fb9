package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/avitale/ledgerly/internal/domain"
	"github.com/avitale/ledgerly/internal/tools"
)

const (
	defaultModel     = "claude-3-5-sonnet-20241022"
	defaultMaxTokens = 2048
	titleMaxTokens   = 128
)

// AnthropicAgent implements Agent using the official Anthropic SDK.
type AnthropicAgent struct {
	client anthropic.Client
	model  string
}

// NewAnthropicAgent creates an agent backed by the Anthropic API.
func NewAnthropicAgent(apiKey, modelName string) (*AnthropicAgent, error) {
	key := strings.TrimSpace(apiKey)
	if key == "" {
		return nil, fmt.Errorf("anthropic agent requires an API key")
	}

	model := strings.TrimSpace(modelName)
	if model == "" {
		model = defaultModel
	}

	return &AnthropicAgent{
		client: anthropic.NewClient(option.WithAPIKey(key)),
		model:  model,
	}, nil
}

// Stream requests an incremental generation. Text deltas are yielded as
// they arrive; the accumulated message is inspected at the end for a tool
// call, which is yielded as the final fragment.
func (a *AnthropicAgent) Stream(ctx context.Context, req Request) iter.Seq2[*Fragment, error] {
	return func(yield func(*Fragment, error) bool) {
		params, err := a.buildParams(req)
		if err != nil {
			yield(nil, err)
			return
		}

		stream := a.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		var acc anthropic.Message
		for stream.Next() {
			event := stream.Current()
			if err := acc.Accumulate(event); err != nil {
				yield(nil, fmt.Errorf("accumulate stream event: %w", err))
				return
			}

			deltaEvent, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			textDelta, ok := deltaEvent.Delta.AsAny().(anthropic.TextDelta)
			if !ok || textDelta.Text == "" {
				continue
			}
			if !yield(&Fragment{Text: textDelta.Text}, nil) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield(nil, fmt.Errorf("anthropic stream failed: %w", err))
			return
		}

		call, err := extractToolCall(acc.Content)
		if err != nil {
			yield(nil, err)
			return
		}
		if call != nil {
			yield(&Fragment{ToolCall: call}, nil)
		}
	}
}

// Complete performs a small non-streaming completion.
func (a *AnthropicAgent) Complete(ctx context.Context, prompt string) (string, error) {
	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: titleMaxTokens,
		Messages: []anthropic.MessageParam{
			{
				Role:    anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(prompt)},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic completion failed: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type != "text" {
			continue
		}
		sb.WriteString(block.Text)
	}
	return sb.String(), nil
}

func extractToolCall(blocks []anthropic.ContentBlockUnion) (*domain.ToolCall, error) {
	var call *domain.ToolCall
	for _, block := range blocks {
		if block.Type != "tool_use" {
			continue
		}
		if call != nil {
			return nil, ErrMultipleToolCalls
		}
		args := json.RawMessage(block.Input)
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		call = &domain.ToolCall{Name: block.Name, Args: args}
	}
	return call, nil
}

func (a *AnthropicAgent) buildParams(req Request) (anthropic.MessageNewParams, error) {
	chat, err := convertHistory(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	if len(chat) == 0 {
		return anthropic.MessageNewParams{}, fmt.Errorf("generation requires at least one message")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: defaultMaxTokens,
		Messages:  chat,
	}
	if sys := strings.TrimSpace(req.System); sys != "" {
		params.System = []anthropic.TextBlockParam{{Text: sys}}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertToolDecls(req.Tools)
	}
	return params, nil
}

// convertHistory maps the persisted conversation onto the wire shape.
// A stored assistant message that carries both a tool call and its result
// expands into an assistant tool_use block followed by a user tool_result
// block; a call without a result (pending or rejected proposal) gets a
// synthetic result describing its status so the exchange stays well formed.
func convertHistory(messages []*domain.Message) ([]anthropic.MessageParam, error) {
	chat := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case domain.RoleAssistant:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 2)
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			if msg.ToolCall != nil {
				input, err := msg.ToolCall.ArgsMap()
				if err != nil {
					return nil, err
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(toolCallID(msg), input, msg.ToolCall.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			chat = append(chat, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})
			if msg.ToolCall != nil {
				chat = append(chat, toolResultParam(msg))
			}
		case domain.RoleSystem:
			// System-style notes (e.g. rejection notices) travel as user
			// context so the model sees them without owning them.
			if msg.Content == "" {
				continue
			}
			chat = append(chat, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock("[note] " + msg.Content)},
			})
		default:
			content := msg.Content
			for _, att := range msg.Attachments {
				content += "\n[attachment: " + att.Name + "]"
			}
			if content == "" {
				continue
			}
			chat = append(chat, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(content)},
			})
		}
	}
	return chat, nil
}

func toolResultParam(msg *domain.Message) anthropic.MessageParam {
	var text string
	isError := false
	switch {
	case msg.ToolResult != nil:
		text = string(msg.ToolResult.Data)
		if text == "" {
			text = msg.ToolResult.Summary
		}
	case msg.ActionStatus == domain.ActionRejected:
		text = "The user rejected this action; it was not executed."
		isError = true
	default:
		text = "This action is awaiting user confirmation."
	}
	return anthropic.MessageParam{
		Role: anthropic.MessageParamRoleUser,
		Content: []anthropic.ContentBlockParamUnion{
			anthropic.NewToolResultBlock(toolCallID(msg), text, isError),
		},
	}
}

// toolCallID derives a stable provider-side call id from the message id.
func toolCallID(msg *domain.Message) string {
	return "call_" + msg.ID
}

func convertToolDecls(toolset []*tools.Tool) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(toolset))
	for _, t := range toolset {
		schema := anthropic.ToolInputSchemaParam{
			Type:       constant.Object("object"),
			Properties: t.Schema.Properties,
		}
		if len(t.Schema.Required) > 0 {
			schema.Required = t.Schema.Required
		}
		tool := &anthropic.ToolParam{
			Name:        t.Name,
			InputSchema: schema,
			Type:        anthropic.ToolTypeCustom,
		}
		if t.Description != "" {
			tool.Description = anthropic.String(t.Description)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: tool})
	}
	return out
}
