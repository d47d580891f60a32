package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/harun/convoy/pkg/session"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIClient implements ModelClient for OpenAI chat completions
type OpenAIClient struct {
	client openai.Client
}

// NewOpenAIClient creates a new OpenAI client
func NewOpenAIClient(profile Profile) *OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(profile.APIKey), option.WithMaxRetries(0)}
	if profile.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(profile.BaseURL))
	}
	return &OpenAIClient{client: openai.NewClient(opts...)}
}

func (c *OpenAIClient) Name() string { return "openai" }

// Complete makes an API call to OpenAI
func (c *OpenAIClient) Complete(ctx context.Context, request ModelRequest) (*ModelResponse, error) {
	messages, err := openaiMessages(request.Messages)
	if err != nil {
		return nil, err
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(request.Model),
		Messages: messages,
	}
	if request.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(request.MaxTokens))
	}
	if request.Temperature > 0 {
		params.Temperature = openai.Float(request.Temperature)
	}

	if len(request.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(request.Tools))
		for _, spec := range request.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        spec.Name,
					Description: openai.String(spec.Description),
					Parameters:  openai.FunctionParameters(spec.Schema()),
				},
			})
		}
		params.Tools = tools
	}

	response, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, &StatusError{StatusCode: apiErr.StatusCode, Err: err}
		}
		return nil, err
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	choice := response.Choices[0]
	out := &ModelResponse{
		Content: choice.Message.Content,
		Usage: TokenUsage{
			InputTokens:  int(response.Usage.PromptTokens),
			OutputTokens: int(response.Usage.CompletionTokens),
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]interface{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("failed to parse tool arguments: %w", err)
			}
		}
		out.ToolCalls = append(out.ToolCalls, session.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	return out, nil
}

func openaiMessages(messages []session.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case session.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case session.RoleUser:
			out = append(out, openai.UserMessage(msg.Content))
		case session.RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		case session.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(msg.Content))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCall, 0, len(msg.ToolCalls))
			for _, call := range msg.ToolCalls {
				args := call.Arguments
				if args == nil {
					args = map[string]interface{}{}
				}
				argsJSON, err := json.Marshal(args)
				if err != nil {
					return nil, fmt.Errorf("failed to marshal tool arguments: %w", err)
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
					ID:   call.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      call.Name,
						Arguments: string(argsJSON),
					},
				})
			}
			assistantMsg := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   msg.Content,
				ToolCalls: toolCalls,
			}
			out = append(out, assistantMsg.ToParam())
		}
	}
	return out, nil
}
