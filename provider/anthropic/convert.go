package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	linger "github.com/lingerbot/linger"
)

// buildParams maps a provider-agnostic request onto MessageNewParams.
func (p *Provider) buildParams(req linger.ChatRequest) (anthropic.MessageNewParams, error) {
	maxTokens := p.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: maxTokens,
		Messages:  buildMessages(req.Messages),
	}

	if req.System != "" {
		sys := anthropic.TextBlockParam{Text: req.System}
		if req.CacheSystem {
			sys.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		params.System = []anthropic.TextBlockParam{sys}
	}

	tools, err := buildTools(req.Tools, req.WebTools)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	params.Tools = tools

	if req.Thinking != nil && req.Thinking.BudgetTokens > 0 {
		params.Thinking = anthropic.ThinkingConfigParamUnion{
			OfEnabled: &anthropic.ThinkingConfigEnabledParam{
				BudgetTokens: int64(req.Thinking.BudgetTokens),
			},
		}
	}
	return params, nil
}

// buildMessages converts chat turns into Anthropic message params. A turn
// carrying tool results becomes a user message whose tool_result blocks
// lead, matching the order the API requires.
func buildMessages(msgs []linger.ChatMessage) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		var blocks []anthropic.ContentBlockParamUnion

		for _, tr := range m.ToolResults {
			blocks = append(blocks, anthropic.ContentBlockParamUnion{
				OfToolResult: &anthropic.ToolResultBlockParam{
					ToolUseID: tr.CallID,
					IsError:   anthropic.Bool(tr.IsError),
					Content: []anthropic.ToolResultBlockParamContentUnion{
						{OfText: &anthropic.TextBlockParam{Text: tr.Content}},
					},
				},
			})
		}
		if m.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(m.Content))
		}
		for _, img := range m.Images {
			blocks = append(blocks, anthropic.NewImageBlockBase64(img.MimeType, img.Base64))
		}
		for _, tc := range m.ToolCalls {
			blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Args, tc.Name))
		}
		if len(blocks) == 0 {
			continue
		}

		role := anthropic.MessageParamRoleUser
		if m.Role == "assistant" {
			role = anthropic.MessageParamRoleAssistant
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}
	return out
}

// buildTools converts client tool definitions, then appends the server
// web search tool when enabled on the request.
func buildTools(defs []linger.ToolDefinition, web *linger.WebToolConfig) ([]anthropic.ToolUnionParam, error) {
	var tools []anthropic.ToolUnionParam
	for _, def := range defs {
		var schema struct {
			Properties map[string]any `json:"properties"`
			Required   []string       `json:"required"`
		}
		if len(def.Parameters) > 0 {
			if err := json.Unmarshal(def.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("tool %s: parse parameters schema: %w", def.Name, err)
			}
		}
		tools = append(tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        def.Name,
				Description: anthropic.String(def.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Type:       "object",
					Properties: schema.Properties,
					Required:   schema.Required,
				},
			},
		})
	}

	if web != nil {
		ws := &anthropic.WebSearchTool20250305Param{
			AllowedDomains: web.AllowedDomains,
			BlockedDomains: web.BlockedDomains,
		}
		if web.MaxUses > 0 {
			ws.MaxUses = anthropic.Int(int64(web.MaxUses))
		}
		tools = append(tools, anthropic.ToolUnionParam{OfWebSearchTool20250305: ws})
	}
	return tools, nil
}

// parseResponse flattens the response content blocks: text accumulates,
// thinking accumulates, tool_use blocks become tool calls, and web search
// citations are lifted off their text blocks.
func parseResponse(resp *anthropic.Message) linger.ChatResponse {
	out := linger.ChatResponse{
		StopReason: mapStopReason(resp.StopReason),
		Usage: linger.Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
		ServerToolUses: int(resp.Usage.ServerToolUse.WebSearchRequests),
	}

	for i := range resp.Content {
		block := &resp.Content[i]
		switch block.Type {
		case "text":
			tb := block.AsText()
			out.Content += tb.Text
			for _, cit := range tb.Citations {
				if cit.Type != "web_search_result_location" {
					continue
				}
				out.Citations = append(out.Citations, linger.Citation{
					Title:     cit.Title,
					URL:       cit.URL,
					CitedText: cit.CitedText,
				})
			}
		case "thinking":
			out.Thinking += block.AsThinking().Thinking
		case "tool_use":
			tu := block.AsToolUse()
			out.ToolCalls = append(out.ToolCalls, linger.ToolCall{
				ID:   tu.ID,
				Name: tu.Name,
				Args: json.RawMessage(tu.Input),
			})
		}
	}
	return out
}

func mapStopReason(r anthropic.StopReason) linger.StopReason {
	switch r {
	case anthropic.StopReasonToolUse:
		return linger.StopToolUse
	case anthropic.StopReasonMaxTokens:
		return linger.StopMaxTokens
	default:
		return linger.StopEndTurn
	}
}
