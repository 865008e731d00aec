package agent

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"optibot/internal/gateway"
)

const systemPrompt = `You are a data analyst assistant answering questions from a data warehouse.

Workflow:
1. Call list_tables to discover what data exists.
2. Call describe_table on relevant tables before writing SQL against them.
3. Call execute_query with a single SQL statement. Always CAST datetime
   columns to STRING (e.g. SELECT CAST(created_at AS STRING) AS created_at)
   to avoid serialization errors.
4. If the user wants a file, or the result is too large to read inline,
   call save_results after execute_query has returned rows.
5. Finish with a short, plain-language answer summarizing the result.

Rules:
- Never call save_results before a query has returned rows.
- If a query returns 0 rows, say so plainly instead of saving a file.
- If a tool reports an error with a hint, fix the query and retry.
- Keep answers concise; the full data goes in the saved file, not the reply.`

// GeminiConfig configures the Gemini-backed planner.
type GeminiConfig struct {
	APIKey string
	Model  string
	Logger *zap.Logger
}

// GeminiPlanner proposes actions via Gemini function calling. It is
// stateless between calls: the whole turn transcript is rebuilt from
// the Request each time.
type GeminiPlanner struct {
	client *genai.Client
	model  string
	tools  []*genai.Tool
	logger *zap.Logger
}

// NewGeminiPlanner creates a planner exposing the given tool set.
func NewGeminiPlanner(ctx context.Context, cfg GeminiConfig, defs []gateway.Definition) (*GeminiPlanner, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	decls := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, def := range defs {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  toGenaiSchema(def.InputSchema),
		})
	}

	return &GeminiPlanner{
		client: client,
		model:  cfg.Model,
		tools:  []*genai.Tool{{FunctionDeclarations: decls}},
		logger: logger,
	}, nil
}

// Propose asks the model for the next action.
func (p *GeminiPlanner) Propose(ctx context.Context, req *Request) (*Action, error) {
	contents := p.buildContents(req)
	config := &genai.GenerateContentConfig{
		Tools:             p.tools,
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("generate content failed: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, ErrNoProposal
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.FunctionCall != nil {
			fc := part.FunctionCall
			p.logger.Debug("planner proposed tool call",
				zap.String("tool", fc.Name))
			return &Action{Tool: fc.Name, Args: fc.Args}, nil
		}
		if part.Text != "" {
			text.WriteString(part.Text)
		}
	}

	answer := strings.TrimSpace(text.String())
	if answer == "" {
		return nil, ErrNoProposal
	}
	return &Action{Answer: answer}, nil
}

// buildContents reconstructs the conversation for the model: prior turns
// as plain exchanges, then the current query, then this turn's tool
// transcript as call/response pairs.
func (p *GeminiPlanner) buildContents(req *Request) []*genai.Content {
	var contents []*genai.Content

	for _, turn := range req.PriorTurns {
		contents = append(contents,
			genai.NewContentFromText(turn.Query, genai.RoleUser))
		if turn.Answer != "" {
			contents = append(contents,
				genai.NewContentFromText(turn.Answer, genai.RoleModel))
		}
	}

	contents = append(contents,
		genai.NewContentFromText(req.Query, genai.RoleUser))

	for _, obs := range req.Observations {
		contents = append(contents,
			genai.NewContentFromParts(
				[]*genai.Part{genai.NewPartFromFunctionCall(obs.Tool, obs.Args)},
				genai.RoleModel),
			genai.NewContentFromParts(
				[]*genai.Part{genai.NewPartFromFunctionResponse(obs.Tool,
					map[string]any{"result": obs.Text, "is_error": obs.IsError})},
				genai.RoleUser))
	}
	return contents
}

// toGenaiSchema converts a JSON-schema-shaped map into the SDK's schema
// type. Only the object/string subset the tool set uses is handled.
func toGenaiSchema(schema map[string]any) *genai.Schema {
	out := &genai.Schema{Type: genai.TypeObject}
	if required, ok := schema["required"].([]string); ok {
		out.Required = required
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return out
	}
	out.Properties = make(map[string]*genai.Schema, len(props))
	for name, raw := range props {
		prop, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		ps := &genai.Schema{Type: genai.TypeString}
		if desc, ok := prop["description"].(string); ok {
			ps.Description = desc
		}
		out.Properties[name] = ps
	}
	return out
}
