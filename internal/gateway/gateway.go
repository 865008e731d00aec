package gateway

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Tool names in the fixed capability set.
const (
	ToolListTables    = "list_tables"
	ToolDescribeTable = "describe_table"
	ToolExecuteQuery  = "execute_query"

	// ToolSaveResults is the artifact-producing action. Its definition
	// lives here so planners see one coherent capability set, but it is
	// executed by the engine (it needs per-turn retrieval state).
	ToolSaveResults = "save_results"
)

// Gateway exposes the data system's capability set as tools. It owns no
// state across turns: every call is independent and safe to re-issue.
type Gateway struct {
	registry *Registry
	logger   *zap.Logger
}

// New builds a gateway over the given warehouse.
func New(wh Warehouse, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{registry: NewRegistry(logger), logger: logger}

	g.registry.MustRegister(&Tool{
		Name:        ToolListTables,
		Description: "List the tables available in the data warehouse. Use this first to discover what data exists.",
		Schema:      Schema{Required: []string{}, Properties: map[string]Property{}},
		Execute: func(ctx context.Context, args map[string]any) (*Output, error) {
			tables, err := wh.ListTables(ctx)
			if err != nil {
				return nil, err
			}
			if len(tables) == 0 {
				return &Output{Text: "no tables available"}, nil
			}
			return &Output{Text: "available tables:\n" + strings.Join(tables, "\n")}, nil
		},
	})

	g.registry.MustRegister(&Tool{
		Name:        ToolDescribeTable,
		Description: "Describe the columns and types of one table. Use before writing queries against it.",
		Schema: Schema{
			Required: []string{"table"},
			Properties: map[string]Property{
				"table": {Type: "string", Description: "Table name to describe"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (*Output, error) {
			name, _ := args["table"].(string)
			schema, err := wh.DescribeTable(ctx, name)
			if err != nil {
				return nil, err
			}
			return &Output{Text: renderSchema(schema)}, nil
		},
	})

	g.registry.MustRegister(&Tool{
		Name: ToolExecuteQuery,
		Description: "Execute a SQL query against the warehouse and return tabular results. " +
			"Cast datetime columns to STRING to avoid serialization errors.",
		Schema: Schema{
			Required: []string{"sql"},
			Properties: map[string]Property{
				"sql": {Type: "string", Description: "SQL query to execute"},
			},
		},
		Retrieval: true,
		Execute: func(ctx context.Context, args map[string]any) (*Output, error) {
			sql, _ := args["sql"].(string)
			rs, err := wh.RunQuery(ctx, sql)
			if err != nil {
				return nil, err
			}
			return &Output{Text: renderResult(rs), Rows: rs}, nil
		},
	})

	return g
}

// Execute dispatches one tool call.
func (g *Gateway) Execute(ctx context.Context, name string, args map[string]any) (*Result, error) {
	return g.registry.Execute(ctx, name, args)
}

// Has reports whether the gateway owns the named tool.
func (g *Gateway) Has(name string) bool {
	return g.registry.Has(name)
}

// IsRetrieval reports whether a successful call to the named tool counts
// as a data-retrieval step.
func (g *Gateway) IsRetrieval(name string) bool {
	tool := g.registry.Get(name)
	return tool != nil && tool.Retrieval
}

// Definitions returns the full planner-facing capability set, including
// the engine-executed save_results action.
func (g *Gateway) Definitions() []Definition {
	defs := g.registry.Definitions()
	defs = append(defs, Definition{
		Name: ToolSaveResults,
		Description: "Save the most recent query results as a downloadable CSV file. " +
			"Only call after execute_query has returned rows.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{
					"type":        "string",
					"description": "Short human-readable title for the file",
				},
			},
			"required": []string{},
		},
	})
	return defs
}

// renderSchema formats a schema as a compact observation.
func renderSchema(schema *TableSchema) string {
	var b strings.Builder
	fmt.Fprintf(&b, "table %s:\n", schema.Name)
	for _, col := range schema.Columns {
		fmt.Fprintf(&b, "  %s %s\n", col.Name, col.Type)
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderResult formats a result preview for the planner. Full rows go
// to the artifact manager, not the model context.
const previewRows = 10

func renderResult(rs *ResultSet) string {
	if rs.Empty() {
		return "query returned 0 rows"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "query returned %d rows\n", len(rs.Rows))
	b.WriteString(strings.Join(rs.Columns, " | "))
	b.WriteString("\n")
	for i, row := range rs.Rows {
		if i >= previewRows {
			fmt.Fprintf(&b, "... (%d more rows)\n", len(rs.Rows)-previewRows)
			break
		}
		b.WriteString(strings.Join(row, " | "))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
