package gateway

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

// fakeWarehouse is an in-memory Warehouse for gateway tests.
type fakeWarehouse struct {
	tables  []string
	schemas map[string]*TableSchema
	results map[string]*ResultSet
	err     error
}

func (f *fakeWarehouse) ListTables(ctx context.Context) ([]string, error) {
	return f.tables, f.err
}

func (f *fakeWarehouse) DescribeTable(ctx context.Context, name string) (*TableSchema, error) {
	if f.err != nil {
		return nil, f.err
	}
	schema, ok := f.schemas[name]
	if !ok {
		return nil, &ToolError{Kind: KindBadInput, Message: fmt.Sprintf("no such table: %s", name)}
	}
	return schema, nil
}

func (f *fakeWarehouse) RunQuery(ctx context.Context, sql string) (*ResultSet, error) {
	if f.err != nil {
		return nil, f.err
	}
	rs, ok := f.results[sql]
	if !ok {
		return nil, &ToolError{Kind: KindBadInput, Message: "syntax error"}
	}
	return rs, nil
}

func newTestGateway() *Gateway {
	return New(&fakeWarehouse{
		tables: []string{"orders", "users"},
		schemas: map[string]*TableSchema{
			"orders": {Name: "orders", Columns: []Column{
				{Name: "id", Type: "INT64"},
				{Name: "created_at", Type: "DATETIME"},
			}},
		},
		results: map[string]*ResultSet{
			"SELECT id FROM orders": {Columns: []string{"id"}, Rows: [][]string{{"1"}, {"2"}, {"3"}}},
		},
	}, nil)
}

func TestGatewayDefinitionsIncludeSaveResults(t *testing.T) {
	g := newTestGateway()
	defs := g.Definitions()

	names := make(map[string]bool, len(defs))
	for _, d := range defs {
		names[d.Name] = true
	}
	for _, want := range []string{ToolListTables, ToolDescribeTable, ToolExecuteQuery, ToolSaveResults} {
		if !names[want] {
			t.Errorf("definitions missing %q", want)
		}
	}
	// save_results is planner-visible but not gateway-executed.
	if g.Has(ToolSaveResults) {
		t.Error("save_results must not be executable through the gateway")
	}
}

func TestGatewayListAndDescribe(t *testing.T) {
	g := newTestGateway()
	ctx := context.Background()

	res, err := g.Execute(ctx, ToolListTables, nil)
	if err != nil {
		t.Fatalf("list_tables failed: %v", err)
	}
	if !strings.Contains(res.Output.Text, "orders") {
		t.Errorf("observation %q should list orders", res.Output.Text)
	}

	res, err = g.Execute(ctx, ToolDescribeTable, map[string]any{"table": "orders"})
	if err != nil {
		t.Fatalf("describe_table failed: %v", err)
	}
	if !strings.Contains(res.Output.Text, "created_at DATETIME") {
		t.Errorf("observation %q should include column types", res.Output.Text)
	}
}

func TestGatewayExecuteQueryCarriesRows(t *testing.T) {
	g := newTestGateway()

	res, err := g.Execute(context.Background(), ToolExecuteQuery, map[string]any{"sql": "SELECT id FROM orders"})
	if err != nil {
		t.Fatalf("execute_query failed: %v", err)
	}
	if res.Output.Rows == nil || len(res.Output.Rows.Rows) != 3 {
		t.Fatal("execute_query should carry the full result set")
	}
	if !g.IsRetrieval(ToolExecuteQuery) {
		t.Error("execute_query must count as a retrieval step")
	}
	if g.IsRetrieval(ToolListTables) {
		t.Error("list_tables must not count as a retrieval step")
	}
}

func TestRenderResultPreviewCapped(t *testing.T) {
	rs := &ResultSet{Columns: []string{"n"}}
	for i := 0; i < 25; i++ {
		rs.Rows = append(rs.Rows, []string{fmt.Sprint(i)})
	}

	text := renderResult(rs)
	if !strings.Contains(text, "query returned 25 rows") {
		t.Errorf("preview %q should state the row count", text)
	}
	if !strings.Contains(text, "15 more rows") {
		t.Errorf("preview %q should note rows beyond the cap", text)
	}
	if lines := strings.Count(text, "\n"); lines > previewRows+2 {
		t.Errorf("preview has %d lines, want at most %d", lines, previewRows+2)
	}
}

func TestRenderResultEmpty(t *testing.T) {
	if got := renderResult(&ResultSet{Columns: []string{"n"}}); got != "query returned 0 rows" {
		t.Errorf("got %q", got)
	}
}
