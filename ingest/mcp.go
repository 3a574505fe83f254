package ingest

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/kbingest/kit"
)

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

var (
	pathProp   = map[string]any{"type": "string", "description": "Source document (pdf, docx, md, html)"}
	outDirProp = map[string]any{"type": "string", "description": "Directory for extracted images (default: images/<document name>)"}
	stringProp = func(desc string) map[string]any { return map[string]any{"type": "string", "description": desc} }
)

// RegisterMCP registers the pipeline tools on srv: kb_formats, kb_extract,
// kb_import, kb_articles and kb_runs.
func (p *Pipeline) RegisterMCP(srv *mcp.Server) {
	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "kb_formats",
		Description: "List the source formats the pipeline can open.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}, p.formatsEndpoint(), kit.DecodeJSON[struct{}]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "kb_extract",
		Description: "Extract a document into sections with anchored images. Returns sections, images and stats; nothing is stored.",
		InputSchema: inputSchema(map[string]any{
			"path":       pathProp,
			"output_dir": outDirProp,
		}, []string{"path"}),
	}, p.extractEndpoint(), kit.DecodeJSON[extractRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "kb_import",
		Description: "Extract a document and replace every article of its category with the extracted sections, in one transaction.",
		InputSchema: inputSchema(map[string]any{
			"path":           pathProp,
			"output_dir":     outDirProp,
			"category":       stringProp("Article category; all its current articles are replaced"),
			"subcategory":    stringProp("Article subcategory"),
			"product_line":   stringProp("Product line"),
			"product_models": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Product models"},
			"visibility":     stringProp("Visibility (default: internal)"),
			"status":         stringProp("Status (default: published)"),
			"created_by":     stringProp("Author recorded on every article"),
			"title_prefix":   stringProp("Prepended to every title"),
			"slug_prefix":    stringProp("Prepended to every slug"),
			"markdown":       map[string]any{"type": "boolean", "description": "Import the file as authored Markdown, one article per heading"},
		}, []string{"path"}),
	}, p.importEndpoint(), kit.DecodeJSON[importRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "kb_articles",
		Description: "List the articles of a category in document order, or every category with its count when no category is given.",
		InputSchema: inputSchema(map[string]any{
			"category": stringProp("Category to list"),
			"content":  map[string]any{"type": "boolean", "description": "Include article bodies"},
		}, nil),
	}, p.articlesEndpoint(), kit.DecodeJSON[articlesRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "kb_runs",
		Description: "List recent import runs, newest first.",
		InputSchema: inputSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Max runs (default 20)"},
		}, nil),
	}, p.runsEndpoint(), kit.DecodeJSON[runsRequest]())
}
