// Package builtin provides the tool executor's in-process tools: document
// semantic search, calendar availability, and a generic HTTP request tool.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/invorto/voicecore/internal/tools"
	"github.com/invorto/voicecore/pkg/provider/embeddings"
	"github.com/invorto/voicecore/pkg/types"
)

// DocumentConfig configures the document-query tool.
type DocumentConfig struct {
	Pool       *pgxpool.Pool
	Embeddings embeddings.Provider
	// TopK bounds how many chunks are returned per query. Defaults to 5.
	TopK int
}

type documentQueryArgs struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
}

// DocumentTool returns a [tools.Definition] that embeds the caller's query,
// runs a cosine-distance nearest-neighbour search over a pgvector-indexed
// document_chunks table, and returns the matching passages as newline-joined
// text.
func DocumentTool(cfg DocumentConfig) tools.Definition {
	topK := cfg.TopK
	if topK <= 0 {
		topK = 5
	}

	return tools.Definition{
		Def: types.ToolDefinition{
			Name:        "document_query",
			Description: "Searches the configured knowledge base for passages relevant to a natural-language query.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "natural-language search query"},
					"top_k": map[string]any{"type": "integer", "minimum": 1, "maximum": 20},
				},
				"required":             []any{"query"},
				"additionalProperties": false,
			},
		},
		Idempotent: true,
		Handler: func(ctx context.Context, argsJSON string) (string, error) {
			var args documentQueryArgs
			if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
				return "", fmt.Errorf("document_query: parse arguments: %w", err)
			}
			limit := args.TopK
			if limit <= 0 {
				limit = topK
			}

			vec, err := cfg.Embeddings.Embed(ctx, args.Query)
			if err != nil {
				return "", fmt.Errorf("document_query: embed query: %w", err)
			}

			rows, err := cfg.Pool.Query(ctx, `
				SELECT content
				FROM   document_chunks
				ORDER  BY embedding <=> $1
				LIMIT  $2`, pgvector.NewVector(vec), limit)
			if err != nil {
				return "", fmt.Errorf("document_query: search: %w", err)
			}

			passages, err := pgx.CollectRows(rows, pgx.RowTo[string])
			if err != nil {
				return "", fmt.Errorf("document_query: collect results: %w", err)
			}
			if len(passages) == 0 {
				return "no matching passages found", nil
			}
			return strings.Join(passages, "\n---\n"), nil
		},
	}
}
