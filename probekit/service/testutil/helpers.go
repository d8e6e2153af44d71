// Package testutil holds shared helpers for MCP tool tests.
package testutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"
)

// CallMCPTool calls an MCP tool and returns the raw result.
func CallMCPTool(t *testing.T, client *mcpclient.Client, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()

	result, err := client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	require.NoError(t, err)
	return result
}

// CallMCPToolJSON calls an MCP tool, requires a success result, and
// unmarshals the JSON payload into T.
func CallMCPToolJSON[T any](t *testing.T, client *mcpclient.Client, name string, args map[string]interface{}) T {
	t.Helper()

	result := CallMCPTool(t, client, name, args)
	text := ExtractMCPText(t, result)
	require.False(t, result.IsError, "%s should succeed: %s", name, text)

	var resp T
	require.NoError(t, json.Unmarshal([]byte(text), &resp), "%s response should be JSON: %s", name, text)
	return resp
}

// CallMCPToolError calls an MCP tool, requires an error result, and
// returns the error text.
func CallMCPToolError(t *testing.T, client *mcpclient.Client, name string, args map[string]interface{}) string {
	t.Helper()

	result := CallMCPTool(t, client, name, args)
	require.True(t, result.IsError, "%s should fail", name)
	return ExtractMCPText(t, result)
}

// ExtractMCPText extracts text content from an MCP tool result.
func ExtractMCPText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()

	require.NotEmpty(t, result.Content, "result should have content")
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content found in result")
	return ""
}
