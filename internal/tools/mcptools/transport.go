package mcptools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rcrtlabs/rcrt/internal/backoff"
	"github.com/rcrtlabs/rcrt/internal/bus"
)

const protocolVersion = "2024-11-05"

// toolDescriptor is one tool as the server advertises it.
type toolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// transport is one connected MCP server. Implementations must be safe for
// concurrent calls.
type transport interface {
	listTools(ctx context.Context) ([]toolDescriptor, error)
	callTool(ctx context.Context, name string, args map[string]any) (*callResult, error)
	Close() error
}

// callResult is the wire shape of a tools/call reply.
type callResult struct {
	IsError bool           `json:"isError"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// stdioTransport speaks MCP to a subprocess through mcp-go.
type stdioTransport struct {
	client *client.Client
}

func dialStdio(ctx context.Context, command string, args []string) (*stdioTransport, error) {
	mcpClient, err := client.NewStdioMCPClient(command, nil, args...)
	if err != nil {
		return nil, fmt.Errorf("start mcp server %s: %w", command, err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		return nil, fmt.Errorf("start mcp client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = protocolVersion
	initReq.Params.ClientInfo = mcp.Implementation{Name: "rcrt-toolrunner", Version: "1.0.0"}
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return nil, fmt.Errorf("initialize mcp session: %w", err)
	}
	return &stdioTransport{client: mcpClient}, nil
}

func (t *stdioTransport) listTools(ctx context.Context) ([]toolDescriptor, error) {
	resp, err := t.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list mcp tools: %w", err)
	}
	descs := make([]toolDescriptor, 0, len(resp.Tools))
	for _, tool := range resp.Tools {
		schema, err := json.Marshal(tool.InputSchema)
		if err != nil {
			schema = nil
		}
		descs = append(descs, toolDescriptor{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}
	return descs, nil
}

func (t *stdioTransport) callTool(ctx context.Context, name string, args map[string]any) (*callResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := t.client.CallTool(ctx, req)
	if err != nil {
		return nil, bus.WrapError(bus.KindTransport, err, "call mcp tool %s", name)
	}

	res := &callResult{IsError: resp.IsError}
	for _, content := range resp.Content {
		if text, ok := content.(mcp.TextContent); ok {
			res.Content = append(res.Content, contentBlock{Type: "text", Text: text.Text})
		}
	}
	return res, nil
}

func (t *stdioTransport) Close() error {
	return t.client.Close()
}

// httpTransport speaks JSON-RPC over plain POSTs. Streamable-http servers
// assign a session id on initialize and answer either as JSON bodies or as
// single-message SSE streams; both shapes are accepted.
type httpTransport struct {
	url     string
	client  *http.Client
	policy  backoff.Policy
	nextID  atomic.Int64
	session struct {
		sync.RWMutex
		id string
	}
}

func dialHTTP(ctx context.Context, url string, timeout time.Duration) (*httpTransport, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	t := &httpTransport{
		url:    url,
		client: &http.Client{Timeout: timeout},
		policy: backoff.Default(),
	}

	if _, err := t.roundTrip(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo":      map[string]any{"name": "rcrt-toolrunner", "version": "1.0.0"},
		"capabilities":    map[string]any{},
	}); err != nil {
		return nil, fmt.Errorf("initialize mcp session: %w", err)
	}
	return t, nil
}

func (t *httpTransport) listTools(ctx context.Context) ([]toolDescriptor, error) {
	result, err := t.roundTrip(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("list mcp tools: %w", err)
	}
	var listed struct {
		Tools []toolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(result, &listed); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}
	return listed.Tools, nil
}

func (t *httpTransport) callTool(ctx context.Context, name string, args map[string]any) (*callResult, error) {
	result, err := t.roundTrip(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, bus.WrapError(bus.KindTransport, err, "call mcp tool %s", name)
	}
	var res callResult
	if err := json.Unmarshal(result, &res); err != nil {
		return nil, bus.WrapError(bus.KindTransport, err, "decode tools/call result for %s", name)
	}
	return &res, nil
}

func (t *httpTransport) Close() error { return nil }

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

// roundTrip posts one JSON-RPC request, retrying transport failures, and
// returns the result payload.
func (t *httpTransport) roundTrip(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      t.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	resp, err := backoff.Retry(ctx, t.policy, 3, func(int) (*rpcResponse, error) {
		return t.post(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func (t *httpTransport) post(ctx context.Context, body []byte) (*rpcResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	t.session.RLock()
	if t.session.id != "" {
		req.Header.Set("mcp-session-id", t.session.id)
	}
	t.session.RUnlock()

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if id := resp.Header.Get("mcp-session-id"); id != "" {
		t.session.Lock()
		t.session.id = id
		t.session.Unlock()
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("mcp server answered %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return decodeSSEResponse(resp.Body)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read mcp response: %w", err)
	}
	var rpc rpcResponse
	if err := json.Unmarshal(payload, &rpc); err != nil {
		return nil, fmt.Errorf("decode mcp response: %w", err)
	}
	return &rpc, nil
}

// decodeSSEResponse reads data: lines until the first complete JSON-RPC
// message parses. The caller's request context bounds the read.
func decodeSSEResponse(body io.Reader) (*rpcResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var data strings.Builder
	flush := func() *rpcResponse {
		if data.Len() == 0 {
			return nil
		}
		var rpc rpcResponse
		if err := json.Unmarshal([]byte(data.String()), &rpc); err == nil {
			return &rpc
		}
		data.Reset()
		return nil
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			if rpc := flush(); rpc != nil {
				return rpc, nil
			}
			continue
		}
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			data.WriteString(strings.TrimSpace(after))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read mcp event stream: %w", err)
	}
	if rpc := flush(); rpc != nil {
		return rpc, nil
	}
	return nil, fmt.Errorf("mcp event stream ended without a complete message")
}
