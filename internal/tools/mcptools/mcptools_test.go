package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rcrtlabs/rcrt/internal/bus"
	"github.com/rcrtlabs/rcrt/internal/observability"
	"github.com/rcrtlabs/rcrt/internal/toolrunner"
)

var _ toolrunner.Executor = (*remoteTool)(nil)

type fakeTransport struct {
	result   *callResult
	err      error
	lastName string
	lastArgs map[string]any
}

func (f *fakeTransport) listTools(context.Context) ([]toolDescriptor, error) { return nil, nil }

func (f *fakeTransport) callTool(_ context.Context, name string, args map[string]any) (*callResult, error) {
	f.lastName = name
	f.lastArgs = args
	return f.result, f.err
}

func (f *fakeTransport) Close() error { return nil }

func testRemoteTool(res *callResult, err error) (*remoteTool, *fakeTransport) {
	tr := &fakeTransport{result: res, err: err}
	return &remoteTool{
		transport: tr,
		desc:      toolDescriptor{Name: "lookup", Description: "remote lookup"},
	}, tr
}

func TestRemoteTool_PlainTextResult(t *testing.T) {
	tool, tr := testRemoteTool(&callResult{
		Content: []contentBlock{{Type: "text", Text: "two results found"}},
	}, nil)

	out, err := tool.Execute(context.Background(), toolrunner.Invocation{
		Input: json.RawMessage(`{"query":"foo"}`),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, ok := out.(map[string]any)
	if !ok || got["result"] != "two results found" {
		t.Errorf("output = %#v, want result text", out)
	}
	if tr.lastName != "lookup" || tr.lastArgs["query"] != "foo" {
		t.Errorf("transport saw %s %v", tr.lastName, tr.lastArgs)
	}
}

func TestRemoteTool_JSONResultPassesThrough(t *testing.T) {
	tool, _ := testRemoteTool(&callResult{
		Content: []contentBlock{{Type: "text", Text: ` {"count": 2} `}},
	}, nil)

	out, err := tool.Execute(context.Background(), toolrunner.Invocation{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	raw, ok := out.(json.RawMessage)
	if !ok {
		t.Fatalf("output type %T, want raw JSON", out)
	}
	var decoded struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil || decoded.Count != 2 {
		t.Errorf("raw = %s", raw)
	}
}

func TestRemoteTool_MultipleTexts(t *testing.T) {
	tool, _ := testRemoteTool(&callResult{
		Content: []contentBlock{{Type: "text", Text: "a"}, {Type: "text", Text: "b"}},
	}, nil)

	out, err := tool.Execute(context.Background(), toolrunner.Invocation{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	got := out.(map[string]any)
	results, ok := got["results"].([]string)
	if !ok || len(results) != 2 {
		t.Errorf("output = %#v, want two results", out)
	}
}

func TestRemoteTool_ServerReportedError(t *testing.T) {
	tool, _ := testRemoteTool(&callResult{
		IsError: true,
		Content: []contentBlock{{Type: "text", Text: "index unavailable"}},
	}, nil)

	_, err := tool.Execute(context.Background(), toolrunner.Invocation{})
	if bus.KindOf(err) != bus.KindExecutorFault {
		t.Fatalf("kind = %v, want executor-fault", bus.KindOf(err))
	}
	if !strings.Contains(err.Error(), "index unavailable") {
		t.Errorf("error %q misses server text", err)
	}
}

func TestRemoteTool_TransportErrorPropagates(t *testing.T) {
	tool, _ := testRemoteTool(nil, bus.NewError(bus.KindTransport, "connection refused"))
	_, err := tool.Execute(context.Background(), toolrunner.Invocation{})
	if bus.KindOf(err) != bus.KindTransport {
		t.Fatalf("kind = %v, want transport", bus.KindOf(err))
	}
}

// mcpServer fakes a streamable-http MCP endpoint.
type mcpServer struct {
	mu       sync.Mutex
	sessions []string
	calls    []string
	sse      bool
}

func (s *mcpServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.sessions = append(s.sessions, r.Header.Get("mcp-session-id"))
		s.calls = append(s.calls, req.Method)
		s.mu.Unlock()

		var result string
		switch req.Method {
		case "initialize":
			w.Header().Set("mcp-session-id", "sess-42")
			result = `{"protocolVersion":"2024-11-05"}`
		case "tools/list":
			// Kept on one line: the SSE branch frames this as a single
			// data: field, and raw newlines inside it are invalid SSE.
			result = `{"tools":[{"name":"lookup","description":"remote lookup","inputSchema":{"type":"object"}},{"description":"nameless"}]}`
		case "tools/call":
			params, _ := json.Marshal(req.Params)
			var call struct {
				Name string `json:"name"`
			}
			json.Unmarshal(params, &call)
			result = fmt.Sprintf(`{"content":[{"type":"text","text":"called %s"}]}`, call.Name)
		default:
			t.Errorf("unexpected method %s", req.Method)
			result = `{}`
		}

		body := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, req.ID, result)
		if s.sse {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", body)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}
}

func TestConnect_HTTPListsAndCalls(t *testing.T) {
	fake := &mcpServer{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	p, err := Connect(context.Background(), Config{URL: srv.URL},
		observability.NewLogger(observability.LogConfig{Level: "error"}))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer p.Close()

	execs := p.Executors()
	if len(execs) != 1 {
		t.Fatalf("executors = %d, want the nameless tool skipped", len(execs))
	}
	def := execs[0].Definition()
	if def.Name != "lookup" || def.Category != "mcp" {
		t.Errorf("definition = %+v", def)
	}
	if len(def.InputSchema) == 0 {
		t.Error("definition lost the server schema")
	}

	out, err := execs[0].Execute(context.Background(), toolrunner.Invocation{
		Input: json.RawMessage(`{"query":"x"}`),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := out.(map[string]any)["result"]; got != "called lookup" {
		t.Errorf("result = %v", got)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	// Session id from initialize must ride every later request.
	if len(fake.sessions) < 3 || fake.sessions[0] != "" {
		t.Fatalf("sessions = %v", fake.sessions)
	}
	for _, sess := range fake.sessions[1:] {
		if sess != "sess-42" {
			t.Errorf("request missed session id: %v", fake.sessions)
		}
	}
}

func TestConnect_SSEResponses(t *testing.T) {
	fake := &mcpServer{sse: true}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	p, err := Connect(context.Background(), Config{URL: srv.URL},
		observability.NewLogger(observability.LogConfig{Level: "error"}))
	if err != nil {
		t.Fatalf("connect over sse: %v", err)
	}
	defer p.Close()
	if len(p.Executors()) != 1 {
		t.Fatalf("executors = %d", len(p.Executors()))
	}
}

func TestConnect_NeitherTransport(t *testing.T) {
	_, err := Connect(context.Background(), Config{}, nil)
	if err == nil {
		t.Fatal("connect accepted an empty config")
	}
}

func TestDecodeSSEResponse(t *testing.T) {
	stream := "event: message\nretry: 100\ndata: {\"jsonrpc\":\"2.0\",\"id\":1,\n" +
		"data: \"result\":{\"ok\":true}}\n\n"
	rpc, err := decodeSSEResponse(strings.NewReader(stream))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(rpc.Result, &result); err != nil || !result.OK {
		t.Errorf("result = %s", rpc.Result)
	}
}

func TestDecodeSSEResponse_EndsWithoutMessage(t *testing.T) {
	_, err := decodeSSEResponse(strings.NewReader("event: ping\n\n"))
	if err == nil {
		t.Fatal("incomplete stream decoded")
	}
}

func TestRPCErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"no such method"}}`)
	}))
	defer srv.Close()

	_, err := Connect(context.Background(), Config{URL: srv.URL},
		observability.NewLogger(observability.LogConfig{Level: "error"}))
	if err == nil || !strings.Contains(err.Error(), "no such method") {
		t.Fatalf("err = %v, want the server message", err)
	}
}
