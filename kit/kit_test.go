package kit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Endpoint) Endpoint {
			return func(ctx context.Context, req any) (any, error) {
				order = append(order, name+">")
				resp, err := next(ctx, req)
				order = append(order, "<"+name)
				return resp, err
			}
		}
	}
	base := func(context.Context, any) (any, error) {
		order = append(order, "endpoint")
		return "ok", nil
	}

	resp, err := Chain(mw("a"), mw("b"))(base)(context.Background(), nil)
	if err != nil || resp != "ok" {
		t.Fatalf("resp=%v err=%v", resp, err)
	}
	want := []string{"a>", "b>", "endpoint", "<b", "<a"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestChain_ErrorPropagation(t *testing.T) {
	boom := errors.New("boom")
	ep := Chain(func(next Endpoint) Endpoint { return next })(func(context.Context, any) (any, error) {
		return nil, boom
	})
	if _, err := ep(context.Background(), nil); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestContext_Defaults(t *testing.T) {
	ctx := context.Background()
	if GetTransport(ctx) != "http" || GetTraceID(ctx) != "" || GetClientID(ctx) != "" {
		t.Fatal("unexpected defaults")
	}
	ctx = WithClientID(WithTraceID(WithTransport(ctx, "mcp"), "trc"), "cl_1")
	if GetTransport(ctx) != "mcp" || GetTraceID(ctx) != "trc" || GetClientID(ctx) != "cl_1" {
		t.Fatal("values not stored")
	}
}

type echoReq struct {
	Room string `json:"room"`
}

func TestRegisterMCPTool(t *testing.T) {
	ctx := context.Background()
	srv := mcp.NewServer(&mcp.Implementation{Name: "test", Version: "v0"}, nil)

	RegisterMCPTool(srv, &mcp.Tool{
		Name:        "echo_room",
		InputSchema: map[string]any{"type": "object"},
	}, func(ctx context.Context, req any) (any, error) {
		r := req.(echoReq)
		if r.Room == "" {
			return nil, errors.New("room required")
		}
		return map[string]string{"room": r.Room, "transport": GetTransport(ctx)}, nil
	}, DecodeArgs[echoReq])

	st, ct := mcp.NewInMemoryTransports()
	go func() { _ = srv.Run(ctx, st) }()
	client := mcp.NewClient(&mcp.Implementation{Name: "client", Version: "v0"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cs.Close()

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: "echo_room", Arguments: map[string]any{"room": "lobby"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("tool error: %v", res.Content)
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(res.Content[0].(*mcp.TextContent).Text), &out); err != nil {
		t.Fatal(err)
	}
	if out["room"] != "lobby" || out["transport"] != "mcp" {
		t.Fatalf("out = %v", out)
	}

	res, err = cs.CallTool(ctx, &mcp.CallToolParams{Name: "echo_room", Arguments: map[string]any{}})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Fatal("expected tool error for missing room")
	}
}
