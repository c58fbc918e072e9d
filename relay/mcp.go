package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/boardsync/kit"
	"github.com/hazyhaar/boardsync/remote"
)

// RegisterMCP registers the relay's tools on srv.
func (s *Server) RegisterMCP(srv *mcp.Server) {
	s.registerListRoomsTool(srv)
	s.registerGetRoomTool(srv)
	s.registerDisconnectRoomTool(srv)
}

// toolMiddleware logs and counts every call of the named tool.
func (s *Server) toolMiddleware(name string) kit.Middleware {
	logged := func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			if err != nil {
				s.logger.Warn("relay: tool failed", "tool", name, "transport", kit.GetTransport(ctx), "error", err)
			} else {
				s.logger.Debug("relay: tool call", "tool", name, "duration", time.Since(start))
			}
			return resp, err
		}
	}
	counted := func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			resp, err := next(ctx, req)
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			s.metrics.tools.WithLabelValues(name, outcome).Inc()
			return resp, err
		}
	}
	return kit.Chain(logged, counted)
}

func (s *Server) addTool(srv *mcp.Server, tool *mcp.Tool, endpoint kit.Endpoint, decode func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error)) {
	kit.RegisterMCPTool(srv, tool, s.toolMiddleware(tool.Name)(endpoint), decode)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func (s *Server) registerListRoomsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "boardsync_list_rooms",
		Description: "List the rooms that hold a shared board document, with size, last writer and live subscriber count.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	type roomSummary struct {
		RoomInfo
		Subscribers int `json:"subscribers"`
	}
	endpoint := func(ctx context.Context, _ any) (any, error) {
		rooms, err := s.store.Rooms(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]roomSummary, 0, len(rooms))
		for _, ri := range rooms {
			out = append(out, roomSummary{RoomInfo: ri, Subscribers: s.hub.Subscribers(ri.Room)})
		}
		return out, nil
	}

	s.addTool(srv, tool, endpoint, kit.DecodeArgs[struct{}])
}

type getRoomRequest struct {
	Room string `json:"room"`
}

type getRoomResponse struct {
	Room        string          `json:"room"`
	Meta        remote.DocMeta  `json:"meta"`
	Subscribers int             `json:"subscribers"`
	Document    json.RawMessage `json:"document"`
}

func (s *Server) registerGetRoomTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "boardsync_get_room",
		Description: "Return the current shared board document of a room with its store metadata.",
		InputSchema: inputSchema(map[string]any{
			"room": map[string]any{"type": "string", "description": "Room name (default \"main\")"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		room := remote.NormalizeRoom(req.(getRoomRequest).Room)
		doc, ok, err := s.store.Get(ctx, room)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("room %q has no document", room)
		}
		return getRoomResponse{
			Room:        room,
			Meta:        remote.ExtractMeta(doc),
			Subscribers: s.hub.Subscribers(room),
			Document:    doc,
		}, nil
	}

	s.addTool(srv, tool, endpoint, kit.DecodeArgs[getRoomRequest])
}

type disconnectRoomResponse struct {
	Room         string `json:"room"`
	Disconnected int    `json:"disconnected"`
}

func (s *Server) registerDisconnectRoomTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "boardsync_disconnect_room",
		Description: "Drop the live subscribers of a room. Clients reconnect and catch up on the current document.",
		InputSchema: inputSchema(map[string]any{
			"room": map[string]any{"type": "string", "description": "Room name (default \"main\")"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		room := remote.NormalizeRoom(req.(getRoomRequest).Room)
		n := s.hub.Disconnect(room)
		s.logger.Info("relay: room subscribers disconnected", "room", room, "count", n)
		return disconnectRoomResponse{Room: room, Disconnected: n}, nil
	}

	s.addTool(srv, tool, endpoint, kit.DecodeArgs[getRoomRequest])
}
