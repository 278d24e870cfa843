// Package agent exposes capture sessions to an interview agent as MCP tools.
package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/GriffinCanCode/good-listener/backend/capture/internal/session"
)

// Tool names.
const (
	ToolStart  = "start_recording"
	ToolStop   = "stop_recording"
	ToolRecord = "record_answer"

	argMaxDuration = "max_duration_seconds"
)

// Sessions is the lifecycle the tools drive.
type Sessions interface {
	Start(ctx context.Context, opts session.StartOptions) (session.Ack, error)
	Stop(ctx context.Context) (session.Result, error)
	Record(ctx context.Context, maxDuration time.Duration, stop <-chan struct{}) (session.Result, error)
}

// Tools binds MCP tool handlers to a session controller.
type Tools struct {
	sessions   Sessions
	defaultMax time.Duration
}

// New creates the tool set. defaultMax bounds record_answer when the caller
// passes no duration.
func New(sessions Sessions, defaultMax time.Duration) *Tools {
	return &Tools{sessions: sessions, defaultMax: defaultMax}
}

// Server builds an MCP server with every tool registered.
func (t *Tools) Server(version string) *server.MCPServer {
	s := server.NewMCPServer("avcapture", version, server.WithToolCapabilities(false))

	s.AddTool(mcp.NewTool(ToolStart,
		mcp.WithDescription("Start recording audio and video of the candidate's answer. Call stop_recording when the answer is complete."),
		mcp.WithNumber(argMaxDuration, mcp.Description("Stop automatically after this many seconds; 0 uses the server default")),
	), t.handleStart)

	s.AddTool(mcp.NewTool(ToolStop,
		mcp.WithDescription("Stop the current recording and return the transcript with audio and video analysis."),
	), t.handleStop)

	s.AddTool(mcp.NewTool(ToolRecord,
		mcp.WithDescription("Record one answer until the maximum duration elapses, then return the merged analysis."),
		mcp.WithNumber(argMaxDuration, mcp.Description("Recording length in seconds")),
	), t.handleRecord)

	return s
}

// ServeStdio serves the tools over stdin/stdout until the client disconnects.
func (t *Tools) ServeStdio(version string) error {
	return server.ServeStdio(t.Server(version))
}

func (t *Tools) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	secs := req.GetFloat(argMaxDuration, 0)
	if secs < 0 {
		return mcp.NewToolResultError(argMaxDuration + " must not be negative"), nil
	}
	ack, err := t.sessions.Start(ctx, session.StartOptions{MaxDuration: seconds(secs)})
	if err != nil {
		return mcp.NewToolResultError("start failed: " + err.Error()), nil
	}
	slog.Info("recording started via mcp", "session_id", ack.SessionID)
	return jsonResult(ack)
}

func (t *Tools) handleStop(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := t.sessions.Stop(context.WithoutCancel(ctx))
	if err != nil && res.Error == "" {
		res.Error = err.Error()
	}
	return jsonResult(res)
}

func (t *Tools) handleRecord(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := t.defaultMax
	if secs := req.GetFloat(argMaxDuration, 0); secs > 0 {
		limit = seconds(secs)
	}
	if limit <= 0 {
		return mcp.NewToolResultError(argMaxDuration + " is required"), nil
	}
	res, err := t.sessions.Record(ctx, limit, nil)
	if err != nil {
		if res.SessionID == "" {
			return mcp.NewToolResultError("record failed: " + err.Error()), nil
		}
		if res.Error == "" {
			res.Error = err.Error()
		}
	}
	return jsonResult(res)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
