package recorder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// StartSessionParams are the inputs of the start_session tool.
type StartSessionParams struct {
	ProjectName string `json:"project_name" mcp:"name of the project for this session"`
	OptOut      bool   `json:"opt_out,omitempty" mcp:"set to true to opt out of recording"`
}

// SaveThisParams are the inputs of the save_this tool.
type SaveThisParams struct {
	Note string `json:"note,omitempty" mcp:"optional note about why this exchange is important"`
}

// ReplayParams are the inputs of the replay tool (none).
type ReplayParams struct{}

// OffTheRecordParams are the inputs of the off_the_record tool.
type OffTheRecordParams struct {
	Enable *bool `json:"enable,omitempty" mcp:"true to go off the record, false to resume recording (default: true)"`
}

// SessionStatusParams are the inputs of the session_status tool (none).
type SessionStatusParams struct{}

// VerifySyncParams are the inputs of the verify_sync tool.
type VerifySyncParams struct {
	Repair *bool `json:"repair,omitempty" mcp:"re-derive desynchronized index entries before reporting (default: true)"`
}

// SearchExchangesParams are the inputs of the search_exchanges tool.
type SearchExchangesParams struct {
	Query string `json:"query" mcp:"full-text query over recorded exchanges"`
	Limit int    `json:"limit,omitempty" mcp:"maximum number of results (default: 10)"`
}

// RegisterTools registers the recording command surface on an MCP server.
func RegisterTools(server *mcp.Server, engine *Engine) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "start_session",
		Description: "Initialize session recording for a project",
	}, engine.handleStartSession)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "save_this",
		Description: "Manually save the current exchange to the memory bank",
	}, engine.handleSaveThis)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "replay",
		Description: "Show the last recorded exchange",
	}, engine.handleReplay)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "off_the_record",
		Description: "Toggle off-the-record mode (suspends recording)",
	}, engine.handleOffTheRecord)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "session_status",
		Description: "Check current recording status and session info",
	}, engine.handleSessionStatus)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "verify_sync",
		Description: "Verify the search index mirrors committed exchanges, repairing drift",
	}, engine.handleVerifySync)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_exchanges",
		Description: "Full-text search over recorded exchanges",
	}, engine.handleSearchExchanges)

	log.Printf("📋 Registered memory bank tools: start_session, save_this, replay, off_the_record, session_status, verify_sync, search_exchanges")
}

func (e *Engine) handleStartSession(ctx context.Context, session *mcp.ServerSession, params *mcp.CallToolParamsFor[StartSessionParams]) (*mcp.CallToolResultFor[any], error) {
	args := params.Arguments
	log.Printf("🎯 MCP: start_session project='%s' opt_out=%v", args.ProjectName, args.OptOut)

	status, err := e.StartSession(ctx, args.ProjectName, args.OptOut)
	if err != nil {
		return errorResult(err), nil
	}

	var text string
	if args.OptOut {
		text = fmt.Sprintf("🔴 **Session Started: %s**\n\nRecording is **DISABLED** (opted out).\nYour conversations will not be saved to the memory bank.", args.ProjectName)
	} else {
		text = fmt.Sprintf(`🎯 **Session Started: %s**

📹 **Conversations are being recorded for posterity.**

**Available commands:**
• save_this — manually save the current exchange
• replay — show the last recorded exchange
• off_the_record — toggle privacy mode
• session_status — check recording status

To opt out of recording, call off_the_record.`, args.ProjectName)
	}

	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		Meta:    statusMeta(status),
	}, nil
}

func (e *Engine) handleSaveThis(ctx context.Context, session *mcp.ServerSession, params *mcp.CallToolParamsFor[SaveThisParams]) (*mcp.CallToolResultFor[any], error) {
	log.Printf("💾 MCP: save_this")

	result, err := e.SaveExchange(ctx, params.Arguments.Note)
	if err != nil {
		return errorResult(err), nil
	}

	ex := result.Exchange
	text := "✅ Done."
	if result.LinkState == LinkStatePending {
		text = "✅ Saved. ⏳ Related-content links are still pending."
	}

	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		Meta: map[string]interface{}{
			"exchange":   ex,
			"link_state": result.LinkState,
			"success":    true,
		},
	}, nil
}

func (e *Engine) handleReplay(ctx context.Context, session *mcp.ServerSession, params *mcp.CallToolParamsFor[ReplayParams]) (*mcp.CallToolResultFor[any], error) {
	log.Printf("🔄 MCP: replay")

	ex, err := e.LastExchange(ctx)
	if errors.Is(err, ErrNotFound) {
		return &mcp.CallToolResultFor[any]{
			Content: []mcp.Content{&mcp.TextContent{Text: "📭 No exchanges recorded yet."}},
		}, nil
	}
	if err != nil {
		return errorResult(err), nil
	}

	note := ex.UserNote
	if note == "" {
		note = "None"
	}
	text := fmt.Sprintf(`🔄 **Last Recorded Exchange**

**ID:** %s
**Timestamp:** %s
**Method:** %s

**Response:**
%s

**Note:** %s`, ex.ID, ex.CreatedAt, ex.CaptureMethod, truncate(ex.ResponseText, 500), note)

	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		Meta: map[string]interface{}{
			"exchange": ex,
			"success":  true,
		},
	}, nil
}

func (e *Engine) handleOffTheRecord(ctx context.Context, session *mcp.ServerSession, params *mcp.CallToolParamsFor[OffTheRecordParams]) (*mcp.CallToolResultFor[any], error) {
	enable := true
	if params.Arguments.Enable != nil {
		enable = *params.Arguments.Enable
	}
	log.Printf("🔏 MCP: off_the_record enable=%v", enable)

	state, err := e.SetOffTheRecord(ctx, enable)
	if err != nil {
		return errorResult(err), nil
	}

	var text string
	if enable {
		text = "🔴 **Off The Record Mode ENABLED**\n\nYour exchanges will NOT be saved until you resume recording.\nCall off_the_record with enable=false to resume."
	} else {
		text = "🟢 **Recording RESUMED**\n\nYour exchanges will now be saved to the memory bank.\nUse save_this to capture important exchanges."
	}

	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		Meta: map[string]interface{}{
			"recording_enabled": state.RecordingEnabled,
			"off_the_record":    state.OffTheRecord,
			"success":           true,
		},
	}, nil
}

func (e *Engine) handleSessionStatus(ctx context.Context, session *mcp.ServerSession, params *mcp.CallToolParamsFor[SessionStatusParams]) (*mcp.CallToolResultFor[any], error) {
	log.Printf("ℹ️ MCP: session_status")

	status, err := e.Status(ctx)
	if err != nil {
		return errorResult(err), nil
	}

	emoji := "🔴"
	if status.RecordingEnabled && !status.OffTheRecord {
		emoji = "🟢"
	}
	mode := "RECORDING"
	if status.OffTheRecord {
		mode = "OFF THE RECORD"
	}
	project := status.ProjectName
	if project == "" {
		project = "Not set"
	}
	last := status.LastExchangeID
	if last == "" {
		last = "None"
	}

	text := fmt.Sprintf(`%s **Session Status**

**Project:** %s
**Recording:** %v
**Mode:** %s
**Last Exchange:** %s
**Exchanges stored:** %d

**Database:** %s
**Session Started:** %v`,
		emoji, project, status.RecordingEnabled, mode, last,
		status.Stats.Exchanges, status.DatabasePath, status.Started)

	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		Meta:    statusMeta(status),
	}, nil
}

func (e *Engine) handleVerifySync(ctx context.Context, session *mcp.ServerSession, params *mcp.CallToolParamsFor[VerifySyncParams]) (*mcp.CallToolResultFor[any], error) {
	repair := true
	if params.Arguments.Repair != nil {
		repair = *params.Arguments.Repair
	}
	log.Printf("🔎 MCP: verify_sync repair=%v", repair)

	desynced, err := e.VerifySync(ctx, repair)
	if err != nil {
		return errorResult(err), nil
	}

	text := "✅ Search index is in sync with the content store."
	if len(desynced) > 0 {
		text = fmt.Sprintf("❌ %d desynchronized entries:\n%s", len(desynced), strings.Join(desynced, "\n"))
	}

	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		Meta: map[string]interface{}{
			"desynchronized": desynced,
			"in_sync":        len(desynced) == 0,
			"success":        true,
		},
	}, nil
}

func (e *Engine) handleSearchExchanges(ctx context.Context, session *mcp.ServerSession, params *mcp.CallToolParamsFor[SearchExchangesParams]) (*mcp.CallToolResultFor[any], error) {
	args := params.Arguments
	log.Printf("🔍 MCP: search_exchanges query='%s'", args.Query)

	results, err := e.SearchExchanges(ctx, args.Query, args.Limit)
	if err != nil {
		return errorResult(err), nil
	}

	var text string
	if len(results) == 0 {
		text = fmt.Sprintf("🔍 No exchanges found for query '%s'", args.Query)
	} else {
		var b strings.Builder
		fmt.Fprintf(&b, "🔍 Found %d exchanges for query '%s':\n\n", len(results), args.Query)
		for i, ex := range results {
			fmt.Fprintf(&b, "%d. **%s** (%s)\n", i+1, ex.ID, ex.CreatedAt)
			if ex.UserNote != "" {
				fmt.Fprintf(&b, "   **Note:** %s\n", ex.UserNote)
			}
			fmt.Fprintf(&b, "   %s\n\n", truncate(ex.ResponseText, 200))
		}
		text = b.String()
	}

	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		Meta: map[string]interface{}{
			"query":       args.Query,
			"exchanges":   results,
			"total_found": len(results),
			"success":     true,
		},
	}, nil
}

// errorResult maps an engine failure to a user-facing tool result. Every
// error kind gets its own specific message; nothing collapses into a generic
// failure.
func errorResult(err error) *mcp.CallToolResultFor[any] {
	step := ""
	var stepError *StepError
	if errors.As(err, &stepError) {
		step = stepError.Step
	}

	var text string
	switch {
	case errors.Is(err, ErrRecordingDisabled):
		text = "🔴 Recording is disabled. Resume recording with off_the_record enable=false, then save again."
	case errors.Is(err, ErrCaptureFailed):
		text = fmt.Sprintf("❌ Could not capture the response: %v. Copy the response manually and retry save_this.", err)
	case errors.Is(err, ErrStoreWrite):
		text = fmt.Sprintf("❌ Store write failed, nothing was written: %v", err)
	case errors.Is(err, ErrSyncValidation):
		text = fmt.Sprintf("❌ Saved record failed verification: %v. Run verify_sync to repair the index.", err)
	case errors.Is(err, ErrAlreadyStarted):
		text = "❌ A session is already active. Sessions end at process teardown and cannot be restarted."
	case errors.Is(err, ErrNoSession):
		text = "❌ No active session. Call start_session first."
	case errors.Is(err, ErrTimeout):
		text = fmt.Sprintf("🕐 %v", err)
	default:
		text = fmt.Sprintf("❌ %v", err)
	}

	meta := map[string]interface{}{"success": false}
	if step != "" {
		meta["failed_step"] = step
	}

	return &mcp.CallToolResultFor[any]{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		Meta:    meta,
	}
}

func statusMeta(status *SessionStatus) map[string]interface{} {
	return map[string]interface{}{
		"status":  status,
		"success": true,
	}
}

// truncate cuts s to at most limit bytes without splitting a multi-byte rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
