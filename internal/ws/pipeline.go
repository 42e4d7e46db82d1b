package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentforge/agentforge/internal/activity"
	"github.com/agentforge/agentforge/internal/agent"
	"github.com/agentforge/agentforge/internal/lock"
	"github.com/agentforge/agentforge/internal/logger"
	"github.com/agentforge/agentforge/internal/session"
)

// CommandRouter runs the slash commands the Pipeline does not handle itself
// (/cd, /pwd, /agent and /interrupt are handled in Pipeline; everything else,
// e.g. /search and /bootstrap, is passed here). Implemented outside this
// package so ws stays free of bootstrap/search dependencies.
type CommandRouter interface {
	RunCommand(ctx context.Context, rec *session.Record, name string, args []string) (string, error)
}

// Pipeline is the turn pipeline for one connection: it dispatches InMessages
// against a session record's orchestrator and lifts the orchestrator's
// normalized agent.Event stream into OutMessages. Grounded on the teacher's
// internal/gateway/websocket/client.go's handleMessage dispatch, adapted
// from its task.subscribe-style envelope to spec.md §6's flat message types.
type Pipeline struct {
	rec         *session.Record
	tracker     *activity.Tracker
	router      CommandRouter
	sessions    *session.Manager
	pool        *lock.Pool
	allowedDirs []string
	log         *logger.Logger
	send        func(OutMessage)

	mu        sync.Mutex
	seenMsgs  map[string]bool
	deltaSeen map[string]string // item id -> full responding text sent so far
	cmdSeen   map[string]bool   // "id:cmd:<command>" -> header already emitted
	cmdOutput map[string]string // "id:cmd:<command>" -> aggregated output sent so far
	unsub     agent.Unsubscribe
}

// NewPipeline wires a Pipeline to rec's orchestrator, relaying its events
// through send. pool is the C2 lock pool a prompt turn holds for its
// duration; sessions lets the pipeline persist thread ids and clear the
// history-injection flag it consumes; allowedDirs gates /cd. Callers must
// call Close when the connection ends.
func NewPipeline(rec *session.Record, tracker *activity.Tracker, router CommandRouter, sessions *session.Manager, pool *lock.Pool, allowedDirs []string, log *logger.Logger, send func(OutMessage)) *Pipeline {
	p := &Pipeline{
		rec:         rec,
		tracker:     tracker,
		router:      router,
		sessions:    sessions,
		pool:        pool,
		allowedDirs: allowedDirs,
		log:         log,
		send:        send,
		seenMsgs:    make(map[string]bool),
		deltaSeen:   make(map[string]string),
		cmdSeen:     make(map[string]bool),
		cmdOutput:   make(map[string]string),
	}
	p.unsub = rec.Orchestrator.OnEvent(p.onAgentEvent)
	return p
}

// Close detaches the pipeline from its orchestrator's event stream.
func (p *Pipeline) Close() {
	if p.unsub != nil {
		p.unsub()
	}
}

// Handle dispatches one decoded InMessage. It never returns an error to the
// caller directly; failures are reported as a TypeError OutMessage, per
// spec.md §7's "protocol errors never drop the connection" policy. Handle
// parses the message, acks prompts, and runs /cd, /pwd, /agent and
// /interrupt inline; prompt turns and router-dispatched commands run in
// their own goroutine, so callers may invoke it synchronously without
// stalling on a long-running turn.
func (p *Pipeline) Handle(ctx context.Context, msg *InMessage) {
	switch msg.Type {
	case TypePrompt:
		p.handlePrompt(ctx, msg.Payload)
	case TypeCommand:
		p.handleCommand(ctx, msg.Payload)
	case TypeTaskResume:
		p.handleTaskResume(ctx, msg.Payload)
	case TypeAgents:
		p.handleAgents()
	case TypePing:
		p.send(newOut(TypeAck, AckPayload{Type: TypePing}))
	default:
		p.sendError("unknown message type: " + msg.Type)
	}
}

// maxHistoryChars bounds the history-injection prefix (spec.md §4.C13: ≤20
// most recent user/AI entries, ≤8,000 chars — entry-count bounding lives in
// session.Manager.RecordTurn).
const maxHistoryChars = 8000

func (p *Pipeline) handlePrompt(ctx context.Context, raw json.RawMessage) {
	var payload PromptPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		p.sendError("invalid prompt payload: " + err.Error())
		return
	}
	if strings.TrimSpace(payload.Text) == "" && len(payload.Images) == 0 {
		p.sendError("prompt requires text or images")
		return
	}

	if payload.ClientMessageID != "" {
		p.mu.Lock()
		if p.seenMsgs[payload.ClientMessageID] {
			p.mu.Unlock()
			p.send(newOut(TypeAck, AckPayload{Type: TypePrompt, ClientMessageID: payload.ClientMessageID, Duplicate: true}))
			return
		}
		p.seenMsgs[payload.ClientMessageID] = true
		p.mu.Unlock()
	}

	// An embedded /search or /bootstrap dispatches through the command
	// router instead of going to the orchestrator as a prompt turn
	// (spec.md §4.C13's "if a slash command is detected, dispatch and
	// return").
	if name, args := parseSlashCommand(payload.Text); name == "search" || name == "bootstrap" {
		p.send(newOut(TypeAck, AckPayload{Type: TypePrompt, ClientMessageID: payload.ClientMessageID}))
		p.dispatchRouted(ctx, name, args)
		return
	}

	p.send(newOut(TypeAck, AckPayload{Type: TypePrompt, ClientMessageID: payload.ClientMessageID}))

	input := agent.TextInput(payload.Text)
	for i, img := range payload.Images {
		path, err := materializeInlineImage(img, i)
		if err != nil {
			p.sendError("invalid inline image: " + err.Error())
			return
		}
		input.Parts = append(input.Parts, agent.InputPart{LocalImage: path})
	}

	if p.rec.NeedsHistory {
		input.Parts = append([]agent.InputPart{{Text: p.historyPrefix()}}, input.Parts...)
		p.rec.NeedsHistory = false
		if p.sessions != nil {
			p.sessions.MarkNeedsHistoryInjection(p.rec.UserID, false)
		}
	}

	activeID := p.rec.Orchestrator.ActiveID()
	prevThreadID := p.rec.SavedThreadIDs[activeID]
	root := p.rec.Cwd
	promptText := payload.Text

	// Acquire the project's C2 lock for the duration of the turn
	// (spec.md §4.C13), in its own goroutine so ReadPump keeps servicing
	// ping/pong and subsequent messages while the turn is in flight.
	go func() {
		run := func(ctx context.Context) error {
			result, err := p.rec.Orchestrator.Send(ctx, input, agent.SendOptions{Streaming: true})
			if err != nil {
				return err
			}

			newThreadID := p.rec.Orchestrator.GetThreadID()
			threadReset := prevThreadID != "" && newThreadID != "" && prevThreadID != newThreadID
			p.rec.SavedThreadIDs[activeID] = newThreadID
			if p.sessions != nil && newThreadID != "" {
				p.sessions.SaveThreadID(p.rec.UserID, activeID, newThreadID)
				p.sessions.RecordTurn(p.rec.UserID, "user: "+promptText)
				p.sessions.RecordTurn(p.rec.UserID, "assistant: "+result.Response)
			}

			out := ResultPayload{Ok: true, Response: result.Response, ThreadID: newThreadID, ExpectedThreadID: prevThreadID, ThreadReset: threadReset}
			if result.Usage != nil {
				out.Usage = &struct {
					InputTokens  int `json:"input_tokens"`
					OutputTokens int `json:"output_tokens"`
				}{InputTokens: result.Usage.InputTokens, OutputTokens: result.Usage.OutputTokens}
			}
			p.send(newOut(TypeResult, out))
			return nil
		}

		var err error
		if p.pool != nil && root != "" {
			err = p.pool.RunExclusive(ctx, root, run)
		} else {
			err = run(ctx)
		}
		if err != nil {
			p.sendClassifiedError(err)
		}
	}()
}

// historyPrefix renders the bounded recent-transcript block attached ahead
// of a prompt when NeedsHistory is set.
func (p *Pipeline) historyPrefix() string {
	joined := strings.Join(p.rec.RecentTurns, "\n")
	if len(joined) > maxHistoryChars {
		joined = joined[len(joined)-maxHistoryChars:]
	}
	if joined == "" {
		return ""
	}
	return "Recent conversation history:\n" + joined + "\n\n"
}

// materializeInlineImage decodes a base64 inline image payload to a fresh
// temp file and returns its path, per spec.md §4.C13's "base64 inline
// images materialized to a temp dir".
func materializeInlineImage(data string, index int) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	dir, err := os.MkdirTemp("", "agentforge-inline-image-")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("image-%d.bin", index))
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// dispatchRouted hands name/args to the external command router, replying
// with a TypeResult on success.
func (p *Pipeline) dispatchRouted(ctx context.Context, name string, args []string) {
	if p.router == nil {
		p.sendError("unsupported command: /" + name)
		return
	}
	go func() {
		out, err := p.router.RunCommand(ctx, p.rec, name, args)
		if err != nil {
			p.sendError(err.Error())
			return
		}
		p.send(newOut(TypeResult, ResultPayload{Ok: true, Response: out}))
	}()
}

func (p *Pipeline) handleCommand(ctx context.Context, raw json.RawMessage) {
	var payload CommandPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		p.sendError("invalid command payload: " + err.Error())
		return
	}
	name, args := parseSlashCommand(payload.Text)
	if name == "" {
		p.sendError("empty command")
		return
	}

	switch name {
	case "cd":
		p.handleCd(args)
	case "pwd":
		p.send(newOut(TypeWorkspace, map[string]string{"cwd": p.rec.Cwd}))
	case "agent":
		if len(args) == 0 {
			p.handleAgents()
			return
		}
		if err := p.rec.Orchestrator.SwitchAgent(args[0]); err != nil {
			p.sendError(err.Error())
			return
		}
		p.handleAgents()
	case "interrupt":
		if err := p.rec.Orchestrator.Reset(ctx); err != nil {
			p.sendError(err.Error())
			return
		}
		p.send(newOut(TypeAck, AckPayload{Type: TypeCommand, Command: "interrupt"}))
	default:
		p.dispatchRouted(ctx, name, args)
	}
}

// handleCd validates that the target is inside allowedDirs, sends a
// non-fatal workspace_uninitialized error when the target is not an existing
// directory, passes the path to every adapter via
// Orchestrator.SetWorkingDirectory and updates the record's cwd. It builds
// no system-prompt context of its own.
func (p *Pipeline) handleCd(args []string) {
	if len(args) == 0 {
		p.sendError("/cd requires a path")
		return
	}
	abs, err := filepath.Abs(args[0])
	if err != nil {
		p.sendError(err.Error())
		return
	}
	if !isAllowedDir(p.allowedDirs, abs) {
		p.sendError("/cd: " + args[0] + " is outside the allowed directories")
		return
	}

	if info, statErr := os.Stat(abs); statErr != nil || !info.IsDir() {
		p.send(newOut(TypeError, ErrorPayload{Message: "workspace " + abs + " is not initialized", Code: "workspace_uninitialized"}))
	}

	if err := p.rec.Orchestrator.SetWorkingDirectory(abs); err != nil {
		p.sendError(err.Error())
		return
	}
	p.rec.Cwd = abs
	p.send(newOut(TypeWorkspace, map[string]string{"cwd": p.rec.Cwd}))
}

// isAllowedDir reports whether abs is inside one of allowedDirs (or
// allowedDirs is empty, meaning unrestricted). Grounded on the teacher's
// same check in internal/commandrouter.Router.isAllowedDir.
func isAllowedDir(allowedDirs []string, abs string) bool {
	if len(allowedDirs) == 0 {
		return true
	}
	for _, dir := range allowedDirs {
		allowedAbs, err := filepath.Abs(dir)
		if err != nil {
			continue
		}
		if abs == allowedAbs || strings.HasPrefix(abs, allowedAbs+string(os.PathSeparator)) {
			return true
		}
	}
	return false
}

func (p *Pipeline) handleTaskResume(ctx context.Context, raw json.RawMessage) {
	var payload TaskResumePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		p.sendError("invalid task_resume payload: " + err.Error())
		return
	}

	mode := payload.Mode
	if mode == "" {
		mode = ResumeAuto
	}

	var threadID string
	switch mode {
	case ResumeSaved:
		threadID = payload.ThreadID
		if threadID == "" {
			threadID = p.rec.SavedThreadIDs[p.rec.Orchestrator.ActiveID()]
		}
	case ResumeCurrent:
		threadID = p.rec.Orchestrator.GetThreadID()
	case ResumeAuto:
		if p.rec.ResumeThreadID != "" {
			threadID = p.rec.ResumeThreadID
		} else {
			threadID = p.rec.Orchestrator.GetThreadID()
		}
	}

	p.send(newOut(TypeAck, AckPayload{Type: TypeTaskResume, ThreadID: threadID}))
}

func (p *Pipeline) handleAgents() {
	p.send(newOut(TypeServerAgents, AgentsPayload{
		Agents: p.rec.Orchestrator.ListAgents(),
		Active: p.rec.Orchestrator.ActiveID(),
	}))
}

// onAgentEvent lifts one normalized agent.Event into zero or more
// OutMessages, feeding the activity tracker along the way (spec.md §4.C6).
func (p *Pipeline) onAgentEvent(ev agent.Event) {
	p.tracker.IngestEvent(ev)

	switch ev.Kind {
	case agent.EventTurnFailed:
		if ev.Err != nil {
			p.send(newOut(TypeError, ErrorPayload{Message: ev.Err.Message, Code: ev.Err.Code}))
		}
		return
	case agent.EventItemUpdated, agent.EventItemCompleted:
		if ev.Item == nil {
			return
		}
		p.relayItem(ev.Phase, ev.Item)
	}
}

// relayItem implements spec.md §4.C13's per-phase/per-item-type relay rules.
func (p *Pipeline) relayItem(phase agent.Phase, item *agent.Item) {
	switch phase {
	case agent.PhaseResponding:
		p.relayResponding(item)
		return
	case agent.PhaseBoot, agent.PhaseAnalysis, agent.PhaseContext, agent.PhaseEditing, agent.PhaseTool, agent.PhaseConnection:
		title := string(item.Type)
		detail := summarizeItem(item)
		p.send(newOut(TypeDelta, DeltaPayload{Delta: fmt.Sprintf("[%s] %s: %s\n", phase, title, detail), Source: "step"}))
		return
	}

	switch item.Type {
	case agent.ItemReasoning:
		if item.Delta != "" {
			p.send(newOut(TypeDelta, DeltaPayload{Delta: item.Delta, Source: "step"}))
		}
	case agent.ItemAgentMessage:
		p.relayResponding(item)
	case agent.ItemCommandExecution:
		p.relayCommand(item)
	case agent.ItemFileChange:
		p.relayFileChange(item)
	case agent.ItemWebSearch, agent.ItemToolCall, agent.ItemMCPToolCall:
		p.send(newOut(TypeExplored, ExploredPayload{
			Category: string(item.Type),
			Summary:  summarizeItem(item),
		}))
	}
}

// relayResponding sends only the suffix of item.Delta beyond the last-seen
// responding text for this item (spec.md §4.C13).
func (p *Pipeline) relayResponding(item *agent.Item) {
	if item.Delta == "" {
		return
	}
	p.mu.Lock()
	prev := p.deltaSeen[item.ID]
	suffix := item.Delta
	if strings.HasPrefix(item.Delta, prev) {
		suffix = item.Delta[len(prev):]
	}
	p.deltaSeen[item.ID] = item.Delta
	p.mu.Unlock()
	if suffix == "" {
		return
	}
	p.send(newOut(TypeDelta, DeltaPayload{Delta: suffix}))
}

// relayCommand assembles the per-command key id:cmd:<command>, emits a
// first-sighting "$ <cmd>" header, and prefix-diffs the aggregated output
// into an outputDelta (spec.md §4.C13).
func (p *Pipeline) relayCommand(item *agent.Item) {
	key := "id:cmd:" + item.Command

	p.mu.Lock()
	firstSighting := !p.cmdSeen[key]
	p.cmdSeen[key] = true
	prevOutput := p.cmdOutput[key]
	outputDelta := item.AggregatedOutput
	if strings.HasPrefix(item.AggregatedOutput, prevOutput) {
		outputDelta = item.AggregatedOutput[len(prevOutput):]
	}
	p.cmdOutput[key] = item.AggregatedOutput
	p.mu.Unlock()

	if firstSighting {
		p.send(newOut(TypeDelta, DeltaPayload{Delta: "$ " + item.Command + "\n", Source: "step"}))
	}
	if outputDelta == "" && firstSighting == false && item.Status == "" {
		return
	}
	p.send(newOut(TypeServerCommand, CommandPreviewPayload{
		Command: CommandInfo{
			ID: item.ID, Command: item.Command, Status: item.Status,
			ExitCode: item.ExitCode, OutputDelta: outputDelta,
		},
	}))
}

// relayFileChange emits the patch summary plus its companion Write-category
// explored entry (spec.md §4.C13).
func (p *Pipeline) relayFileChange(item *agent.Item) {
	payload := PatchPayload{ItemID: item.ID}
	paths := make([]string, 0, len(item.Changes))
	for _, c := range item.Changes {
		payload.Changes = append(payload.Changes, struct {
			Kind string `json:"kind"`
			Path string `json:"path"`
		}{Kind: string(c.Kind), Path: c.Path})
		paths = append(paths, c.Path)
	}
	p.send(newOut(TypePatch, payload))
	p.send(newOut(TypeExplored, ExploredPayload{Category: "Write", Summary: strings.Join(paths, ", ")}))
}

func summarizeItem(item *agent.Item) string {
	if item.Query != "" {
		return item.Query
	}
	if item.ToolName != "" {
		return fmt.Sprintf("%s(%s)", item.ToolName, item.ToolArgs)
	}
	return item.Text
}

func (p *Pipeline) sendError(msg string) {
	p.send(newOut(TypeError, ErrorPayload{Message: msg}))
}

func (p *Pipeline) sendClassifiedError(err error) {
	ce := agent.Classify(err)
	p.send(newOut(TypeError, ErrorPayload{Message: ce.Message, Code: ce.Code}))
}

func parseSlashCommand(text string) (string, []string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil
	}
	text = strings.TrimPrefix(text, "/")
	if text == "" {
		return "", nil
	}
	fields := strings.Fields(text)
	return fields[0], fields[1:]
}
