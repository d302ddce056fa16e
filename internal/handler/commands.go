package handler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/moziai/mozi/internal/bus"
	"github.com/moziai/mozi/internal/heartbeat"
	"github.com/moziai/mozi/internal/reminders"
	"github.com/moziai/mozi/internal/router"
	"github.com/moziai/mozi/internal/sessions"
)

// switchMaxDistance is the edit-distance budget for /switch typo correction.
const switchMaxDistance = 2

const helpText = `Mozi runtime commands:
/start /help — this text
/whoami — who you are to the runtime
/status — runtime, agent, and model summary
/new — start a fresh session (context is archived)
/models — list available models
/switch [ref] — set or show the session model override
/stop — interrupt the running turn
/restart — restart the runtime host
/compact — compact session memory
/context — context usage breakdown
/think [level] — set or show the thinking level
/reasoning [on|off|stream] — reasoning visibility
/setAuth set KEY=value, /unsetAuth KEY, /listAuth, /checkAuth KEY
/reminders [list|add|on|off|snooze|cancel] …
/heartbeat [status|on|off]`

// runCommand parses "/name args…" and executes the matching command. Unknown
// commands are silently ignored.
func (h *Handler) runCommand(ctx context.Context, msg bus.InboundMessage, route router.Route, sess *sessions.Session, text string) {
	name, args, _ := strings.Cut(strings.TrimPrefix(text, "/"), " ")
	args = strings.TrimSpace(args)

	switch strings.ToLower(name) {
	case "start", "help":
		h.reply(ctx, msg, helpText)
	case "whoami":
		h.cmdWhoami(ctx, msg, route)
	case "status":
		h.cmdStatus(ctx, msg, route, sess)
	case "new":
		h.opts.Sessions.Rotate(sess.Key, "manual")
		h.reply(ctx, msg, "已开启新会话 — started a fresh session.")
	case "models":
		h.cmdModels(ctx, msg)
	case "switch":
		h.cmdSwitch(ctx, msg, route, sess, args)
	case "stop":
		if h.opts.Kernel.Interrupt(sess.Key, "user requested stop") {
			h.reply(ctx, msg, "Interrupted the running turn.")
		} else {
			h.reply(ctx, msg, "Nothing is running.")
		}
	case "restart":
		h.reply(ctx, msg, "Restarting the runtime…")
		if h.opts.Restart != nil {
			h.opts.Restart()
		}
	case "compact":
		h.cmdCompact(ctx, msg, sess)
	case "context":
		h.cmdContext(ctx, msg, route, sess)
	case "think":
		h.cmdThink(ctx, msg, route, sess, args)
	case "reasoning":
		h.cmdReasoning(ctx, msg, route, sess, args)
	case "setauth":
		h.cmdSetAuth(ctx, msg, args)
	case "unsetauth":
		h.cmdUnsetAuth(ctx, msg, args)
	case "listauth":
		h.cmdListAuth(ctx, msg)
	case "checkauth":
		h.cmdCheckAuth(ctx, msg, args)
	case "reminders":
		h.cmdReminders(ctx, msg, sess, args)
	case "heartbeat":
		h.cmdHeartbeat(ctx, msg, route, args)
	default:
		h.log.Debug("handler: ignoring unknown command", "command", name)
	}
}

func (h *Handler) cmdWhoami(ctx context.Context, msg bus.InboundMessage, route router.Route) {
	var b strings.Builder
	fmt.Fprintf(&b, "Sender: %s", msg.SenderID)
	if msg.SenderName != "" {
		fmt.Fprintf(&b, " (%s)", msg.SenderName)
	}
	fmt.Fprintf(&b, "\nChannel: %s / %s (%s)", msg.Channel, msg.PeerID, msg.PeerKind)
	fmt.Fprintf(&b, "\nAgent: %s\nSession: %s", route.AgentID, route.SessionKey)
	h.reply(ctx, msg, b.String())
}

func (h *Handler) cmdStatus(ctx context.Context, msg bus.InboundMessage, route router.Route, sess *sessions.Session) {
	cfg := h.opts.Config()
	spec := cfg.ResolveAgent(route.AgentID)

	model := h.opts.Sessions.GetMetadata(sess.Key, sessions.MetaModelOverride)
	modelNote := " (session override)"
	if model == "" {
		model = spec.Model
		modelNote = ""
	}
	thinking := h.effectiveThinking(sess.Key, spec.Thinking)
	reasoning := h.effectiveReasoning(sess.Key, spec)

	var b strings.Builder
	fmt.Fprintf(&b, "Agent: %s", route.AgentID)
	if spec.Name != "" {
		fmt.Fprintf(&b, " (%s)", spec.Name)
	}
	fmt.Fprintf(&b, "\nModel: %s%s\nThinking: %s\nReasoning: %s", model, modelNote, thinking, reasoning)
	fmt.Fprintf(&b, "\nSession: %s [%s]", sess.Key, sess.Status)

	statuses := h.opts.Channels.Statuses()
	ids := make([]string, 0, len(statuses))
	for id := range statuses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	b.WriteString("\nChannels:")
	for _, id := range ids {
		fmt.Fprintf(&b, " %s=%s", id, statuses[id])
	}
	h.reply(ctx, msg, b.String())
}

func (h *Handler) cmdModels(ctx context.Context, msg bus.InboundMessage) {
	specs := h.opts.Models.List()
	if len(specs) == 0 {
		h.reply(ctx, msg, "No models registered.")
		return
	}
	var b strings.Builder
	b.WriteString("Available models:")
	for _, spec := range specs {
		fmt.Fprintf(&b, "\n- %s", spec.Ref)
		if len(spec.Input) > 0 {
			fmt.Fprintf(&b, " [%s]", strings.Join(spec.Input, ","))
		}
		if spec.Disabled {
			b.WriteString(" (disabled)")
		}
	}
	h.reply(ctx, msg, b.String())
}

func (h *Handler) cmdSwitch(ctx context.Context, msg bus.InboundMessage, route router.Route, sess *sessions.Session, args string) {
	if args == "" {
		override := h.opts.Sessions.GetMetadata(sess.Key, sessions.MetaModelOverride)
		if override == "" {
			spec := h.opts.Config().ResolveAgent(route.AgentID)
			h.reply(ctx, msg, fmt.Sprintf("Current model: %s (agent default)", spec.Model))
			return
		}
		h.reply(ctx, msg, fmt.Sprintf("Current model: %s (session override)", override))
		return
	}

	spec, err := h.opts.Models.Resolve(args, switchMaxDistance)
	if err != nil {
		h.reply(ctx, msg, fmt.Sprintf("Cannot switch: %v", err))
		return
	}
	if spec.Disabled {
		h.reply(ctx, msg, fmt.Sprintf("Model %s is disabled (%s).", spec.Ref, spec.ConfigPath))
		return
	}
	h.opts.Sessions.SetMetadata(sess.Key, sessions.MetaModelOverride, spec.Ref)
	note := ""
	if !strings.EqualFold(spec.Ref, strings.TrimSpace(args)) {
		note = fmt.Sprintf(" (corrected from %q)", args)
	}
	h.reply(ctx, msg, fmt.Sprintf("Switched to %s%s.", spec.Ref, note))
}

func (h *Handler) cmdCompact(ctx context.Context, msg bus.InboundMessage, sess *sessions.Session) {
	if h.opts.Memory == nil {
		h.reply(ctx, msg, "Memory compaction is not configured.")
		return
	}
	if err := h.opts.Memory.Flush(ctx, sess.Key); err != nil {
		h.reply(ctx, msg, fmt.Sprintf("Compaction failed: %v", err))
		return
	}
	h.opts.Sessions.SetMetadata(sess.Key, sessions.MetaMemoryFlush, time.Now().Format(time.RFC3339))
	h.reply(ctx, msg, "Session memory compacted.")
}

func (h *Handler) cmdContext(ctx context.Context, msg bus.InboundMessage, route router.Route, sess *sessions.Session) {
	history := h.opts.Sessions.History(sess.Key)
	var userMsgs, asstMsgs, chars int
	for _, m := range history {
		chars += len(m.Content)
		switch m.Role {
		case "user":
			userMsgs++
		case "assistant":
			asstMsgs++
		}
	}
	tokens := estimateTokens(chars)
	window := h.contextWindow(route, sess)

	var b strings.Builder
	fmt.Fprintf(&b, "Context: %d messages (%d user, %d assistant)", len(history), userMsgs, asstMsgs)
	fmt.Fprintf(&b, "\n~%d tokens of %d (%.0f%%)", tokens, window, 100*float64(tokens)/float64(window))
	if flush := h.opts.Sessions.GetMetadata(sess.Key, sessions.MetaMemoryFlush); flush != "" {
		fmt.Fprintf(&b, "\nLast memory flush: %s", flush)
	}
	h.reply(ctx, msg, b.String())
}

// thinkingLevels are the accepted /think arguments.
var thinkingLevels = map[string]bool{
	"off": true, "minimal": true, "low": true, "medium": true, "high": true,
}

func (h *Handler) cmdThink(ctx context.Context, msg bus.InboundMessage, route router.Route, sess *sessions.Session, args string) {
	if args == "" {
		spec := h.opts.Config().ResolveAgent(route.AgentID)
		h.reply(ctx, msg, "Thinking level: "+h.effectiveThinking(sess.Key, spec.Thinking))
		return
	}

	// "level -- remaining text" sets the level for this one turn only and
	// dispatches the remainder as a prompt.
	if level, rest, ok := strings.Cut(args, "--"); ok {
		level = strings.ToLower(strings.TrimSpace(level))
		rest = strings.TrimSpace(rest)
		if !thinkingLevels[level] {
			h.reply(ctx, msg, fmt.Sprintf("Unknown thinking level %q.", level))
			return
		}
		h.runPrompt(ctx, msg, route, rest, level)
		return
	}

	level := strings.ToLower(strings.TrimSpace(args))
	if !thinkingLevels[level] {
		h.reply(ctx, msg, fmt.Sprintf("Unknown thinking level %q.", level))
		return
	}
	h.opts.Sessions.SetMetadata(sess.Key, sessions.MetaThinkingLevel, level)
	h.reply(ctx, msg, "Thinking level set to "+level+".")
}

func (h *Handler) cmdReasoning(ctx context.Context, msg bus.InboundMessage, route router.Route, sess *sessions.Session, args string) {
	if args == "" {
		spec := h.opts.Config().ResolveAgent(route.AgentID)
		h.reply(ctx, msg, "Reasoning visibility: "+h.effectiveReasoning(sess.Key, spec))
		return
	}
	mode := strings.ToLower(strings.TrimSpace(args))
	switch mode {
	case "on", "off", "stream":
		h.opts.Sessions.SetMetadata(sess.Key, sessions.MetaReasoningVis, mode)
		h.reply(ctx, msg, "Reasoning visibility set to "+mode+".")
	default:
		h.reply(ctx, msg, "Usage: /reasoning on|off|stream")
	}
}

func (h *Handler) cmdSetAuth(ctx context.Context, msg bus.InboundMessage, args string) {
	if h.opts.Auth == nil {
		h.reply(ctx, msg, "Auth management is disabled.")
		return
	}
	args = strings.TrimSpace(strings.TrimPrefix(args, "set "))
	key, value, ok := strings.Cut(args, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" || value == "" {
		h.reply(ctx, msg, "Usage: /setAuth set KEY=value")
		return
	}
	if err := h.opts.Auth.Set(key, value); err != nil {
		h.reply(ctx, msg, fmt.Sprintf("Failed to store %s: %v", strings.ToUpper(key), err))
		return
	}
	h.reply(ctx, msg, fmt.Sprintf("Stored %s.", strings.ToUpper(key)))
}

func (h *Handler) cmdUnsetAuth(ctx context.Context, msg bus.InboundMessage, args string) {
	if h.opts.Auth == nil {
		h.reply(ctx, msg, "Auth management is disabled.")
		return
	}
	key := strings.TrimSpace(args)
	if key == "" {
		h.reply(ctx, msg, "Usage: /unsetAuth KEY")
		return
	}
	if err := h.opts.Auth.Unset(key); err != nil {
		h.reply(ctx, msg, fmt.Sprintf("Failed to remove %s: %v", strings.ToUpper(key), err))
		return
	}
	h.reply(ctx, msg, fmt.Sprintf("Removed %s.", strings.ToUpper(key)))
}

func (h *Handler) cmdListAuth(ctx context.Context, msg bus.InboundMessage) {
	if h.opts.Auth == nil {
		h.reply(ctx, msg, "Auth management is disabled.")
		return
	}
	names, err := h.opts.Auth.List()
	if err != nil {
		h.reply(ctx, msg, fmt.Sprintf("Failed to list secrets: %v", err))
		return
	}
	if len(names) == 0 {
		h.reply(ctx, msg, "No secrets stored.")
		return
	}
	h.reply(ctx, msg, "Stored secrets:\n- "+strings.Join(names, "\n- "))
}

func (h *Handler) cmdCheckAuth(ctx context.Context, msg bus.InboundMessage, args string) {
	if h.opts.Auth == nil {
		h.reply(ctx, msg, "Auth management is disabled.")
		return
	}
	key := strings.TrimSpace(args)
	if key == "" {
		h.reply(ctx, msg, "Usage: /checkAuth KEY")
		return
	}
	ok, err := h.opts.Auth.Check(key)
	switch {
	case err != nil:
		h.reply(ctx, msg, fmt.Sprintf("%s: %v", strings.ToUpper(key), err))
	case ok:
		h.reply(ctx, msg, fmt.Sprintf("%s is set and decrypts cleanly.", strings.ToUpper(key)))
	default:
		h.reply(ctx, msg, fmt.Sprintf("%s is not set.", strings.ToUpper(key)))
	}
}

func (h *Handler) cmdHeartbeat(ctx context.Context, msg bus.InboundMessage, route router.Route, args string) {
	workspace := h.opts.Config().AgentWorkspace(route.AgentID)

	switch strings.ToLower(strings.TrimSpace(args)) {
	case "", "status":
		doc, err := heartbeat.ReadFile(workspace)
		if err != nil {
			h.reply(ctx, msg, fmt.Sprintf("Cannot read HEARTBEAT.md: %v", err))
			return
		}
		enabled, found := heartbeat.DirectiveEnabled(doc)
		switch {
		case !found:
			h.reply(ctx, msg, "HEARTBEAT.md carries no directive; config decides.")
		case enabled:
			h.reply(ctx, msg, "Heartbeat directive: on")
		default:
			h.reply(ctx, msg, "Heartbeat directive: off")
		}
	case "on":
		if err := heartbeat.SetDirective(workspace, true); err != nil {
			h.reply(ctx, msg, fmt.Sprintf("Failed: %v", err))
			return
		}
		h.reply(ctx, msg, "Heartbeat enabled.")
	case "off":
		if err := heartbeat.SetDirective(workspace, false); err != nil {
			h.reply(ctx, msg, fmt.Sprintf("Failed: %v", err))
			return
		}
		h.reply(ctx, msg, "Heartbeat disabled.")
	default:
		h.reply(ctx, msg, "Usage: /heartbeat [status|on|off]")
	}
}

const remindersUsage = `Usage:
/reminders list
/reminders add every 10m <text>
/reminders add at 2026-01-02T15:04 <text>
/reminders add cron "*/5 * * * *" <text>
/reminders on|off|cancel <id>
/reminders snooze <id> <duration>`

func (h *Handler) cmdReminders(ctx context.Context, msg bus.InboundMessage, sess *sessions.Session, args string) {
	if h.opts.Reminders == nil {
		h.reply(ctx, msg, "Reminders are not configured.")
		return
	}
	sub, rest, _ := strings.Cut(args, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(sub) {
	case "", "list":
		h.remindersList(ctx, msg, sess)
	case "add":
		h.remindersAdd(ctx, msg, sess, rest)
	case "on", "off":
		id := strings.TrimSpace(rest)
		if id == "" {
			h.reply(ctx, msg, remindersUsage)
			return
		}
		if err := h.opts.Reminders.SetEnabled(id, strings.EqualFold(sub, "on")); err != nil {
			h.reply(ctx, msg, fmt.Sprintf("Failed: %v", err))
			return
		}
		h.pokeReminders()
		h.reply(ctx, msg, fmt.Sprintf("Reminder %s turned %s.", id, strings.ToLower(sub)))
	case "snooze":
		id, durStr, _ := strings.Cut(rest, " ")
		dur, err := parseDuration(strings.TrimSpace(durStr))
		if id == "" || err != nil {
			h.reply(ctx, msg, remindersUsage)
			return
		}
		if err := h.opts.Reminders.Snooze(id, time.Now().Add(dur)); err != nil {
			h.reply(ctx, msg, fmt.Sprintf("Failed: %v", err))
			return
		}
		h.pokeReminders()
		h.reply(ctx, msg, fmt.Sprintf("Reminder %s snoozed for %s.", id, durStr))
	case "cancel":
		id := strings.TrimSpace(rest)
		if id == "" {
			h.reply(ctx, msg, remindersUsage)
			return
		}
		if err := h.opts.Reminders.Delete(id); err != nil {
			h.reply(ctx, msg, fmt.Sprintf("Failed: %v", err))
			return
		}
		h.pokeReminders()
		h.reply(ctx, msg, fmt.Sprintf("Reminder %s cancelled.", id))
	default:
		h.reply(ctx, msg, remindersUsage)
	}
}

func (h *Handler) remindersList(ctx context.Context, msg bus.InboundMessage, sess *sessions.Session) {
	rows, err := h.opts.Reminders.List(sess.Key)
	if err != nil {
		h.reply(ctx, msg, fmt.Sprintf("Failed to list reminders: %v", err))
		return
	}
	if len(rows) == 0 {
		h.reply(ctx, msg, "No reminders for this session.")
		return
	}
	var b strings.Builder
	b.WriteString("Reminders:")
	now := time.Now()
	for _, r := range rows {
		fmt.Fprintf(&b, "\n- %s: %q %s", r.ID, r.Text, describeSchedule(r.Schedule))
		if !r.Enabled {
			b.WriteString(" (off)")
		} else if due, ok := reminders.NextDue(r, now); ok {
			fmt.Fprintf(&b, " — next %s", due.Format("2006-01-02 15:04"))
		}
	}
	h.reply(ctx, msg, b.String())
}

func (h *Handler) remindersAdd(ctx context.Context, msg bus.InboundMessage, sess *sessions.Session, rest string) {
	kind, tail, _ := strings.Cut(rest, " ")
	tail = strings.TrimSpace(tail)

	var sched reminders.Schedule
	var text string
	switch strings.ToLower(kind) {
	case "every":
		spec, t, _ := strings.Cut(tail, " ")
		sched.Every = spec
		text = strings.TrimSpace(t)
	case "at":
		spec, t, _ := strings.Cut(tail, " ")
		at, err := parseWhen(spec)
		if err != nil {
			h.reply(ctx, msg, fmt.Sprintf("Cannot parse time %q: %v", spec, err))
			return
		}
		sched.At = &at
		text = strings.TrimSpace(t)
	case "cron":
		expr, t, ok := cutQuoted(tail)
		if !ok {
			h.reply(ctx, msg, remindersUsage)
			return
		}
		sched.Cron = expr
		text = strings.TrimSpace(t)
	default:
		h.reply(ctx, msg, remindersUsage)
		return
	}
	if text == "" {
		h.reply(ctx, msg, "Reminder needs a text.")
		return
	}

	r := reminders.Reminder{
		ID:         uuid.NewString()[:8],
		SessionKey: sess.Key,
		Schedule:   sched,
		Payload:    reminders.PayloadAgentTurn,
		Text:       text,
		Enabled:    true,
		Created:    time.Now(),
	}
	if err := h.opts.Reminders.Save(r); err != nil {
		h.reply(ctx, msg, fmt.Sprintf("Failed to save reminder: %v", err))
		return
	}
	h.pokeReminders()
	h.reply(ctx, msg, fmt.Sprintf("Reminder %s created (%s).", r.ID, describeSchedule(sched)))
}

func (h *Handler) pokeReminders() {
	if h.opts.RemindersPoke != nil {
		h.opts.RemindersPoke()
	}
}

func describeSchedule(s reminders.Schedule) string {
	switch {
	case s.At != nil:
		return "at " + s.At.Format("2006-01-02 15:04")
	case s.Every != "":
		return "every " + s.Every
	case s.Cron != "":
		if s.TZ != "" {
			return fmt.Sprintf("cron %q (%s)", s.Cron, s.TZ)
		}
		return fmt.Sprintf("cron %q", s.Cron)
	}
	return "unscheduled"
}

// parseWhen accepts RFC3339 or the local "2006-01-02T15:04" short form.
func parseWhen(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02T15:04", s, time.Local)
}

// cutQuoted splits a leading double-quoted token off s. Falls back to the
// first space-delimited word when unquoted.
func cutQuoted(s string) (token, rest string, ok bool) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, `"`) {
		end := strings.Index(s[1:], `"`)
		if end < 0 {
			return "", "", false
		}
		return s[1 : end+1], strings.TrimSpace(s[end+2:]), true
	}
	token, rest, _ = strings.Cut(s, " ")
	return token, rest, token != ""
}
