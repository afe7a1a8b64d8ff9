package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"likebot/internal/dispatch"
	"likebot/internal/quota"
	"likebot/internal/storage"
	"likebot/internal/taskstore"
	logx "likebot/pkg/logx"
)

func (r *Router) registerAll() {
	r.register(&Command{
		Name: "start", Description: "Show the welcome message",
		Handle: r.handleHelp,
	})
	r.register(&Command{
		Name: "help", Description: "List available commands",
		Handle: r.handleHelp,
	})
	r.register(&Command{
		Name: "like", Description: "Send likes to a UID now",
		Usage:  "/like <uid> [count]",
		Handle: r.handleLike,
	})
	r.register(&Command{
		Name: "auto", Description: "Register a daily auto-like task",
		Usage:  "/auto <uid> <count> [HH:MM]",
		Handle: r.handleAuto,
	})
	r.register(&Command{
		Name: "myautos", Description: "List your auto-like tasks",
		Handle: r.handleMyAutos,
	})
	r.register(&Command{
		Name: "removeauto", Description: "Remove your auto-like task",
		Handle: r.handleRemoveAuto,
	})
	r.register(&Command{
		Name: "stauto", Description: "Run the auto-like evaluation now",
		Access: AccessAdminOnly, Handle: r.handleStAuto,
	})
	r.register(&Command{
		Name: "resumeauto", Description: "Resume a user's paused task",
		Usage:  "/resumeauto <user_id>",
		Access: AccessAdminOnly, Handle: r.handleResumeAuto,
	})
	r.register(&Command{
		Name: "permit", Description: "Allow a user to use the bot",
		Usage:  "/permit <user_id> (or reply to the user)",
		Access: AccessAdminOnly, Handle: r.handlePermit,
	})
	r.register(&Command{
		Name: "revoke", Description: "Revoke a user's access",
		Usage:  "/revoke <user_id> (or reply to the user)",
		Access: AccessAdminOnly, Handle: r.handleRevoke,
	})
	r.register(&Command{
		Name: "setlimit", Description: "Set a per-user daily limit",
		Usage:  "/setlimit <user_id> <n>",
		Access: AccessAdminOnly, Handle: r.handleSetLimit,
	})
	r.register(&Command{
		Name: "removelimit", Description: "Remove a per-user limit override",
		Usage:  "/removelimit <user_id>",
		Access: AccessAdminOnly, Handle: r.handleRemoveLimit,
	})
	r.register(&Command{
		Name: "limits", Description: "Show per-user quota state",
		Access: AccessAdminOnly, Handle: r.handleLimits,
	})
	r.register(&Command{
		Name: "stats", Description: "Show bot statistics",
		Access: AccessAdminOnly, Handle: r.handleStats,
	})
}

func (r *Router) handleHelp(ctx context.Context, req *Request) error {
	var b strings.Builder
	b.WriteString("Free Fire like bot.\n\nCommands:\n")
	r.mu.RLock()
	for _, c := range r.order {
		if c.Access == AccessAdminOnly && !req.IsAdmin {
			continue
		}
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		fmt.Fprintf(&b, "%s — %s\n", usage, c.Description)
	}
	r.mu.RUnlock()
	return req.Reply(ctx, b.String())
}

func (r *Router) handleLike(ctx context.Context, req *Request) error {
	if len(req.Args) < 1 {
		return req.Reply(ctx, "Usage: /like <uid> [count]")
	}
	uid := req.Args[0]
	count := 1
	if len(req.Args) >= 2 {
		n, err := strconv.Atoi(req.Args[1])
		if err != nil || n <= 0 {
			return req.Reply(ctx, "Count must be a positive number.")
		}
		count = n
	}

	if err := r.deps.DB.EnsureUser(ctx, req.FromID); err != nil {
		return err
	}
	dec, err := r.deps.Ledger.Authorize(ctx, req.FromID, count)
	if err != nil {
		return err
	}
	if !dec.Allowed {
		return req.Reply(ctx, denyText(dec))
	}

	res := r.deps.Sender.Send(ctx, uid, count)
	if res.Outcome != dispatch.Success {
		req.Logger.Warn("manual like failed",
			logx.String("uid", uid), logx.Int("attempts", res.Attempts), logx.Err(res.Err))
		if res.Detail != "" {
			return req.Reply(ctx, "Like failed: "+res.Detail)
		}
		return req.Reply(ctx, "Like failed, the provider rejected the request. Check the UID.")
	}

	if err := r.deps.Ledger.Consume(ctx, req.FromID, count); err != nil {
		if errors.Is(err, quota.ErrInvariantViolation) {
			req.Logger.Warn("consume denied after manual dispatch", logx.Err(err))
			return req.Reply(ctx, "Likes were sent, but your daily limit was reached in the meantime.")
		}
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("Done! Sent %d like(s) to UID %s. Used %d/%d today.",
		count, uid, dec.Used+count, dec.Limit))
}

func (r *Router) handleAuto(ctx context.Context, req *Request) error {
	if len(req.Args) < 2 {
		return req.Reply(ctx, "Usage: /auto <uid> <count> [HH:MM]")
	}
	uid := req.Args[0]
	count, err := strconv.Atoi(req.Args[1])
	if err != nil || count <= 0 {
		return req.Reply(ctx, "Count must be a positive number.")
	}
	at := r.deps.Auto.DefaultTime()
	if len(req.Args) >= 3 {
		at = req.Args[2]
	}

	if err := r.deps.DB.EnsureUser(ctx, req.FromID); err != nil {
		return err
	}
	// Registration needs permission; quota is checked at firing time.
	dec, err := r.deps.Ledger.Authorize(ctx, req.FromID, count)
	if err != nil {
		return err
	}
	if !dec.Allowed && dec.Reason == quota.DenyNotPermitted {
		return req.Reply(ctx, denyText(dec))
	}

	t, err := r.deps.Tasks.Create(ctx, req.FromID, uid, count, at)
	if err != nil {
		if errors.Is(err, taskstore.ErrDuplicateTask) {
			return req.Reply(ctx, "You already have an auto-like task. Remove it first with /removeauto.")
		}
		return req.Reply(ctx, "Could not register the task: "+err.Error())
	}
	return req.Reply(ctx, fmt.Sprintf("Auto-like registered: %d like(s) to UID %s daily at %s (%s).",
		t.LikeCount, t.TargetUID, t.ScheduledAt, r.deps.Auto.Location()))
}

func (r *Router) handleMyAutos(ctx context.Context, req *Request) error {
	tasks, err := r.deps.Tasks.ListByOwner(ctx, req.FromID)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return req.Reply(ctx, "You have no auto-like tasks. Register one with /auto.")
	}
	var b strings.Builder
	b.WriteString("Your auto-like tasks:\n")
	for _, t := range tasks {
		fmt.Fprintf(&b, "• UID %s, %d like(s) daily at %s [%s], last run: %s\n",
			t.TargetUID, t.LikeCount, t.ScheduledAt, t.Status, lastRun(t))
	}
	return req.Reply(ctx, b.String())
}

func (r *Router) handleRemoveAuto(ctx context.Context, req *Request) error {
	err := r.deps.Tasks.Remove(ctx, req.FromID)
	if errors.Is(err, taskstore.ErrNotFound) {
		return req.Reply(ctx, "You have no auto-like task to remove.")
	}
	if err != nil {
		return err
	}
	return req.Reply(ctx, "Auto-like task removed.")
}

func (r *Router) handleStAuto(ctx context.Context, req *Request) error {
	n, err := r.deps.Auto.RunAll(ctx)
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("Evaluation finished, %d task(s) attempted.", n))
}

func (r *Router) handleResumeAuto(ctx context.Context, req *Request) error {
	target, err := req.targetUser()
	if err != nil {
		return req.Reply(ctx, "Usage: /resumeauto <user_id>")
	}
	err = r.deps.Tasks.Resume(ctx, target)
	if errors.Is(err, taskstore.ErrNotFound) {
		return req.Reply(ctx, "That user has no paused task.")
	}
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("Task for user %d resumed.", target))
}

func (r *Router) handlePermit(ctx context.Context, req *Request) error {
	return r.setPermitted(ctx, req, true, "now permitted to use the bot")
}

func (r *Router) handleRevoke(ctx context.Context, req *Request) error {
	return r.setPermitted(ctx, req, false, "no longer permitted to use the bot")
}

func (r *Router) setPermitted(ctx context.Context, req *Request, permitted bool, verdict string) error {
	target, err := req.targetUser()
	if err != nil {
		return req.Reply(ctx, "Reply to the user's message or pass their id.")
	}
	if err := r.deps.Ledger.SetPermitted(ctx, target, permitted); err != nil {
		return err
	}
	req.Logger.Info("permission changed",
		logx.Int64("target", target), logx.Bool("permitted", permitted))
	return req.Reply(ctx, fmt.Sprintf("User %d is %s.", target, verdict))
}

func (r *Router) handleSetLimit(ctx context.Context, req *Request) error {
	if len(req.Args) < 2 {
		return req.Reply(ctx, "Usage: /setlimit <user_id> <n>")
	}
	target, err := strconv.ParseInt(req.Args[0], 10, 64)
	if err != nil {
		return req.Reply(ctx, "Invalid user id.")
	}
	n, err := strconv.Atoi(req.Args[1])
	if err != nil || n < 0 {
		return req.Reply(ctx, "Limit must be a non-negative number.")
	}
	if err := r.deps.DB.EnsureUser(ctx, target); err != nil {
		return err
	}
	if err := r.deps.Ledger.SetLimit(ctx, target, n); err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("Daily limit for user %d set to %d.", target, n))
}

func (r *Router) handleRemoveLimit(ctx context.Context, req *Request) error {
	target, err := req.targetUser()
	if err != nil {
		return req.Reply(ctx, "Usage: /removelimit <user_id>")
	}
	if err := r.deps.Ledger.ClearLimit(ctx, target); err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("Limit override removed for user %d, the default applies.", target))
}

func (r *Router) handleLimits(ctx context.Context, req *Request) error {
	entries, err := r.deps.Ledger.Snapshot(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return req.Reply(ctx, "No users known yet.")
	}
	var b strings.Builder
	b.WriteString("Quota state:\n")
	for _, e := range entries {
		mark := "✗"
		if e.Permitted {
			mark = "✓"
		}
		override := ""
		if e.Override {
			override = " (override)"
		}
		fmt.Fprintf(&b, "%s %d: %d/%d%s\n", mark, e.UserID, e.Used, e.Limit, override)
	}
	return req.Reply(ctx, b.String())
}

func (r *Router) handleStats(ctx context.Context, req *Request) error {
	st, err := r.deps.DB.Stats(ctx)
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf(
		"Users: %d (%d permitted)\nTasks: %d active, %d paused",
		st.TotalUsers, st.PermittedUsers, st.ActiveTasks, st.PausedTasks))
}

// targetUser resolves an admin command's subject: the replied-to sender
// when the command is a reply, otherwise the first numeric argument.
func (req *Request) targetUser() (int64, error) {
	if req.Msg != nil && req.Msg.ReplyToID != 0 {
		return req.Msg.ReplyToID, nil
	}
	if len(req.Args) >= 1 {
		id, err := strconv.ParseInt(req.Args[0], 10, 64)
		if err == nil && id != 0 {
			return id, nil
		}
	}
	return 0, errors.New("no target user")
}

func denyText(dec quota.Decision) string {
	switch dec.Reason {
	case quota.DenyNotPermitted:
		return "You are not permitted to use this bot. Ask an admin for access."
	default:
		return fmt.Sprintf("Daily limit reached (%d/%d). Try again tomorrow.", dec.Used, dec.Limit)
	}
}

func lastRun(t storage.Task) string {
	if t.LastFired == "" {
		return "never"
	}
	return t.LastFired
}
