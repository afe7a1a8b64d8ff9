// Package commands routes incoming chat messages to bot command handlers.
package commands

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"likebot/internal/autolike"
	"likebot/internal/quota"
	"likebot/internal/storage"
	"likebot/internal/taskstore"
	kit "likebot/internal/transport"
	logx "likebot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessAdminOnly
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Handle      HandlerFunc
}

// Request carries one parsed command invocation through the middleware
// chain into its handler.
type Request struct {
	Msg     *kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string

	IsAdmin bool
	Logger  logx.Logger

	router *Router
}

// Reply sends text back to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.router.adapter.SendText(ctx, r.Chat, text, nil)
	return err
}

// Deps are the domain services the handlers drive.
type Deps struct {
	Ledger *quota.Ledger
	Tasks  *taskstore.Store
	Auto   *autolike.Service
	Sender autolike.Sender
	DB     *storage.DB
}

type Router struct {
	mu     sync.RWMutex
	cmds   map[string]*Command // name and aliases -> command
	order  []*Command          // registration order, for /help
	admins map[int64]struct{}

	adapter kit.Adapter
	deps    Deps
	log     logx.Logger

	handlerTimeout time.Duration

	runMu   sync.Mutex
	running bool
	jobs    chan func()
	stopCh  chan struct{}
	workWG  sync.WaitGroup
}

func NewRouter(adapter kit.Adapter, deps Deps, admins []int64, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		cmds:           map[string]*Command{},
		admins:         map[int64]struct{}{},
		adapter:        adapter,
		deps:           deps,
		log:            log,
		handlerTimeout: 2 * time.Minute,
		jobs:           make(chan func(), 256),
	}
	r.SetAdmins(admins)
	r.registerAll()
	return r
}

// SetAdmins swaps the admin set (config hot reload).
func (r *Router) SetAdmins(ids []int64) {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	r.mu.Lock()
	r.admins = set
	r.mu.Unlock()
}

func (r *Router) isAdmin(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.admins[id]
	return ok
}

func (r *Router) register(c *Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds[c.Name] = c
	for _, a := range c.Aliases {
		r.cmds[a] = c
	}
	r.order = append(r.order, c)
}

func (r *Router) lookup(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cmds[name]
	return c, ok
}

// Run consumes updates until ctx is cancelled. Handlers execute on a small
// worker pool so a slow provider call cannot stall unrelated commands.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update, workers int) {
	r.runMu.Lock()
	if r.running {
		r.runMu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	stopCh := r.stopCh
	r.runMu.Unlock()

	if workers <= 0 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		r.workWG.Add(1)
		go func() {
			defer r.workWG.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-stopCh:
					return
				case fn := <-r.jobs:
					fn()
				}
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case up, ok := <-updates:
			if !ok {
				return
			}
			r.dispatch(ctx, up)
		}
	}
}

func (r *Router) Stop() {
	r.runMu.Lock()
	if !r.running {
		r.runMu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.runMu.Unlock()
	r.workWG.Wait()
}

func (r *Router) dispatch(ctx context.Context, up kit.Update) {
	m := up.Message
	if m == nil {
		return
	}
	name, args, ok := parseCommand(m.Text)
	if !ok {
		return
	}
	cmd, found := r.lookup(name)
	if !found {
		return
	}

	req := &Request{
		Msg:     m,
		Chat:    kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID},
		FromID:  m.FromID,
		Command: name,
		Args:    args,
		IsAdmin: r.isAdmin(m.FromID),
		Logger: r.log.With(
			logx.String("cmd", name), logx.Int64("from_id", m.FromID), logx.Int64("chat_id", m.ChatID)),
		router: r,
	}

	if cmd.Access == AccessAdminOnly && !req.IsAdmin {
		req.Logger.Debug("admin command denied")
		r.enqueue(func() {
			_ = req.Reply(ctx, "This command is for admins only.")
		})
		return
	}

	h := Chain(cmd.Handle, MWTimeout(r.handlerTimeout), MWPanicRecover(r.log), MWRequestLog(r.log))
	r.enqueue(func() {
		if err := h(ctx, req); err != nil {
			_ = req.Reply(ctx, "Something went wrong, try again later.")
		}
	})
}

func (r *Router) enqueue(fn func()) {
	select {
	case r.jobs <- fn:
	default:
		r.log.Warn("command queue full, dropping request")
	}
}

// parseCommand splits "/cmd@botname arg1 arg2" into its name and args.
func parseCommand(text string) (name string, args []string, ok bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	name = strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	name = strings.ToLower(name)
	if name == "" {
		return "", nil, false
	}
	return name, fields[1:], true
}

// ---- middleware, applied to every handler ----

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger := log
					if req != nil && !req.Logger.IsZero() {
						logger = req.Logger
					}
					logger.Error("panic recovered",
						logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			logger := log
			if req != nil && !req.Logger.IsZero() {
				logger = req.Logger
			}
			err := next(ctx, req)
			d := time.Since(start)
			if err != nil {
				logger.Warn("command failed", logx.Duration("dur", d), logx.Err(err))
			} else if d >= 750*time.Millisecond {
				logger.Info("command ok", logx.Duration("dur", d))
			} else {
				logger.Debug("command ok", logx.Duration("dur", d))
			}
			return err
		}
	}
}
