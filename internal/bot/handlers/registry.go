package handlers

import (
	"context"
)

// RegisteredHandler is a command with its aliases and middleware.
type RegisteredHandler struct {
	Names      []string
	Handler    HandlerFunc
	Middleware []Middleware
}

// RegisterAllCommands returns every available command.
func RegisterAllCommands(deps HandlerDeps) []RegisteredHandler {
	adminMiddleware := []Middleware{AdminOnly(deps)}

	return []RegisteredHandler{
		{Names: []string{"help", "h"}, Handler: NewHelpHandler(deps)},
		{Names: []string{"status"}, Handler: NewStatusHandler(deps)},
		{Names: []string{"level", "rank", "xp"}, Handler: NewLevelHandler(deps)},
		{Names: []string{"leaderboard", "lb"}, Handler: NewLeaderboardHandler(deps)},

		{Names: []string{"addrank", "ar"}, Handler: NewAddRankHandler(deps), Middleware: adminMiddleware},
		{Names: []string{"removerank", "rr"}, Handler: NewRemoveRankHandler(deps), Middleware: adminMiddleware},
		{Names: []string{"ranks"}, Handler: NewRanksHandler(deps), Middleware: adminMiddleware},
		{Names: []string{"blacklist", "bl"}, Handler: NewBlacklistHandler(deps), Middleware: adminMiddleware},
		{Names: []string{"reward"}, Handler: NewAdjustHandler(deps, false), Middleware: adminMiddleware},
		{Names: []string{"sanction"}, Handler: NewAdjustHandler(deps, true), Middleware: adminMiddleware},
		{Names: []string{"setxp"}, Handler: NewSetXPHandler(deps), Middleware: adminMiddleware},
		{Names: []string{"setlevel"}, Handler: NewSetLevelHandler(deps), Middleware: adminMiddleware},
	}
}

// applyMiddleware wraps handler so the first middleware is the outermost.
func applyMiddleware(handler HandlerFunc, mw []Middleware) HandlerFunc {
	for i := len(mw) - 1; i >= 0; i-- {
		handler = mw[i](handler)
	}
	return handler
}

// Router dispatches commands by name or alias.
type Router struct {
	routes map[string]HandlerFunc
}

// NewRouter indexes handlers by every name. Later registrations win.
func NewRouter(registered []RegisteredHandler) *Router {
	r := &Router{routes: make(map[string]HandlerFunc)}
	for _, reg := range registered {
		if reg.Handler == nil {
			continue
		}
		h := applyMiddleware(reg.Handler, reg.Middleware)
		for _, name := range reg.Names {
			r.routes[name] = h
		}
	}
	return r
}

// Dispatch runs the handler for cmd.Name and reports whether one exists.
func (r *Router) Dispatch(ctx context.Context, resp Responder, cmd Command) bool {
	h, ok := r.routes[cmd.Name]
	if !ok {
		return false
	}
	h(ctx, resp, cmd)
	return true
}
