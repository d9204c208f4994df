package api

import (
	"net/http"
	"strings"

	"github.com/mattjoyce/foreman/internal/auth"
)

// route describes one authenticated endpoint for the OpenAPI document.
type route struct {
	method  string
	path    string
	summary string
	scope   string
	success string
}

var documentedRoutes = []route{
	{http.MethodPost, "/tasks", "Create a pending task", auth.ScopeTasksRW, "201"},
	{http.MethodGet, "/tasks", "List tasks in dispatch order", auth.ScopeTasksRO, "200"},
	{http.MethodGet, "/tasks/{id}", "Get a task", auth.ScopeTasksRO, "200"},
	{http.MethodPatch, "/tasks/{id}", "Cancel a pending task or merge metadata", auth.ScopeTasksRW, "200"},
	{http.MethodDelete, "/tasks/{id}", "Delete a task", auth.ScopeTasksRW, "204"},
	{http.MethodGet, "/monitor", "Robot monitor snapshot", auth.ScopeMonitorRO, "200"},
	{http.MethodPost, "/monitor/robots", "Watch a robot topic", auth.ScopeMonitorRW, "202"},
	{http.MethodGet, "/robots", "List the robot catalog", auth.ScopeMonitorRO, "200"},
	{http.MethodPost, "/robots/sync", "Replace the robot catalog", auth.ScopeMonitorRW, "200"},
	{http.MethodGet, "/events", "Server-sent lifecycle events", auth.ScopeEventsRO, "200"},
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document covering the task and
// monitor endpoints.
func buildOpenAPIDoc() map[string]any {
	paths := map[string]any{
		"/healthz": map[string]any{
			"get": map[string]any{
				"operationId": "healthz",
				"summary":     "Liveness and queue depth",
				"responses":   map[string]any{"200": map[string]any{"description": "OK"}},
			},
		},
	}

	for _, rt := range documentedRoutes {
		item, _ := paths[rt.path].(map[string]any)
		if item == nil {
			item = map[string]any{}
			paths[rt.path] = item
		}
		item[strings.ToLower(rt.method)] = map[string]any{
			"summary":  rt.summary,
			"x-scope":  rt.scope,
			"security": []any{map[string]any{"BearerAuth": []string{}}},
			"responses": map[string]any{
				rt.success: map[string]any{"description": "OK"},
				"401":      map[string]any{"description": "Missing or invalid token"},
				"403":      map[string]any{"description": "Insufficient scope"},
			},
		}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Foreman",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

// handleOpenAPI handles GET /openapi.json (no auth).
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}
