package mcpserver

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"taiga-bridge/internal/domain"
)

const (
	projectsURI = "taiga://projects"
	auditURI    = "taiga://audit"
)

// collections mapea el ultimo segmento de taiga://projects/{id}/{collection} a su operacion de listado.
var collections = map[string]string{
	"epics":       "list_epics",
	"userstories": "list_user_stories",
	"tasks":       "list_tasks",
	"issues":      "list_issues",
	"milestones":  "list_milestones",
	"wiki":        "list_wiki_pages",
}

func (s *Server) registerResources() {
	s.mcp.AddResource(
		mcp.NewResource(projectsURI, "Projects",
			mcp.WithResourceDescription("Projects the default session's user is a member of."),
			mcp.WithMIMEType(mimeJSON),
		),
		s.readProjects,
	)
	s.mcp.AddResource(
		mcp.NewResource(auditURI, "Audit log",
			mcp.WithResourceDescription("Most recent mutating operations executed through the bridge."),
			mcp.WithMIMEType(mimeJSON),
		),
		s.readAudit,
	)
	s.mcp.AddResourceTemplate(
		mcp.NewResourceTemplate(projectsURI+"/{project_id}", "Project",
			mcp.WithTemplateDescription("A single project."),
			mcp.WithTemplateMIMEType(mimeJSON),
		),
		s.readProjectPath,
	)
	s.mcp.AddResourceTemplate(
		mcp.NewResourceTemplate(projectsURI+"/{project_id}/{collection}", "Project collection",
			mcp.WithTemplateDescription("Epics, userstories, tasks, issues, milestones or wiki pages of a project."),
			mcp.WithTemplateMIMEType(mimeJSON),
		),
		s.readProjectPath,
	)
}

func (s *Server) readProjects(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	result, err := s.dispatcher.Dispatch(ctx, "list_projects", nil)
	if err != nil {
		return nil, err
	}
	return jsonContents(req.Params.URI, result)
}

func (s *Server) readAudit(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	entries, err := s.dispatcher.RecentAudit(ctx, auditEntries)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	return jsonContents(req.Params.URI, entries)
}

// readProjectPath atiende taiga://projects/{project_id} y taiga://projects/{project_id}/{collection}.
func (s *Server) readProjectPath(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	op, args, err := parseProjectURI(req.Params.URI)
	if err != nil {
		return nil, err
	}
	result, err := s.dispatcher.Dispatch(ctx, op, args)
	if err != nil {
		return nil, err
	}
	return jsonContents(req.Params.URI, result)
}

func parseProjectURI(uri string) (string, map[string]any, error) {
	rest, ok := strings.CutPrefix(uri, projectsURI+"/")
	if !ok || rest == "" {
		return "", nil, domain.NewError(domain.KindValidation, "unsupported resource %q", uri)
	}
	parts := strings.Split(strings.TrimSuffix(rest, "/"), "/")
	args := map[string]any{"project_id": parts[0]}
	switch len(parts) {
	case 1:
		return "get_project", args, nil
	case 2:
		op, ok := collections[parts[1]]
		if !ok {
			return "", nil, domain.NewError(domain.KindValidation, "unknown collection %q", parts[1])
		}
		return op, args, nil
	}
	return "", nil, domain.NewError(domain.KindValidation, "unsupported resource %q", uri)
}

func jsonContents(uri string, v any) ([]mcp.ResourceContents, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, err, "encode resource %s", uri)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{URI: uri, MIMEType: mimeJSON, Text: string(body)},
	}, nil
}
