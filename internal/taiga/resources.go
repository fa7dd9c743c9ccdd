package taiga

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"taiga-bridge/internal/domain"
)

// Object es un recurso de Taiga tal como llega del upstream.
type Object = map[string]any

// Resource es el handle CRUD de un tipo de recurso para un Client.
type Resource struct {
	client *Client
	spec   domain.ResourceSpec
}

// Resource devuelve el handle para rt; el tipo attribute no tiene endpoint propio.
func (c *Client) Resource(rt domain.ResourceType) (*Resource, error) {
	spec, err := domain.Spec(rt)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, err, "resource handle")
	}
	if spec.Path == "" {
		return nil, domain.NewError(domain.KindInternal, "resource type %s has no endpoint", rt)
	}
	return &Resource{client: c, spec: spec}, nil
}

func (c *Client) mustResource(rt domain.ResourceType) *Resource {
	return &Resource{client: c, spec: domain.MustSpec(rt)}
}

func (c *Client) Projects() *Resource    { return c.mustResource(domain.ResourceProject) }
func (c *Client) Epics() *Resource       { return c.mustResource(domain.ResourceEpic) }
func (c *Client) UserStories() *Resource { return c.mustResource(domain.ResourceUserStory) }
func (c *Client) Tasks() *Resource       { return c.mustResource(domain.ResourceTask) }
func (c *Client) Issues() *Resource      { return c.mustResource(domain.ResourceIssue) }
func (c *Client) Milestones() *Resource  { return c.mustResource(domain.ResourceMilestone) }
func (c *Client) Memberships() *Resource { return c.mustResource(domain.ResourceMember) }
func (c *Client) WikiPages() *Resource   { return c.mustResource(domain.ResourceWikiPage) }

// Type devuelve el tipo de recurso del handle.
func (r *Resource) Type() domain.ResourceType { return r.spec.Type }

func (r *Resource) itemPath(id int64) string {
	return r.spec.Path + "/" + strconv.FormatInt(id, 10)
}

// List devuelve la coleccion completa; la paginacion del upstream se desactiva.
func (r *Resource) List(ctx context.Context, query url.Values) ([]Object, error) {
	return r.client.list(ctx, r.spec.Path, query)
}

func (c *Client) list(ctx context.Context, path string, query url.Values) ([]Object, error) {
	req := NewRequest(http.MethodGet, path)
	req.Query = query
	req.Header = http.Header{"X-Disable-Pagination": []string{"True"}}
	out := []Object{}
	if err := c.do(ctx, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Resource) Get(ctx context.Context, id int64) (Object, error) {
	var out Object
	if err := r.client.Request(ctx, http.MethodGet, r.itemPath(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetByRef resuelve un recurso por su numero de secuencia dentro del proyecto.
func (r *Resource) GetByRef(ctx context.Context, projectID, ref int64) (Object, error) {
	if !r.spec.HasRef {
		return nil, domain.NewError(domain.KindValidation, "%s cannot be fetched by ref", r.spec.Type)
	}
	q := url.Values{}
	q.Set("project", strconv.FormatInt(projectID, 10))
	q.Set("ref", strconv.FormatInt(ref, 10))
	var out Object
	if err := r.client.Request(ctx, http.MethodGet, r.spec.Path+"/by_ref", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Resource) Create(ctx context.Context, fields Object) (Object, error) {
	var out Object
	if err := r.client.Request(ctx, http.MethodPost, r.spec.Path, nil, fields, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Patch envia fields tal cual; quien llama incluye version si el recurso la exige.
func (r *Resource) Patch(ctx context.Context, id int64, fields Object) (Object, error) {
	var out Object
	if err := r.client.Request(ctx, http.MethodPatch, r.itemPath(id), nil, fields, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Update hace la actualizacion parcial con control de version: lee el recurso,
// toma su version y envia solo fields mas esa version. Sin fields devuelve el recurso actual.
func (r *Resource) Update(ctx context.Context, id int64, fields Object) (Object, error) {
	current, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return current, nil
	}
	version, ok := versionOf(current)
	if !ok {
		return nil, domain.NewError(domain.KindInternal, "%s %d has no version stamp", r.spec.Type, id)
	}
	body := make(Object, len(fields)+1)
	for k, v := range fields {
		body[k] = v
	}
	body["version"] = version
	return r.Patch(ctx, id, body)
}

func (r *Resource) Delete(ctx context.Context, id int64) error {
	return r.client.Request(ctx, http.MethodDelete, r.itemPath(id), nil, nil, nil)
}

func versionOf(obj Object) (int64, bool) {
	switch v := obj["version"].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

// GetProjectBySlug resuelve un proyecto por slug.
func (c *Client) GetProjectBySlug(ctx context.Context, slug string) (Object, error) {
	q := url.Values{}
	q.Set("slug", slug)
	var out Object
	if err := c.Request(ctx, http.MethodGet, "projects/by_slug", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AttributeKind es un endpoint de atributos de proyecto.
type AttributeKind string

const (
	UserStoryStatuses AttributeKind = "userstory-statuses"
	TaskStatuses      AttributeKind = "task-statuses"
	IssueStatuses     AttributeKind = "issue-statuses"
	EpicStatuses      AttributeKind = "epic-statuses"
	IssuePriorities   AttributeKind = "priorities"
	IssueSeverities   AttributeKind = "severities"
	IssueTypes        AttributeKind = "issue-types"
)

// ListAttributes lista estados, prioridades, severidades o tipos de un proyecto.
func (c *Client) ListAttributes(ctx context.Context, kind AttributeKind, projectID int64) ([]Object, error) {
	q := url.Values{}
	q.Set("project", strconv.FormatInt(projectID, 10))
	return c.list(ctx, string(kind), q)
}

// LinkStoryToEpic relaciona una user story con un epic.
func (c *Client) LinkStoryToEpic(ctx context.Context, epicID, storyID int64) (Object, error) {
	var out Object
	body := Object{"epic": epicID, "user_story": storyID}
	path := fmt.Sprintf("epics/%d/related_userstories", epicID)
	if err := c.Request(ctx, http.MethodPost, path, nil, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// InviteMember invita por email a un proyecto con el rol indicado.
func (c *Client) InviteMember(ctx context.Context, projectID int64, email string, roleID int64) (Object, error) {
	var out Object
	body := Object{"project": projectID, "role": roleID, "username": email}
	if err := c.Request(ctx, http.MethodPost, "memberships", nil, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}
