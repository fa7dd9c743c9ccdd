package service

import (
	"context"
	"fmt"
	"net/mail"
	"net/url"
	"strconv"
	"strings"
	"time"

	"taiga-bridge/internal/domain"
	"taiga-bridge/internal/taiga"
)

const dateLayout = "2006-01-02"

var projectIDParam = Param{Name: "project_id", Kind: ParamInteger, Required: true, Description: "Project id."}

func requiredID(name, label string) Param {
	return Param{Name: name, Kind: ParamInteger, Required: true, Description: label + " id."}
}

func kwargsParam(rt domain.ResourceType) Param {
	spec := domain.MustSpec(rt)
	return Param{
		Name:        "kwargs",
		Kind:        ParamObject,
		Allowed:     spec.Writable,
		Description: "Extra fields as an object or JSON string. Allowed keys: " + strings.Join(spec.Writable, ", ") + ".",
	}
}

func filtersParam(rt domain.ResourceType) Param {
	spec := domain.MustSpec(rt)
	return Param{
		Name:        "filters",
		Kind:        ParamObject,
		Allowed:     spec.Filters,
		Description: "Query filters as an object or JSON string. Allowed keys: " + strings.Join(spec.Filters, ", ") + ".",
	}
}

// itemResource describe los recursos con ref por proyecto que comparten la misma forma de operaciones.
type itemResource struct {
	rt       domain.ResourceType
	singular string
	plural   string
	label    string
	handle   func(*taiga.Client) *taiga.Resource
	statuses taiga.AttributeKind
	// createExtra son parametros requeridos adicionales de create: nombre de parametro -> campo.
	createExtra [][2]string
}

var itemResources = []itemResource{
	{
		rt: domain.ResourceUserStory, singular: "user_story", plural: "user_stories", label: "user story",
		handle: (*taiga.Client).UserStories, statuses: taiga.UserStoryStatuses,
	},
	{
		rt: domain.ResourceTask, singular: "task", plural: "tasks", label: "task",
		handle: (*taiga.Client).Tasks, statuses: taiga.TaskStatuses,
	},
	{
		rt: domain.ResourceIssue, singular: "issue", plural: "issues", label: "issue",
		handle: (*taiga.Client).Issues, statuses: taiga.IssueStatuses,
		createExtra: [][2]string{{"priority_id", "priority"}, {"status_id", "status"}, {"severity_id", "severity"}, {"type_id", "type"}},
	},
	{
		rt: domain.ResourceEpic, singular: "epic", plural: "epics", label: "epic",
		handle: (*taiga.Client).Epics, statuses: taiga.EpicStatuses,
	},
}

func (d *Dispatcher) catalog() []Operation {
	ops := d.sessionOperations()
	ops = append(ops, projectOperations()...)
	for _, r := range itemResources {
		ops = append(ops, r.operations()...)
	}
	ops = append(ops, issueAttributeOperations()...)
	ops = append(ops, Operation{
		Name:        "link_user_story_to_epic",
		Description: "Links a user story to an epic.",
		Resource:    domain.ResourceEpic,
		Verb:        VerbLink,
		Params:      []Param{requiredID("epic_id", "Epic"), requiredID("user_story_id", "User story")},
		Mutating:    true,
		run: func(ctx context.Context, c *call) (any, error) {
			epicID, _ := c.args.Int("epic_id")
			storyID, _ := c.args.Int("user_story_id")
			c.resourceID = epicID
			if _, err := c.client.LinkStoryToEpic(ctx, epicID, storyID); err != nil {
				return nil, err
			}
			return map[string]any{"status": "linked", "epic_id": epicID, "user_story_id": storyID}, nil
		},
	})
	ops = append(ops, milestoneOperations()...)
	ops = append(ops, wikiOperations()...)
	return ops
}

func (r itemResource) operations() []Operation {
	idName := r.singular + "_id"
	title := strings.ToUpper(r.label[:1]) + r.label[1:]

	createParams := []Param{projectIDParam, {Name: "subject", Kind: ParamString, Required: true, Description: title + " subject."}}
	for _, extra := range r.createExtra {
		createParams = append(createParams, Param{Name: extra[0], Kind: ParamInteger, Required: true, Description: "Initial " + extra[1] + " id."})
	}
	createParams = append(createParams, kwargsParam(r.rt))

	return []Operation{
		{
			Name:        "list_" + r.plural,
			Description: fmt.Sprintf("Lists %s in a project, optionally filtered.", strings.ReplaceAll(r.plural, "_", " ")),
			Resource:    r.rt, Verb: VerbList, Shaped: true,
			Params: []Param{projectIDParam, filtersParam(r.rt)},
			run: func(ctx context.Context, c *call) (any, error) {
				pid, _ := c.args.Int("project_id")
				q := filterQuery(c.args.Object("filters"))
				q.Set("project", strconv.FormatInt(pid, 10))
				return r.handle(c.client).List(ctx, q)
			},
		},
		{
			Name:        "get_" + r.singular,
			Description: fmt.Sprintf("Gets a %s by %s, or by project_id plus ref.", r.label, idName),
			Resource:    r.rt, Verb: VerbGet, Shaped: true,
			Params: []Param{
				{Name: idName, Kind: ParamInteger, Description: title + " id."},
				{Name: "project_id", Kind: ParamInteger, Description: "Project id, used together with ref."},
				{Name: "ref", Kind: ParamInteger, Description: "Per-project reference number, used together with project_id."},
			},
			run: func(ctx context.Context, c *call) (any, error) {
				return getByIDOrRef(ctx, c, r.handle(c.client), idName)
			},
		},
		{
			Name:        "create_" + r.singular,
			Description: fmt.Sprintf("Creates a %s in a project.", r.label),
			Resource:    r.rt, Verb: VerbCreate, Shaped: true, Mutating: true,
			Params: createParams,
			run: func(ctx context.Context, c *call) (any, error) {
				pid, _ := c.args.Int("project_id")
				body := copyObject(c.args.Object("kwargs"))
				body["project"] = pid
				body["subject"] = c.args.String("subject")
				for _, extra := range r.createExtra {
					v, _ := c.args.Int(extra[0])
					body[extra[1]] = v
				}
				obj, err := r.handle(c.client).Create(ctx, body)
				return created(c, obj, err)
			},
		},
		{
			Name:        "update_" + r.singular,
			Description: fmt.Sprintf("Updates a %s. Only the fields in kwargs are sent, together with the current version.", r.label),
			Resource:    r.rt, Verb: VerbUpdate, Shaped: true, Mutating: true,
			Params: []Param{requiredID(idName, title), kwargsParam(r.rt)},
			run: func(ctx context.Context, c *call) (any, error) {
				id, _ := c.args.Int(idName)
				c.resourceID = id
				return r.handle(c.client).Update(ctx, id, c.args.Object("kwargs"))
			},
		},
		{
			Name:        "delete_" + r.singular,
			Description: fmt.Sprintf("Deletes a %s.", r.label),
			Resource:    r.rt, Verb: VerbDelete, Mutating: true,
			Params: []Param{requiredID(idName, title)},
			run: func(ctx context.Context, c *call) (any, error) {
				return deleted(ctx, c, r.handle(c.client), idName)
			},
		},
		{
			Name:        "assign_" + r.singular + "_to_user",
			Description: fmt.Sprintf("Assigns a %s to a user.", r.label),
			Resource:    r.rt, Verb: VerbAssign, Shaped: true, Mutating: true,
			Params: []Param{requiredID(idName, title), requiredID("user_id", "User")},
			run: func(ctx context.Context, c *call) (any, error) {
				id, _ := c.args.Int(idName)
				user, _ := c.args.Int("user_id")
				c.resourceID = id
				return r.handle(c.client).Update(ctx, id, taiga.Object{"assigned_to": user})
			},
		},
		{
			Name:        "unassign_" + r.singular + "_from_user",
			Description: fmt.Sprintf("Clears the assigned user of a %s.", r.label),
			Resource:    r.rt, Verb: VerbUnassign, Shaped: true, Mutating: true,
			Params: []Param{requiredID(idName, title)},
			run: func(ctx context.Context, c *call) (any, error) {
				id, _ := c.args.Int(idName)
				c.resourceID = id
				return r.handle(c.client).Update(ctx, id, taiga.Object{"assigned_to": nil})
			},
		},
		attributeOperation("get_"+r.singular+"_statuses", fmt.Sprintf("Lists the %s statuses of a project.", r.label), r.statuses),
	}
}

func issueAttributeOperations() []Operation {
	return []Operation{
		attributeOperation("get_issue_priorities", "Lists the issue priorities of a project.", taiga.IssuePriorities),
		attributeOperation("get_issue_severities", "Lists the issue severities of a project.", taiga.IssueSeverities),
		attributeOperation("get_issue_types", "Lists the issue types of a project.", taiga.IssueTypes),
	}
}

func attributeOperation(name, description string, kind taiga.AttributeKind) Operation {
	return Operation{
		Name:        name,
		Description: description,
		Resource:    domain.ResourceAttribute, Verb: VerbAttributes, Shaped: true,
		Params: []Param{projectIDParam},
		run: func(ctx context.Context, c *call) (any, error) {
			pid, _ := c.args.Int("project_id")
			return c.client.ListAttributes(ctx, kind, pid)
		},
	}
}

func projectOperations() []Operation {
	projects := (*taiga.Client).Projects
	return []Operation{
		{
			Name:        "list_projects",
			Description: "Lists the projects the authenticated user is a member of.",
			Resource:    domain.ResourceProject, Verb: VerbList, Shaped: true,
			Params: []Param{filtersParam(domain.ResourceProject)},
			run: func(ctx context.Context, c *call) (any, error) {
				q := filterQuery(c.args.Object("filters"))
				if me := c.client.User(); me.ID != 0 && q.Get("member") == "" {
					q.Set("member", strconv.FormatInt(me.ID, 10))
				}
				return c.client.Projects().List(ctx, q)
			},
		},
		{
			Name:        "list_all_projects",
			Description: "Lists every project visible to the authenticated user.",
			Resource:    domain.ResourceProject, Verb: VerbList, Shaped: true,
			Params: []Param{filtersParam(domain.ResourceProject)},
			run: func(ctx context.Context, c *call) (any, error) {
				return c.client.Projects().List(ctx, filterQuery(c.args.Object("filters")))
			},
		},
		{
			Name:        "get_project",
			Description: "Gets a project by id.",
			Resource:    domain.ResourceProject, Verb: VerbGet, Shaped: true,
			Params: []Param{projectIDParam},
			run: func(ctx context.Context, c *call) (any, error) {
				id, _ := c.args.Int("project_id")
				return projects(c.client).Get(ctx, id)
			},
		},
		{
			Name:        "get_project_by_slug",
			Description: "Gets a project by slug.",
			Resource:    domain.ResourceProject, Verb: VerbGet, Shaped: true,
			Params: []Param{{Name: "slug", Kind: ParamString, Required: true, Description: "Project slug."}},
			run: func(ctx context.Context, c *call) (any, error) {
				return c.client.GetProjectBySlug(ctx, c.args.String("slug"))
			},
		},
		{
			Name:        "create_project",
			Description: "Creates a project.",
			Resource:    domain.ResourceProject, Verb: VerbCreate, Shaped: true, Mutating: true,
			Params: []Param{
				{Name: "name", Kind: ParamString, Required: true, Description: "Project name."},
				{Name: "description", Kind: ParamString, Required: true, Description: "Project description."},
				kwargsParam(domain.ResourceProject),
			},
			run: func(ctx context.Context, c *call) (any, error) {
				body := copyObject(c.args.Object("kwargs"))
				body["name"] = c.args.String("name")
				body["description"] = c.args.String("description")
				obj, err := projects(c.client).Create(ctx, body)
				return created(c, obj, err)
			},
		},
		{
			Name:        "update_project",
			Description: "Updates a project. Only the fields in kwargs are sent, together with the current version.",
			Resource:    domain.ResourceProject, Verb: VerbUpdate, Shaped: true, Mutating: true,
			Params: []Param{projectIDParam, kwargsParam(domain.ResourceProject)},
			run: func(ctx context.Context, c *call) (any, error) {
				id, _ := c.args.Int("project_id")
				c.resourceID = id
				return projects(c.client).Update(ctx, id, c.args.Object("kwargs"))
			},
		},
		{
			Name:        "delete_project",
			Description: "Deletes a project. This cannot be undone.",
			Resource:    domain.ResourceProject, Verb: VerbDelete, Mutating: true,
			Params: []Param{projectIDParam},
			run: func(ctx context.Context, c *call) (any, error) {
				return deleted(ctx, c, projects(c.client), "project_id")
			},
		},
		{
			Name:        "get_project_members",
			Description: "Lists the members of a project.",
			Resource:    domain.ResourceMember, Verb: VerbList, Shaped: true,
			Params: []Param{projectIDParam},
			run: func(ctx context.Context, c *call) (any, error) {
				pid, _ := c.args.Int("project_id")
				q := url.Values{}
				q.Set("project", strconv.FormatInt(pid, 10))
				return c.client.Memberships().List(ctx, q)
			},
		},
		{
			Name:        "invite_project_user",
			Description: "Invites a user by email to a project with the given role.",
			Resource:    domain.ResourceMember, Verb: VerbInvite, Shaped: true, Mutating: true,
			Params: []Param{
				projectIDParam,
				{Name: "email", Kind: ParamString, Required: true, Description: "Email of the invited user."},
				requiredID("role_id", "Role"),
			},
			run: func(ctx context.Context, c *call) (any, error) {
				pid, _ := c.args.Int("project_id")
				role, _ := c.args.Int("role_id")
				addr, err := mail.ParseAddress(c.args.String("email"))
				if err != nil {
					return nil, domain.NewError(domain.KindValidation, "invalid email address")
				}
				c.resourceID = pid
				return c.client.InviteMember(ctx, pid, addr.Address, role)
			},
		},
	}
}

func milestoneOperations() []Operation {
	milestones := (*taiga.Client).Milestones
	return []Operation{
		{
			Name:        "list_milestones",
			Description: "Lists the milestones (sprints) of a project.",
			Resource:    domain.ResourceMilestone, Verb: VerbList, Shaped: true,
			Params: []Param{projectIDParam, filtersParam(domain.ResourceMilestone)},
			run: func(ctx context.Context, c *call) (any, error) {
				pid, _ := c.args.Int("project_id")
				q := filterQuery(c.args.Object("filters"))
				q.Set("project", strconv.FormatInt(pid, 10))
				return milestones(c.client).List(ctx, q)
			},
		},
		{
			Name:        "get_milestone",
			Description: "Gets a milestone (sprint) by id.",
			Resource:    domain.ResourceMilestone, Verb: VerbGet, Shaped: true,
			Params: []Param{requiredID("milestone_id", "Milestone")},
			run: func(ctx context.Context, c *call) (any, error) {
				id, _ := c.args.Int("milestone_id")
				return milestones(c.client).Get(ctx, id)
			},
		},
		{
			Name:        "create_milestone",
			Description: "Creates a milestone (sprint). Dates use YYYY-MM-DD.",
			Resource:    domain.ResourceMilestone, Verb: VerbCreate, Shaped: true, Mutating: true,
			Params: []Param{
				projectIDParam,
				{Name: "name", Kind: ParamString, Required: true, Description: "Milestone name."},
				{Name: "estimated_start", Kind: ParamString, Required: true, Description: "Start date, YYYY-MM-DD."},
				{Name: "estimated_finish", Kind: ParamString, Required: true, Description: "Finish date, YYYY-MM-DD."},
				kwargsParam(domain.ResourceMilestone),
			},
			run: func(ctx context.Context, c *call) (any, error) {
				start, err := time.Parse(dateLayout, c.args.String("estimated_start"))
				if err != nil {
					return nil, domain.NewError(domain.KindValidation, "estimated_start must use YYYY-MM-DD")
				}
				finish, err := time.Parse(dateLayout, c.args.String("estimated_finish"))
				if err != nil {
					return nil, domain.NewError(domain.KindValidation, "estimated_finish must use YYYY-MM-DD")
				}
				if finish.Before(start) {
					return nil, domain.NewError(domain.KindValidation, "estimated_finish is before estimated_start")
				}
				pid, _ := c.args.Int("project_id")
				body := copyObject(c.args.Object("kwargs"))
				body["project"] = pid
				body["name"] = c.args.String("name")
				body["estimated_start"] = start.Format(dateLayout)
				body["estimated_finish"] = finish.Format(dateLayout)
				obj, err := milestones(c.client).Create(ctx, body)
				return created(c, obj, err)
			},
		},
		{
			Name:        "update_milestone",
			Description: "Updates a milestone (sprint). Only the fields in kwargs are sent, together with the current version.",
			Resource:    domain.ResourceMilestone, Verb: VerbUpdate, Shaped: true, Mutating: true,
			Params: []Param{requiredID("milestone_id", "Milestone"), kwargsParam(domain.ResourceMilestone)},
			run: func(ctx context.Context, c *call) (any, error) {
				id, _ := c.args.Int("milestone_id")
				c.resourceID = id
				return milestones(c.client).Update(ctx, id, c.args.Object("kwargs"))
			},
		},
		{
			Name:        "delete_milestone",
			Description: "Deletes a milestone (sprint).",
			Resource:    domain.ResourceMilestone, Verb: VerbDelete, Mutating: true,
			Params: []Param{requiredID("milestone_id", "Milestone")},
			run: func(ctx context.Context, c *call) (any, error) {
				return deleted(ctx, c, milestones(c.client), "milestone_id")
			},
		},
	}
}

func wikiOperations() []Operation {
	wiki := (*taiga.Client).WikiPages
	return []Operation{
		{
			Name:        "list_wiki_pages",
			Description: "Lists the wiki pages of a project.",
			Resource:    domain.ResourceWikiPage, Verb: VerbList, Shaped: true,
			Params: []Param{projectIDParam},
			run: func(ctx context.Context, c *call) (any, error) {
				pid, _ := c.args.Int("project_id")
				q := url.Values{}
				q.Set("project", strconv.FormatInt(pid, 10))
				return wiki(c.client).List(ctx, q)
			},
		},
		{
			Name:        "get_wiki_page",
			Description: "Gets a wiki page by id.",
			Resource:    domain.ResourceWikiPage, Verb: VerbGet, Shaped: true,
			Params: []Param{requiredID("wiki_page_id", "Wiki page")},
			run: func(ctx context.Context, c *call) (any, error) {
				id, _ := c.args.Int("wiki_page_id")
				return wiki(c.client).Get(ctx, id)
			},
		},
		{
			Name:        "create_wiki_page",
			Description: "Creates a wiki page in a project.",
			Resource:    domain.ResourceWikiPage, Verb: VerbCreate, Shaped: true, Mutating: true,
			Params: []Param{
				projectIDParam,
				{Name: "slug", Kind: ParamString, Required: true, Description: "Page slug."},
				{Name: "content", Kind: ParamString, Required: true, Description: "Page content (markdown)."},
				kwargsParam(domain.ResourceWikiPage),
			},
			run: func(ctx context.Context, c *call) (any, error) {
				pid, _ := c.args.Int("project_id")
				body := copyObject(c.args.Object("kwargs"))
				body["project"] = pid
				body["slug"] = c.args.String("slug")
				body["content"] = c.args.String("content")
				obj, err := wiki(c.client).Create(ctx, body)
				return created(c, obj, err)
			},
		},
	}
}

func getByIDOrRef(ctx context.Context, c *call, res *taiga.Resource, idName string) (any, error) {
	id, hasID := c.args.Int(idName)
	pid, hasProject := c.args.Int("project_id")
	ref, hasRef := c.args.Int("ref")
	switch {
	case hasID && (hasProject || hasRef):
		return nil, domain.NewError(domain.KindValidation, "provide either %s or project_id with ref, not both", idName)
	case hasID:
		return res.Get(ctx, id)
	case hasProject && hasRef:
		return res.GetByRef(ctx, pid, ref)
	}
	return nil, domain.NewError(domain.KindValidation, "provide %s, or project_id together with ref", idName)
}

func deleted(ctx context.Context, c *call, res *taiga.Resource, idName string) (any, error) {
	id, _ := c.args.Int(idName)
	c.resourceID = id
	if err := res.Delete(ctx, id); err != nil {
		return nil, err
	}
	return map[string]any{"status": "deleted", idName: id}, nil
}

// created anota el id del recurso creado para la auditoria.
func created(c *call, obj taiga.Object, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	if id, ok := toInt64(obj["id"]); ok {
		c.resourceID = id
	}
	return obj, nil
}

func copyObject(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+4)
	for k, v := range in {
		out[k] = v
	}
	return out
}

// filterQuery traduce filtros JSON a parametros de query de Taiga.
func filterQuery(filters map[string]any) url.Values {
	q := url.Values{}
	for k, v := range filters {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			q.Set(k, val)
		case bool:
			q.Set(k, strconv.FormatBool(val))
		case []any:
			parts := make([]string, 0, len(val))
			for _, item := range val {
				parts = append(parts, scalarString(item))
			}
			q.Set(k, strings.Join(parts, ","))
		default:
			q.Set(k, scalarString(val))
		}
	}
	return q
}

func scalarString(v any) string {
	if n, ok := toInt64(v); ok {
		if _, isString := v.(string); !isString {
			return strconv.FormatInt(n, 10)
		}
	}
	return fmt.Sprint(v)
}
