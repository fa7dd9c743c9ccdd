package domain

import "fmt"

// ResourceType nombra un tipo de recurso de Taiga expuesto por el bridge.
type ResourceType string

const (
	ResourceProject   ResourceType = "project"
	ResourceEpic      ResourceType = "epic"
	ResourceUserStory ResourceType = "user_story"
	ResourceTask      ResourceType = "task"
	ResourceIssue     ResourceType = "issue"
	ResourceMilestone ResourceType = "milestone"
	ResourceMember    ResourceType = "member"
	ResourceWikiPage  ResourceType = "wiki_page"
	// ResourceAttribute cubre estados, prioridades, severidades y tipos.
	ResourceAttribute ResourceType = "attribute"
)

// Verbosity controla que campos de un recurso se devuelven.
type Verbosity string

const (
	VerbosityMinimal  Verbosity = "minimal"
	VerbosityStandard Verbosity = "standard"
	VerbosityFull     Verbosity = "full"
)

// ParseVerbosity acepta "" como standard.
func ParseVerbosity(v string) (Verbosity, error) {
	switch Verbosity(v) {
	case "":
		return VerbosityStandard, nil
	case VerbosityMinimal, VerbosityStandard, VerbosityFull:
		return Verbosity(v), nil
	}
	return "", NewError(KindValidation, "invalid verbosity %q: expected minimal, standard or full", v)
}

// ResourceSpec describe endpoint, allowlist y proyecciones de un tipo de recurso.
type ResourceSpec struct {
	Type ResourceType
	// Path relativo a /api/v1.
	Path string
	// Writable son los campos aceptados en kwargs de create/update.
	Writable []string
	// Filters son los campos aceptados en filters de list.
	Filters  []string
	Minimal  []string
	Standard []string
	// HasRef indica que el recurso tiene numero de secuencia por proyecto.
	HasRef bool
}

var itemFilters = []string{"milestone", "status", "assigned_to", "tags", "owner", "is_closed", "status__is_closed", "q", "page", "page_size"}

var resourceSpecs = map[ResourceType]ResourceSpec{
	ResourceProject: {
		Type: ResourceProject,
		Path: "projects",
		Writable: []string{
			"name", "is_private", "is_featured", "description", "tags", "total_story_points",
			"total_milestones", "is_looking_for_people", "looking_for_people_note",
			"is_epics_activated", "is_backlog_activated", "is_kanban_activated", "is_wiki_activated",
			"is_issues_activated", "videoconferences", "videoconferences_extra_data",
			"creation_template", "is_contact_activated",
		},
		Filters:  []string{"member", "members", "is_looking_for_people", "is_featured", "is_backlog_activated", "is_kanban_activated", "order_by", "slight"},
		Minimal:  []string{"id", "name", "slug"},
		Standard: []string{"id", "name", "slug", "description", "is_private", "tags", "created_date", "modified_date", "version"},
	},
	ResourceUserStory: {
		Type: ResourceUserStory,
		Path: "userstories",
		Writable: []string{
			"subject", "description", "status", "is_closed", "points", "milestone", "tags",
			"assigned_to", "assigned_users", "watchers", "client_requirement", "team_requirement",
			"is_blocked", "blocked_note", "backlog_order", "sprint_order", "kanban_order",
			"due_date", "due_date_reason", "epics",
		},
		Filters: append([]string{"epic", "role"}, itemFilters...),
		Minimal: []string{"id", "ref", "subject", "status", "project"},
		Standard: []string{
			"id", "ref", "subject", "description", "status", "status_extra_info", "assigned_to",
			"assigned_to_extra_info", "milestone", "project", "tags", "is_blocked", "is_closed",
			"due_date", "version",
		},
		HasRef: true,
	},
	ResourceTask: {
		Type: ResourceTask,
		Path: "tasks",
		Writable: []string{
			"subject", "description", "status", "milestone", "user_story", "assigned_to",
			"watchers", "is_iocaine", "tags", "is_blocked", "blocked_note", "due_date",
			"due_date_reason", "taskboard_order",
		},
		Filters: append([]string{"user_story"}, itemFilters...),
		Minimal: []string{"id", "ref", "subject", "status", "project"},
		Standard: []string{
			"id", "ref", "subject", "description", "status", "status_extra_info", "assigned_to",
			"assigned_to_extra_info", "user_story", "milestone", "project", "tags", "is_blocked",
			"due_date", "version",
		},
		HasRef: true,
	},
	ResourceIssue: {
		Type: ResourceIssue,
		Path: "issues",
		Writable: []string{
			"subject", "description", "status", "priority", "severity", "type", "milestone",
			"assigned_to", "watchers", "tags", "is_blocked", "blocked_note", "due_date",
			"due_date_reason",
		},
		Filters: append([]string{"priority", "severity", "type"}, itemFilters...),
		Minimal: []string{"id", "ref", "subject", "status", "priority", "severity", "project"},
		Standard: []string{
			"id", "ref", "subject", "description", "status", "status_extra_info", "priority",
			"priority_extra_info", "severity", "severity_extra_info", "type", "type_extra_info",
			"assigned_to", "assigned_to_extra_info", "milestone", "project", "tags", "is_blocked",
			"due_date", "version",
		},
		HasRef: true,
	},
	ResourceEpic: {
		Type: ResourceEpic,
		Path: "epics",
		Writable: []string{
			"subject", "description", "status", "assigned_to", "watchers", "tags", "color",
			"client_requirement", "team_requirement", "epics_order",
		},
		Filters: itemFilters,
		Minimal: []string{"id", "ref", "subject", "status", "project"},
		Standard: []string{
			"id", "ref", "subject", "description", "status", "status_extra_info", "assigned_to",
			"assigned_to_extra_info", "project", "tags", "color", "version",
		},
		HasRef: true,
	},
	ResourceMilestone: {
		Type:     ResourceMilestone,
		Path:     "milestones",
		Writable: []string{"name", "estimated_start", "estimated_finish", "disponibility", "slug", "order", "watchers", "closed"},
		Filters:  []string{"closed"},
		Minimal:  []string{"id", "name", "slug", "project"},
		Standard: []string{"id", "name", "slug", "estimated_start", "estimated_finish", "closed", "project", "version"},
	},
	ResourceMember: {
		Type:     ResourceMember,
		Path:     "memberships",
		Writable: []string{"role", "username", "email"},
		Filters:  []string{"role"},
		Minimal:  []string{"id", "user", "full_name"},
		Standard: []string{"id", "user", "full_name", "email", "role", "role_name", "is_admin", "project"},
	},
	ResourceWikiPage: {
		Type:     ResourceWikiPage,
		Path:     "wiki",
		Writable: []string{"slug", "content"},
		Filters:  []string{"slug"},
		Minimal:  []string{"id", "slug", "project"},
		Standard: []string{"id", "slug", "content", "project", "version"},
	},
	ResourceAttribute: {
		Type:     ResourceAttribute,
		Minimal:  []string{"id", "name", "project"},
		Standard: []string{"id", "name", "slug", "color", "order", "is_closed", "project"},
	},
}

// Spec devuelve la especificacion del tipo de recurso.
func Spec(rt ResourceType) (ResourceSpec, error) {
	spec, ok := resourceSpecs[rt]
	if !ok {
		return ResourceSpec{}, fmt.Errorf("unknown resource type %q", rt)
	}
	return spec, nil
}

// MustSpec es Spec para tipos conocidos en tiempo de compilacion.
func MustSpec(rt ResourceType) ResourceSpec {
	spec, err := Spec(rt)
	if err != nil {
		panic(err)
	}
	return spec
}

// ResourceTypes lista todos los tipos con proyeccion definida.
func ResourceTypes() []ResourceType {
	return []ResourceType{
		ResourceProject, ResourceEpic, ResourceUserStory, ResourceTask, ResourceIssue,
		ResourceMilestone, ResourceMember, ResourceWikiPage, ResourceAttribute,
	}
}

// Fields devuelve los campos de la proyeccion; nil significa sin filtrar.
func (s ResourceSpec) Fields(v Verbosity) []string {
	switch v {
	case VerbosityMinimal:
		return s.Minimal
	case VerbosityStandard:
		return s.Standard
	}
	return nil
}
