package service

import "taiga-bridge/internal/domain"

// Shape proyecta payload segun la verbosidad. Nunca modifica la entrada;
// full y los payloads que no son recursos se devuelven tal cual.
func Shape(rt domain.ResourceType, v domain.Verbosity, payload any) any {
	if v == domain.VerbosityFull {
		return payload
	}
	spec, err := domain.Spec(rt)
	if err != nil {
		return payload
	}
	fields := spec.Fields(v)
	if fields == nil {
		return payload
	}

	switch p := payload.(type) {
	case map[string]any:
		return project(p, fields)
	case []map[string]any:
		out := make([]map[string]any, len(p))
		for i, item := range p {
			out[i] = project(item, fields)
		}
		return out
	case []any:
		out := make([]any, len(p))
		for i, item := range p {
			if m, ok := item.(map[string]any); ok {
				out[i] = project(m, fields)
			} else {
				out[i] = item
			}
		}
		return out
	}
	return payload
}

func project(item map[string]any, fields []string) map[string]any {
	if item == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := item[f]; ok {
			out[f] = v
		}
	}
	return out
}
