package service

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"

	"taiga-bridge/internal/domain"
)

// ParamKind es el tipo declarado de un parametro de operacion.
type ParamKind string

const (
	ParamString  ParamKind = "string"
	ParamInteger ParamKind = "integer"
	// ParamObject acepta un objeto o un string con JSON de objeto.
	ParamObject ParamKind = "object"
)

// Param describe un parametro aceptado por una operacion.
type Param struct {
	Name        string
	Kind        ParamKind
	Required    bool
	Description string
	Enum        []string
	// Allowed restringe las claves de un ParamObject.
	Allowed []string
}

// Args son los parametros de una llamada ya validados y convertidos.
type Args map[string]any

func (a Args) Int(name string) (int64, bool) {
	v, ok := a[name].(int64)
	return v, ok
}

func (a Args) String(name string) string {
	s, _ := a[name].(string)
	return s
}

func (a Args) Object(name string) map[string]any {
	m, _ := a[name].(map[string]any)
	return m
}

// validateArgs rechaza claves desconocidas, convierte tipos y verifica requeridos.
func validateArgs(op string, params []Param, raw map[string]any) (Args, error) {
	byName := make(map[string]Param, len(params))
	for _, p := range params {
		byName[p.Name] = p
	}

	var unknown []string
	for k := range raw {
		if _, ok := byName[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, domain.NewError(domain.KindValidation, "unexpected parameter(s) for %s: %s", op, strings.Join(unknown, ", "))
	}

	args := make(Args, len(raw))
	for _, p := range params {
		v, present := raw[p.Name]
		if !present || v == nil {
			if p.Required {
				return nil, domain.NewError(domain.KindValidation, "missing required parameter %q for %s", p.Name, op)
			}
			continue
		}
		converted, err := convertParam(p, v)
		if err != nil {
			return nil, err
		}
		if s, ok := converted.(string); ok && p.Required && strings.TrimSpace(s) == "" {
			return nil, domain.NewError(domain.KindValidation, "parameter %q for %s cannot be empty", p.Name, op)
		}
		args[p.Name] = converted
	}
	return args, nil
}

func convertParam(p Param, v any) (any, error) {
	switch p.Kind {
	case ParamString:
		s, ok := v.(string)
		if !ok {
			return nil, domain.NewError(domain.KindValidation, "parameter %q must be a string", p.Name)
		}
		if len(p.Enum) > 0 && s != "" && !contains(p.Enum, s) {
			return nil, domain.NewError(domain.KindValidation, "parameter %q must be one of %s", p.Name, strings.Join(p.Enum, ", "))
		}
		return s, nil
	case ParamInteger:
		n, ok := toInt64(v)
		if !ok {
			return nil, domain.NewError(domain.KindValidation, "parameter %q must be an integer", p.Name)
		}
		return n, nil
	case ParamObject:
		obj, err := toObject(p.Name, v)
		if err != nil {
			return nil, err
		}
		if err := checkKeys(p, obj); err != nil {
			return nil, err
		}
		return obj, nil
	}
	return nil, domain.NewError(domain.KindInternal, "parameter %q has unsupported kind %q", p.Name, p.Kind)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.Abs(n) > 1<<53 {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	}
	return 0, false
}

// toObject acepta un objeto o su representacion JSON; el string vacio es un objeto vacio.
func toObject(name string, v any) (map[string]any, error) {
	switch o := v.(type) {
	case map[string]any:
		return o, nil
	case string:
		if strings.TrimSpace(o) == "" {
			return map[string]any{}, nil
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(o), &obj); err != nil || obj == nil {
			return nil, domain.NewError(domain.KindValidation, "parameter %q must be a JSON object", name)
		}
		return obj, nil
	}
	return nil, domain.NewError(domain.KindValidation, "parameter %q must be an object or a JSON object string", name)
}

func checkKeys(p Param, obj map[string]any) error {
	if p.Allowed == nil {
		return nil
	}
	var unknown []string
	for k := range obj {
		if !contains(p.Allowed, k) {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return domain.NewError(domain.KindValidation, "unexpected key(s) in %s: %s (allowed: %s)",
		p.Name, strings.Join(unknown, ", "), strings.Join(p.Allowed, ", "))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
