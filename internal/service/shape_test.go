package service

import (
	"reflect"
	"testing"

	"taiga-bridge/internal/domain"
)

func samplePayload() map[string]any {
	return map[string]any{
		"id": float64(1), "ref": float64(3), "name": "n", "slug": "s", "subject": "x", "status": float64(2),
		"project": float64(7), "version": float64(4), "description": "d", "owner_extra_info": map[string]any{"id": 9},
		"watchers": []any{float64(1)}, "content": "c", "user": float64(5), "full_name": "Alice",
	}
}

func TestShapeIsTotalAndIdempotent(t *testing.T) {
	for _, rt := range domain.ResourceTypes() {
		for _, v := range []domain.Verbosity{domain.VerbosityMinimal, domain.VerbosityStandard, domain.VerbosityFull} {
			payload := samplePayload()
			shaped := Shape(rt, v, payload)
			if !reflect.DeepEqual(payload, samplePayload()) {
				t.Fatalf("%s/%s: input was modified", rt, v)
			}
			again := Shape(rt, v, shaped)
			if !reflect.DeepEqual(shaped, again) {
				t.Fatalf("%s/%s: shaping is not idempotent: %v vs %v", rt, v, shaped, again)
			}

			m, ok := shaped.(map[string]any)
			if !ok {
				t.Fatalf("%s/%s: expected a map, got %T", rt, v, shaped)
			}
			if v == domain.VerbosityFull {
				if !reflect.DeepEqual(m, payload) {
					t.Fatalf("%s: full must return the payload unchanged", rt)
				}
				continue
			}
			allowed := domain.MustSpec(rt).Fields(v)
			for k := range m {
				if !contains(allowed, k) {
					t.Fatalf("%s/%s: field %q is outside the projection", rt, v, k)
				}
			}
		}
	}
}

func TestShapeCollections(t *testing.T) {
	list := []map[string]any{samplePayload(), {"id": float64(2)}}
	got := Shape(domain.ResourceProject, domain.VerbosityMinimal, list).([]map[string]any)
	want := []map[string]any{
		{"id": float64(1), "name": "n", "slug": "s"},
		{"id": float64(2)},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected shaped list: %v", got)
	}

	mixed := []any{samplePayload(), "not-a-resource"}
	shaped := Shape(domain.ResourceProject, domain.VerbosityMinimal, mixed).([]any)
	if shaped[1] != "not-a-resource" {
		t.Fatalf("non-object items must pass through, got %v", shaped[1])
	}

	status := map[string]any{"status": "deleted", "task_id": int64(3)}
	if out := Shape("unknown", domain.VerbosityMinimal, status); !reflect.DeepEqual(out, status) {
		t.Fatalf("unknown resource types must pass through, got %v", out)
	}
	if out := Shape(domain.ResourceTask, domain.VerbosityMinimal, 42); out != 42 {
		t.Fatalf("scalars must pass through, got %v", out)
	}
}
