package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"taiga-bridge/internal/domain"
	"taiga-bridge/internal/service"
)

// toolFor traduce los parametros declarados a un JSON Schema de entrada.
func toolFor(op service.Operation) mcp.Tool {
	props := make(map[string]any, len(op.Params))
	var required []string
	for _, p := range op.Params {
		prop := map[string]any{}
		switch p.Kind {
		case service.ParamInteger:
			prop["type"] = "integer"
		case service.ParamObject:
			// objeto o JSON serializado
			prop["type"] = []string{"object", "string"}
		default:
			prop["type"] = "string"
		}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Required {
			required = append(required, p.Name)
		}
		props[p.Name] = prop
	}

	readOnly := !op.Mutating && op.Verb != service.VerbSession
	return mcp.Tool{
		Name:        op.Name,
		Description: op.Description,
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: props,
			Required:   required,
		},
		Annotations: mcp.ToolAnnotation{
			ReadOnlyHint:    boolPtr(readOnly),
			DestructiveHint: boolPtr(op.Verb == service.VerbDelete),
			OpenWorldHint:   boolPtr(true),
		},
	}
}

func boolPtr(b bool) *bool { return &b }

func (s *Server) toolHandler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, ok := req.Params.Arguments.(map[string]any)
		if !ok && req.Params.Arguments != nil {
			return errorResult(domain.NewError(domain.KindValidation, "arguments for %s must be an object", name)), nil
		}
		result, err := s.dispatcher.Dispatch(ctx, name, args)
		if err != nil {
			s.logger.Debug("tool call failed", zap.String("tool", name), zap.String("error_type", string(domain.KindOf(err))))
			return errorResult(err), nil
		}
		return mcp.NewToolResultStructuredOnly(structured(result)), nil
	}
}

// structured garantiza un objeto en structuredContent; las listas van bajo "result".
func structured(result any) any {
	if m, ok := result.(map[string]any); ok {
		return m
	}
	return map[string]any{"result": result}
}

func errorResult(err error) *mcp.CallToolResult {
	res := mcp.NewToolResultStructuredOnly(service.NewErrorObject(err))
	res.IsError = true
	return res
}
