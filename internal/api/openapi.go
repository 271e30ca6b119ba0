package api

import (
	"github.com/mattjoyce/hybridshell/internal/plugin"
)

// buildOpenAPIDoc returns an OpenAPI 3.1 document with one exec path per
// plugin action.
func buildOpenAPIDoc(plugins []plugin.Info) map[string]any {
	paths := map[string]any{}
	for _, p := range plugins {
		for _, action := range p.Actions {
			paths["/exec/"+p.Service+"/"+action] = map[string]any{
				"post": map[string]any{
					"operationId": p.Service + "." + action,
					"tags":        []string{p.Service},
					"summary":     "Invoke " + p.Service + "." + action,
					"security":    []map[string]any{{"BearerAuth": []string{}}},
					"requestBody": map[string]any{
						"required": false,
						"content": map[string]any{
							"application/json": map[string]any{
								"schema": map[string]any{
									"type": "object",
									"properties": map[string]any{
										"args": map[string]any{"type": "array"},
									},
								},
							},
						},
					},
					"responses": map[string]any{
						"200": map[string]any{"description": "Results delivered for the call"},
						"202": map[string]any{"description": "No result before the timeout"},
						"404": map[string]any{"description": "Unknown service or action"},
					},
				},
			}
		}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "hybridshell",
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
