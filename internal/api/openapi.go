package api

import "sort"

type route struct {
	method  string
	path    string
	id      string
	summary string
	scope   string
	codes   []string
}

var routes = []route{
	{"get", "/installations/{id}", "getInstallation", "Connection status", "connect", []string{"200", "404"}},
	{"delete", "/installations/{id}", "teardownInstallation", "Disconnect and revoke", "connect", []string{"204", "404"}},
	{"get", "/installations/{id}/token", "getAccessToken", "Usable access token", "vault", []string{"200", "404", "409"}},
	{"post", "/installations/{id}/resources", "linkResource", "Link a provider resource", "connect", []string{"201", "400", "404", "409"}},
	{"delete", "/installations/{id}/resources/{resourceID}", "unlinkResource", "Unlink a provider resource", "connect", []string{"204", "404"}},
	{"post", "/cache/rebuild", "rebuildRoutes", "Rebuild the routing cache", "admin", []string{"200"}},
	{"get", "/dlq", "listDeadLetters", "List dead-lettered deliveries", "admin", []string{"200", "400"}},
	{"post", "/dlq/replay", "replayDeadLetters", "Replay dead-lettered deliveries", "admin", []string{"200", "400"}},
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the internal API.
// Authorize paths are listed per enabled provider.
func buildOpenAPIDoc(providers []string) map[string]any {
	paths := map[string]any{}
	add := func(rt route) {
		responses := map[string]any{
			"401": map[string]any{"description": "Missing or invalid service token"},
			"403": map[string]any{"description": "Insufficient scope"},
		}
		for _, c := range rt.codes {
			responses[c] = map[string]any{"description": rt.summary}
		}
		item, _ := paths[rt.path].(map[string]any)
		if item == nil {
			item = map[string]any{}
			paths[rt.path] = item
		}
		item[rt.method] = map[string]any{
			"operationId": rt.id,
			"summary":     rt.summary,
			"tags":        []string{rt.scope},
			"responses":   responses,
			"security":    []any{map[string]any{"BearerAuth": []string{}}},
		}
	}

	for _, rt := range routes {
		add(rt)
	}

	sorted := append([]string(nil), providers...)
	sort.Strings(sorted)
	for _, p := range sorted {
		add(route{"get", "/oauth/" + p + "/authorize", p + "__authorize", "Start a " + p + " connection", "connect", []string{"200", "400"}})
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "relaygate internal API",
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
