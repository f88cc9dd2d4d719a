package validator

import "sort"

// graphFromUpdate parses the structural-breakdown lists a guideline
// update carries at tier into a Graph, grounded on
// original_source/resources/earth_agent.py's `_get_affected_downstream_components`
// / `_analyze_*_dependencies`, which build the dependency graph from the
// proposed update itself rather than from a side-channel table:
//   - COMPONENT: update["ordered_components"][i] = {"name", "dependencies": {"required": [...]}}
//   - FEATURE:   update["features"][i]           = {"id", "dependencies": [...]}
//   - FUNCTIONALITY: update["functionalities"][i] = {"id", "dependencies": [...]}
func graphFromUpdate(tier Tier, update map[string]interface{}) Graph {
	g := Graph{}
	if update == nil {
		return g
	}

	switch tier {
	case TierComponent:
		for _, item := range asMapSlice(update["ordered_components"]) {
			name, _ := item["name"].(string)
			if name == "" {
				continue
			}
			var deps []string
			if depMap, ok := item["dependencies"].(map[string]interface{}); ok {
				deps = asStringSlice(depMap["required"])
			}
			g[name] = deps
		}
	case TierFeature:
		for _, item := range asMapSlice(update["features"]) {
			id, _ := item["id"].(string)
			if id == "" {
				continue
			}
			g[id] = asStringSlice(item["dependencies"])
		}
	case TierFunctionality:
		for _, item := range asMapSlice(update["functionalities"]) {
			id, _ := item["id"].(string)
			if id == "" {
				continue
			}
			g[id] = asStringSlice(item["dependencies"])
		}
	}

	return g
}

func asMapSlice(v interface{}) []map[string]interface{} {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(items))
	for _, raw := range items {
		if m, ok := raw.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

func asStringSlice(v interface{}) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, it := range vv {
			if s, ok := it.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Graph is an adjacency map from a component/feature/functionality id
// to the ids it declares as required dependencies, shared across all
// three tiers per spec.md §4.3 ("the same logic restricted to features
// within the proposed component").
type Graph map[string][]string

// AffectedDownstream returns every node whose declared dependency list
// contains any of changed, sorted for determinism.
func (g Graph) AffectedDownstream(changed []string) []string {
	changedSet := make(map[string]bool, len(changed))
	for _, c := range changed {
		changedSet[c] = true
	}

	var affected []string
	for node, deps := range g {
		for _, d := range deps {
			if changedSet[d] {
				affected = append(affected, node)
				break
			}
		}
	}
	sort.Strings(affected)
	return affected
}

// DetectCycles runs a DFS cycle detector over g, returning one
// ImpactRecord per distinct cycle found. kind lets callers tag the
// record per-tier ("dependency_cycle" at COMPONENT,
// "feature_dependency_cycle" at FEATURE, and so on).
func (g Graph) DetectCycles(kind string) []ImpactRecord {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g))
	var records []ImpactRecord
	var path []string

	var visit func(node string)
	visit = func(node string) {
		color[node] = gray
		path = append(path, node)
		for _, dep := range g[node] {
			switch color[dep] {
			case white:
				visit(dep)
			case gray:
				records = append(records, ImpactRecord{
					Kind:      kind,
					Component: node,
					Detail:    "cycle involving " + dep,
				})
			}
		}
		path = path[:len(path)-1]
		color[node] = black
	}

	nodes := make([]string, 0, len(g))
	for n := range g {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	for _, n := range nodes {
		if color[n] == white {
			visit(n)
		}
	}
	return records
}

// UndefinedDependencies returns ImpactRecords for every dependency edge
// that points at a node with no entry of its own in g.
func (g Graph) UndefinedDependencies(kind string) []ImpactRecord {
	var records []ImpactRecord
	nodes := make([]string, 0, len(g))
	for n := range g {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	for _, node := range nodes {
		for _, dep := range g[node] {
			if _, ok := g[dep]; !ok {
				records = append(records, ImpactRecord{
					Kind:      kind,
					Component: node,
					Detail:    "undefined dependency: " + dep,
				})
			}
		}
	}
	return records
}
