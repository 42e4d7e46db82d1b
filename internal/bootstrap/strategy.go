package bootstrap

// Strategy is the bootstrap loop's current recovery mode (spec.md §9
// glossary). Transitions are one-way per run: normal_fix -> clean_deps ->
// restart_agent.
type Strategy string

const (
	StrategyNormalFix    Strategy = "normal_fix"
	StrategyCleanDeps    Strategy = "clean_deps"
	StrategyRestartAgent Strategy = "restart_agent"
)

// cleanDepsPaths lists the dependency/cache directories removed when
// escalating to clean_deps (spec.md §4.C10 step 7).
var cleanDepsPaths = []string{
	"node_modules", ".venv", ".pytest_cache", ".mypy_cache", "__pycache__",
}

// dependencyMarkers lists files whose presence in a diff triggers a
// re-install before lint/test (spec.md §4.C10 step 3).
var dependencyMarkers = map[string]struct{}{
	"package.json":      {},
	"package-lock.json": {},
	"pnpm-lock.yaml":    {},
	"yarn.lock":         {},
	"pyproject.toml":    {},
	"poetry.lock":       {},
	"uv.lock":           {},
	"requirements.txt":  {},
}

func touchesDependencyMarker(changedFiles []string) bool {
	for _, f := range changedFiles {
		if _, ok := dependencyMarkers[f]; ok {
			return true
		}
	}
	return false
}

// escalate applies spec.md §4.C10 step 7's strategy escalation rule given
// the current streak and strategy, returning the (possibly unchanged)
// resulting strategy and whether a change occurred.
func escalate(streak int, current Strategy) (Strategy, bool) {
	if streak >= 3 && current != StrategyRestartAgent {
		return StrategyRestartAgent, true
	}
	if streak >= 2 && current == StrategyNormalFix {
		return StrategyCleanDeps, true
	}
	return current, false
}
