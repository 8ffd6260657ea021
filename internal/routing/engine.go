// Package routing selects which model serves a request: strategy rules, A/B
// assignment, user preferences, circuit health, and weighted scoring across
// cost, load, health, and latency.
package routing

import (
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/voyagehq/llm-orchestrator/internal/config"
	"github.com/voyagehq/llm-orchestrator/internal/domain"
)

// HealthSource reports provider availability, normally the circuit breaker
// manager.
type HealthSource interface {
	CanExecute(p domain.Provider) bool
	HealthScore(p domain.Provider) float64
}

// LoadSource reports per-model in-flight counts and observed latency.
type LoadSource interface {
	InFlight(modelID string) int
	AvgLatency(modelID string) time.Duration
}

// Scoring weights. Cost efficiency and health dominate; the capability bonus
// is flat.
const (
	weightCost       = 0.30
	weightLoad       = 0.20
	weightHealth     = 0.30
	weightLatency    = 0.10
	capabilityBonus  = 0.10
	slowLatencyLimit = 10 * time.Second
)

type Engine struct {
	cfg    *config.Manager
	health HealthSource
	load   LoadSource
}

func NewEngine(cfg *config.Manager, health HealthSource, load LoadSource) *Engine {
	return &Engine{cfg: cfg, health: health, load: load}
}

// Selection is the outcome of SelectModel.
type Selection struct {
	ModelID  string
	Provider domain.Provider
}

// SelectModel runs the full selection pipeline for a request. Given identical
// request, tenant config, health, and load inputs it is deterministic: the
// only hashing involved is the stable A/B bucket assignment.
func (e *Engine) SelectModel(req *domain.Request, tenant *domain.TenantInfo) (Selection, error) {
	view, err := e.cfg.TenantView(tenant.ID)
	if err != nil {
		return Selection{}, err
	}

	strategyName := view.RoutingStrategy
	if strategyName == "" {
		return Selection{}, domain.NewConfigurationError("no routing strategy configured for tenant %q", tenant.ID)
	}

	strategy, err := e.cfg.Strategy(strategyName)
	if err != nil {
		return Selection{}, err
	}

	// An active A/B bucket short-circuits rule evaluation, but the bucket
	// model still has to be usable.
	if modelID, ok := e.abAssignment(strategy, req.UserID); ok {
		if sel, ok := e.usable(modelID, req, tenant, view); ok {
			slog.Debug("a/b assignment", "user_id", req.UserID, "model", modelID)
			return sel, nil
		}
	}

	candidates := e.candidatesFor(strategy, req)
	candidates = e.applyPreferences(candidates, req)
	candidates = e.filterAvailable(candidates, req, tenant, view)

	if len(candidates) == 0 {
		return Selection{}, domain.NewConfigurationError("no available models for request %s", req.ID)
	}

	best := candidates[0]
	if len(candidates) > 1 {
		best = e.pickBest(candidates, req)
	}

	def, err := e.cfg.Model(best)
	if err != nil {
		return Selection{}, err
	}
	provider, _ := domain.ParseProvider(def.Provider)
	return Selection{ModelID: best, Provider: provider}, nil
}

// FallbackModels recomputes the candidate set under the same strategy,
// excluding the failed model and anything already tried, for the gateway's
// single-hop retry.
func (e *Engine) FallbackModels(originalModel string, req *domain.Request, tenant *domain.TenantInfo, exclude []string) []string {
	view, err := e.cfg.TenantView(tenant.ID)
	if err != nil || view.RoutingStrategy == "" {
		return nil
	}
	strategy, err := e.cfg.Strategy(view.RoutingStrategy)
	if err != nil {
		return nil
	}

	excluded := make(map[string]bool, len(exclude)+1)
	excluded[originalModel] = true
	for _, id := range exclude {
		excluded[id] = true
	}

	candidates := e.candidatesFor(strategy, req)
	candidates = e.applyPreferences(candidates, req)
	candidates = e.filterAvailable(candidates, req, tenant, view)

	remaining := candidates[:0]
	for _, id := range candidates {
		if !excluded[id] {
			remaining = append(remaining, id)
		}
	}
	if len(remaining) <= 1 {
		return remaining
	}
	return e.rank(remaining, req)
}

// abAssignment buckets the user deterministically: FNV-1a of the user id mod
// 100, matched against cumulative traffic-split percentages.
func (e *Engine) abAssignment(strategy config.StrategyConfig, userID string) (string, bool) {
	if userID == "" {
		return "", false
	}
	for _, test := range strategy.ABTests {
		if !test.Enabled || len(test.Splits) == 0 {
			continue
		}
		bucket := int(hashUserID(userID) % 100)
		cumulative := 0
		for _, split := range test.Splits {
			cumulative += split.Percent
			if bucket < cumulative {
				return split.Model, true
			}
		}
	}
	return "", false
}

func hashUserID(userID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return h.Sum32()
}

// candidatesFor evaluates the strategy's ordered rules; the first match wins.
// No match falls back to every configured model, which is a policy gap worth
// a warning, not a failure.
func (e *Engine) candidatesFor(strategy config.StrategyConfig, req *domain.Request) []string {
	for _, rule := range strategy.Rules {
		if matches(rule.When, req) {
			out := make([]string, len(rule.Models))
			copy(out, rule.Models)
			return out
		}
	}

	slog.Warn("no routing rule matched, falling back to all models",
		"strategy", strategy.Name,
		"task_type", req.TaskType,
		"request_id", req.ID,
	)

	defs, err := e.cfg.ModelDefinitions()
	if err != nil {
		return nil
	}
	all := make([]string, 0, len(defs))
	for _, def := range defs {
		all = append(all, def.ID)
	}
	return all
}

// matches evaluates the closed set of typed rule conditions. An empty
// condition matches everything.
func matches(cond config.ConditionConfig, req *domain.Request) bool {
	switch {
	case cond.TaskType != "":
		return string(req.TaskType) == cond.TaskType
	case cond.Priority != "":
		return string(req.Priority) == cond.Priority
	case cond.PromptLongerThan > 0:
		return len(req.Prompt) > cond.PromptLongerThan
	default:
		return true
	}
}

// applyPreferences moves an explicit preferred model to the front (prepending
// it when absent) and removes avoided models.
func (e *Engine) applyPreferences(candidates []string, req *domain.Request) []string {
	if req.PreferredModel != "" {
		reordered := make([]string, 0, len(candidates)+1)
		reordered = append(reordered, req.PreferredModel)
		for _, id := range candidates {
			if id != req.PreferredModel {
				reordered = append(reordered, id)
			}
		}
		candidates = reordered
	}

	if len(req.AvoidModels) == 0 {
		return candidates
	}

	avoid := make(map[string]bool, len(req.AvoidModels))
	for _, id := range req.AvoidModels {
		avoid[id] = true
	}

	kept := candidates[:0]
	for _, id := range candidates {
		if !avoid[id] {
			kept = append(kept, id)
		}
	}
	return kept
}

// filterAvailable drops inactive models, models the tenant may not use, and
// models whose provider circuit is not accepting requests. Providers with no
// health record yet count as healthy.
func (e *Engine) filterAvailable(candidates []string, req *domain.Request, tenant *domain.TenantInfo, view *config.TenantView) []string {
	kept := candidates[:0]
	for _, id := range candidates {
		def, err := e.cfg.Model(id)
		if err != nil || !def.Active {
			continue
		}
		provider, ok := domain.ParseProvider(def.Provider)
		if !ok {
			continue
		}
		if req.ModelPreference != "" && provider != req.ModelPreference {
			continue
		}
		if !tenant.AllowsProvider(provider) || !view.AllowsModel(id) {
			continue
		}
		if !e.health.CanExecute(provider) {
			continue
		}
		kept = append(kept, id)
	}
	return kept
}

func (e *Engine) pickBest(candidates []string, req *domain.Request) string {
	return e.rank(candidates, req)[0]
}

// rank orders candidates by weighted score, highest first, preserving
// first-seen order on ties.
func (e *Engine) rank(candidates []string, req *domain.Request) []string {
	type scored struct {
		id    string
		score float64
	}

	perf, _ := e.cfg.Performance()
	maxInFlight := perf.MaxConcurrentPerModel
	if maxInFlight <= 0 {
		maxInFlight = 50
	}

	minPrice := 0.0
	for _, id := range candidates {
		if def, err := e.cfg.Model(id); err == nil {
			price := def.AvgCostPer1K()
			if price > 0 && (minPrice == 0 || price < minPrice) {
				minPrice = price
			}
		}
	}

	ranked := make([]scored, 0, len(candidates))
	for _, id := range candidates {
		def, err := e.cfg.Model(id)
		if err != nil {
			continue
		}
		provider, _ := domain.ParseProvider(def.Provider)

		costScore := 1.0
		if price := def.AvgCostPer1K(); price > 0 && minPrice > 0 {
			costScore = minPrice / price
		}

		loadScore := 1.0 - float64(e.load.InFlight(id))/float64(maxInFlight)
		if loadScore < 0 {
			loadScore = 0
		}

		healthScore := e.health.HealthScore(provider)

		latencyScore := 1.0
		if avg := e.load.AvgLatency(id); avg > slowLatencyLimit {
			latencyScore = float64(slowLatencyLimit) / float64(avg)
		}

		total := weightCost*costScore +
			weightLoad*loadScore +
			weightHealth*healthScore +
			weightLatency*latencyScore

		if def.HasCapability(string(req.TaskType)) {
			total += capabilityBonus
		}

		ranked = append(ranked, scored{id: id, score: total})
	}

	// Insertion sort keeps the sort stable: ties stay in first-seen order.
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && ranked[j].score > ranked[j-1].score; j-- {
			ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
		}
	}

	ordered := make([]string, len(ranked))
	for i, s := range ranked {
		ordered[i] = s.id
	}
	return ordered
}

// usable validates an A/B-assigned model against the same availability rules
// as the normal pipeline.
func (e *Engine) usable(modelID string, req *domain.Request, tenant *domain.TenantInfo, view *config.TenantView) (Selection, bool) {
	filtered := e.filterAvailable([]string{modelID}, req, tenant, view)
	if len(filtered) == 0 {
		return Selection{}, false
	}
	def, err := e.cfg.Model(modelID)
	if err != nil {
		return Selection{}, false
	}
	provider, _ := domain.ParseProvider(def.Provider)
	return Selection{ModelID: modelID, Provider: provider}, true
}
