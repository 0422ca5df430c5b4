// Package filter decides which fetched flashes a deployment processes. The
// rule is injected into the coordinator as a predicate so deployments can
// vary it through config without touching pipeline logic.
package filter

import (
	"strings"

	"github.com/flashcastr/flashsync/internal/flashsync/model"
)

// Policy is the per-deployment inclusion rule.
type Policy interface {
	ShouldProcess(flash model.Flash, category model.Category) bool
}

// AllowAll processes every fetched flash.
type AllowAll struct{}

func (AllowAll) ShouldProcess(model.Flash, model.Category) bool {
	return true
}

// AllowListPolicy always processes the with-paris category and restricts the
// without-paris category to a fixed set of players, matched
// case-insensitively.
type AllowListPolicy struct {
	allowed map[string]bool
}

func NewAllowListPolicy(players []string) *AllowListPolicy {
	allowed := make(map[string]bool, len(players))
	for _, p := range players {
		allowed[strings.ToLower(strings.TrimSpace(p))] = true
	}
	return &AllowListPolicy{allowed: allowed}
}

func (p *AllowListPolicy) ShouldProcess(flash model.Flash, category model.Category) bool {
	if category == model.CategoryWithParis {
		return true
	}
	return p.allowed[strings.ToLower(flash.Player)]
}

// Apply filters a fetched batch down to the flashes the policy accepts,
// with-paris first.
func Apply(policy Policy, batch *model.FlashBatch) []model.Flash {
	var result []model.Flash
	for _, flash := range batch.WithParis {
		if policy.ShouldProcess(flash, model.CategoryWithParis) {
			result = append(result, flash)
		}
	}
	for _, flash := range batch.WithoutParis {
		if policy.ShouldProcess(flash, model.CategoryWithoutParis) {
			result = append(result, flash)
		}
	}
	return result
}
