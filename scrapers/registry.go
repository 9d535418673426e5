package scrapers

import (
	"maps"
	"slices"

	"github.com/commission-vm/logging"
)

// Factory builds an adapter for one run.
type Factory func(env Env) Adapter

// variants is the closed set of portal flows, keyed by site id.
var variants = map[string]Factory{
	"clal":             newClal,
	"harel":            newHarel,
	"altshuler_shaham": newAltshuler,
	"ayalon":           newAyalon,
	"migdal":           newMigdal,
	"yellin_lapidot":   newYellin,
	"fnx":              standardFlow(idPasswordFields),
	"phoenix":          standardFlow(idPasswordFields),
	"mor":              standardFlow(morFields),
	"meitav":           standardFlow(meitavFields),
	"analyst":          standardFlow(idPhoneFields),
	"passportcard":     standardFlow(passportcardFields),
	"hachshara_secure": standardFlow(usernamePasswordFields),
}

// Registry resolves site ids to adapters, falling back to the generic flow.
type Registry struct {
	variants map[string]Factory
	fallback Factory
}

func NewRegistry() *Registry {
	return &Registry{variants: maps.Clone(variants), fallback: newGeneric}
}

// Has reports whether id has a dedicated flow.
func (r *Registry) Has(id string) bool {
	_, ok := r.variants[id]
	return ok
}

// IDs returns the ids with dedicated flows.
func (r *Registry) IDs() []string {
	return slices.Sorted(maps.Keys(r.variants))
}

// New builds the adapter for env.Site.
func (r *Registry) New(env Env) Adapter {
	env.Logger = logging.With(logging.Component(env.Logger, "scrapers"), "site", env.Site.ID)
	if f, ok := r.variants[env.Site.ID]; ok {
		return f(env)
	}
	env.Logger.Warn().Msg("no dedicated flow, using generic adapter")
	return r.fallback(env)
}
