package search

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/jyotsnaravikumar/fhir-server/internal/fhirerrors"
	"github.com/jyotsnaravikumar/fhir-server/internal/model"
	"go.uber.org/zap"
)

// ParamStatus is the lifecycle state of a search parameter. Only Searchable
// parameters are honored by the query layer; Supported parameters are
// extracted at write time but wait for a reindex to prove completeness.
type ParamStatus string

const (
	StatusSupported  ParamStatus = "Supported"
	StatusSearchable ParamStatus = "Searchable"
	StatusDisabled   ParamStatus = "Disabled"
)

// ParamComponent is one member expression of a composite parameter.
type ParamComponent struct {
	Expression string
	Family     model.IndexFamily
}

// ParamInfo describes one extraction rule.
type ParamInfo struct {
	URL        string
	Code       string
	Family     model.IndexFamily
	Expression string
	// Base lists the resource types the parameter applies to.
	Base       []string
	Components []ParamComponent
	Status     ParamStatus
}

func (p ParamInfo) appliesTo(resourceType string) bool {
	for _, b := range p.Base {
		if b == resourceType || b == "Resource" {
			return true
		}
	}
	return false
}

// SupportResolver reports which extraction rules can be materialized and a
// stable hash per resource type, and promotes rules once a reindex proves
// their indices complete.
type SupportResolver interface {
	SearchableParameters(resourceType string) []ParamInfo
	SupportedButNotSearchable(resourceType string) []ParamInfo
	// MaterializableParameters returns every non-disabled parameter for
	// resourceType; the set the hash is computed over.
	MaterializableParameters(resourceType string) []ParamInfo
	// Hash is deterministic over the currently-materializable parameters
	// applicable to resourceType.
	Hash(resourceType string) string
	// Promote sets the given URLs to Searchable and persists the change.
	Promote(ctx context.Context, urls []string) error
}

// Registry is the in-process SupportResolver backed by the deployment's
// parameter definitions.
type Registry struct {
	mu     sync.RWMutex
	params map[string]*ParamInfo
	logger *zap.Logger
}

// NewRegistry creates an empty parameter registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		params: make(map[string]*ParamInfo),
		logger: logger,
	}
}

// Register adds or replaces a parameter definition.
func (r *Registry) Register(params ...ParamInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range params {
		cp := p
		if cp.Status == "" {
			cp.Status = StatusSupported
		}
		r.params[cp.URL] = &cp
	}
}

func (r *Registry) collect(resourceType string, match func(ParamStatus) bool) []ParamInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ParamInfo
	for _, p := range r.params {
		if p.appliesTo(resourceType) && match(p.Status) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// SearchableParameters returns the parameters the query layer may use.
func (r *Registry) SearchableParameters(resourceType string) []ParamInfo {
	return r.collect(resourceType, func(s ParamStatus) bool { return s == StatusSearchable })
}

// SupportedButNotSearchable returns the parameters awaiting a reindex.
func (r *Registry) SupportedButNotSearchable(resourceType string) []ParamInfo {
	return r.collect(resourceType, func(s ParamStatus) bool { return s == StatusSupported })
}

// MaterializableParameters returns every parameter extracted at write time.
func (r *Registry) MaterializableParameters(resourceType string) []ParamInfo {
	return r.collect(resourceType, func(s ParamStatus) bool { return s != StatusDisabled })
}

// PendingParameters returns every Supported parameter across all resource
// types; the candidate target set of a new reindex job.
func (r *Registry) PendingParameters() []ParamInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ParamInfo
	for _, p := range r.params {
		if p.Status == StatusSupported {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// Hash returns the deterministic hash of the materializable parameter set
// for a resource type.
func (r *Registry) Hash(resourceType string) string {
	params := r.MaterializableParameters(resourceType)
	urls := make([]string, 0, len(params))
	for _, p := range params {
		urls = append(urls, p.URL)
	}
	// collect already sorts by URL, which keeps this order-sensitive hash
	// stable across registration order.
	h := xxhash.Sum64String(strings.Join(urls, "|"))
	return strconv.FormatUint(h, 16)
}

// Promote sets the given URLs to Searchable.
func (r *Registry) Promote(ctx context.Context, urls []string) error {
	if err := ctx.Err(); err != nil {
		return fhirerrors.Canceled(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, url := range urls {
		p, ok := r.params[url]
		if !ok {
			return fhirerrors.RequestNotValid("unknown search parameter: " + url)
		}
		if p.Status == StatusDisabled {
			return fhirerrors.RequestNotValid("cannot promote disabled search parameter: " + url)
		}
		p.Status = StatusSearchable
	}
	r.logger.Info("Search parameters promoted", zap.Strings("urls", urls))
	return nil
}

var _ SupportResolver = (*Registry)(nil)
