// Package admission evaluates Rego policies against resource requests
// before they are assembled. Every module contributes messages to the
// deny set of package nexus.admission; a request with any message is
// rejected.
package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/nexus/pkg/engine"
	"github.com/openfroyo/nexus/pkg/telemetry"
)

// Controller holds the compiled policy set. It is safe for concurrent use
// and may be reloaded while requests are evaluated.
type Controller struct {
	paths []string
	tel   *telemetry.Telemetry
	log   zerolog.Logger

	mu      sync.RWMutex
	query   rego.PreparedEvalQuery
	modules []string
}

// New compiles the built-in policy together with the .rego files under
// paths. tel may be nil.
func New(ctx context.Context, paths []string, tel *telemetry.Telemetry) (*Controller, error) {
	c := &Controller{
		paths: paths,
		tel:   tel,
		log:   tel.Component("admission"),
	}
	if err := c.Reload(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload reads and compiles the policy files again. On error the active
// policy set is left unchanged.
func (c *Controller) Reload(ctx context.Context) error {
	files, err := loadModules(c.paths)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(files)+1)
	opts := []func(*rego.Rego){
		rego.Query(Query),
		rego.Module("builtin.rego", builtinPolicy),
	}
	names = append(names, "builtin.rego")
	for name, src := range files {
		opts = append(opts, rego.Module(name, src))
		names = append(names, name)
	}
	sort.Strings(names)

	query, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return engine.NewValidationError("failed to compile admission policies", err)
	}

	c.mu.Lock()
	c.query = query
	c.modules = names
	c.mu.Unlock()

	c.log.Info().Strs("modules", names).Msg("admission policies loaded")
	return nil
}

// Modules returns the names of the compiled modules.
func (c *Controller) Modules() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.modules...)
}

// Evaluate returns the sorted denial messages for a request of kind.
func (c *Controller) Evaluate(ctx context.Context, kind string, request interface{}) ([]string, error) {
	doc, err := toDocument(request)
	if err != nil {
		return nil, err
	}
	return c.evaluate(ctx, kind, doc)
}

func (c *Controller) evaluate(ctx context.Context, kind string, doc map[string]interface{}) ([]string, error) {
	c.mu.RLock()
	query := c.query
	c.mu.RUnlock()

	rs, err := query.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"kind":    kind,
		"request": doc,
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate admission policies: %w", err)
	}

	var reasons []string
	for _, r := range rs {
		for _, expr := range r.Expressions {
			set, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, v := range set {
				if msg, ok := v.(string); ok {
					reasons = append(reasons, msg)
				} else {
					reasons = append(reasons, fmt.Sprintf("%v", v))
				}
			}
		}
	}
	sort.Strings(reasons)
	return reasons, nil
}

// Admit rejects a request that any policy denies with an ADMISSION_DENIED
// error listing the reasons, and publishes the denial.
func (c *Controller) Admit(ctx context.Context, kind string, request interface{}) error {
	doc, err := toDocument(request)
	if err != nil {
		return err
	}
	reasons, err := c.evaluate(ctx, kind, doc)
	if err != nil {
		return err
	}
	if len(reasons) == 0 {
		return nil
	}

	name, _ := doc["name"].(string)
	c.log.Warn().Str("kind", kind).Str("name", name).Strs("reasons", reasons).Msg("request denied")
	_ = c.tel.E().PublishAdmissionDenied(kind, name, reasons)

	return engine.NewPermanentError("admission denied: "+strings.Join(reasons, "; "), nil).
		WithCode(engine.ErrCodeAdmission).
		WithResource(name).
		WithDetail("reasons", reasons)
}

// toDocument converts request to its JSON object form, which is what
// policies see as input.request.
func toDocument(request interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to encode admission input: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, engine.NewValidationError("admission input must be an object", err)
	}
	return doc, nil
}
