// Package reconcile turns database state into applied data-plane config.
// A debounced queue coalesces change bursts into single apply runs.
package reconcile

import (
	"context"
	"os"

	"oneui/internal/domain/inbound"
	"oneui/internal/infrastructure/config"
	"oneui/internal/shared/logger"
	"oneui/internal/xray/apply"
	"oneui/internal/xray/configgen"
)

// generator is the document-building seam, satisfied by *configgen.Generator.
type generator interface {
	Generate(input configgen.Input) (*configgen.Document, error)
}

// engine is the apply seam, satisfied by *apply.Engine.
type engine interface {
	Apply(ctx context.Context, doc *configgen.Document, method apply.Method, createSnapshot bool) (apply.Result, error)
}

// baselineResetter lets a successful restart clear the collector's
// counter baselines, since a restarted data plane starts counting at zero.
type baselineResetter interface {
	ResetBaselines()
}

// Reconciler builds the desired config from the database and applies it.
type Reconciler struct {
	inbounds  inbound.Repository
	generator generator
	engine    engine
	collector baselineResetter
	xrayCfg   config.XrayConfig
	routing   config.RoutingConfig
	logger    logger.Interface
}

func NewReconciler(
	inbounds inbound.Repository,
	gen generator,
	eng engine,
	collector baselineResetter,
	xrayCfg config.XrayConfig,
	routing config.RoutingConfig,
	log logger.Interface,
) *Reconciler {
	return &Reconciler{
		inbounds:  inbounds,
		generator: gen,
		engine:    eng,
		collector: collector,
		xrayCfg:   xrayCfg,
		routing:   routing,
		logger:    log.Named("reconcile"),
	}
}

// Reconcile performs one full pass: load enabled inbounds with their
// effective users, generate the document, and apply it with the
// configured activation method.
func (r *Reconciler) Reconcile(ctx context.Context) (apply.Result, error) {
	return r.ReconcileWith(ctx, "")
}

// ReconcileWith is Reconcile with an explicit activation method; an empty
// method picks hot or restart from the runtime config.
func (r *Reconciler) ReconcileWith(ctx context.Context, method apply.Method) (apply.Result, error) {
	inbounds, err := r.inbounds.ListEnabled(ctx)
	if err != nil {
		return apply.Result{}, err
	}

	entries := make([]configgen.Entry, 0, len(inbounds))
	for _, inb := range inbounds {
		accounts, err := r.inbounds.EffectiveAccounts(ctx, inb.ID)
		if err != nil {
			return apply.Result{}, err
		}
		entries = append(entries, configgen.Entry{Inbound: inb, Accounts: accounts})
	}

	input := configgen.Input{
		Entries: entries,
		Xray:    r.xrayCfg,
		Routing: r.routing,
	}
	if r.xrayCfg.TemplatePath != "" {
		raw, err := os.ReadFile(r.xrayCfg.TemplatePath)
		if err != nil {
			if !os.IsNotExist(err) {
				return apply.Result{}, err
			}
			r.logger.Warnw("base template missing, generating without it",
				"path", r.xrayCfg.TemplatePath)
		} else {
			input.Template = raw
		}
	}

	doc, err := r.generator.Generate(input)
	if err != nil {
		return apply.Result{}, err
	}

	result, err := r.engine.Apply(ctx, doc, method, true)
	if err != nil {
		return result, err
	}
	// A restart zeroes the data plane's counters, so the collector must
	// re-baseline before its next tick.
	if r.collector != nil && (result.EffectiveMethod == apply.MethodRestart || result.RolledBack) {
		r.collector.ResetBaselines()
	}
	r.logger.Infow("reconcile pass applied",
		"inbounds", len(entries),
		"method", result.EffectiveMethod,
		"fallback_used", result.FallbackUsed)
	return result, nil
}
