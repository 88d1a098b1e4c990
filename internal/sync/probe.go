package sync

import (
	"context"
	"errors"
	"log/slog"

	"github.com/lawdesk/lawdesk-go/internal/remote"
)

// SchemaProbe is the preflight gate for a reconciliation pass: it confirms
// the backend exposes every expected table and column before the engine
// mutates anything, and classifies failures so the caller can distinguish
// "not set up yet" from "network is down".
type SchemaProbe struct {
	prober     Prober
	configured bool // remote credentials present
	logger     *slog.Logger
}

// NewSchemaProbe creates a SchemaProbe. configured reflects whether remote
// credentials are present; when false the probe short-circuits to
// ClassUnconfigured without touching the network.
func NewSchemaProbe(prober Prober, configured bool, logger *slog.Logger) *SchemaProbe {
	if logger == nil {
		logger = slog.Default()
	}

	return &SchemaProbe{prober: prober, configured: configured, logger: logger}
}

// ProbeResult is the outcome of a preflight check.
type ProbeResult struct {
	Class ProbeClass
	Table string // first failing table, for guided repair
	Err   error
}

// Run probes every registry table with one minimal select each and
// classifies the first failure. A healthy backend returns ClassReady.
func (p *SchemaProbe) Run(ctx context.Context) ProbeResult {
	if !p.configured {
		return ProbeResult{Class: ClassUnconfigured, Err: ErrUnconfigured}
	}

	for _, ent := range Entities {
		err := p.prober.Probe(ctx, ent.Table, ent.ProbeColumn)
		if err == nil {
			continue
		}

		p.logger.Warn("schema probe failed",
			slog.String("table", ent.Table),
			slog.String("column", ent.ProbeColumn),
			slog.String("error", err.Error()),
		)

		return ProbeResult{Class: classifyProbeError(err), Table: ent.Table, Err: err}
	}

	p.logger.Debug("schema probe passed", slog.Int("tables", len(Entities)))

	return ProbeResult{Class: ClassReady}
}

// classifyProbeError maps a probe failure to its classification.
func classifyProbeError(err error) ProbeClass {
	switch {
	case remote.IsSchemaError(err) || errors.Is(err, remote.ErrNotFound):
		return ClassUninitialized
	case errors.Is(err, remote.ErrUnauthorized) || errors.Is(err, remote.ErrForbidden):
		// Credentials present but rejected: the backend is reachable and the
		// fix is configuration, not schema installation.
		return ClassUnconfigured
	case remote.IsNetworkError(err):
		return ClassNetwork
	default:
		return ClassUnknown
	}
}
