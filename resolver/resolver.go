// Package resolver holds the external Source Resolvers (registry scrapers,
// web search and LLM extraction) and the runner that invokes them.
//
// A resolver answers for one drug and, optionally, a partner drug. It may
// return nil (no match) or an error; neither is fatal to the caller. Run
// contains failures and panics per resolver and reports every outcome in
// priority order regardless of completion order.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/ddi/record"
)

// ErrFailed marks every error produced by a resolver or by Run on its
// behalf (timeout, panic, open circuit).
var ErrFailed = errors.New("ddi: resolver failed")

// Error carries the failing resolver's name.
type Error struct {
	Resolver string
	Err      error
}

func (e *Error) Error() string { return fmt.Sprintf("resolver %s: %v", e.Resolver, e.Err) }

func (e *Error) Unwrap() []error { return []error{ErrFailed, e.Err} }

// Resolver is one external source of drug and interaction data.
type Resolver interface {
	// Name identifies the resolver in logs, metrics and provenance.
	Name() string
	// Source is the source type whose confidence floor applies.
	Source() record.Source
	// Resolve looks up drug and, when partner is non-empty, the interaction
	// between them. A nil extraction with a nil error means no match.
	Resolve(ctx context.Context, drug, partner string) (*record.Extraction, error)
}

// Outcome is the result of one resolver invocation.
type Outcome struct {
	Resolver   string             `json:"resolver"`
	Source     record.Source      `json:"source"`
	Extraction *record.Extraction `json:"extraction,omitempty"`
	Err        error              `json:"-"`
	Duration   time.Duration      `json:"duration_ns"`
	Skipped    bool               `json:"skipped,omitempty"`
}

// Status summarises the outcome as hit, miss, error or skipped.
func (o Outcome) Status() string {
	switch {
	case o.Skipped:
		return "skipped"
	case o.Err != nil:
		return "error"
	case o.Extraction == nil:
		return "miss"
	}
	return "hit"
}

// RunOptions controls Run.
type RunOptions struct {
	// Parallel runs every resolver concurrently. Otherwise resolvers run one
	// at a time in priority order.
	Parallel bool
	// Timeout bounds each resolver call. Zero means no per-call bound. Run
	// stops waiting at the deadline even when the resolver ignores its
	// context; the abandoned call finishes in the background.
	Timeout time.Duration
	// Stop is consulted in sequential mode after each resolver with the
	// outcomes so far; returning true skips the remaining resolvers.
	Stop func(done []Outcome) bool
}

// Ordered returns rs sorted by source priority, highest first. Resolvers
// of equal priority keep their relative order.
func Ordered(rs []Resolver) []Resolver {
	out := make([]Resolver, len(rs))
	copy(out, rs)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Source().Priority() > out[j].Source().Priority()
	})
	return out
}

// Run invokes resolvers for (drug, partner) and returns one Outcome per
// resolver, in priority order. Errors and panics are recorded in the
// outcome and never abort the run.
func Run(ctx context.Context, rs []Resolver, drug, partner string, opts RunOptions) []Outcome {
	ordered := Ordered(rs)
	out := make([]Outcome, len(ordered))

	if opts.Parallel {
		var g errgroup.Group
		for i, r := range ordered {
			g.Go(func() error {
				out[i] = invoke(ctx, r, drug, partner, opts.Timeout)
				return nil
			})
		}
		_ = g.Wait()
		return out
	}

	for i, r := range ordered {
		if ctx.Err() != nil {
			out[i] = Outcome{Resolver: r.Name(), Source: r.Source(), Err: &Error{Resolver: r.Name(), Err: ctx.Err()}}
			continue
		}
		out[i] = invoke(ctx, r, drug, partner, opts.Timeout)
		if opts.Stop != nil && i < len(ordered)-1 && opts.Stop(out[:i+1]) {
			for j := i + 1; j < len(ordered); j++ {
				out[j] = Outcome{Resolver: ordered[j].Name(), Source: ordered[j].Source(), Skipped: true}
			}
			break
		}
	}
	return out
}

func invoke(ctx context.Context, r Resolver, drug, partner string, timeout time.Duration) (o Outcome) {
	name := r.Name()
	o = Outcome{Resolver: name, Source: r.Source()}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		o.Duration = time.Since(start)
		observe(name, o.Status(), o.Duration)
	}()

	ext, err := call(ctx, r, drug, partner)
	if err != nil {
		var re *Error
		if !errors.As(err, &re) {
			err = &Error{Resolver: name, Err: err}
		}
		slog.Warn("resolve: resolver failed", "resolver", name, "drug", drug, "partner", partner, "error", err)
		o.Err = err
		return o
	}
	if ext != nil {
		e := *ext
		if e.Source == "" {
			e.Source = r.Source()
		}
		if e.SourceName == "" {
			e.SourceName = name
		}
		if e.Drug == "" {
			e.Drug = drug
		}
		if partner != "" && e.Partner == "" && (e.Severity != "" || e.Description != "") {
			e.Partner = partner
		}
		if e.FetchedAt.IsZero() {
			e.FetchedAt = time.Now().UTC()
		}
		o.Extraction = &e
	}
	slog.Debug("resolve: resolver finished", "resolver", name, "status", o.Status(), "duration", time.Since(start))
	return o
}

type resolved struct {
	ext *record.Extraction
	err error
}

// call runs r.Resolve in its own goroutine and returns when it finishes or
// ctx is done, whichever comes first. Panics become errors.
func call(ctx context.Context, r Resolver, drug, partner string) (*record.Extraction, error) {
	done := make(chan resolved, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				slog.Error("resolve: resolver panicked", "resolver", r.Name(), "panic", p, "stack", string(debug.Stack()))
				done <- resolved{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		ext, err := r.Resolve(ctx, drug, partner)
		done <- resolved{ext: ext, err: err}
	}()
	select {
	case res := <-done:
		return res.ext, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Extractions returns the non-nil extractions of outcomes, in order.
func Extractions(outcomes []Outcome) []record.Extraction {
	var out []record.Extraction
	for _, o := range outcomes {
		if o.Extraction != nil {
			out = append(out, *o.Extraction)
		}
	}
	return out
}
