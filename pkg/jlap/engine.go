package jlap

import (
	"context"
	"fmt"

	"github.com/djcass44/repodata-gateway/pkg/repodata"
	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/go-logr/logr"
)

// State describes the cached document a plan starts from.
type State struct {
	// Seq is the last applied entry, zero if unknown.
	Seq  uint64
	Hash string
	// Size of the document in bytes, used to judge the cost of patching.
	Size int64
}

// Plan is the contiguous chain of entries leading from
// a cached document to the latest one.
type Plan struct {
	Entries  []Entry
	Footer   Footer
	UpToDate bool
	// Bytes is the combined size of every patch in the chain.
	Bytes int
}

// Seq returns the sequence number the document has after applying the plan.
func (p *Plan) Seq() uint64 {
	if len(p.Entries) == 0 {
		return p.Footer.Seq
	}
	return p.Entries[len(p.Entries)-1].Seq
}

// Plan finds the entries that need to be applied to the
// document described by state.
func (l *Log) Plan(state State) (*Plan, error) {
	if state.Hash == l.Footer.Latest {
		return &Plan{Footer: l.Footer, UpToDate: true}, nil
	}
	if len(l.Entries) == 0 {
		return nil, fmt.Errorf("%w: log has no entries", ErrChainIncomplete)
	}
	last := l.Entries[len(l.Entries)-1]
	if last.To != l.Footer.Latest {
		return nil, fmt.Errorf("%w: newest entry %d does not lead to %s", ErrChainIncomplete, last.Seq, l.Footer.Latest)
	}

	// walk back from the newest entry until we reach the cached document
	start := -1
	need := l.Footer.Latest
	for i := len(l.Entries) - 1; i >= 0; i-- {
		e := l.Entries[i]
		if e.To != need {
			break
		}
		if i < len(l.Entries)-1 && l.Entries[i+1].Seq != e.Seq+1 {
			break
		}
		if e.From == state.Hash {
			start = i
			break
		}
		need = e.From
	}
	if start < 0 {
		return nil, fmt.Errorf("%w: no chain from %s (seq %d)", ErrChainIncomplete, state.Hash, state.Seq)
	}
	if state.Seq != 0 && l.Entries[start].Seq != state.Seq+1 {
		return nil, fmt.Errorf("%w: chain starts at %d, expected %d", ErrChainIncomplete, l.Entries[start].Seq, state.Seq+1)
	}

	p := &Plan{
		Entries: l.Entries[start:],
		Footer:  l.Footer,
	}
	for _, e := range p.Entries {
		p.Bytes += len(e.Patch)
	}
	return p, nil
}

// Result is a patched document.
type Result struct {
	// Document is the canonical patched document, nil when UpToDate.
	Document []byte
	Seq      uint64
	Hash     string
	UpToDate bool
	// Bytes is the combined size of the applied patches.
	Bytes int
}

// Apply applies every entry of p to doc in order and verifies the
// result against the hash advertised by the log. doc is not modified.
func Apply(doc []byte, p *Plan) (*Result, error) {
	if p.UpToDate {
		return &Result{Seq: p.Seq(), Hash: p.Footer.Latest, UpToDate: true}, nil
	}
	var ops jsonpatch.Patch
	for _, e := range p.Entries {
		patch, err := jsonpatch.DecodePatch(e.Patch)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %w", ErrMalformedLog, e.Seq, err)
		}
		ops = append(ops, patch...)
	}
	opts := jsonpatch.NewApplyOptions()
	opts.EscapeHTML = false
	out, err := ops.ApplyWithOptions(doc, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: applying patches: %w", ErrHashMismatch, err)
	}
	out, err = repodata.Canonical(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHashMismatch, err)
	}
	sum := repodata.Hash(out)
	if sum != p.Footer.Latest {
		return nil, fmt.Errorf("%w: got %s, expected %s", ErrHashMismatch, sum, p.Footer.Latest)
	}
	return &Result{
		Document: out,
		Seq:      p.Seq(),
		Hash:     sum,
		Bytes:    p.Bytes,
	}, nil
}

// LogSource retrieves the current patch log.
type LogSource interface {
	// FetchLog returns the log, or nil if it has not
	// changed since it was last fetched.
	FetchLog(ctx context.Context) (*Log, error)
}

// Engine brings a cached document up to date using a patch log.
type Engine struct {
	// CostRatio bounds the size of a patch chain relative to the
	// cached document. Zero disables the check.
	CostRatio float64
}

// Loader returns the cached document.
type Loader func() ([]byte, error)

// Bytes returns a Loader for a document that is already in memory.
func Bytes(b []byte) Loader {
	return func() ([]byte, error) {
		return b, nil
	}
}

// Sync fetches the log from src and applies the patches needed to
// bring the cached document described by state up to date. The
// document is only loaded when there are patches to apply.
func (e *Engine) Sync(ctx context.Context, src LogSource, state State, load Loader) (*Result, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("seq", state.Seq)

	l, err := src.FetchLog(ctx)
	if err != nil {
		return nil, err
	}
	if l == nil {
		log.V(3).Info("patch log has not changed")
		return &Result{Seq: state.Seq, Hash: state.Hash, UpToDate: true}, nil
	}
	plan, err := l.Plan(state)
	if err != nil {
		return nil, err
	}
	if plan.UpToDate {
		log.V(3).Info("document is up to date", "latest", plan.Footer.Latest)
		return Apply(nil, plan)
	}
	if e.CostRatio > 0 && state.Size > 0 && float64(plan.Bytes) > e.CostRatio*float64(state.Size) {
		return nil, fmt.Errorf("%w: %d patch bytes for a %d byte document", ErrTooExpensive, plan.Bytes, state.Size)
	}
	doc, err := load()
	if err != nil {
		return nil, fmt.Errorf("loading cached document: %w", err)
	}
	log.V(2).Info("applying patches", "count", len(plan.Entries), "from", plan.Entries[0].Seq, "to", plan.Seq())
	return Apply(doc, plan)
}
