// Package trust decides whether a run may contact hosts that have no entry in
// the local known_hosts store.
package trust

import (
	"context"
	"fmt"
	"io"

	"ssh-commander/internal/console"
	"ssh-commander/internal/errors"
	"ssh-commander/internal/logging"
)

// Decision is the outcome of the unknown-host check for a whole run.
type Decision struct {
	Proceed       bool
	AcceptUnknown bool
	Unknown       []string
}

// Confirmer asks the operator whether unknown hosts should be contacted.
type Confirmer interface {
	Confirm(ctx context.Context, unknown []string) (bool, error)
}

// ConfirmFunc adapts a function to the Confirmer interface.
type ConfirmFunc func(ctx context.Context, unknown []string) (bool, error)

// Confirm calls f.
func (f ConfirmFunc) Confirm(ctx context.Context, unknown []string) (bool, error) {
	return f(ctx, unknown)
}

// Decide applies the trust policy. With override set, unknown hosts are
// accepted without asking. With no unknown hosts the run proceeds under
// strict checking. Otherwise confirm is consulted exactly once.
//
// A refusal returns ErrTrustDeclined. A confirmer failure, including end of
// input, returns ErrInterrupted.
func Decide(ctx context.Context, unknown []string, override bool, confirm Confirmer) (Decision, error) {
	if override {
		return Decision{Proceed: true, AcceptUnknown: true, Unknown: unknown}, nil
	}
	if len(unknown) == 0 {
		return Decision{Proceed: true}, nil
	}

	ok, err := confirm.Confirm(ctx, unknown)
	if err != nil {
		return Decision{Unknown: unknown}, fmt.Errorf("trust confirmation aborted: %w", errors.ErrInterrupted)
	}
	if !ok {
		return Decision{Unknown: unknown}, errors.ErrTrustDeclined
	}

	return Decision{Proceed: true, AcceptUnknown: true, Unknown: unknown}, nil
}

// Resolver combines the store lookup with the decision.
type Resolver struct {
	Store     *KnownHostsStore
	Confirmer Confirmer
	Logger    *logging.Logger
}

// Resolve checks every host against the store and decides. The store is
// queried before any confirmation so the operator sees the full list.
func (r *Resolver) Resolve(ctx context.Context, hosts []string, port int, override bool) (Decision, error) {
	logger := r.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	unknown := r.Store.Unknown(hosts, port)
	decision, err := Decide(ctx, unknown, override, r.Confirmer)
	logger.LogTrustDecision(unknown, override, decision.Proceed)
	return decision, err
}

// PromptConfirmer asks on a terminal-like pair of streams. Only an exact "Y"
// accepts and only an exact "n" refuses; anything else asks again.
type PromptConfirmer struct {
	Lines *console.LineReader
	Out   io.Writer
}

// NewPromptConfirmer returns a confirmer reading answers from lines.
func NewPromptConfirmer(lines *console.LineReader, out io.Writer) *PromptConfirmer {
	return &PromptConfirmer{Lines: lines, Out: out}
}

// Confirm prints the unknown hosts and reads answers one line at a time
// until a valid answer arrives, input ends or ctx is done.
func (p *PromptConfirmer) Confirm(ctx context.Context, unknown []string) (bool, error) {
	fmt.Fprintln(p.Out, "The following hosts are not in your known_hosts file:")
	for _, h := range unknown {
		fmt.Fprintf(p.Out, "  %s\n", h)
	}

	for {
		fmt.Fprint(p.Out, "Connect to these hosts anyway? [Y/n] ")

		answer, err := p.Lines.ReadLine(ctx)
		if err != nil {
			fmt.Fprintln(p.Out)
			return false, err
		}

		switch answer {
		case "Y":
			return true, nil
		case "n":
			return false, nil
		}
	}
}
