package cms

import (
	"context"
	"crypto"
	"crypto/rand"
	"fmt"
	"io"
	"time"
)

// Provider produces the raw signature value over the DER encoded signed
// attributes. Implementations may talk to remote services and must honour
// ctx.
type Provider interface {
	Sign(ctx context.Context, signer crypto.Signer, alg DigestAlgorithm, message []byte) ([]byte, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, signer crypto.Signer, alg DigestAlgorithm, message []byte) ([]byte, error)

func (f ProviderFunc) Sign(ctx context.Context, signer crypto.Signer, alg DigestAlgorithm, message []byte) ([]byte, error) {
	return f(ctx, signer, alg, message)
}

// ContextSigner is a crypto.Signer backed by a remote service or token
// that accepts a context for the signing call.
type ContextSigner interface {
	crypto.Signer
	SignContext(ctx context.Context, digest []byte, opts crypto.SignerOpts) ([]byte, error)
}

// DefaultProvider signs with a crypto.Signer. A ContextSigner receives ctx
// directly. Plain Signer calls do not take a context, so they run in their
// own goroutine and are abandoned when ctx is done or Timeout passes.
type DefaultProvider struct {
	Rand    io.Reader
	Timeout time.Duration
}

type signResult struct {
	sig []byte
	err error
}

func (p DefaultProvider) Sign(ctx context.Context, signer crypto.Signer, alg DigestAlgorithm, message []byte) ([]byte, error) {
	if signer == nil {
		return nil, fmt.Errorf("signer cannot be nil")
	}

	input, opts, err := SignerInput(signer.Public(), alg, message)
	if err != nil {
		return nil, err
	}

	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	if cs, ok := signer.(ContextSigner); ok {
		sig, err := cs.SignContext(ctx, input, opts)
		if err != nil {
			return nil, fmt.Errorf("signing failed: %w", err)
		}
		return sig, nil
	}

	random := p.Rand
	if random == nil {
		random = rand.Reader
	}

	done := make(chan signResult, 1)
	go func() {
		sig, err := signer.Sign(random, input, opts)
		done <- signResult{sig: sig, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("signing aborted: %w", ctx.Err())
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("signing failed: %w", r.err)
		}
		return r.sig, nil
	}
}
