// Package brain implements the Brain Protocol: a cyber's Think request
// crossing into the Subspace Coordinator via the body-file bridge,
// matching spec.md §4.9's wire format.
package brain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mindswarm/subspace/internal/bodyfile"
	"github.com/mindswarm/subspace/internal/logging"
	"github.com/mindswarm/subspace/pkg/types"
)

// Client is the cyber-side handle to the brain body file.
type Client struct {
	channel *bodyfile.RequestChannel
}

// NewClient wraps an existing brain RequestChannel (normally
// Bridge.Brain).
func NewClient(channel *bodyfile.RequestChannel) *Client {
	return &Client{channel: channel}
}

// Think submits req and blocks for the matching response, or returns
// ctx's error / bodyfile.ErrAborted if the cyber is torn down first.
func (c *Client) Think(ctx context.Context, req types.BrainRequest) (types.BrainResponse, error) {
	callCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout != nil && *req.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, *req.Timeout)
		defer cancel()
	}

	requestID, raw, err := c.channel.Submit(callCtx, req)
	if err != nil {
		if errors.Is(err, bodyfile.ErrAborted) {
			// ErrAborted only ever comes from RequestChannel.Shutdown, which
			// fires when the owning cyber is torn down: spec.md §4.9(c)
			// requires the cyber observe this as a response field, not just
			// a side-channel error.
			return types.BrainResponse{RequestID: requestID, Aborted: true, Shutdown: true}, err
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return types.BrainResponse{RequestID: requestID, Aborted: true}, err
		}
		return types.BrainResponse{RequestID: requestID}, err
	}
	resp, ok := raw.(types.BrainResponse)
	if !ok {
		return types.BrainResponse{RequestID: requestID}, fmt.Errorf("brain: unexpected response type %T", raw)
	}
	return resp, nil
}

// LLMProvider is the injected model backend; the Brain Protocol never
// hardcodes a concrete provider (spec.md §1's Non-goals).
type LLMProvider interface {
	Complete(ctx context.Context, prompt string, maxTokens int) (text string, usage types.TokenUsage, err error)
}

// compiledPrompt is the cached render of a Signature against fixed
// preamble text, keyed by the signature's content hash so repeated
// Think calls with the same task/shape skip re-rendering.
type compiledPrompt struct {
	preamble string
}

// Server is the bridge-side handler that renders a BrainRequest into a
// prompt, calls the provider, and shapes its reply back into a
// BrainResponse.
type Server struct {
	provider    LLMProvider
	cache       *lru.Cache[string, compiledPrompt]
	maxRetries  int
	log         *logging.Logger
}

// NewServer returns a Server backed by provider, caching up to
// cacheSize compiled prompts.
func NewServer(provider LLMProvider, cacheSize int) (*Server, error) {
	if cacheSize <= 0 {
		cacheSize = 128
	}
	cache, err := lru.New[string, compiledPrompt](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("brain: new prompt cache: %w", err)
	}
	return &Server{provider: provider, cache: cache, maxRetries: 3, log: logging.New("brain.server")}, nil
}

// Handle is a bodyfile.Handler suitable for Bridge's brain channel.
func (s *Server) Handle(ctx context.Context, requestID string, payload any) (any, error) {
	req, ok := payload.(types.BrainRequest)
	if !ok {
		return nil, fmt.Errorf("brain: unexpected request payload type %T", payload)
	}

	sigHash := SignatureHash(req.Signature)
	prompt, ok := s.cache.Get(sigHash)
	if !ok {
		prompt = compiledPrompt{preamble: renderPreamble(req.Signature)}
		s.cache.Add(sigHash, prompt)
	}

	fullPrompt := prompt.preamble + "\n\n" + renderInputs(req.InputValues)

	budget := req.Context.TokenBudget
	if budget <= 0 {
		budget = 2048
	}

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}
		text, usage, err := s.provider.Complete(ctx, fullPrompt, budget)
		if err == nil {
			outputs, parseErr := parseOutputs(text)
			if parseErr != nil {
				return types.BrainResponse{RequestID: requestID, TokenUsage: usage, Error: parseErr.Error()}, nil
			}
			return types.BrainResponse{RequestID: requestID, OutputValues: outputs, TokenUsage: usage}, nil
		}
		lastErr = err
		if !isTransient(err) {
			break
		}
		s.log.Warn(fmt.Sprintf("transient provider error on attempt %d: %v", attempt, err))
	}
	return types.BrainResponse{RequestID: requestID, Error: lastErr.Error()}, nil
}

func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
	if d > 3*time.Second {
		d = 3 * time.Second
	}
	return d
}

// isTransient is deliberately permissive: any error surfaced by the
// provider is treated as transient up to maxRetries, since spec.md §4.9
// leaves provider failure classification to the adapter.
func isTransient(err error) bool { return err != nil }

// SignatureHash returns a stable content hash of sig, used both as the
// compiled-prompt cache key and (truncated) for log correlation.
func SignatureHash(sig types.Signature) string {
	h := sha256.New()
	fmt.Fprintf(h, "task:%s\n", sig.Task)

	inKeys := sortedKeys(sig.Inputs)
	for _, k := range inKeys {
		fmt.Fprintf(h, "in:%s=%v\n", k, sig.Inputs[k])
	}
	outKeys := sortedKeys(sig.Outputs)
	for _, k := range outKeys {
		fmt.Fprintf(h, "out:%s=%v\n", k, sig.Outputs[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func renderPreamble(sig types.Signature) string {
	var b []byte
	b = append(b, fmt.Sprintf("Task: %s\n", sig.Task)...)
	b = append(b, "Inputs:\n"...)
	for _, k := range sortedKeys(sig.Inputs) {
		b = append(b, fmt.Sprintf("  %s: %s\n", k, sig.Inputs[k])...)
	}
	b = append(b, "Outputs:\n"...)
	for _, k := range sortedKeys(sig.Outputs) {
		b = append(b, fmt.Sprintf("  %s: %s\n", k, sig.Outputs[k])...)
	}
	return string(b)
}

func renderInputs(values map[string]any) string {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", values)
	}
	return string(data)
}

// parseOutputs expects the provider's reply to be a JSON object
// matching the signature's declared outputs; a non-JSON reply is
// treated as a single "text" output rather than an error, so
// minimal/mock providers used in tests remain usable.
func parseOutputs(text string) (map[string]any, error) {
	var outputs map[string]any
	if err := json.Unmarshal([]byte(text), &outputs); err == nil {
		return outputs, nil
	}
	return map[string]any{"text": text}, nil
}
