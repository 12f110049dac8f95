package brain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindswarm/subspace/internal/bodyfile"
	"github.com/mindswarm/subspace/pkg/types"
)

type stubProvider struct {
	calls   int
	failN   int
	reply   string
	usage   types.TokenUsage
}

func (p *stubProvider) Complete(ctx context.Context, prompt string, maxTokens int) (string, types.TokenUsage, error) {
	p.calls++
	if p.calls <= p.failN {
		return "", types.TokenUsage{}, errors.New("provider hiccup")
	}
	return p.reply, p.usage, nil
}

func newWiredClient(t *testing.T, provider LLMProvider) *Client {
	t.Helper()
	server, err := NewServer(provider, 16)
	require.NoError(t, err)
	ch := bodyfile.NewRequestChannel("brain", 1, server.Handle)
	return NewClient(ch)
}

func TestThinkReturnsParsedJSONOutputs(t *testing.T) {
	provider := &stubProvider{reply: `{"answer":"42"}`, usage: types.TokenUsage{TotalTokens: 10}}
	client := newWiredClient(t, provider)

	resp, err := client.Think(context.Background(), types.BrainRequest{
		Signature: types.Signature{Task: "answer questions", Outputs: map[string]string{"answer": "the answer"}},
		Context:   types.BrainContext{TokenBudget: 100},
	})
	require.NoError(t, err)
	assert.Equal(t, "42", resp.OutputValues["answer"])
	assert.Equal(t, 10, resp.TokenUsage.TotalTokens)
}

func TestThinkFallsBackToTextOutputOnNonJSONReply(t *testing.T) {
	provider := &stubProvider{reply: "plain text reply"}
	client := newWiredClient(t, provider)

	resp, err := client.Think(context.Background(), types.BrainRequest{
		Signature: types.Signature{Task: "summarize"},
	})
	require.NoError(t, err)
	assert.Equal(t, "plain text reply", resp.OutputValues["text"])
}

func TestThinkRetriesTransientProviderErrors(t *testing.T) {
	provider := &stubProvider{failN: 2, reply: `{"ok":true}`}
	client := newWiredClient(t, provider)

	resp, err := client.Think(context.Background(), types.BrainRequest{
		Signature: types.Signature{Task: "retry me"},
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Error)
	assert.GreaterOrEqual(t, provider.calls, 3)
}

func TestSignatureHashIsStableAndOrderIndependent(t *testing.T) {
	a := types.Signature{Task: "t", Inputs: map[string]string{"x": "1", "y": "2"}}
	b := types.Signature{Task: "t", Inputs: map[string]string{"y": "2", "x": "1"}}
	assert.Equal(t, SignatureHash(a), SignatureHash(b))

	c := types.Signature{Task: "different", Inputs: a.Inputs}
	assert.NotEqual(t, SignatureHash(a), SignatureHash(c))
}

func TestThinkHonorsTimeout(t *testing.T) {
	blocking := blockingProvider{}
	client := newWiredClient(t, &blocking)

	timeout := 20 * time.Millisecond
	resp, err := client.Think(context.Background(), types.BrainRequest{
		Signature: types.Signature{Task: "slow"},
		Timeout:   &timeout,
	})
	require.Error(t, err)
	assert.True(t, resp.Aborted)
}

func TestThinkReportsAbortedAndShutdownOnChannelShutdown(t *testing.T) {
	started := make(chan struct{})
	ch := bodyfile.NewRequestChannel("brain", 1, func(ctx context.Context, id string, payload any) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	client := NewClient(ch)

	respCh := make(chan types.BrainResponse, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := client.Think(context.Background(), types.BrainRequest{Signature: types.Signature{Task: "t"}})
		respCh <- resp
		errCh <- err
	}()

	<-started
	ch.Shutdown()

	select {
	case resp := <-respCh:
		err := <-errCh
		require.ErrorIs(t, err, bodyfile.ErrAborted)
		assert.True(t, resp.Aborted)
		assert.True(t, resp.Shutdown)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for aborted response")
	}
}

type blockingProvider struct{}

func (blockingProvider) Complete(ctx context.Context, prompt string, maxTokens int) (string, types.TokenUsage, error) {
	<-ctx.Done()
	return "", types.TokenUsage{}, ctx.Err()
}
