package bodyfile

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// NetworkRequest is the payload shape for the "network" channel: a
// generic outbound HTTP call performed outside the sandbox.
type NetworkRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration
}

// NetworkResponse is returned to the cyber once the HTTP call
// completes.
type NetworkResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// Bridge holds the three body-file channels per cyber: brain, network
// (I/O-capable cybers only), and user_io (I/O-capable cybers only).
// They are in-process RequestChannels; nothing is read from or written
// to disk.
type Bridge struct {
	Brain   *RequestChannel
	Network *RequestChannel
	UserIO  *RequestChannel
}

// NewBridge wires the brain channel to brainHandler and, for
// io_gateway cybers, the network and user_io channels to their
// handlers. General cybers get nil Network/UserIO, matching spec.md
// §4.2's "I/O-capable cybers only" restriction.
func NewBridge(isIOGateway bool, brainHandler Handler, userIOHandler Handler) *Bridge {
	b := &Bridge{Brain: NewRequestChannel("brain", 1, brainHandler)}
	if isIOGateway {
		b.Network = NewRequestChannel("network", 1, networkHandler)
		b.UserIO = NewRequestChannel("user_io", 1, userIOHandler)
	}
	return b
}

// Shutdown aborts every in-flight request on every configured channel.
func (b *Bridge) Shutdown() {
	b.Brain.Shutdown()
	if b.Network != nil {
		b.Network.Shutdown()
	}
	if b.UserIO != nil {
		b.UserIO.Shutdown()
	}
}

// networkHandler performs the HTTP call outside the sandbox using
// net/http directly — the one deliberate stdlib-only component of the
// Body-File Bridge: a generic outbound proxy has no retry/templating
// need beyond http.Client.Do, so no ecosystem client adds value here.
func networkHandler(ctx context.Context, requestID string, payload any) (any, error) {
	req, ok := payload.(NetworkRequest)
	if !ok {
		return nil, fmt.Errorf("bodyfile: network handler got unexpected payload type %T", payload)
	}

	callCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, req.URL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("bodyfile: build network request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("bodyfile: network request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("bodyfile: read network response: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return NetworkResponse{StatusCode: resp.StatusCode, Headers: headers, Body: body}, nil
}
