package model

import (
	"context"
	"errors"
	"iter"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/NickB03/vana-sub003/core"
	"github.com/NickB03/vana-sub003/logging"
	"github.com/NickB03/vana-sub003/resilience"
)

// Options configure a Client.
type Options struct {
	Retry RetryPolicy
	// Breakers guards each provider/model key; nil disables the circuit breaker.
	Breakers *resilience.BreakerSet
	Logger   logging.Logger
	// Sleep waits between attempts. It must return early with ctx's error when
	// ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
	// Rand returns a value in [0,1) used for jitter.
	Rand func() float64
}

// Client wraps a Provider with retry, backoff, circuit breaking and tool-call
// continuation. It is safe for concurrent use; every invocation owns its
// own state.
type Client struct {
	provider Provider
	opts     Options
}

// NewClient creates a resilient client around provider.
func NewClient(provider Provider, optFns ...func(o *Options)) *Client {
	opts := Options{
		Retry:  DefaultRetryPolicy(),
		Logger: logging.NoOpLogger{},
		Sleep:  sleepContext,
		Rand:   rand.Float64,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Client{provider: provider, opts: opts}
}

// Info returns the wrapped provider's metadata.
func (c *Client) Info() Info { return c.provider.Info() }

// BreakerKey returns the circuit breaker key used for req.
func (c *Client) BreakerKey(req Request) string {
	info := c.provider.Info()
	name := info.Name
	if req.Model != "" {
		name = req.Model
	}
	return info.Provider + ":" + name
}

// Invoke streams one model turn. The returned sequence yields TextDelta
// fragments as they are decoded and ends with either a Finish or a
// ToolCallRequest; a failure is yielded as the last element.
//
// Transient failures are retried with jittered exponential backoff, but only
// while nothing has been yielded yet; a failure after output has been
// streamed surfaces as a non-retryable, partial UpstreamError. Breaking out
// of the loop releases the provider stream.
func (c *Client) Invoke(ctx context.Context, req Request) iter.Seq2[Fragment, error] {
	return func(yield func(Fragment, error) bool) {
		info := c.provider.Info()
		key := c.BreakerKey(req)
		maxAttempts := max(c.opts.Retry.MaxAttempts, 1)

		for attempt := 0; ; attempt++ {
			if err := ctx.Err(); err != nil {
				yield(nil, core.AsCancelled(err))
				return
			}
			var breaker *resilience.Breaker
			if c.opts.Breakers != nil {
				breaker = c.opts.Breakers.Get(key)
				if err := breaker.Allow(); err != nil {
					c.opts.Logger.Warn("model.call.short_circuit", "key", key)
					yield(nil, err)
					return
				}
			}

			start := time.Now()
			res, stopped := c.attempt(ctx, req, yield)
			if stopped {
				abandon(breaker)
				return
			}
			c.logCall(info, key, attempt+1, time.Since(start), res.err)

			if res.err == nil {
				if breaker != nil {
					breaker.Success()
				}
				yield(c.final(req, res), nil)
				return
			}

			err := c.classify(info, res.err)
			var ue *core.UpstreamError
			if !errors.As(err, &ue) {
				abandon(breaker)
				yield(nil, err)
				return
			}
			if breaker != nil {
				breaker.Failure()
			}
			if res.emitted {
				ue.Partial = true
				ue.Retryable = false
			}
			if !ue.Retryable || attempt+1 >= maxAttempts {
				yield(nil, ue)
				return
			}

			delay := c.opts.Retry.Delay(attempt, c.opts.Rand())
			if ue.RetryAfter > delay {
				delay = min(ue.RetryAfter, max(c.opts.Retry.MaxDelay, delay))
			}
			c.opts.Logger.Debug("model.call.retry", "key", key, "attempt", attempt+1, "delay", delay, "status", ue.Status)
			if err := c.opts.Sleep(ctx, delay); err != nil {
				yield(nil, core.AsCancelled(err))
				return
			}
		}
	}
}

// Resume continues a suspended turn with the results of its tool calls.
// Every pending call needs a result; results are appended in call order.
func (c *Client) Resume(ctx context.Context, cont Continuation, results []core.ToolResult) iter.Seq2[Fragment, error] {
	byID := make(map[string]core.ToolResult, len(results))
	for _, r := range results {
		byID[r.CallID] = r
	}
	messages := make([]core.Message, 0, len(cont.Transcript)+len(cont.Pending))
	messages = append(messages, cont.Transcript...)
	for _, call := range cont.Pending {
		res, ok := byID[call.ID]
		if !ok {
			err := core.NewValidationError("missing_tool_result", "results", "no result for tool call "+call.ID)
			return func(yield func(Fragment, error) bool) { yield(nil, err) }
		}
		if res.Name == "" {
			res.Name = call.Name
		}
		messages = append(messages, core.NewToolResultMessage(res))
	}

	req := cont.Request
	req.Messages = messages
	req.ProviderState = cont.ProviderState
	return c.Invoke(ctx, req)
}

type attemptResult struct {
	text     strings.Builder
	calls    []core.ToolCall
	finish   string
	usage    *Usage
	response string
	emitted  bool
	err      error
}

// attempt pulls one provider stream to completion. stopped reports that the
// consumer ended iteration early.
func (c *Client) attempt(
	ctx context.Context,
	req Request,
	yield func(Fragment, error) bool,
) (res *attemptResult, stopped bool) {
	res = &attemptResult{}
	for chunk, err := range c.provider.Stream(ctx, req) {
		if err != nil {
			res.err = err
			break
		}
		if chunk.Text != "" {
			res.emitted = true
			res.text.WriteString(chunk.Text)
			if !yield(TextDelta{Text: chunk.Text}, nil) {
				return res, true
			}
		}
		res.calls = append(res.calls, chunk.ToolCalls...)
		if chunk.FinishReason != "" {
			res.finish = chunk.FinishReason
		}
		if chunk.Usage != nil {
			res.usage = chunk.Usage
		}
		if chunk.ResponseID != "" {
			res.response = chunk.ResponseID
		}
	}
	if res.err == nil {
		if err := ctx.Err(); err != nil {
			res.err = err
		}
	}
	return res, false
}

func (c *Client) final(req Request, res *attemptResult) Fragment {
	text := res.text.String()
	if len(res.calls) == 0 {
		return Finish{Text: text, Reason: res.finish, Usage: res.usage}
	}
	calls := make([]core.ToolCall, len(res.calls))
	for i, call := range res.calls {
		if call.ID == "" {
			call.ID = core.NewID()
		}
		calls[i] = call
	}
	msg := core.NewToolCallMessage(text, calls)
	transcript := make([]core.Message, 0, len(req.Messages)+1)
	transcript = append(transcript, req.Messages...)
	transcript = append(transcript, msg)

	state := map[string]string{}
	for k, v := range req.ProviderState {
		state[k] = v
	}
	if res.response != "" {
		state["response_id"] = res.response
	}
	return ToolCallRequest{
		Calls:   calls,
		Message: msg,
		Continuation: Continuation{
			Request:       req,
			Transcript:    transcript,
			Pending:       calls,
			ProviderState: state,
		},
	}
}

// classify maps a provider failure onto the error taxonomy. Cancellation is
// returned as *core.CancelledError; everything else becomes an UpstreamError
// whose Retryable flag follows the retry policy.
func (c *Client) classify(info Info, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return core.AsCancelled(err)
	}
	var ue *core.UpstreamError
	if errors.As(err, &ue) {
		cp := *ue
		if cp.Provider == "" {
			cp.Provider = info.Provider
		}
		cp.Retryable = !cp.ShortCircuited && c.opts.Retry.Retryable(cp.Status)
		return &cp
	}
	return &core.UpstreamError{Provider: info.Provider, Err: err, Retryable: c.opts.Retry.Retryable(0)}
}

func (c *Client) logCall(info Info, key string, attempt int, dur time.Duration, err error) {
	if l, ok := c.opts.Logger.(logging.ModelCallLogger); ok {
		l.LogModelCall(info.Provider, key, attempt, dur, err)
		return
	}
	if err != nil {
		c.opts.Logger.Warn("model.call.failed", "key", key, "attempt", attempt, "duration", dur, "error", err.Error())
		return
	}
	c.opts.Logger.Debug("model.call.success", "key", key, "attempt", attempt, "duration", dur)
}

func abandon(b *resilience.Breaker) {
	if b != nil {
		b.Abandon()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
