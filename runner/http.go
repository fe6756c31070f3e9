package runner

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/teranos/stagee/errors"
	"github.com/teranos/stagee/internal/httpclient"
)

// IdempotencyHeader carries the idempotency token on HTTP steps.
const IdempotencyHeader = "Idempotency-Key"

// HTTPOptions configures the HTTP runner.
type HTTPOptions struct {
	BlockPrivateIP bool
	RetryMax       int
	RetryWaitMin   time.Duration
	RetryWaitMax   time.Duration
}

// HTTPRunner calls an API with transport-level retries. Retried requests carry
// the same Idempotency-Key.
type HTTPRunner struct {
	guard  *httpclient.Guard
	client *retryablehttp.Client
}

// NewHTTPRunner creates an HTTP runner. Request deadlines come from the step
// timeout, not from the client.
func NewHTTPRunner(opts HTTPOptions, logger *zap.SugaredLogger) *HTTPRunner {
	guard := httpclient.NewGuard(httpclient.Options{BlockPrivateIP: opts.BlockPrivateIP})

	client := retryablehttp.NewClient()
	client.HTTPClient = guard.Client()
	client.RetryMax = opts.RetryMax
	client.RetryWaitMin = opts.RetryWaitMin
	client.RetryWaitMax = opts.RetryWaitMax
	if client.RetryWaitMin <= 0 {
		client.RetryWaitMin = 200 * time.Millisecond
	}
	if client.RetryWaitMax <= 0 {
		client.RetryWaitMax = 2 * time.Second
	}
	client.Logger = &zapRetryLogger{logger: logger}
	// Hand the final response back so its status and body reach the step output.
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &HTTPRunner{guard: guard, client: client}
}

// Run implements Runner. A status other than ExpectStatus, or any non-2xx
// status when none is set, is an error.
func (h *HTTPRunner) Run(ctx context.Context, inv Invocation) (Result, error) {
	spec := inv.Step.HTTP
	if spec == nil {
		return Result{}, errors.AssertionFailedf("http step %d has no body", inv.StepIndex)
	}

	u, err := h.guard.ParseURL(h.expandURL(inv, spec.URL))
	if err != nil {
		return Result{}, err
	}
	var body io.Reader
	if spec.Body != "" {
		body = strings.NewReader(inv.Expand(spec.Body))
	}
	method := strings.ToUpper(spec.Method)
	if method == "" {
		method = http.MethodGet
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return Result{}, errors.Wrap(err, "failed to build request")
	}
	for k, v := range spec.Headers {
		req.Header.Set(k, inv.Expand(v))
	}
	if spec.Body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(IdempotencyHeader, inv.IdempotencyToken())

	resp, err := h.client.Do(req)
	if err != nil {
		return Result{}, errors.Wrapf(err, "%s %s failed", method, u.Redacted())
	}
	defer resp.Body.Close()

	out := &capped{limit: MaxOutputBytes}
	if _, err := io.Copy(out, resp.Body); err != nil {
		return Result{Output: out.String()}, errors.Wrap(err, "failed to read response")
	}
	res := Result{Output: fmt.Sprintf("HTTP %d\n%s", resp.StatusCode, out.String())}

	if !statusOK(resp.StatusCode, spec.ExpectStatus) {
		return res, errors.Newf("%s %s returned %d", method, u.Redacted(), resp.StatusCode)
	}
	return res, nil
}

// expandURL substitutes placeholders with path-escaped target values.
func (h *HTTPRunner) expandURL(inv Invocation, raw string) string {
	if inv.Target == nil {
		return raw
	}
	escaped := inv
	t := *inv.Target
	t.Ref = url.PathEscape(t.Ref)
	escaped.Target = &t
	return escaped.Expand(raw)
}

func statusOK(code, expect int) bool {
	if expect != 0 {
		return code == expect
	}
	return code >= 200 && code < 300
}

// zapRetryLogger adapts zap.SugaredLogger to retryablehttp.LeveledLogger.
type zapRetryLogger struct {
	logger *zap.SugaredLogger
}

func (z *zapRetryLogger) Error(msg string, keysAndValues ...interface{}) {
	z.logger.Errorw(msg, keysAndValues...)
}

func (z *zapRetryLogger) Info(msg string, keysAndValues ...interface{}) {
	z.logger.Debugw(msg, keysAndValues...)
}

func (z *zapRetryLogger) Debug(msg string, keysAndValues ...interface{}) {
	z.logger.Debugw(msg, keysAndValues...)
}

func (z *zapRetryLogger) Warn(msg string, keysAndValues ...interface{}) {
	z.logger.Warnw(msg, keysAndValues...)
}
