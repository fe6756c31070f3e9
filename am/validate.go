package am

import (
	"fmt"
	"strings"

	"github.com/teranos/stagee/errors"
	"github.com/teranos/stagee/plan"
)

// Validate checks that the configuration is valid. Every problem is reported,
// not only the first.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Database.Path == "" {
		add("database.path cannot be empty")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Server.RateLimit < 0 {
		add("server.rate_limit must be >= 0, got %f", c.Server.RateLimit)
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst <= 0 {
		add("server.rate_burst must be > 0 when rate_limit is set, got %d", c.Server.RateBurst)
	}

	// Engine: 0 workers = this process only serves the API and immediate plans
	if c.Engine.Workers < 0 {
		add("engine.workers must be >= 0, got %d", c.Engine.Workers)
	}
	for name, v := range map[string]int64{
		"engine.immediate_threshold_ms":   c.Engine.ImmediateThresholdMS,
		"engine.default_step_estimate_ms": c.Engine.DefaultStepEstimateMS,
		"engine.poll_interval_ms":         c.Engine.PollIntervalMS,
		"engine.dequeue_wait_ms":          c.Engine.DequeueWaitMS,
		"engine.reaper_interval_ms":       c.Engine.ReaperIntervalMS,
		"engine.retry_base_ms":            c.Engine.RetryBaseMS,
	} {
		if v <= 0 {
			add("%s must be > 0, got %d", name, v)
		}
	}
	if c.Engine.LeaseSafetyBufferMS < 0 {
		add("engine.lease_safety_buffer_ms must be >= 0, got %d", c.Engine.LeaseSafetyBufferMS)
	}
	if c.Engine.RetryMaxMS < c.Engine.RetryBaseMS {
		add("engine.retry_max_ms (%d) must be >= engine.retry_base_ms (%d)", c.Engine.RetryMaxMS, c.Engine.RetryBaseMS)
	}
	if c.Engine.ResultCapBytes <= 0 || c.Engine.ResultCapBytes > 10_240 {
		add("engine.result_cap_bytes must be in 1..10240, got %d", c.Engine.ResultCapBytes)
	}
	switch c.Engine.LockBackend {
	case "sql":
	case "redis":
		if c.Redis.Addr == "" {
			add("engine.lock_backend = \"redis\" requires redis.addr")
		}
	default:
		add("engine.lock_backend must be \"sql\" or \"redis\", got %q", c.Engine.LockBackend)
	}

	for i, o := range c.Policy.Overrides {
		prefix := fmt.Sprintf("policy.overrides[%d]", i)
		if !plan.SLAClass(o.SLAClass).Valid() {
			add("%s.sla_class %q is not one of fast, medium, long", prefix, o.SLAClass)
		}
		if !plan.ActionClass(o.ActionClass).Valid() {
			add("%s.action_class %q is not one of read, change, deploy, destructive", prefix, o.ActionClass)
		}
		if o.ExecutionTimeoutMS <= 0 || o.StepTimeoutMS <= 0 {
			add("%s timeouts must be > 0", prefix)
		}
		if o.StepTimeoutMS > o.ExecutionTimeoutMS {
			add("%s.step_timeout_ms (%d) exceeds execution_timeout_ms (%d)", prefix, o.StepTimeoutMS, o.ExecutionTimeoutMS)
		}
		if o.MaxAttempts <= 0 {
			add("%s.max_attempts must be > 0, got %d", prefix, o.MaxAttempts)
		}
		if o.MaxLeaseRenewals < 0 {
			add("%s.max_lease_renewals must be >= 0, got %d", prefix, o.MaxLeaseRenewals)
		}
	}

	if c.ObjectStore.Endpoint != "" && c.ObjectStore.Bucket == "" {
		add("objectstore.bucket cannot be empty when objectstore.endpoint is set")
	}

	for i, tok := range c.Auth.Tokens {
		if tok.Token == "" || tok.ActorID == "" || tok.TenantID == "" {
			add("auth.tokens[%d] requires token, actor_id and tenant_id", i)
		}
	}
	if (c.Auth.OIDCIssuer == "") != (c.Auth.OIDCClientID == "") {
		add("auth.oidc_issuer and auth.oidc_client_id must be set together")
	}

	if len(problems) > 0 {
		return errors.Newf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}
