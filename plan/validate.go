package plan

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/teranos/stagee/errors"
)

const (
	// MaxSteps bounds a single plan.
	MaxSteps = 500
	// MaxTargets bounds a single plan.
	MaxTargets = 1000
	// MaxWait bounds a wait step.
	MaxWait = time.Hour
)

var (
	actionPattern = regexp.MustCompile(`^[a-z][a-z0-9_\-]{0,63}$`)
	refPattern    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-/]{0,254}$`)

	// Per-target placeholders are substituted with inert values before parsing.
	placeholders = strings.NewReplacer("{ref}", "ref", "{host}", "host.invalid", "{port}", "1")

	httpMethods = map[string]bool{"GET": true, "HEAD": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true}
)

// Validate checks the plan shape and returns a validation error describing
// the first problem found.
func (p *Plan) Validate() error {
	if p == nil {
		return errors.NewValidationError("plan is required")
	}
	if !refPattern.MatchString(p.TenantID) {
		return errors.NewValidationError("tenant_id %q is invalid", p.TenantID)
	}
	if !actionPattern.MatchString(p.Action) {
		return errors.NewValidationError("action %q is invalid", p.Action)
	}
	if p.SLAClass != "" && !p.SLAClass.Valid() {
		return errors.NewValidationError("sla_class %q is not one of fast, medium, long", p.SLAClass)
	}

	if len(p.Targets) == 0 {
		return errors.NewValidationError("plan has no targets")
	}
	if len(p.Targets) > MaxTargets {
		return errors.NewValidationError("plan has %d targets, limit is %d", len(p.Targets), MaxTargets)
	}
	seen := make(map[string]struct{}, len(p.Targets))
	for _, t := range p.Targets {
		// ':' separates lock key segments
		if !refPattern.MatchString(t) {
			return errors.NewValidationError("target %q is invalid", t)
		}
		if _, dup := seen[t]; dup {
			return errors.NewValidationError("target %q is listed twice", t)
		}
		seen[t] = struct{}{}
	}

	if len(p.Steps) == 0 {
		return errors.NewValidationError("plan has no steps")
	}
	if len(p.Steps) > MaxSteps {
		return errors.NewValidationError("plan has %d steps, limit is %d", len(p.Steps), MaxSteps)
	}
	for i := range p.Steps {
		if err := p.Steps[i].validate(); err != nil {
			return errors.Wrapf(err, "step %d", i)
		}
	}
	return nil
}

func (s *Step) validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.NewValidationError("name is required")
	}

	body := s.Body()
	if body == nil {
		return errors.NewValidationError("step %q must set exactly one of shell, http, inspect, wait", s.Name)
	}
	if body.stepKind() != s.Kind {
		return errors.NewValidationError("step %q has kind %q but a %s body", s.Name, s.Kind, body.stepKind())
	}

	switch b := body.(type) {
	case *ShellStep:
		if strings.TrimSpace(b.Command) == "" {
			return errors.NewValidationError("step %q: command is required", s.Name)
		}
		if _, err := shellquote.Split(b.Command); err != nil {
			return errors.NewValidationError("step %q: command does not parse: %v", s.Name, err)
		}
	case *HTTPStep:
		if !httpMethods[strings.ToUpper(b.Method)] {
			return errors.NewValidationError("step %q: method %q is not supported", s.Name, b.Method)
		}
		u, err := url.Parse(placeholders.Replace(b.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.NewValidationError("step %q: url %q must be an absolute http(s) url", s.Name, b.URL)
		}
		if b.ExpectStatus != 0 && (b.ExpectStatus < 100 || b.ExpectStatus > 599) {
			return errors.NewValidationError("step %q: expect_status %d is invalid", s.Name, b.ExpectStatus)
		}
	case *WaitStep:
		if b.DurationMS <= 0 || b.Duration() > MaxWait {
			return errors.NewValidationError("step %q: duration_ms must be in (0, %d]", s.Name, MaxWait.Milliseconds())
		}
	case *InspectStep:
	}
	return nil
}
