package diagnostics

import "net/http"

// Cause is one candidate explanation for a denied request.
type Cause struct {
	Code        string `json:"code" yaml:"code"`
	Description string `json:"description" yaml:"description"`
	Remediation string `json:"remediation" yaml:"remediation"`
}

// Signals are the observations available when a denial completes.
type Signals struct {
	Method             string
	Status             int
	CredentialsPresent bool
	TokenPresent       bool
	Markup             bool
	RecentRequests     int
	DensityLimit       int
}

// Rule pairs a cause with the signal pattern that suggests it.
type Rule struct {
	Cause Cause
	Match func(Signals) bool
}

// Classifier runs denial signals through an ordered rule list. Every
// matching rule contributes a cause; the result is advisory only.
type Classifier struct {
	rules []Rule
}

// NewClassifier creates a Classifier from rules.
func NewClassifier(rules []Rule) *Classifier {
	return &Classifier{rules: rules}
}

var unclassified = Cause{
	Code:        "unclassified",
	Description: "denial did not match any known pattern",
	Remediation: "inspect the origin's access logs for this correlation id",
}

// DefaultRules returns the built-in denial patterns.
func DefaultRules() []Rule {
	return []Rule{
		{
			Cause: Cause{
				Code:        "missing_credentials",
				Description: "no session cookie was present when the request left",
				Remediation: "confirm login completed and the session cookie has propagated before checking",
			},
			Match: func(s Signals) bool { return !s.CredentialsPresent },
		},
		{
			Cause: Cause{
				Code:        "missing_csrf_token",
				Description: "state-changing request sent without an anti-forgery token",
				Remediation: "acquire the anti-forgery token after authentication and attach it to unsafe methods",
			},
			Match: func(s Signals) bool { return !s.TokenPresent && isUnsafeMethod(s.Method) },
		},
		{
			Cause: Cause{
				Code:        "session_expired",
				Description: "credentials were sent but rejected as unauthenticated",
				Remediation: "re-authenticate; the session or token has likely expired",
			},
			Match: func(s Signals) bool {
				return s.CredentialsPresent && s.Status == http.StatusUnauthorized
			},
		},
		{
			Cause: Cause{
				Code:        "request_burst",
				Description: "request density exceeded the expected rate shortly before the denial",
				Remediation: "rely on cached authorization state and reduce polling; the origin may be throttling",
			},
			Match: func(s Signals) bool { return s.DensityLimit > 0 && s.RecentRequests > s.DensityLimit },
		},
		{
			Cause: Cause{
				Code:        "misrouted_request",
				Description: "the denial carried markup instead of structured data",
				Remediation: "check proxy and rewrite rules; a page or edge challenge answered instead of the API",
			},
			Match: func(s Signals) bool { return s.Markup },
		},
	}
}

// Classify returns every matching cause, or a single "unclassified" cause.
func (c *Classifier) Classify(s Signals) []Cause {
	var causes []Cause
	for _, r := range c.rules {
		if r.Match(s) {
			causes = append(causes, r.Cause)
		}
	}
	if len(causes) == 0 {
		return []Cause{unclassified}
	}
	return causes
}

func isUnsafeMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}
