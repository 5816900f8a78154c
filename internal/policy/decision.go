// Package policy builds signed, explainable authorization decisions.
// Every evaluator reduces its input to a list of typed reasons, and
// BuildDecision folds those into a stable envelope: deterministic reason
// ordering, a content-addressed decision id, and an integrity signature
// over the canonical payload.
package policy

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Version tags every decision envelope. Bump when evaluator semantics
// change so downstream consumers can key explainability off it.
const Version = "runtime-policy-v3"

// SignatureAlgorithm is advertised in the envelope.
const SignatureAlgorithm = "sha256(secret+payload)"

// defaultSigningSecret keeps development setups working without env
// configuration. Production wiring injects the real secret.
const defaultSigningSecret = "agenthub-policy-signing-secret"

// Reason types.
const (
	ReasonViolation = "violation"
	ReasonWarning   = "warning"
	ReasonAllow     = "allow"
)

// Reason is one evaluated constraint outcome. Fields are declared in
// alphabetical tag order so canonical marshaling matches key-sorted JSON.
type Reason struct {
	Code     string `json:"code"`
	Expected any    `json:"expected,omitempty"`
	Field    string `json:"field,omitempty"`
	Message  string `json:"message"`
	Observed any    `json:"observed,omitempty"`
	Type     string `json:"type"`
}

// Explainability summarizes a decision for audit consumers.
type Explainability struct {
	ViolationCodes  []string `json:"violation_codes"`
	WarningCodes    []string `json:"warning_codes"`
	AllowCodes      []string `json:"allow_codes"`
	EvaluatedFields []string `json:"evaluated_fields"`
}

// Decision is the signed policy envelope.
type Decision struct {
	PolicyVersion        string         `json:"policy_version"`
	DecisionID           string         `json:"decision_id"`
	Context              string         `json:"context"`
	Action               string         `json:"action"`
	Actor                string         `json:"actor"`
	Subject              map[string]any `json:"subject"`
	Outcome              string         `json:"decision"`
	Allowed              bool           `json:"allowed"`
	Reasons              []Reason       `json:"reasons"`
	ViolatedConstraints  []string       `json:"violated_constraints"`
	EvaluatedConstraints map[string]any `json:"evaluated_constraints"`
	InputHash            string         `json:"input_hash"`
	Explainability       Explainability `json:"explainability"`
	SignatureAlgorithm   string         `json:"signature_algorithm"`
	DecisionSignature    string         `json:"decision_signature"`
}

// Engine signs and verifies decisions under one process-wide secret.
type Engine struct {
	secret []byte
}

// NewEngine builds a decision engine. An empty secret falls back to the
// development default.
func NewEngine(secret []byte) *Engine {
	if len(secret) == 0 {
		secret = []byte(defaultSigningSecret)
	}
	return &Engine{secret: secret}
}

// stableHash digests the canonical JSON of payload. Map keys marshal
// sorted, which is the canonical form evaluators rely on.
func stableHash(payload any) string {
	encoded, err := json.Marshal(payload)
	if err != nil {
		// Evaluator payloads are built from plain values; a marshal
		// failure is a programming error surfaced via the hash.
		encoded = []byte(fmt.Sprintf("%v", payload))
	}
	digest := sha256.Sum256(encoded)
	return hex.EncodeToString(digest[:])
}

func (e *Engine) signPayload(payload map[string]any) string {
	encoded, err := json.Marshal(payload)
	if err != nil {
		encoded = []byte(fmt.Sprintf("%v", payload))
	}
	digest := sha256.Sum256(append(append([]byte{}, e.secret...), encoded...))
	return hex.EncodeToString(digest[:])
}

func sortReasons(reasons []Reason) []Reason {
	ordered := make([]Reason, len(reasons))
	copy(ordered, reasons)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		if a.Field != b.Field {
			return a.Field < b.Field
		}
		ao, bo := fmt.Sprintf("%v", a.Observed), fmt.Sprintf("%v", b.Observed)
		if ao != bo {
			return ao < bo
		}
		return fmt.Sprintf("%v", a.Expected) < fmt.Sprintf("%v", b.Expected)
	})
	return ordered
}

// BuildDecision folds evaluator reasons into a signed envelope. The
// decision is allow iff no reason is a violation.
func (e *Engine) BuildDecision(context, action, actor string, subject, evaluated map[string]any, reasons []Reason) *Decision {
	ordered := sortReasons(reasons)

	violatedSet := map[string]bool{}
	violationCodes := []string{}
	warningCodes := []string{}
	allowCodes := []string{}
	for _, r := range ordered {
		switch r.Type {
		case ReasonViolation:
			violationCodes = append(violationCodes, r.Code)
			violatedSet[r.Code] = true
		case ReasonWarning:
			warningCodes = append(warningCodes, r.Code)
		case ReasonAllow:
			allowCodes = append(allowCodes, r.Code)
		}
	}
	violated := make([]string, 0, len(violatedSet))
	for code := range violatedSet {
		violated = append(violated, code)
	}
	sort.Strings(violated)

	allowed := len(violated) == 0
	outcome := "deny"
	if allowed {
		outcome = "allow"
	}

	evaluatedFields := make([]string, 0, len(evaluated))
	for field := range evaluated {
		evaluatedFields = append(evaluatedFields, field)
	}
	sort.Strings(evaluatedFields)

	inputHash := stableHash(map[string]any{
		"context":               context,
		"action":                action,
		"actor":                 actor,
		"subject":               subject,
		"evaluated_constraints": evaluated,
		"reasons":               ordered,
		"violated_constraints":  violated,
		"policy_version":        Version,
	})
	decisionID := stableHash(map[string]any{
		"policy_version": Version,
		"input_hash":     inputHash,
	})[:24]

	signature := e.signPayload(map[string]any{
		"policy_version":       Version,
		"decision_id":          decisionID,
		"context":              context,
		"action":               action,
		"actor":                actor,
		"subject":              subject,
		"decision":             outcome,
		"violated_constraints": violated,
		"input_hash":           inputHash,
	})

	return &Decision{
		PolicyVersion:        Version,
		DecisionID:           decisionID,
		Context:              context,
		Action:               action,
		Actor:                actor,
		Subject:              subject,
		Outcome:              outcome,
		Allowed:              allowed,
		Reasons:              ordered,
		ViolatedConstraints:  violated,
		EvaluatedConstraints: evaluated,
		InputHash:            inputHash,
		Explainability: Explainability{
			ViolationCodes:  violationCodes,
			WarningCodes:    warningCodes,
			AllowCodes:      allowCodes,
			EvaluatedFields: evaluatedFields,
		},
		SignatureAlgorithm: SignatureAlgorithm,
		DecisionSignature:  signature,
	}
}

// VerifySignature re-derives the integrity signature from the decision's
// own fields and compares in constant time.
func (e *Engine) VerifySignature(d *Decision) bool {
	if d == nil {
		return false
	}
	expected := e.signPayload(map[string]any{
		"policy_version":       d.PolicyVersion,
		"decision_id":          d.DecisionID,
		"context":              d.Context,
		"action":               d.Action,
		"actor":                d.Actor,
		"subject":              d.Subject,
		"decision":             d.Outcome,
		"violated_constraints": d.ViolatedConstraints,
		"input_hash":           d.InputHash,
	})
	return subtle.ConstantTimeCompare([]byte(d.DecisionSignature), []byte(expected)) == 1
}
