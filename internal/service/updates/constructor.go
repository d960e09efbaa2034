package updates

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/manabi/internal/config"
	"github.com/ashita-ai/manabi/internal/model"
	"github.com/ashita-ai/manabi/internal/rules"
	"github.com/ashita-ai/manabi/internal/telemetry"
)

// Payload keys that steer classification. They are moved out of Updated
// into Content.Metadata["flags"].
const (
	flagNew          = "isNew"
	flagModification = "isModification"
	flagMerge        = "shouldMerge"
	flagDeletion     = "isDeletion"
	flagSplit        = "shouldSplit"
	keyConfidence    = "confidence"
)

// Payload keys that carry ids and contents rather than knowledge.
const (
	keyTargetID  = "targetId"
	keySourceIDs = "sourceIds"
	keyParts     = "parts"
	keyOriginal  = "original"
)

// maxContextEvidence truncates a candidate's context when it is recorded as
// evidence.
const maxContextEvidence = 200

type compiledUpdateRule struct {
	model.UpdateRule
	cond *rules.Condition
}

// Constructor turns candidate items into KnowledgeUpdates. It is stateless
// apart from its compiled rule table and is safe for concurrent use.
type Constructor struct {
	policy config.LearningPolicy
	rules  []compiledUpdateRule
	logger *slog.Logger
	now    func() time.Time

	ruleErrs metric.Int64Counter
}

// NewConstructor compiles the policy's update rules.
func NewConstructor(policy config.LearningPolicy, logger *slog.Logger) (*Constructor, error) {
	compiled := make([]compiledUpdateRule, 0, len(policy.UpdateRules))
	for _, r := range policy.UpdateRules {
		c, err := config.CompileUpdateRule(r)
		if err != nil {
			return nil, fmt.Errorf("updates: %w", err)
		}
		compiled = append(compiled, compiledUpdateRule{UpdateRule: r, cond: c})
	}
	sort.SliceStable(compiled, func(i, j int) bool { return compiled[i].Priority < compiled[j].Priority })

	ruleErrs, _ := telemetry.Meter("manabi/updates").Int64Counter("manabi.updates.rule_errors",
		metric.WithDescription("Update rule conditions that failed to evaluate"),
	)
	return &Constructor{
		policy:   policy,
		rules:    compiled,
		logger:   logger,
		now:      time.Now,
		ruleErrs: ruleErrs,
	}, nil
}

// BuildInput is one candidate to turn into an update.
type BuildInput struct {
	AgentID   string
	Candidate model.CandidateItem
	Decision  model.LearningDecision
	Origin    model.UpdateOrigin
	SourceID  string
}

// Build classifies, scores and approves one candidate. It returns
// model.ErrInvalidState when the decision does not allow learning and
// model.ErrInvalidInput when the candidate is malformed for its kind.
func (c *Constructor) Build(in BuildInput) (model.KnowledgeUpdate, error) {
	if !in.Decision.ShouldLearn {
		return model.KnowledgeUpdate{}, fmt.Errorf("updates: build from a decision that does not learn: %w", model.ErrInvalidState)
	}
	factor := fmt.Sprintf("decision %s (%s, risk %s, confidence %.2f)",
		ruleOrAction(in.Decision), in.Decision.SuggestedAction, in.Decision.RiskLevel, in.Decision.Confidence)
	return c.build(in, factor)
}

// BuildManual builds a reviewer-submitted update. No decision is involved.
func (c *Constructor) BuildManual(agentID string, cand model.CandidateItem, reason string) (model.KnowledgeUpdate, error) {
	factor := "submitted manually"
	if reason != "" {
		factor += ": " + reason
	}
	return c.build(BuildInput{AgentID: agentID, Candidate: cand, Origin: model.OriginManual}, factor)
}

func (c *Constructor) build(in BuildInput, factor string) (model.KnowledgeUpdate, error) {
	cand := in.Candidate
	if err := model.ValidateCandidate(cand); err != nil {
		return model.KnowledgeUpdate{}, fmt.Errorf("updates: %w: %w", model.ErrInvalidInput, err)
	}

	kind := Classify(cand.Payload)
	content, err := c.content(kind, cand)
	if err != nil {
		return model.KnowledgeUpdate{}, err
	}

	evidence := Evidence(cand)
	prior := c.policy.Prior(cand.Type)
	payloadConf, hasConf := candidateConfidence(cand)
	bonus := math.Min(c.policy.EvidenceBonusStep*float64(len(evidence)), c.policy.EvidenceBonusMax)
	confidence := c.Confidence(cand, len(evidence))
	priority := Priority(confidence, cand.Type)

	reasons := []string{fmt.Sprintf("type %s prior %.2f", cand.Type, prior)}
	if hasConf {
		reasons = append(reasons, fmt.Sprintf("candidate confidence %.2f", payloadConf))
	}
	reasons = append(reasons,
		fmt.Sprintf("%d evidence entries (+%.2f)", len(evidence), bonus),
		factor,
		fmt.Sprintf("kind %s", kind),
		fmt.Sprintf("priority %d", priority),
	)

	u := model.KnowledgeUpdate{
		ID:         uuid.New(),
		AgentID:    in.AgentID,
		Kind:       kind,
		Status:     model.StatusPending,
		Origin:     in.Origin,
		SourceID:   in.SourceID,
		Confidence: confidence,
		Priority:   priority,
		Content:    content,
		Evidence:   evidence,
		CreatedAt:  c.now().UTC(),
	}
	if approved, by := c.AutoApprove(u); approved {
		u.Status = model.StatusApproved
		reasons = append(reasons, "auto-approved by "+by)
	} else {
		reasons = append(reasons, "queued for review")
	}
	u.Reasoning = strings.Join(reasons, "; ")
	return u, nil
}

// Classify picks the update kind from the payload flags. The first set flag
// in the order isNew, isModification, shouldMerge, isDeletion, shouldSplit
// wins. No flag means ADDITION.
func Classify(payload map[string]any) model.UpdateKind {
	switch {
	case truthy(payload[flagNew]):
		return model.KindAddition
	case truthy(payload[flagModification]):
		return model.KindModification
	case truthy(payload[flagMerge]):
		return model.KindMerge
	case truthy(payload[flagDeletion]):
		return model.KindDeletion
	case truthy(payload[flagSplit]):
		return model.KindSplit
	default:
		return model.KindAddition
	}
}

// Confidence blends the candidate's own confidence (weight 0.6) with the
// type prior (weight 0.4), or uses the prior alone, then adds the evidence
// bonus. The result is clipped to [0,1].
func (c *Constructor) Confidence(cand model.CandidateItem, evidence int) float64 {
	prior := c.policy.Prior(cand.Type)
	base := prior
	if pc, ok := candidateConfidence(cand); ok {
		base = 0.6*pc + 0.4*prior
	}
	bonus := math.Min(c.policy.EvidenceBonusStep*float64(evidence), c.policy.EvidenceBonusMax)
	return model.Clamp01(base + bonus)
}

// Priority maps a confidence to 1 (most urgent) through 5. SOLUTION and FAQ
// updates move one step up.
func Priority(confidence float64, t model.KnowledgeType) int {
	var p int
	switch {
	case confidence >= 0.9:
		p = 1
	case confidence >= 0.8:
		p = 2
	case confidence >= 0.7:
		p = 3
	case confidence >= 0.6:
		p = 4
	default:
		p = 5
	}
	if t == model.KnowledgeSolution || t == model.KnowledgeFAQ {
		p = max(p-1, 1)
	}
	return p
}

// AutoApprove reports whether u is approved without review and what
// approved it. Auto-approving rules never read confidence in their
// condition, so raising u.Confidence never turns an approval into a refusal.
func (c *Constructor) AutoApprove(u model.KnowledgeUpdate) (bool, string) {
	if u.Confidence >= c.policy.AutoApproveThreshold {
		return true, fmt.Sprintf("global threshold %.2f", c.policy.AutoApproveThreshold)
	}
	env := RuleEnv(u)
	for _, r := range c.rules {
		if !r.Enabled || !r.AutoApprove || u.Confidence < r.ConfidenceThreshold {
			continue
		}
		ok, err := r.cond.Eval(env)
		if err != nil {
			c.ruleErrs.Add(context.Background(), 1, metric.WithAttributes(attribute.String("rule", r.Name)))
			c.logger.Warn("updates: rule evaluation failed, treating as false",
				"rule", r.Name,
				"agent_id", u.AgentID,
				"error", err,
			)
			continue
		}
		if ok {
			return true, "rule " + r.Name
		}
	}
	return false, ""
}

// RuleEnv binds an update to update-rule variables.
func RuleEnv(u model.KnowledgeUpdate) rules.Env {
	return rules.Env{
		rules.VarConfidence:     u.Confidence,
		rules.VarType:           string(u.Content.Type),
		rules.VarSource:         string(u.Origin),
		rules.VarEvidenceLength: len(u.Evidence),
	}
}

// Evidence collects the candidate's evidence, sources, references and
// context in that order without duplicates.
func Evidence(cand model.CandidateItem) []string {
	seen := map[string]bool{}
	out := []string{}
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}
	for _, list := range [][]string{cand.Evidence, cand.Sources, cand.References} {
		for _, s := range list {
			add(s)
		}
	}
	if ctx := strings.TrimSpace(cand.Context); ctx != "" {
		add("context: " + model.Truncate(ctx, maxContextEvidence))
	}
	return out
}

// content splits the payload into knowledge, flags and the ids the kind
// acts on.
func (c *Constructor) content(kind model.UpdateKind, cand model.CandidateItem) (model.UpdateContent, error) {
	updated := map[string]any{}
	flags := map[string]any{}
	for k, v := range cand.Payload {
		switch k {
		case flagNew, flagModification, flagMerge, flagDeletion, flagSplit, keyConfidence:
			flags[k] = v
		case keyTargetID, keySourceIDs, keyParts, keyOriginal:
		default:
			updated[k] = v
		}
	}

	content := model.UpdateContent{
		Type:     cand.Type,
		TargetID: stringValue(cand.Payload[keyTargetID]),
		Updated:  updated,
		Metadata: map[string]any{},
	}
	if len(flags) > 0 {
		content.Metadata["flags"] = flags
	}
	if orig, ok := cand.Payload[keyOriginal].(map[string]any); ok {
		content.Original = orig
	}
	sources, err := stringList(cand.Payload[keySourceIDs])
	if err != nil {
		return model.UpdateContent{}, fmt.Errorf("updates: %s: %w: %w", keySourceIDs, model.ErrInvalidInput, err)
	}
	content.SourceIDs = sources
	parts, err := partList(cand.Payload[keyParts])
	if err != nil {
		return model.UpdateContent{}, fmt.Errorf("updates: %s: %w: %w", keyParts, model.ErrInvalidInput, err)
	}
	content.Parts = parts

	switch kind {
	case model.KindAddition, model.KindMerge:
		if content.TargetID == "" {
			content.TargetID = NewItemID(cand.Type)
		}
	case model.KindModification, model.KindDeletion, model.KindSplit:
		if content.TargetID == "" {
			return model.UpdateContent{}, fmt.Errorf("updates: %s needs %s: %w", kind, keyTargetID, model.ErrInvalidInput)
		}
	}
	if kind == model.KindMerge && len(content.SourceIDs) < 2 {
		return model.UpdateContent{}, fmt.Errorf("updates: MERGE needs at least two %s: %w", keySourceIDs, model.ErrInvalidInput)
	}
	if kind == model.KindSplit && len(content.Parts) == 1 {
		return model.UpdateContent{}, fmt.Errorf("updates: SPLIT needs at least two %s: %w", keyParts, model.ErrInvalidInput)
	}
	return content, nil
}

// NewItemID returns a fresh knowledge item id such as "faq-1a2b3c4d".
func NewItemID(t model.KnowledgeType) string {
	return strings.ToLower(string(t)) + "-" + uuid.NewString()[:8]
}

func candidateConfidence(cand model.CandidateItem) (float64, bool) {
	if cand.Confidence != nil {
		return *cand.Confidence, true
	}
	switch v := cand.Payload[keyConfidence].(type) {
	case float64:
		return model.Clamp01(v), true
	case int:
		return model.Clamp01(float64(v)), true
	}
	return 0, false
}

func ruleOrAction(d model.LearningDecision) string {
	if d.RuleName != "" {
		return d.RuleName
	}
	return d.LearningType
}

func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func stringValue(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func stringList(v any) ([]string, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return x, nil
	case []any:
		out := make([]string, 0, len(x))
		for i, e := range x {
			s, ok := e.(string)
			if !ok || s == "" {
				return nil, fmt.Errorf("entry %d is not a non-empty string", i)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list of strings, got %T", v)
	}
}

func partList(v any) ([]map[string]any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []map[string]any:
		return x, nil
	case []any:
		out := make([]map[string]any, 0, len(x))
		for i, e := range x {
			switch p := e.(type) {
			case map[string]any:
				out = append(out, p)
			case string:
				out = append(out, map[string]any{"content": p})
			default:
				return nil, fmt.Errorf("part %d is %T, want an object or string", i, e)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list of parts, got %T", v)
	}
}
