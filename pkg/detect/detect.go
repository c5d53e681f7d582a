// Package detect holds the small LLM-driven classifiers that decide whether
// a request needs a database, authentication, or payments.
package detect

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/SaaSManDan/turbobackend-worker/pkg/config"
	"github.com/SaaSManDan/turbobackend-worker/pkg/llm"
	"github.com/SaaSManDan/turbobackend-worker/pkg/store"
)

// Kind identifies one classifier.
type Kind string

const (
	KindDatabase Kind = "database"
	KindAuth     Kind = "auth"
	KindPayment  Kind = "payment"
)

// Result is a classifier decision. On any failure the safe default
// (Needed=false) is returned so a broken classifier never fails a job.
type Result struct {
	Needed    bool
	Reasoning string
	Cost      float64
}

// systemPrompts are JSON-only instructions per classifier. The response must
// be a single JSON object with exactly the keys "needed" and "reasoning".
var systemPrompts = map[Kind]string{
	KindDatabase: `You are a classifier. Decide whether the described HTTP API requires a relational database to store persistent data.
Respond with ONLY a JSON object, no prose, no markdown fences:
{"needed": boolean, "reasoning": "one short sentence"}`,
	KindAuth: `You are a classifier. Decide whether the described HTTP API requires user authentication (signup, login, protected endpoints, user accounts).
Respond with ONLY a JSON object, no prose, no markdown fences:
{"needed": boolean, "reasoning": "one short sentence"}`,
	KindPayment: `You are a classifier. Decide whether the described HTTP API requires payment processing (checkout, subscriptions, charges).
Respond with ONLY a JSON object, no prose, no markdown fences:
{"needed": boolean, "reasoning": "one short sentence"}`,
}

// messageTypes tag the cost entry written for each classifier call.
var messageTypes = map[Kind]string{
	KindDatabase: "database-detection",
	KindAuth:     "auth-detection",
	KindPayment:  "payment-detection",
}

// Detector runs the classifiers and accounts their cost.
type Detector struct {
	llm     llm.Client
	model   string
	pricing *config.PricingTable
	store   *store.Store
}

// NewDetector creates a Detector using the (cheap) classifier model.
func NewDetector(client llm.Client, model string, pricing *config.PricingTable, st *store.Store) *Detector {
	return &Detector{llm: client, model: model, pricing: pricing, store: st}
}

// CallInfo identifies the job a classifier call belongs to, for cost rows.
type CallInfo struct {
	ProjectID string
	UserID    string
	JobID     string
}

// Detect runs one classifier over the user's request. Each call writes one
// message-cost row on the caller's connection.
func (d *Detector) Detect(ctx context.Context, q sqlx.ExtContext, kind Kind, userRequest string, info CallInfo) Result {
	system, ok := systemPrompts[kind]
	if !ok {
		slog.Error("Unknown detector kind", "kind", kind)
		return Result{Needed: false, Reasoning: "detection failed"}
	}

	started := time.Now()
	resp, err := d.llm.Generate(ctx, d.model, system, userRequest)
	if err != nil {
		slog.Warn("Detector LLM call failed, using safe default", "kind", kind, "error", err)
		return Result{Needed: false, Reasoning: "detection failed"}
	}

	cost := d.pricing.CostFor(resp.Usage.InputTokens, resp.Usage.OutputTokens, d.model)
	d.store.RecordMessageCost(ctx, q, &store.MessageCost{
		ProjectID:        info.ProjectID,
		JobID:            info.JobID,
		UserID:           info.UserID,
		PromptContent:    userRequest,
		MessageType:      messageTypes[kind],
		Model:            d.model,
		InputTokens:      resp.Usage.InputTokens,
		OutputTokens:     resp.Usage.OutputTokens,
		CostUSD:          cost,
		TimeToCompletion: time.Since(started).Seconds(),
		StartedAt:        started.Unix(),
	})

	var decision struct {
		Needed    bool   `json:"needed"`
		Reasoning string `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(resp.Text)), &decision); err != nil {
		slog.Warn("Detector returned unparseable JSON, using safe default",
			"kind", kind, "error", err)
		return Result{Needed: false, Reasoning: "detection failed", Cost: cost}
	}

	return Result{Needed: decision.Needed, Reasoning: decision.Reasoning, Cost: cost}
}

// extractJSONObject strips markdown fences and surrounding prose, returning
// the outermost {...} span. Models occasionally wrap JSON despite the
// JSON-only instruction.
func extractJSONObject(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}
