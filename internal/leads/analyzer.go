package leads

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sokobot/sokobot/internal/llm"
	"github.com/sokobot/sokobot/internal/session"
)

// minMessages is the threshold below which a conversation carries too
// little signal to classify.
const minMessages = 3

// transcriptTail bounds how much of each conversation the analysis
// prompt includes.
const transcriptTail = 15

// analyzeTimeout bounds one batch model call.
const analyzeTimeout = 2 * time.Minute

// SessionLister is the read surface the analyzer needs from the
// session store.
type SessionLister interface {
	List() []*session.Session
	SetAnalyzedTime(id string, t time.Time)
}

// Analyzer runs the periodic lead classification batch.
type Analyzer struct {
	sessions  SessionLister
	client    llm.Client
	cache     *Cache
	batchSize int
	logger    *slog.Logger
}

// NewAnalyzer creates an Analyzer. batchSize caps per-run model cost.
func NewAnalyzer(sessions SessionLister, client llm.Client, cache *Cache, batchSize int, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = 20
	}
	return &Analyzer{
		sessions:  sessions,
		client:    client,
		cache:     cache,
		batchSize: batchSize,
		logger:    logger.With("component", "lead_analyzer"),
	}
}

// Run performs one analysis batch. Unless force is set, sessions whose
// watermark already covers their latest message are skipped. On any
// failure the cache is left untouched and the error is returned; on
// success every processed session's watermark advances to the run
// time, whether or not it landed in a category.
func (a *Analyzer) Run(ctx context.Context, force bool) error {
	candidates := a.selectCandidates(force)
	if len(candidates) == 0 {
		a.logger.Debug("no sessions to analyze")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, analyzeTimeout)
	defer cancel()

	runTime := time.Now()

	prompt := buildAnalysisPrompt(candidates)
	raw, err := a.client.ChatJSON(ctx, analysisSystemPrompt,
		[]llm.Message{{Role: llm.RoleUser, Text: prompt}}, analysisSchema())
	if err != nil {
		return fmt.Errorf("lead analysis call: %w", err)
	}

	var result Result
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return fmt.Errorf("parse lead analysis: %w", err)
	}

	if err := a.cache.Merge(normalize(result), runTime); err != nil {
		return fmt.Errorf("merge lead analysis: %w", err)
	}

	for _, sess := range candidates {
		a.sessions.SetAnalyzedTime(sess.ID, runTime)
	}

	total := 0
	for _, entries := range result {
		total += len(entries)
	}
	a.logger.Info("lead analysis complete",
		"sessions", len(candidates),
		"leads", total,
	)
	return nil
}

// selectCandidates picks the sessions to analyze: enough history, new
// activity since the last run (unless forced), most recent first,
// capped at the batch size. List() already sorts by recency.
func (a *Analyzer) selectCandidates(force bool) []*session.Session {
	var out []*session.Session
	for _, sess := range a.sessions.List() {
		if len(sess.Messages) < minMessages {
			continue
		}
		if !force && !sess.LastMessageTime.After(sess.LastAnalyzedTime) {
			continue
		}
		out = append(out, sess)
		if len(out) >= a.batchSize {
			break
		}
	}
	return out
}

const analysisSystemPrompt = `You are a sales analyst reviewing WhatsApp conversations between a shop's sales bot and its customers. Classify each customer into zero or more of these categories:
- serious: ready or very likely to buy soon
- stalled: showed strong interest but went quiet or hit an objection
- visiting: said they will visit the shop or asked for the location
- follow_up: worth a proactive follow-up message from the shop

For every classification give a one-sentence reason grounded in the conversation. Skip customers that fit no category.`

// buildAnalysisPrompt renders the candidate transcripts for the model.
func buildAnalysisPrompt(sessions []*session.Session) string {
	var sb strings.Builder
	sb.WriteString("Conversations to classify:\n")
	for _, sess := range sessions {
		name := sess.DisplayName
		if name == "" {
			name = "unknown"
		}
		fmt.Fprintf(&sb, "\n--- Customer %s (%s) ---\n", sess.ID, name)

		msgs := sess.Messages
		if len(msgs) > transcriptTail {
			msgs = msgs[len(msgs)-transcriptTail:]
		}
		for _, m := range msgs {
			who := "customer"
			if m.Sender != session.SenderCustomer {
				who = "shop"
			}
			text := m.Text
			if m.Type == session.TypeImage {
				text = "[image] " + m.Text
			}
			fmt.Fprintf(&sb, "%s: %s\n", who, strings.TrimSpace(text))
		}
	}
	return sb.String()
}

// analysisSchema is the structured-output contract: four arrays of
// {phone, name, reason}.
func analysisSchema() map[string]any {
	leadArray := map[string]any{
		"type": "array",
		"items": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"phone":  map[string]any{"type": "string"},
				"name":   map[string]any{"type": "string"},
				"reason": map[string]any{"type": "string"},
			},
			"required": []string{"phone", "reason"},
		},
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			CategorySerious:  leadArray,
			CategoryStalled:  leadArray,
			CategoryVisiting: leadArray,
			CategoryFollowUp: leadArray,
		},
	}
}

// normalize drops entries for unknown categories the model may have
// invented and entries without a phone key.
func normalize(result Result) Result {
	known := make(map[string]bool, len(Categories))
	for _, c := range Categories {
		known[c] = true
	}
	out := make(Result)
	for category, entries := range result {
		if !known[category] {
			continue
		}
		for _, lead := range entries {
			if lead.Phone == "" {
				continue
			}
			out[category] = append(out[category], lead)
		}
	}
	return out
}
