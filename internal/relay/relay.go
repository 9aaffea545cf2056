// Package relay turns categorize_whatsapp frames into completion calls and
// shapes the replies.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
	"github.com/xaenox/wa-categorizer/internal/classifier"
	"github.com/xaenox/wa-categorizer/internal/metrics"
	"github.com/xaenox/wa-categorizer/internal/models"
	"go.uber.org/zap"
)

const DefaultMaxItems = 200

type Options struct {
	// MaxItems caps how many items are sent to the model. Items past the cap
	// are never classified.
	MaxItems int
	// ValidateResult replaces model results whose assignments don't line up
	// with the sampled items or the proposed categories by the fallback.
	ValidateResult bool
	// StripCodeFences removes a markdown code fence around the model reply.
	StripCodeFences bool
}

// Relay handles categorization frames. It holds no per-request state and is
// safe for concurrent use.
type Relay struct {
	completer classifier.Completer
	opts      Options
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

func New(completer classifier.Completer, opts Options, logger *zap.Logger, m *metrics.Metrics) *Relay {
	if opts.MaxItems <= 0 {
		opts.MaxItems = DefaultMaxItems
	}
	return &Relay{
		completer: completer,
		opts:      opts,
		logger:    logger,
		metrics:   m,
	}
}

// WithLogger returns a copy of r that logs to logger.
func (r *Relay) WithLogger(logger *zap.Logger) *Relay {
	cp := *r
	cp.logger = logger
	return &cp
}

// Handle processes one inbound frame. It returns the encoded reply and
// whether a reply should be sent at all; empty frames get none.
func (r *Relay) Handle(ctx context.Context, frame []byte) ([]byte, bool) {
	if len(bytes.TrimSpace(frame)) == 0 {
		r.metrics.Frame(metrics.OutcomeIgnored)
		return nil, false
	}

	resp := r.handle(ctx, frame)
	out, err := json.Marshal(resp)
	if err != nil {
		r.logger.Error("Failed to encode response", zap.Error(err))
		out, _ = json.Marshal(models.Failure(resp.ID, models.ErrServer))
	}
	return out, true
}

func (r *Relay) handle(ctx context.Context, frame []byte) models.Response {
	if !gjson.ValidBytes(frame) {
		r.logger.Warn("Received malformed JSON", zap.Int("bytes", len(frame)))
		r.metrics.Frame(metrics.OutcomeBadJSON)
		return models.Failure(nil, models.ErrBadJSON)
	}

	doc := gjson.ParseBytes(frame)
	var id json.RawMessage
	if v := doc.Get("id"); doc.IsObject() && v.Exists() {
		id = json.RawMessage(v.Raw)
	}

	tool := doc.Get("tool")
	if tool.Type != gjson.String || tool.Str != models.ToolCategorizeWhatsApp {
		r.logger.Info("Unknown tool", zap.ByteString("id", id), zap.String("tool", tool.Raw))
		r.metrics.Frame(metrics.OutcomeUnknownTool)
		return models.Failure(id, models.ErrUnknownTool)
	}

	raw := doc.Get("items")
	all := raw.Array()
	if !raw.IsArray() || len(all) == 0 {
		r.logger.Info("Request has no items", zap.ByteString("id", id))
		r.metrics.Frame(metrics.OutcomeNoItems)
		return models.Failure(id, models.ErrNoItems)
	}

	sample := all
	if len(sample) > r.opts.MaxItems {
		sample = sample[:r.opts.MaxItems]
	}
	items := make([]models.Item, len(sample))
	for i, v := range sample {
		items[i] = models.Item{Text: v.Get("text").String()}
	}

	r.logger.Info("Categorization requested",
		zap.ByteString("id", id),
		zap.Int("items", len(all)),
		zap.Int("sampled", len(items)))

	return r.categorize(ctx, id, items, len(all))
}

func (r *Relay) categorize(ctx context.Context, id json.RawMessage, items []models.Item, total int) models.Response {
	prompt := classifier.BuildPrompt(items)

	start := time.Now()
	content, err := r.completer.Complete(ctx, prompt)
	r.metrics.ObserveCompletion(time.Since(start))

	if err != nil {
		if classifier.IsThrottled(err) {
			r.logger.Warn("Completion throttled, using fallback",
				zap.ByteString("id", id),
				zap.Error(err))
			return r.fallback(id, total, metrics.ReasonThrottled)
		}

		r.logger.Error("Completion failed", zap.ByteString("id", id), zap.Error(err))
		r.metrics.Frame(metrics.OutcomeFailed)
		msg := err.Error()
		if msg == "" {
			msg = models.ErrServer
		}
		return models.Failure(id, msg)
	}

	resp, reason := r.parse(content, len(items))
	if reason != "" {
		r.logger.Warn("Unusable completion, using fallback",
			zap.ByteString("id", id),
			zap.String("reason", reason),
			zap.String("response", content))
		return r.fallback(id, total, reason)
	}

	r.metrics.Frame(metrics.OutcomeSuccess)
	resp.ID = models.NullID(id)
	return resp
}

// parse extracts the result fields from the model reply. A non-empty reason
// means the reply can't be used.
func (r *Relay) parse(content string, sampled int) (models.Response, string) {
	if r.opts.StripCodeFences {
		content = stripCodeFences(content)
	}

	if !gjson.Valid(content) {
		return models.Response{}, metrics.ReasonUnparseable
	}

	doc := gjson.Parse(content)
	assignments := doc.Get("assignments")
	if !doc.IsObject() || !assignments.IsArray() {
		return models.Response{}, metrics.ReasonMalformed
	}

	if r.opts.ValidateResult {
		var result models.Result
		if err := json.Unmarshal([]byte(content), &result); err != nil || !consistent(result, sampled) {
			return models.Response{}, metrics.ReasonInvalid
		}
	}

	resp := models.Response{OK: true, Assignments: json.RawMessage(assignments.Raw)}
	if v := doc.Get("categories"); v.Exists() {
		resp.Categories = json.RawMessage(v.Raw)
	}
	if v := doc.Get("coverage"); v.Exists() {
		resp.Coverage = json.RawMessage(v.Raw)
	}
	return resp, ""
}

func (r *Relay) fallback(id json.RawMessage, total int, reason string) models.Response {
	r.metrics.Fallback(reason)
	r.metrics.Frame(metrics.OutcomeFallback)

	resp, err := models.Success(id, classifier.Fallback(total))
	if err != nil {
		r.logger.Error("Failed to encode fallback", zap.Error(err))
		return models.Failure(id, models.ErrServer)
	}
	return resp
}
