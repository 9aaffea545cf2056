package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/wa-categorizer/internal/classifier"
	"github.com/xaenox/wa-categorizer/internal/metrics"
	"github.com/xaenox/wa-categorizer/internal/models"
	"go.uber.org/zap/zaptest"
)

// stubCompleter records prompts and answers with a fixed reply or error.
type stubCompleter struct {
	reply   string
	err     error
	prompts []string
}

func (s *stubCompleter) Complete(_ context.Context, prompt string) (string, error) {
	s.prompts = append(s.prompts, prompt)
	return s.reply, s.err
}

func newTestRelay(t *testing.T, c classifier.Completer, opts Options) (*Relay, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	return New(c, opts, zaptest.NewLogger(t), m), m
}

func frameWithItems(t *testing.T, id any, n int) []byte {
	t.Helper()
	items := make([]map[string]any, n)
	for i := range items {
		items[i] = map[string]any{"text": fmt.Sprintf("message %d", i), "url": "https://wa.me/x"}
	}
	b, err := json.Marshal(map[string]any{"id": id, "tool": models.ToolCategorizeWhatsApp, "items": items})
	require.NoError(t, err)
	return b
}

func handle(t *testing.T, r *Relay, frame string) map[string]any {
	t.Helper()
	out, ok := r.Handle(context.Background(), []byte(frame))
	require.True(t, ok, "a reply is expected")
	var reply map[string]any
	require.NoError(t, json.Unmarshal(out, &reply))
	return reply
}

func TestHandle_IgnoresEmptyFrames(t *testing.T) {
	stub := &stubCompleter{}
	r, m := newTestRelay(t, stub, Options{})

	for _, frame := range []string{"", " ", "\n\t  \r\n"} {
		out, ok := r.Handle(context.Background(), []byte(frame))
		assert.False(t, ok)
		assert.Nil(t, out)
	}

	assert.Empty(t, stub.prompts)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.FramesTotal.WithLabelValues(metrics.OutcomeIgnored)))
}

func TestHandle_BadJSON(t *testing.T) {
	r, m := newTestRelay(t, &stubCompleter{}, Options{})

	out, ok := r.Handle(context.Background(), []byte(`{"id":7,"tool":`))
	require.True(t, ok)

	assert.JSONEq(t, `{"id":null,"ok":false,"error":"bad_json"}`, string(out))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesTotal.WithLabelValues(metrics.OutcomeBadJSON)))
}

func TestHandle_UnknownTool(t *testing.T) {
	testCases := []struct {
		name  string
		frame string
		want  string
	}{
		{
			name:  "other tool",
			frame: `{"id":"abc","tool":"summarize","items":[{"text":"hi"}]}`,
			want:  `{"id":"abc","ok":false,"error":"unknown_tool"}`,
		},
		{
			name:  "missing tool",
			frame: `{"id":3,"items":[{"text":"hi"}]}`,
			want:  `{"id":3,"ok":false,"error":"unknown_tool"}`,
		},
		{
			name:  "tool not a string",
			frame: `{"id":{"n":1},"tool":42,"items":[]}`,
			want:  `{"id":{"n":1},"ok":false,"error":"unknown_tool"}`,
		},
		{
			name:  "missing id",
			frame: `{"tool":"categorize"}`,
			want:  `{"id":null,"ok":false,"error":"unknown_tool"}`,
		},
		{
			name:  "top-level null",
			frame: `null`,
			want:  `{"id":null,"ok":false,"error":"unknown_tool"}`,
		},
		{
			name:  "top-level array",
			frame: `[{"tool":"categorize_whatsapp"}]`,
			want:  `{"id":null,"ok":false,"error":"unknown_tool"}`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			stub := &stubCompleter{}
			r, _ := newTestRelay(t, stub, Options{})

			out, ok := r.Handle(context.Background(), []byte(tc.frame))
			require.True(t, ok)
			assert.JSONEq(t, tc.want, string(out))
			assert.Empty(t, stub.prompts, "no completion call for rejected frames")
		})
	}
}

func TestHandle_NoItems(t *testing.T) {
	testCases := []struct {
		name  string
		frame string
	}{
		{name: "absent", frame: `{"id":1,"tool":"categorize_whatsapp"}`},
		{name: "empty", frame: `{"id":1,"tool":"categorize_whatsapp","items":[]}`},
		{name: "not an array", frame: `{"id":1,"tool":"categorize_whatsapp","items":{"text":"hi"}}`},
		{name: "null", frame: `{"id":1,"tool":"categorize_whatsapp","items":null}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			stub := &stubCompleter{}
			r, _ := newTestRelay(t, stub, Options{})

			out, ok := r.Handle(context.Background(), []byte(tc.frame))
			require.True(t, ok)
			assert.JSONEq(t, `{"id":1,"ok":false,"error":"no_items"}`, string(out))
			assert.Empty(t, stub.prompts)
		})
	}
}

func TestHandle_PassesModelResultThrough(t *testing.T) {
	modelReply := `{"categories":[{"name":"Greetings","extra":true}],"assignments":["Greetings","Greetings"],"coverage":0.97}`
	stub := &stubCompleter{reply: modelReply}
	r, m := newTestRelay(t, stub, Options{})

	out, ok := r.Handle(context.Background(), []byte(`{"id":"req-1","tool":"categorize_whatsapp","items":[{"text":"hi"},{"text":"bye","keywords":["x"]}]}`))
	require.True(t, ok)

	assert.JSONEq(t, `{"id":"req-1","ok":true,"categories":[{"name":"Greetings","extra":true}],"assignments":["Greetings","Greetings"],"coverage":0.97}`, string(out))

	require.Len(t, stub.prompts, 1)
	assert.True(t, strings.HasSuffix(stub.prompts[0], "[0] hi\n[1] bye"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesTotal.WithLabelValues(metrics.OutcomeSuccess)))
}

func TestHandle_NoAlignmentCorrection(t *testing.T) {
	// The model's counts and coverage are trusted as-is.
	stub := &stubCompleter{reply: `{"categories":[{"name":"A"}],"assignments":["A","Z","A","A"],"coverage":7}`}
	r, _ := newTestRelay(t, stub, Options{})

	reply := handle(t, r, `{"id":1,"tool":"categorize_whatsapp","items":[{"text":"a"}]}`)

	assert.Equal(t, true, reply["ok"])
	assert.Equal(t, []any{"A", "Z", "A", "A"}, reply["assignments"])
	assert.Equal(t, 7.0, reply["coverage"])
}

func TestHandle_TruncatesToMaxItems(t *testing.T) {
	assignments := make([]string, DefaultMaxItems)
	for i := range assignments {
		assignments[i] = "Chat"
	}
	modelReply, err := json.Marshal(map[string]any{
		"categories":  []map[string]string{{"name": "Chat"}},
		"assignments": assignments,
		"coverage":    1,
	})
	require.NoError(t, err)

	stub := &stubCompleter{reply: string(modelReply)}
	r, _ := newTestRelay(t, stub, Options{})

	out, ok := r.Handle(context.Background(), frameWithItems(t, 9, 250))
	require.True(t, ok)

	var reply struct {
		ID          int      `json:"id"`
		OK          bool     `json:"ok"`
		Assignments []string `json:"assignments"`
	}
	require.NoError(t, json.Unmarshal(out, &reply))
	assert.Equal(t, 9, reply.ID)
	assert.True(t, reply.OK)
	assert.Len(t, reply.Assignments, DefaultMaxItems)

	require.Len(t, stub.prompts, 1)
	assert.Contains(t, stub.prompts[0], "[199] message 199")
	assert.NotContains(t, stub.prompts[0], "[200]")
	assert.NotContains(t, stub.prompts[0], "message 200")
}

func TestHandle_CustomMaxItems(t *testing.T) {
	stub := &stubCompleter{reply: `{"assignments":[]}`}
	r, _ := newTestRelay(t, stub, Options{MaxItems: 2})

	_, ok := r.Handle(context.Background(), frameWithItems(t, 1, 5))
	require.True(t, ok)

	require.Len(t, stub.prompts, 1)
	assert.Contains(t, stub.prompts[0], "[1] message 1")
	assert.NotContains(t, stub.prompts[0], "[2]")
}

func TestHandle_FallbackOnUnusableReply(t *testing.T) {
	testCases := []struct {
		name   string
		reply  string
		reason string
	}{
		{name: "plain text", reply: "Sure! Here are your categories.", reason: metrics.ReasonUnparseable},
		{name: "empty", reply: "", reason: metrics.ReasonUnparseable},
		{name: "fenced", reply: "```json\n{\"assignments\":[\"A\"]}\n```", reason: metrics.ReasonUnparseable},
		{name: "assignments missing", reply: `{"categories":[{"name":"A"}],"coverage":1}`, reason: metrics.ReasonMalformed},
		{name: "assignments not array", reply: `{"categories":[],"assignments":"A"}`, reason: metrics.ReasonMalformed},
		{name: "top-level array", reply: `["A","B"]`, reason: metrics.ReasonMalformed},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r, m := newTestRelay(t, &stubCompleter{reply: tc.reply}, Options{})

			out, ok := r.Handle(context.Background(), frameWithItems(t, "x", 250))
			require.True(t, ok)

			var reply struct {
				ID          string            `json:"id"`
				OK          bool              `json:"ok"`
				Categories  []models.Category `json:"categories"`
				Assignments []string          `json:"assignments"`
				Coverage    float64           `json:"coverage"`
			}
			require.NoError(t, json.Unmarshal(out, &reply))

			assert.Equal(t, "x", reply.ID)
			assert.True(t, reply.OK)
			assert.Equal(t, []models.Category{{Name: "General"}}, reply.Categories)
			assert.Len(t, reply.Assignments, 250, "fallback covers every submitted item")
			assert.Equal(t, 1.0, reply.Coverage)
			assert.Equal(t, 1.0, testutil.ToFloat64(m.FallbacksTotal.WithLabelValues(tc.reason)))
		})
	}
}

func TestHandle_ThrottledCallFallsBack(t *testing.T) {
	stub := &stubCompleter{err: errors.New("429 rate limit exceeded")}
	r, m := newTestRelay(t, stub, Options{})

	out, ok := r.Handle(context.Background(), []byte(`{"id":1,"tool":"categorize_whatsapp","items":[{"text":"hi"},{"text":"bye"}]}`))
	require.True(t, ok)

	assert.JSONEq(t, `{"id":1,"ok":true,"categories":[{"name":"General"}],"assignments":["General","General"],"coverage":1}`, string(out))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FallbacksTotal.WithLabelValues(metrics.ReasonThrottled)))
}

func TestHandle_QuotaFallsBack(t *testing.T) {
	r, _ := newTestRelay(t, &stubCompleter{err: errors.New("insufficient_quota: You exceeded your current quota")}, Options{})

	reply := handle(t, r, `{"id":2,"tool":"categorize_whatsapp","items":[{"text":"a"}]}`)

	assert.Equal(t, true, reply["ok"])
	assert.Equal(t, []any{"General"}, reply["assignments"])
}

func TestHandle_HardFailure(t *testing.T) {
	r, m := newTestRelay(t, &stubCompleter{err: errors.New("dial tcp: connection refused")}, Options{})

	out, ok := r.Handle(context.Background(), []byte(`{"id":5,"tool":"categorize_whatsapp","items":[{"text":"a"}]}`))
	require.True(t, ok)

	assert.JSONEq(t, `{"id":5,"ok":false,"error":"dial tcp: connection refused"}`, string(out))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesTotal.WithLabelValues(metrics.OutcomeFailed)))
}

type emptyError struct{}

func (emptyError) Error() string { return "" }

func TestHandle_HardFailureWithoutMessage(t *testing.T) {
	r, _ := newTestRelay(t, &stubCompleter{err: emptyError{}}, Options{})

	out, ok := r.Handle(context.Background(), []byte(`{"tool":"categorize_whatsapp","items":[{"text":"a"}]}`))
	require.True(t, ok)

	assert.JSONEq(t, `{"id":null,"ok":false,"error":"server_error"}`, string(out))
}

func TestHandle_ValidateResult(t *testing.T) {
	frame := `{"id":1,"tool":"categorize_whatsapp","items":[{"text":"a"},{"text":"b"}]}`

	testCases := []struct {
		name     string
		reply    string
		fallback bool
	}{
		{name: "consistent", reply: `{"categories":[{"name":"A"},{"name":"B"}],"assignments":["A","B"],"coverage":1}`},
		{name: "count mismatch", reply: `{"categories":[{"name":"A"}],"assignments":["A"],"coverage":1}`, fallback: true},
		{name: "unknown category", reply: `{"categories":[{"name":"A"}],"assignments":["A","B"],"coverage":1}`, fallback: true},
		{name: "coverage out of range", reply: `{"categories":[{"name":"A"}],"assignments":["A","A"],"coverage":1.5}`, fallback: true},
		{name: "wrong types", reply: `{"categories":"A","assignments":["A","A"],"coverage":1}`, fallback: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r, m := newTestRelay(t, &stubCompleter{reply: tc.reply}, Options{ValidateResult: true})

			reply := handle(t, r, frame)

			assert.Equal(t, true, reply["ok"])
			if tc.fallback {
				assert.Equal(t, []any{"General", "General"}, reply["assignments"])
				assert.Equal(t, 1.0, testutil.ToFloat64(m.FallbacksTotal.WithLabelValues(metrics.ReasonInvalid)))
			} else {
				assert.Equal(t, []any{"A", "B"}, reply["assignments"])
			}
		})
	}
}

func TestHandle_StripCodeFences(t *testing.T) {
	stub := &stubCompleter{reply: "```json\n{\"categories\":[{\"name\":\"A\"}],\"assignments\":[\"A\"],\"coverage\":1}\n```"}
	r, _ := newTestRelay(t, stub, Options{StripCodeFences: true})

	reply := handle(t, r, `{"id":1,"tool":"categorize_whatsapp","items":[{"text":"a"}]}`)

	assert.Equal(t, []any{"A"}, reply["assignments"])
	assert.Equal(t, []any{map[string]any{"name": "A"}}, reply["categories"])
}

func TestHandle_NilMetrics(t *testing.T) {
	r := New(&stubCompleter{reply: `{"assignments":["A"]}`}, Options{}, zaptest.NewLogger(t), nil)

	reply := handle(t, r, `{"id":1,"tool":"categorize_whatsapp","items":[{"text":"a"}]}`)

	assert.Equal(t, true, reply["ok"])
	_, hasCoverage := reply["coverage"]
	assert.False(t, hasCoverage, "absent model fields stay absent")
}

func TestStripCodeFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripCodeFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripCodeFences("```\n{\"a\":1}```"))
	assert.Equal(t, `{"a":1}`, stripCodeFences("  {\"a\":1}  "))
}
