package reflection

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pod-healer/config"
	"pod-healer/events"
	"pod-healer/incident"
	"pod-healer/llm"
	"pod-healer/observer"
)

func reflectConfig() *config.Config {
	return &config.Config{
		ReflectionDepth:             config.DepthMedium,
		ReflectOnSuccessProbability: 0.8,
	}
}

func reflectIncident(class incident.ErrorClass) *incident.Incident {
	return &incident.Incident{
		PodName:    "crashing-pod",
		Namespace:  "default",
		ErrorClass: class,
		ThreadID:   "wf-reflect-1",
	}
}

func reflectInput(success bool) Input {
	return Input{
		Incident:       reflectIncident(incident.ClassCrashLoopBackOff),
		StrategyJSON:   `{"id":"default_crash_fix","type":"resource_adjustment"}`,
		Success:        success,
		ResolutionTime: 12,
		History:        []Entry{{QualityScore: 0.5}},
	}
}

func TestReflector_ShouldReflect(t *testing.T) {
	tests := []struct {
		name string
		in   Input
		rand float64
		want bool
	}{
		{
			name: "failure always reflects",
			in:   Input{Success: false, History: []Entry{{}}},
			rand: 0.99,
			want: true,
		},
		{
			name: "retry always reflects",
			in:   Input{Success: true, RetryCount: 1, History: []Entry{{}}},
			rand: 0.99,
			want: true,
		},
		{
			name: "first attempt of a loop reflects",
			in:   Input{Success: true},
			rand: 0.99,
			want: true,
		},
		{
			name: "slow resolution reflects",
			in:   Input{Success: true, ResolutionTime: 61, History: []Entry{{}}},
			rand: 0.99,
			want: true,
		},
		{
			name: "ordinary success reflects probabilistically",
			in:   Input{Success: true, ResolutionTime: 10, History: []Entry{{}}},
			rand: 0.5,
			want: true,
		},
		{
			name: "ordinary success skips when the dice say so",
			in:   Input{Success: true, ResolutionTime: 10, History: []Entry{{}}},
			rand: 0.9,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(reflectConfig(), llm.NewScripted(), nil, nil)
			r.rand = func() float64 { return tt.rand }
			assert.Equal(t, tt.want, r.ShouldReflect(tt.in))
		})
	}
}

const proseReflection = `Looking back at this CrashLoopBackOff remediation attempt:

I learned that memory limits below the application's working set cause immediate OOM restarts.
I realized that the crash pattern repeated every 45 seconds, which matches the backoff window.
In the future, I will check recent deployments before adjusting resources because config changes often precede crashes.
This is a short one: no.
`

func TestReflector_Reflect_ExtractsInsightsFromProse(t *testing.T) {
	client := llm.NewScripted(proseReflection)
	r := New(reflectConfig(), client, nil, nil)

	entry := r.Reflect(context.Background(), reflectInput(false))
	require.NotNil(t, entry)

	assert.False(t, entry.FallbackUsed)
	require.Len(t, entry.Insights, 3)
	assert.Equal(t, "memory limits below the application's working set cause immediate OOM restarts.", entry.Insights[0])
	assert.InDelta(t, 0.7, entry.Confidence, 1e-9, "defaults when no structured confidence is present")
	assert.Equal(t, proseReflection, entry.ReflectionText)
	assert.Equal(t, `{"id":"default_crash_fix","type":"resource_adjustment"}`, entry.TriggerAction)
}

const structuredReflectionText = `After reviewing the outcome, I learned that restarting without a backup risks losing crash evidence.

{
  "decision_quality_score": 0.8,
  "main_insights": ["Check exit codes before restarting", "Capture logs before deletion"],
  "strategy_modifications": {"default_crash_fix": {"timeout": 300}},
  "confidence_updates": {"default_crash_fix": 0.65},
  "overall_reflection_confidence": 0.9
}`

func TestReflector_Reflect_ParsesStructuredBlock(t *testing.T) {
	client := llm.NewScripted(structuredReflectionText)
	r := New(reflectConfig(), client, nil, nil)

	entry := r.Reflect(context.Background(), reflectInput(true))
	require.NotNil(t, entry)

	assert.InDelta(t, 0.9, entry.Confidence, 1e-9)
	require.Contains(t, entry.StrategyModifications, "default_crash_fix")
	assert.InDelta(t, 0.65, entry.ConfidenceUpdates["default_crash_fix"], 1e-9)
	require.NotEmpty(t, entry.Insights)
	assert.Equal(t, "restarting without a backup risks losing crash evidence.", entry.Insights[0])
	// decision score, insights and modifications all present, plus discourse markers.
	assert.Greater(t, entry.QualityScore, 0.6)
}

func TestReflector_Reflect_FallbackOnModelFailure(t *testing.T) {
	client := llm.NewScriptedError(errors.New("connection refused"))
	r := New(reflectConfig(), client, nil, nil)

	entry := r.Reflect(context.Background(), reflectInput(false))
	require.NotNil(t, entry)

	assert.True(t, entry.FallbackUsed)
	assert.Equal(t, "Fallback reflection: model analysis unavailable. Basic outcome recorded.", entry.ReflectionText)
	assert.Equal(t, []string{"Reflection system needs improvement", "Fallback mechanism activated"}, entry.Insights)
	assert.InDelta(t, 0.3, entry.Confidence, 1e-9)
	assert.InDelta(t, 0.2, entry.QualityScore, 1e-9)
}

func TestReflector_Reflect_PublishesEvent(t *testing.T) {
	bus := events.NewEventBus(16)
	defer bus.Stop()
	ch := make(chan *events.Event, 16)
	bus.SubscribeChannel(&events.EventFilter{EventTypes: []events.EventType{events.EventReflectionGenerated}}, ch)

	r := New(reflectConfig(), llm.NewScripted(proseReflection), nil, bus)
	r.Reflect(context.Background(), reflectInput(false))

	select {
	case ev := <-ch:
		assert.Equal(t, events.EventReflectionGenerated, ev.Type)
		assert.Equal(t, "wf-reflect-1", ev.WorkflowID)
		assert.Equal(t, "llm", ev.Details["source"])
		assert.Contains(t, ev.Details, "quality")
	case <-time.After(2 * time.Second):
		t.Fatal("no reflection event published")
	}
}

func TestReflector_PromptCarriesDepthAndDomainQuestions(t *testing.T) {
	client := llm.NewScripted(proseReflection)
	cfg := reflectConfig()
	cfg.ReflectionDepth = config.DepthDeep
	r := New(cfg, client, nil, nil)

	in := reflectInput(false)
	in.Incident = reflectIncident(incident.ClassImagePullBackOff)
	in.Trajectory = []float64{0.4, 0.6}
	in.PastAttempts = []observer.Attempt{
		{ErrorClass: "ImagePullBackOff", StrategyType: "image_tag_replacement", Success: false},
	}
	r.Reflect(context.Background(), in)

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "reflection", calls[0].Purpose)
	assert.Contains(t, calls[0].System, "brutally honest")
	prompt := calls[0].User
	assert.Contains(t, prompt, "REFLECTION DEPTH: DEEP")
	assert.Contains(t, prompt, "Examine fundamental assumptions")
	assert.Contains(t, prompt, "image availability and registry accessibility")
	assert.Contains(t, prompt, "Performance Trend: improving")
	assert.Contains(t, prompt, "image_tag_replacement")
	assert.Contains(t, prompt, `"pod_name": "crashing-pod"`)
}

func TestReflector_PromptFallsBackToGeneralQuestions(t *testing.T) {
	client := llm.NewScripted(proseReflection)
	r := New(reflectConfig(), client, nil, nil)

	in := reflectInput(false)
	in.Incident = reflectIncident(incident.ClassOther)
	r.Reflect(context.Background(), in)

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].User, "Focus on general patterns and improvement opportunities.")
	assert.Contains(t, calls[0].User, "Performance Trend: insufficient_data")
}

func TestExtractInsights(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "marker starts are stripped",
			text: "I learned that retries amplify registry throttling.",
			want: []string{"retries amplify registry throttling."},
		},
		{
			name: "markers match case-insensitively",
			text: "the key insight is that backoff windows hide flapping pods.",
			want: []string{"that backoff windows hide flapping pods."},
		},
		{
			name: "short fragments are dropped",
			text: "I learned that no.",
			want: nil,
		},
		{
			name: "structured-only responses get the sentinel",
			text: `{"main_insights": ["a"], "decision_quality_score": 0.4}`,
			want: []string{"General reflection completed - see full text for details"},
		},
		{
			name: "nothing to extract",
			text: "The pod restarted and recovered on its own.",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractInsights(tt.text))
		})
	}
}

func TestExtractInsights_CapsAtFive(t *testing.T) {
	lines := make([]string, 8)
	for i := range lines {
		lines[i] = "I realized that repeated failures share a root cause, attempt record entry."
	}
	got := extractInsights(strings.Join(lines, "\n"))
	assert.Len(t, got, maxInsights)
}

func TestAssessQuality(t *testing.T) {
	long := strings.Repeat("x", 501)
	veryLong := strings.Repeat("x", 1001)
	score := 0.8

	tests := []struct {
		name       string
		text       string
		structured structuredReflection
		want       float64
	}{
		{name: "empty response scores zero", text: "", want: 0},
		{name: "length over 500", text: long, want: 0.2},
		{name: "length over 1000 stacks", text: veryLong, want: 0.3},
		{
			name:       "structured completeness",
			text:       "",
			structured: structuredReflection{decisionQuality: &score, mainInsights: []string{"a"}, strategyModifications: map[string]interface{}{"s": 1}},
			want:       0.6,
		},
		{
			name: "discourse markers add a nickel each",
			text: "because however pattern",
			want: 0.15,
		},
		{
			name: "discourse markers cap at 0.3",
			text: "because however alternatively in hindsight pattern insight improvement better approach",
			want: 0.3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, assessQuality(tt.text, tt.structured), 1e-9)
		})
	}
}

func TestAssessQuality_CapsAtOne(t *testing.T) {
	score := 0.9
	text := strings.Repeat("because however pattern insight improvement ", 40)
	s := structuredReflection{
		decisionQuality:       &score,
		mainInsights:          []string{"a", "b"},
		strategyModifications: map[string]interface{}{"s": map[string]interface{}{"timeout": 300}},
	}
	assert.InDelta(t, 1.0, assessQuality(text, s), 1e-9)
}

func TestParseStructured(t *testing.T) {
	t.Run("prose-wrapped JSON block", func(t *testing.T) {
		got := parseStructured(structuredReflectionText)
		require.NotNil(t, got.decisionQuality)
		assert.InDelta(t, 0.8, *got.decisionQuality, 1e-9)
		assert.Equal(t, []string{"Check exit codes before restarting", "Capture logs before deletion"}, got.mainInsights)
		assert.Contains(t, got.strategyModifications, "default_crash_fix")
		assert.InDelta(t, 0.65, got.confidenceUpdates["default_crash_fix"], 1e-9)
		require.NotNil(t, got.overallConfidence)
		assert.InDelta(t, 0.9, *got.overallConfidence, 1e-9)
	})

	t.Run("no JSON at all", func(t *testing.T) {
		got := parseStructured("pure prose, nothing structured here")
		assert.Nil(t, got.decisionQuality)
		assert.Nil(t, got.overallConfidence)
		assert.Empty(t, got.mainInsights)
	})

	t.Run("malformed JSON is ignored", func(t *testing.T) {
		got := parseStructured(`{"main_insights": ["unterminated`)
		assert.Empty(t, got.mainInsights)
		assert.Nil(t, got.overallConfidence)
	})

	t.Run("wrong field types are skipped", func(t *testing.T) {
		got := parseStructured(`{"decision_quality_score": "high", "main_insights": "not a list", "overall_reflection_confidence": 0.5}`)
		assert.Nil(t, got.decisionQuality)
		assert.Empty(t, got.mainInsights)
		require.NotNil(t, got.overallConfidence)
		assert.InDelta(t, 0.5, *got.overallConfidence, 1e-9)
	})
}

func TestSelfAwareness(t *testing.T) {
	current := &Entry{QualityScore: 0.6, Confidence: 0.8}

	t.Run("no history uses current quality", func(t *testing.T) {
		assert.InDelta(t, 0.6, SelfAwareness(current, nil), 1e-9)
	})

	t.Run("blends quality, insight depth and confidence", func(t *testing.T) {
		history := []Entry{
			{QualityScore: 0.4, Insights: []string{"a", "b", "c"}},
			{QualityScore: 0.6, Insights: []string{"a", "b", "c"}},
		}
		// avg quality 0.5, insight depth 3/3 = 1.0, confidence 0.8
		want := 0.5*0.4 + 1.0*0.3 + 0.8*0.3
		assert.InDelta(t, want, SelfAwareness(current, history), 1e-9)
	})

	t.Run("only the recent window counts", func(t *testing.T) {
		history := make([]Entry, 0, selfAwarenessWindow+3)
		for i := 0; i < 3; i++ {
			history = append(history, Entry{QualityScore: 0})
		}
		for i := 0; i < selfAwarenessWindow; i++ {
			history = append(history, Entry{QualityScore: 1, Insights: []string{"a", "b", "c"}})
		}
		want := 1.0*0.4 + 1.0*0.3 + 0.8*0.3
		assert.InDelta(t, want, SelfAwareness(current, history), 1e-9)
	})

	t.Run("caps at one", func(t *testing.T) {
		confident := &Entry{QualityScore: 1, Confidence: 1}
		history := []Entry{
			{QualityScore: 1, Insights: []string{"a", "b", "c", "d", "e"}},
			{QualityScore: 1, Insights: []string{"a", "b", "c", "d", "e"}},
		}
		assert.InDelta(t, 1.0, SelfAwareness(confident, history), 1e-9)
	})
}

func TestAverageQuality(t *testing.T) {
	assert.Zero(t, AverageQuality(nil))
	history := []Entry{{QualityScore: 0.2}, {QualityScore: 0.8}}
	assert.InDelta(t, 0.5, AverageQuality(history), 1e-9)
}

func TestMetaReflect(t *testing.T) {
	t.Run("insufficient history", func(t *testing.T) {
		meta := MetaReflect([]Entry{{QualityScore: 0.9}})
		assert.Equal(t, "Insufficient reflection history for meta-analysis", meta.MetaInsight)
		assert.False(t, meta.ActionableInsights)
	})

	t.Run("improving and actionable", func(t *testing.T) {
		history := []Entry{
			{QualityScore: 0.2}, // trimmed by the window
			{QualityScore: 0.6, Insights: []string{"a"}},
			{QualityScore: 0.7, Insights: []string{"a", "b"}},
			{QualityScore: 0.8, Insights: []string{"a", "b", "c"}},
		}
		meta := MetaReflect(history)
		assert.Equal(t, "improving", meta.QualityTrend)
		assert.InDelta(t, 0.7, meta.AverageQuality, 1e-9)
		assert.InDelta(t, 2.0, meta.InsightsPerReflection, 1e-9)
		assert.True(t, meta.ActionableInsights)
		assert.Equal(t, "Reflection process is effective", meta.MetaInsight)
	})

	t.Run("flat low quality flags the process", func(t *testing.T) {
		history := []Entry{{QualityScore: 0.3}, {QualityScore: 0.3}}
		meta := MetaReflect(history)
		assert.Equal(t, "stable", meta.QualityTrend)
		assert.False(t, meta.ActionableInsights)
		assert.Equal(t, "Reflection quality needs improvement", meta.MetaInsight)
	})
}

func TestPerformanceTrend(t *testing.T) {
	tests := []struct {
		name       string
		trajectory []float64
		want       string
	}{
		{"empty", nil, "insufficient_data"},
		{"single point", []float64{0.5}, "insufficient_data"},
		{"rising", []float64{0.4, 0.6}, "improving"},
		{"falling", []float64{0.6, 0.4}, "declining"},
		{"flat", []float64{0.5, 0.5}, "stable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PerformanceTrend(tt.trajectory))
		})
	}
}
