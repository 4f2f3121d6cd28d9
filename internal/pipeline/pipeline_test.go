package pipeline_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sukima/internal/agents"
	"github.com/ashita-ai/sukima/internal/blob"
	"github.com/ashita-ai/sukima/internal/contextstore"
	"github.com/ashita-ai/sukima/internal/extract"
	"github.com/ashita-ai/sukima/internal/llm"
	"github.com/ashita-ai/sukima/internal/model"
	"github.com/ashita-ai/sukima/internal/pipeline"
	"github.com/ashita-ai/sukima/internal/storage"
	"github.com/ashita-ai/sukima/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

// stageCompleter routes completion calls to per-stage scripts, dispatching on
// the stable prompt preambles. onMeta runs before each meta response, which
// lets tests interfere with the run at a deterministic point.
type stageCompleter struct {
	mu     sync.Mutex
	micro  func(ctx context.Context, prompt string) (string, error)
	meso   func(ctx context.Context, prompt string) (string, error)
	meta   func(ctx context.Context, prompt string) (string, error)
	onMeta func()

	metaCalls int
}

func (c *stageCompleter) Complete(ctx context.Context, prompt string, _ llm.Options) (string, error) {
	c.mu.Lock()
	var fn func(context.Context, string) (string, error)
	switch {
	case strings.HasPrefix(prompt, "You are analyzing"):
		fn = c.micro
	case strings.HasPrefix(prompt, "You are clustering"):
		fn = c.meso
	case strings.HasPrefix(prompt, "You are ranking"):
		c.metaCalls++
		if c.onMeta != nil {
			c.onMeta()
		}
		fn = c.meta
	}
	c.mu.Unlock()
	if fn == nil {
		return "", fmt.Errorf("unrecognized prompt: %.40s", prompt)
	}
	// Scripts run outside the lock so a deliberately blocking stage cannot
	// stall its concurrent siblings.
	return fn(ctx, prompt)
}

func microJSON() string {
	return `{"summary":"measures recall at long context lengths","contributions":["benchmark"],"limitations":["synthetic data only"],"methodology":"controlled experiments"}`
}

func mesoJSON(paperIDs ...string) string {
	quoted := make([]string, len(paperIDs))
	for i, id := range paperIDs {
		quoted[i] = fmt.Sprintf("%q", id)
	}
	return fmt.Sprintf(
		`{"clusters":[{"label":"Context-length evaluation","description":"how retrieval degrades","paper_ids":[%s],"confidence":0.8}],"rationale":"one coherent theme"}`,
		strings.Join(quoted, ","))
}

func metaJSON(title string, paperIDs ...string) string {
	quoted := make([]string, len(paperIDs))
	for i, id := range paperIDs {
		quoted[i] = fmt.Sprintf("%q", id)
	}
	return fmt.Sprintf(
		`{"gaps":[{"title":%q,"rationale":"no paper covers this","supporting_papers":[%s],"confidence":0.7,"evidence_breadth":0.5,"explicit":true,"recommended_action":"run the missing study"}],"synthesis":"the field has one clear blind spot"}`,
		title, strings.Join(quoted, ","))
}

// happyCompleter answers every stage successfully with a stable single-gap
// ranking, so repeated iterations converge.
func happyCompleter(paperIDs ...string) *stageCompleter {
	return &stageCompleter{
		micro: func(context.Context, string) (string, error) { return microJSON(), nil },
		meso:  func(context.Context, string) (string, error) { return mesoJSON(paperIDs...), nil },
		meta: func(context.Context, string) (string, error) {
			return metaJSON("Unmeasured interaction effects", paperIDs...), nil
		},
	}
}

func newTestEngine(t *testing.T, completer llm.Completer, extractor extract.Extractor) *pipeline.Engine {
	t.Helper()

	blobs, err := blob.NewStore(t.TempDir())
	require.NoError(t, err)
	contexts := contextstore.New(testDB, blobs, 0, testutil.TestLogger())

	return pipeline.New(testDB, contexts, completer, extractor, pipeline.Config{
		Workers: 4,
	}, testutil.TestLogger())
}

func paperFixtures(ids ...string) ([]model.PaperInput, extract.StaticExtractor) {
	papers := make([]model.PaperInput, len(ids))
	texts := make(extract.StaticExtractor, len(ids))
	for i, id := range ids {
		ref := "papers/" + id + ".txt"
		papers[i] = model.PaperInput{ID: id, Title: "Paper " + id, ContentRef: ref}
		texts[ref] = "full text of " + id
	}
	return papers, texts
}

func submitRun(t *testing.T, eng *pipeline.Engine, papers []model.PaperInput, cfg model.RunConfig) model.Run {
	t.Helper()
	run, err := eng.Submit(context.Background(), model.CreateRunRequest{
		Owner:  "tester",
		Query:  "what remains unexplored in long-context retrieval?",
		Papers: papers,
		Config: cfg,
	})
	require.NoError(t, err)
	return run
}

func TestExecuteCompletesSingleIteration(t *testing.T) {
	ctx := context.Background()
	papers, texts := paperFixtures("p1", "p2")
	eng := newTestEngine(t, happyCompleter("p1", "p2"), texts)

	run := submitRun(t, eng, papers, model.RunConfig{MaxIterations: 1})
	require.NoError(t, eng.Execute(ctx, run.ID))

	got, err := eng.Results(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	assert.Nil(t, got.ErrorMessage)
	assert.Equal(t, 1, got.CurrentIteration)
	assert.InDelta(t, 100, got.ProgressPercentage, 1e-9)

	require.NotNil(t, got.Results)
	require.Len(t, got.Results.RankedGaps, 1)
	assert.Equal(t, "Unmeasured interaction effects", got.Results.RankedGaps[0].Title)
	assert.ElementsMatch(t, []string{"p1", "p2"}, got.Results.RankedGaps[0].SupportingPapers)
	assert.Equal(t, "the field has one clear blind spot", got.Results.Synthesis)
	require.Len(t, got.Results.IterationHistory, 1)
	assert.Equal(t, string(model.IterationStatusCompleted), got.Results.IterationHistory[0].Status)
	// No previous round to compare against.
	assert.Nil(t, got.Results.IterationHistory[0].ConvergenceScore)

	micros, err := testDB.ListAgents(ctx, run.ID, 1, model.AgentTypeMicro, model.AgentStatusCompleted)
	require.NoError(t, err)
	assert.Len(t, micros, 2)
	singles, err := testDB.ListAgents(ctx, run.ID, 1, "", model.AgentStatusCompleted)
	require.NoError(t, err)
	assert.Len(t, singles, 4) // 2 micro + meso + meta
}

func TestExecuteConvergesEarly(t *testing.T) {
	ctx := context.Background()
	papers, texts := paperFixtures("p1", "p2")
	// The ranking is identical every round, so round 2 scores ~1.0 against
	// round 1 and the run stops well before max_iterations.
	eng := newTestEngine(t, happyCompleter("p1", "p2"), texts)

	run := submitRun(t, eng, papers, model.RunConfig{MaxIterations: 5, ConvergenceThreshold: 0.7})
	require.NoError(t, eng.Execute(ctx, run.ID))

	got, err := eng.Results(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	require.NotNil(t, got.Results)
	require.Len(t, got.Results.IterationHistory, 2)

	second := got.Results.IterationHistory[1]
	require.NotNil(t, second.ConvergenceScore)
	assert.GreaterOrEqual(t, *second.ConvergenceScore, 0.7)

	last, err := testDB.LastLogMessage(ctx, run.ID)
	require.NoError(t, err)
	assert.Contains(t, last, "completed")
}

func TestExecuteToleratesPartialMicroFailure(t *testing.T) {
	ctx := context.Background()
	papers, texts := paperFixtures("p1", "p2", "p3")
	// p3's content cannot be extracted; its micro agent fails while the
	// siblings proceed.
	delete(texts, "papers/p3.txt")
	eng := newTestEngine(t, happyCompleter("p1", "p2"), texts)

	run := submitRun(t, eng, papers, model.RunConfig{MaxIterations: 1})
	require.NoError(t, eng.Execute(ctx, run.ID))

	got, err := eng.Results(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	require.NotNil(t, got.Results)
	assert.NotContains(t, got.Results.RankedGaps[0].SupportingPapers, "p3")

	it, err := testDB.GetIteration(ctx, run.ID, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 3, it.Insights["papers_total"])
	assert.EqualValues(t, 2, it.Insights["papers_succeeded"])
	assert.EqualValues(t, 1, it.Insights["papers_failed"])

	failed, err := testDB.ListAgents(ctx, run.ID, 1, model.AgentTypeMicro, model.AgentStatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, model.MicroAgentID("p3"), failed[0].AgentID)
}

func TestExecuteTimesOutStuckMicroAgent(t *testing.T) {
	ctx := context.Background()
	papers, texts := paperFixtures("p1", "p2")

	// p2's completion call hangs until the job deadline cancels it; the
	// iteration must proceed on p1 alone instead of waiting forever.
	completer := happyCompleter("p1")
	completer.micro = func(cctx context.Context, prompt string) (string, error) {
		if strings.Contains(prompt, "Paper p2") {
			<-cctx.Done()
			return "", cctx.Err()
		}
		return microJSON(), nil
	}

	blobs, err := blob.NewStore(t.TempDir())
	require.NoError(t, err)
	contexts := contextstore.New(testDB, blobs, 0, testutil.TestLogger())
	eng := pipeline.New(testDB, contexts, completer, texts, pipeline.Config{
		Workers:    4,
		JobTimeout: 500 * time.Millisecond,
	}, testutil.TestLogger())

	run := submitRun(t, eng, papers, model.RunConfig{MaxIterations: 1})
	start := time.Now()
	require.NoError(t, eng.Execute(ctx, run.ID))
	assert.Less(t, time.Since(start), 10*time.Second, "a stuck job must not stall the run")

	got, err := eng.Results(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	require.NotNil(t, got.Results)
	assert.NotContains(t, got.Results.RankedGaps[0].SupportingPapers, "p2")

	it, err := testDB.GetIteration(ctx, run.ID, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, it.Insights["papers_succeeded"])
	assert.EqualValues(t, 1, it.Insights["papers_failed"])

	failed, err := testDB.ListAgents(ctx, run.ID, 1, model.AgentTypeMicro, model.AgentStatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, model.MicroAgentID("p2"), failed[0].AgentID)
	require.NotNil(t, failed[0].ErrorMessage, "a timed-out agent row must carry its failure")
}

func TestExecuteStopsAtMaxIterationsWithoutConvergence(t *testing.T) {
	ctx := context.Background()
	papers, texts := paperFixtures("p1", "p2")

	// A ranking that changes completely every round never converges; the hard
	// cap is what terminates the run.
	titles := []string{
		"Sparse annotation budgets",
		"Cross-lingual transfer limits",
		"Longitudinal replication deficits",
	}
	var round int
	completer := happyCompleter("p1", "p2")
	completer.meta = func(context.Context, string) (string, error) {
		title := titles[round%len(titles)]
		round++
		return metaJSON(title, "p1", "p2"), nil
	}
	eng := newTestEngine(t, completer, texts)

	run := submitRun(t, eng, papers, model.RunConfig{MaxIterations: 3, ConvergenceThreshold: 0.7})
	require.NoError(t, eng.Execute(ctx, run.ID))

	got, err := eng.Results(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	assert.Nil(t, got.ErrorMessage)
	assert.Equal(t, 3, got.CurrentIteration)
	assert.InDelta(t, 100, got.ProgressPercentage, 1e-9)

	require.NotNil(t, got.Results)
	require.Len(t, got.Results.IterationHistory, 3)
	for _, it := range got.Results.IterationHistory {
		assert.Equal(t, string(model.IterationStatusCompleted), it.Status)
	}
	assert.Equal(t, "Longitudinal replication deficits", got.Results.RankedGaps[0].Title)
}

func TestExecuteFailsWhenAllMicroAgentsFail(t *testing.T) {
	ctx := context.Background()
	papers, _ := paperFixtures("p1", "p2")
	// No content is extractable at all.
	eng := newTestEngine(t, happyCompleter("p1", "p2"), extract.StaticExtractor{})

	run := submitRun(t, eng, papers, model.RunConfig{MaxIterations: 2})
	err := eng.Execute(ctx, run.ID)
	require.Error(t, err)

	var se *pipeline.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "micro", se.Stage)
	assert.Equal(t, 1, se.Iteration)

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Nil(t, got.Results)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "micro stage failed at iteration 1")

	it, err := testDB.GetIteration(ctx, run.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, model.IterationStatusFailed, it.Status)
}

func TestExecuteKeepsResultsWhenLaterStageFails(t *testing.T) {
	ctx := context.Background()
	papers, texts := paperFixtures("p1", "p2")

	completer := happyCompleter("p1", "p2")
	completer.meta = func(context.Context, string) (string, error) {
		if completer.metaCalls > 1 {
			return "", fmt.Errorf("provider returned garbage")
		}
		return metaJSON("Unmeasured interaction effects", "p1", "p2"), nil
	}
	eng := newTestEngine(t, completer, texts)

	run := submitRun(t, eng, papers, model.RunConfig{MaxIterations: 3, ConvergenceThreshold: 0.99})
	require.NoError(t, eng.Execute(ctx, run.ID))

	// Iteration 2's meta failure does not discard iteration 1's ranking.
	got, err := eng.Results(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	require.NotNil(t, got.Results)
	require.Len(t, got.Results.RankedGaps, 1)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "meta stage failed at iteration 2")
	assert.Contains(t, *got.ErrorMessage, "results from iteration 1")
}

func TestCancelBeforeFirstIteration(t *testing.T) {
	ctx := context.Background()
	papers, texts := paperFixtures("p1")
	eng := newTestEngine(t, happyCompleter("p1"), texts)

	run := submitRun(t, eng, papers, model.RunConfig{})
	require.NoError(t, eng.Cancel(ctx, run.ID))
	require.NoError(t, eng.Execute(ctx, run.ID))

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, got.Status)
	assert.Nil(t, got.Results)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "before any iteration completed")
}

func TestCancelAtIterationBoundary(t *testing.T) {
	ctx := context.Background()
	papers, texts := paperFixtures("p1", "p2")

	completer := happyCompleter("p1", "p2")
	run := model.Run{}
	// Flag cancellation while iteration 1 is still executing; the loop honors
	// it at the next boundary, after the iteration finishes cleanly.
	completer.onMeta = func() {
		if completer.metaCalls == 1 {
			_ = testDB.RequestRunCancel(ctx, run.ID)
		}
	}
	eng := newTestEngine(t, completer, texts)

	run = submitRun(t, eng, papers, model.RunConfig{MaxIterations: 5, ConvergenceThreshold: 0.99})
	require.NoError(t, eng.Execute(ctx, run.ID))

	got, err := eng.Results(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, got.Status)
	require.NotNil(t, got.Results)
	require.Len(t, got.Results.IterationHistory, 1)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "cancelled by request", *got.ErrorMessage)
}

func TestResultsBeforeTerminal(t *testing.T) {
	papers, texts := paperFixtures("p1")
	eng := newTestEngine(t, happyCompleter("p1"), texts)

	run := submitRun(t, eng, papers, model.RunConfig{})
	_, err := eng.Results(context.Background(), run.ID)
	assert.ErrorIs(t, err, pipeline.ErrNotFinished)
}

func TestSubmitRejectsInvalidConfig(t *testing.T) {
	papers, texts := paperFixtures("p1")
	eng := newTestEngine(t, happyCompleter("p1"), texts)

	_, err := eng.Submit(context.Background(), model.CreateRunRequest{
		Owner:  "tester",
		Query:  "q",
		Papers: papers,
		Config: model.RunConfig{MaxIterations: 99},
	})
	var ce *pipeline.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Reason, "max_iterations")
}

func TestResumePendingRun(t *testing.T) {
	ctx := context.Background()
	papers, texts := paperFixtures("p1")
	eng := newTestEngine(t, happyCompleter("p1"), texts)

	run := submitRun(t, eng, papers, model.RunConfig{MaxIterations: 1})
	require.NoError(t, eng.Resume(ctx, run.ID))

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
}

func TestResumeInterruptedRun(t *testing.T) {
	ctx := context.Background()
	papers, texts := paperFixtures("p1", "p2")
	eng := newTestEngine(t, happyCompleter("p1", "p2"), texts)

	// Simulate a process that died right after starting the run.
	run := submitRun(t, eng, papers, model.RunConfig{MaxIterations: 1})
	require.NoError(t, testDB.StartRun(ctx, run.ID))

	ids, err := testDB.ListUnfinishedRuns(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, run.ID)

	require.NoError(t, eng.Resume(ctx, run.ID))

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	require.NotNil(t, got.Results)
	assert.Len(t, got.Results.IterationHistory, 1)
}

func TestResumeSkipsCompletedIteration(t *testing.T) {
	ctx := context.Background()
	papers, texts := paperFixtures("p1")

	completer := happyCompleter("p1")
	blobs, err := blob.NewStore(t.TempDir())
	require.NoError(t, err)
	contexts := contextstore.New(testDB, blobs, 0, testutil.TestLogger())
	eng := pipeline.New(testDB, contexts, completer, texts, pipeline.Config{Workers: 4}, testutil.TestLogger())

	// Crash window: iteration 1 finished, but the process died before the run
	// row advanced past current_iteration 0.
	run := submitRun(t, eng, papers, model.RunConfig{MaxIterations: 1})
	require.NoError(t, testDB.StartRun(ctx, run.ID))
	it, err := testDB.EnsureIteration(ctx, run.ID, 1)
	require.NoError(t, err)

	gaps := []model.Gap{{
		Title:             "Unmeasured interaction effects",
		Rationale:         "no paper covers this",
		SupportingPapers:  []string{"p1"},
		Confidence:        0.7,
		RecommendedAction: "run the missing study",
	}}
	_, err = contexts.Put(ctx, run.ID, model.GapsKey(1), gaps, model.MetaAgentID(1))
	require.NoError(t, err)
	_, err = contexts.Put(ctx, run.ID, model.SynthesisKey(1), "one clear blind spot", model.MetaAgentID(1))
	require.NoError(t, err)
	require.NoError(t, testDB.CompleteIteration(ctx, it.ID, model.IterationStatusCompleted,
		len(gaps), map[string]any{"papers_total": 1}, nil, time.Second, nil))

	// Resume must not re-run the finished iteration, and must not fail the
	// run on the terminal iteration row.
	require.NoError(t, eng.Resume(ctx, run.ID))

	got, err := eng.Results(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	assert.Nil(t, got.ErrorMessage)
	require.NotNil(t, got.Results)
	require.Len(t, got.Results.RankedGaps, 1)
	assert.Equal(t, "Unmeasured interaction effects", got.Results.RankedGaps[0].Title)
	require.Len(t, got.Results.IterationHistory, 1)
}

func TestResumeTerminalRunIsNoop(t *testing.T) {
	ctx := context.Background()
	papers, texts := paperFixtures("p1")
	eng := newTestEngine(t, happyCompleter("p1"), texts)

	run := submitRun(t, eng, papers, model.RunConfig{MaxIterations: 1})
	require.NoError(t, eng.Execute(ctx, run.ID))

	before, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)

	require.NoError(t, eng.Resume(ctx, run.ID))

	after, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
}

func TestExecuteIsIdempotentPerAgent(t *testing.T) {
	ctx := context.Background()
	papers, texts := paperFixtures("p1")

	var microCalls int
	completer := happyCompleter("p1")
	base := completer.micro
	completer.micro = func(ctx context.Context, prompt string) (string, error) {
		microCalls++
		return base(ctx, prompt)
	}

	blobs, err := blob.NewStore(t.TempDir())
	require.NoError(t, err)
	contexts := contextstore.New(testDB, blobs, 0, testutil.TestLogger())
	eng := pipeline.New(testDB, contexts, completer, texts, pipeline.Config{Workers: 4}, testutil.TestLogger())

	run := submitRun(t, eng, papers, model.RunConfig{MaxIterations: 1})
	require.NoError(t, eng.Execute(ctx, run.ID))
	assert.Equal(t, 1, microCalls)

	rows, err := testDB.ListPapers(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	// Re-delivering the finished job hits the completed-row guard and never
	// reaches the completion capability.
	deps := agents.Deps{
		DB:        testDB,
		Contexts:  contexts,
		Completer: completer,
		Extractor: texts,
		Logger:    testutil.TestLogger(),
	}
	require.NoError(t, agents.RunMicro(ctx, deps, agents.MicroInput{
		RunID:     run.ID,
		Iteration: 1,
		Paper:     rows[0],
		Question:  run.Query,
	}))
	assert.Equal(t, 1, microCalls)
}
