package contextstore_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sukima/internal/blob"
	"github.com/ashita-ai/sukima/internal/contextstore"
	"github.com/ashita-ai/sukima/internal/model"
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

// newTestStore builds a Store with a temp-dir blob root and the given inline
// threshold, plus a run row to scope context writes to.
func newTestStore(t *testing.T, inlineMax int64) (*contextstore.Store, model.Run) {
	t.Helper()

	blobs, err := blob.NewStore(t.TempDir())
	require.NoError(t, err)

	store := contextstore.New(testDB, blobs, inlineMax, testutil.TestLogger())

	req := model.CreateRunRequest{
		Owner:  "tester",
		Query:  "context store test",
		Papers: []model.PaperInput{{ID: "p1", Title: "P1", ContentRef: "papers/p1.txt"}},
	}
	req.Config.ApplyDefaults()
	run, err := testDB.CreateRun(context.Background(), req)
	require.NoError(t, err)

	return store, run
}

func TestPutAndGet(t *testing.T) {
	ctx := context.Background()
	store, run := newTestStore(t, 0)

	entry, err := store.Put(ctx, run.ID, "notes", map[string]any{"topic": "retrieval"}, "micro:p1")
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Version)
	assert.Equal(t, model.StorageTypeInline, entry.StorageType)

	var got map[string]any
	require.NoError(t, store.Get(ctx, run.ID, "notes", &got))
	assert.Equal(t, "retrieval", got["topic"])
}

func TestGetMissingKey(t *testing.T) {
	store, run := newTestStore(t, 0)

	var out map[string]any
	err := store.Get(context.Background(), run.ID, "never-written", &out)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPutRecordsCreateThenOverwrite(t *testing.T) {
	ctx := context.Background()
	store, run := newTestStore(t, 0)

	_, err := store.Put(ctx, run.ID, "synthesis", "first draft", "meta:1")
	require.NoError(t, err)
	second, err := store.Put(ctx, run.ID, "synthesis", "second draft", "meta:1")
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)

	versions, err := store.ListVersions(ctx, second.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, model.ContextOpCreate, versions[0].Operation)
	assert.Equal(t, model.ContextOpOverwrite, versions[1].Operation)
}

func TestAppendConcatenatesLists(t *testing.T) {
	ctx := context.Background()
	store, run := newTestStore(t, 0)
	key := model.GapsKey(1)

	_, err := store.Append(ctx, run.ID, key, []string{"gap-a"}, "meta:1")
	require.NoError(t, err)
	entry, err := store.Append(ctx, run.ID, key, []string{"gap-b", "gap-c"}, "meta:1")
	require.NoError(t, err)

	var gaps []string
	require.NoError(t, store.Get(ctx, run.ID, key, &gaps))
	assert.Equal(t, []string{"gap-a", "gap-b", "gap-c"}, gaps)

	versions, err := store.ListVersions(ctx, entry.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	// Appending to a missing key behaves like a first Put.
	assert.Equal(t, model.ContextOpCreate, versions[0].Operation)
	assert.Equal(t, model.ContextOpAppend, versions[1].Operation)
	require.NotNil(t, versions[1].DiffSummary)
	assert.Equal(t, "+2 items", *versions[1].DiffSummary)
}

func TestAppendMergesMaps(t *testing.T) {
	ctx := context.Background()
	store, run := newTestStore(t, 0)

	_, err := store.Append(ctx, run.ID, "insights", map[string]any{"papers_total": 5}, "")
	require.NoError(t, err)
	_, err = store.Append(ctx, run.ID, "insights", map[string]any{"papers_total": 5, "papers_failed": 1}, "")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, store.Get(ctx, run.ID, "insights", &got))
	assert.EqualValues(t, 5, got["papers_total"])
	assert.EqualValues(t, 1, got["papers_failed"])
}

func TestAppendScalarReplaces(t *testing.T) {
	ctx := context.Background()
	store, run := newTestStore(t, 0)

	_, err := store.Put(ctx, run.ID, "verdict", "inconclusive", "")
	require.NoError(t, err)
	_, err = store.Append(ctx, run.ID, "verdict", "converged", "")
	require.NoError(t, err)

	var got string
	require.NoError(t, store.Get(ctx, run.ID, "verdict", &got))
	assert.Equal(t, "converged", got)
}

func TestGetVersionReadsHistory(t *testing.T) {
	ctx := context.Background()
	store, run := newTestStore(t, 0)

	_, err := store.Put(ctx, run.ID, "draft", "v1 text", "")
	require.NoError(t, err)
	_, err = store.Put(ctx, run.ID, "draft", "v2 text", "")
	require.NoError(t, err)

	var old string
	require.NoError(t, store.GetVersion(ctx, run.ID, "draft", 1, &old))
	assert.Equal(t, "v1 text", old)

	err = store.GetVersion(ctx, run.ID, "draft", 3, &old)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLargeValueOffloadsToBlob(t *testing.T) {
	ctx := context.Background()
	store, run := newTestStore(t, 64)

	big := make([]byte, 512)
	for i := range big {
		big[i] = 'a'
	}
	entry, err := store.Put(ctx, run.ID, "paper:content", string(big), "micro:p1")
	require.NoError(t, err)

	assert.Equal(t, model.StorageTypeFile, entry.StorageType)
	require.NotNil(t, entry.StoragePath)
	assert.Empty(t, entry.Value)
	require.NotNil(t, entry.Summary)
	assert.LessOrEqual(t, len(*entry.Summary), 163)

	// Reads rehydrate transparently from the blob store.
	var got string
	require.NoError(t, store.Get(ctx, run.ID, "paper:content", &got))
	assert.Equal(t, string(big), got)
}

func TestSmallValueStaysInline(t *testing.T) {
	ctx := context.Background()
	store, run := newTestStore(t, 64)

	entry, err := store.Put(ctx, run.ID, "small", "tiny", "")
	require.NoError(t, err)
	assert.Equal(t, model.StorageTypeInline, entry.StorageType)
	assert.Nil(t, entry.StoragePath)
}
