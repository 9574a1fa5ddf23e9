package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tether/internal/ir"
	"github.com/roach88/tether/internal/kv"
	"github.com/roach88/tether/internal/queryir"
	"github.com/roach88/tether/internal/registry"
	"github.com/roach88/tether/internal/testutil"
)

// createTestStore opens a store in a temp directory and sets it up with
// the blog fixtures.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.SetUp(context.Background(), testutil.BlogRegistry()))
	return s
}

func TestOpen_AppliesPragmasAndVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	var mode string
	require.NoError(t, s.writer.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var fk int
	require.NoError(t, s.writer.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)

	var version int
	require.NoError(t, s.writer.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)

	// Reopening is idempotent.
	require.NoError(t, s.Close())
	s2, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestReaderPoolRejectsWrites(t *testing.T) {
	s := createTestStore(t)
	_, err := s.reader.Exec(`DELETE FROM mutation_events`)
	assert.Error(t, err)
}

func TestOperationsRequireSetUp(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Query(context.Background(), testutil.PostSchema, queryir.Query{})
	assert.True(t, ir.IsCode(err, ir.ErrCodeConfiguration))
}

func TestSetUp_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Save(ctx, testutil.PostSchema, testutil.Post("p1", "t", ""), nil)
	require.NoError(t, err)
	require.NoError(t, s.SetUp(ctx, testutil.BlogRegistry()))

	_, found, err := s.QueryByID(ctx, testutil.PostSchema, "p1")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestSave_CreateThenUpdate(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	post := testutil.Post("p1", "Hello", "first")
	post.Fields["rating"] = ir.Int(4)
	post.Fields["draft"] = ir.Bool(true)
	post.Fields["tags"] = ir.List{ir.String("go"), ir.String("sync")}

	created, err := s.Save(ctx, testutil.PostSchema, post, nil)
	require.NoError(t, err)
	assert.True(t, created)

	got, found, err := s.QueryByID(ctx, testutil.PostSchema, "p1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, ir.Equal(post.Fields, got.Fields), "got %v", got.Fields)

	// Save replaces the whole record; unset fields become null.
	created, err = s.Save(ctx, testutil.PostSchema, testutil.Post("p1", "Hello again", ""), nil)
	require.NoError(t, err)
	assert.False(t, created)

	got, _, err = s.QueryByID(ctx, testutil.PostSchema, "p1")
	require.NoError(t, err)
	assert.Equal(t, ir.Object{"title": ir.String("Hello again")}, got.Fields)
}

func TestSave_RejectsInvalidRecord(t *testing.T) {
	s := createTestStore(t)
	_, err := s.Save(context.Background(), testutil.PostSchema, ir.NewRecord("Post", "p1"), nil)
	assert.True(t, ir.IsCode(err, ir.ErrCodeInvalidOperation))
}

func TestSave_Conditional(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Save(ctx, testutil.PostSchema, testutil.Post("p1", "title", "content"), nil)
	require.NoError(t, err)

	tests := []struct {
		name      string
		cond      queryir.Predicate
		wantTitle string
		wantCode  ir.ErrorCode
	}{
		{"matching condition", queryir.Field("content").Eq(ir.String("content")), "updated", ""},
		{"failing condition", queryir.Field("content").Eq(ir.String("other")), "updated", ir.ErrCodeInvalidCondition},
		{"null never matches", queryir.Field("rating").Gt(ir.Int(1)), "updated", ir.ErrCodeInvalidCondition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Save(ctx, testutil.PostSchema, testutil.Post("p1", "updated", "content"), tt.cond)
			if tt.wantCode != "" {
				require.Error(t, err)
				assert.True(t, ir.IsCode(err, tt.wantCode))
			} else {
				require.NoError(t, err)
			}
			got, _, err := s.QueryByID(ctx, testutil.PostSchema, "p1")
			require.NoError(t, err)
			assert.Equal(t, ir.String(tt.wantTitle), got.Get("title"))
		})
	}
}

func TestSave_ConditionIgnoredOnInsert(t *testing.T) {
	s := createTestStore(t)
	created, err := s.Save(context.Background(), testutil.PostSchema,
		testutil.Post("p1", "t", ""), queryir.Field("content").Eq(ir.String("never")))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestSave_ForeignKeyViolationIsIgnorable(t *testing.T) {
	s := createTestStore(t)
	_, err := s.Save(context.Background(), testutil.CommentSchema, testutil.Comment("c1", "missing", "hi"), nil)
	require.Error(t, err)
	assert.True(t, ir.IsCode(err, ir.ErrCodeStorageIO))
	assert.True(t, ShouldIgnoreError(err))
	assert.False(t, ShouldIgnoreError(errors.New("disk on fire")))
}

func seedPosts(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	posts := []struct {
		id, title, content string
		rating             int64
	}{
		{"p1", "Alpha", "Go tips", 5},
		{"p2", "Beta", "Gophers", 3},
		{"p3", "Gamma", "", 3},
		{"p4", "Delta", "Rust notes", 1},
	}
	for _, p := range posts {
		r := testutil.Post(p.id, p.title, p.content)
		r.Fields["rating"] = ir.Int(p.rating)
		_, err := s.Save(ctx, testutil.PostSchema, r, nil)
		require.NoError(t, err)
	}
}

func ids(records []ir.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

func TestQuery(t *testing.T) {
	s := createTestStore(t)
	seedPosts(t, s)
	ctx := context.Background()

	tests := []struct {
		name  string
		query queryir.Query
		want  []string
	}{
		{"all in id order", queryir.Query{}, []string{"p1", "p2", "p3", "p4"}},
		{"equals", queryir.Query{Predicate: queryir.Field("title").Eq(ir.String("Beta"))}, []string{"p2"}},
		{"begins with", queryir.Query{Predicate: queryir.Field("content").BeginsWith("Go")}, []string{"p1", "p2"}},
		{"contains", queryir.Query{Predicate: queryir.Field("content").Contains("notes")}, []string{"p4"}},
		{"is null", queryir.Query{Predicate: queryir.Field("content").IsNull()}, []string{"p3"}},
		{"not skips nulls", queryir.Query{Predicate: queryir.Negate(queryir.Field("content").BeginsWith("Go"))}, []string{"p4"}},
		{"sorted with id tiebreak", queryir.Query{
			Sort: []queryir.SortBy{{Field: "rating", Order: queryir.Descending}},
		}, []string{"p1", "p2", "p3", "p4"}},
		{"second page", queryir.Query{
			Sort:       []queryir.SortBy{{Field: "title", Order: queryir.Ascending}},
			Pagination: &queryir.Pagination{Page: 1, Limit: 2},
		}, []string{"p4", "p3"}},
		{"first only", queryir.Query{
			Predicate:  queryir.Field("rating").Eq(ir.Int(3)),
			Pagination: &queryir.FirstResult,
		}, []string{"p2"}},
		{"none", queryir.Query{Predicate: queryir.None}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Query(ctx, testutil.PostSchema, tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestQuery_TooManyPredicates(t *testing.T) {
	s := createTestStore(t, WithMaxPredicates(3))
	p := queryir.AnyOf(
		queryir.Field("title").Eq(ir.String("a")),
		queryir.Field("title").Eq(ir.String("b")),
		queryir.Field("title").Eq(ir.String("c")),
		queryir.Field("title").Eq(ir.String("d")),
	)
	_, err := s.Query(context.Background(), testutil.PostSchema, queryir.Query{Predicate: p})
	assert.True(t, ir.IsCode(err, ir.ErrCodeTooManyPredicates))
}

func TestQuery_InvalidField(t *testing.T) {
	s := createTestStore(t)
	_, err := s.Query(context.Background(), testutil.PostSchema,
		queryir.Query{Predicate: queryir.Field("nope").Eq(ir.String("x"))})
	assert.True(t, ir.IsCode(err, ir.ErrCodeInvalidOperation))
}

func seedBlog(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	records := []struct {
		schema ir.ModelSchema
		record ir.Record
	}{
		{testutil.BlogSchema, testutil.Blog("b1", "Engineering")},
		{testutil.PostSchema, withBlog(testutil.Post("p1", "one", ""), "b1")},
		{testutil.PostSchema, withBlog(testutil.Post("p2", "two", ""), "b1")},
		{testutil.CommentSchema, testutil.Comment("c1", "p1", "nice")},
		{testutil.CommentSchema, testutil.Comment("c2", "p1", "meh")},
		{testutil.CommentSchema, testutil.Comment("c3", "p2", "ok")},
	}
	for _, r := range records {
		_, err := s.Save(ctx, r.schema, r.record, nil)
		require.NoError(t, err)
	}
}

func withBlog(r ir.Record, blogID string) ir.Record {
	r.Fields["blogID"] = ir.String(blogID)
	return r
}

func keys(records []ir.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Model + "/" + r.ID
	}
	return out
}

func TestDeleteByID_Cascades(t *testing.T) {
	s := createTestStore(t)
	seedBlog(t, s)
	ctx := context.Background()

	deleted, err := s.DeleteByID(ctx, testutil.PostSchema, "p1", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Post/p1", "Comment/c1", "Comment/c2"}, keys(deleted))

	left, err := s.Query(ctx, testutil.CommentSchema, queryir.Query{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c3"}, ids(left))

	deleted, err = s.DeleteByID(ctx, testutil.BlogSchema, "b1", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Blog/b1", "Post/p2", "Comment/c3"}, keys(deleted))
}

func TestDeleteByID_ChildrenWithoutCascadeBlockDelete(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	require.NoError(t, s.SetUp(ctx, testutil.KeptPostsRegistry()))
	seedBlog(t, s)

	_, err = s.DeleteByID(ctx, testutil.BlogSchema, "b1", nil)
	require.Error(t, err)
	assert.True(t, ir.IsCode(err, ir.ErrCodeStorageIO))
	assert.False(t, ShouldIgnoreError(err))

	_, found, err := s.QueryByID(ctx, testutil.BlogSchema, "b1")
	require.NoError(t, err)
	assert.True(t, found, "failed delete rolls back")
	left, err := s.Query(ctx, testutil.PostSchema, queryir.Query{})
	require.NoError(t, err)
	assert.Len(t, left, 2)
}

func TestDeleteByID_MissingAndCondition(t *testing.T) {
	s := createTestStore(t)
	seedBlog(t, s)
	ctx := context.Background()

	deleted, err := s.DeleteByID(ctx, testutil.PostSchema, "nope", nil)
	require.NoError(t, err)
	assert.Empty(t, deleted)

	_, err = s.DeleteByID(ctx, testutil.PostSchema, "p1", queryir.Field("title").Eq(ir.String("two")))
	assert.True(t, ir.IsCode(err, ir.ErrCodeInvalidCondition))

	exists, err := s.Exists(ctx, testutil.CommentSchema, "c1", nil)
	require.NoError(t, err)
	assert.True(t, exists, "failed delete must not remove children")
}

func TestDeleteWhere_All(t *testing.T) {
	s := createTestStore(t)
	seedBlog(t, s)
	ctx := context.Background()

	deleted, err := s.DeleteWhere(ctx, testutil.PostSchema, queryir.All)
	require.NoError(t, err)
	assert.Len(t, deleted, 5)

	for _, schema := range []ir.ModelSchema{testutil.PostSchema, testutil.CommentSchema} {
		left, err := s.Query(ctx, schema, queryir.Query{})
		require.NoError(t, err)
		assert.Empty(t, left)
	}
}

func TestTransaction_RollsBack(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Transaction(ctx, func(tx *Tx) error {
		_, err := tx.Save(ctx, testutil.PostSchema, testutil.Post("p1", "t", ""), nil)
		require.NoError(t, err)
		// Own writes are visible inside the transaction.
		_, found, err := tx.QueryByID(ctx, testutil.PostSchema, "p1")
		require.NoError(t, err)
		assert.True(t, found)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	assert.Panics(t, func() {
		_ = s.Transaction(ctx, func(tx *Tx) error {
			_, _ = tx.Save(ctx, testutil.PostSchema, testutil.Post("p2", "t", ""), nil)
			panic("kaboom")
		})
	})

	for _, id := range []string{"p1", "p2"} {
		_, found, err := s.QueryByID(ctx, testutil.PostSchema, id)
		require.NoError(t, err)
		assert.False(t, found, id)
	}

	// The writer connection is usable after the panic.
	_, err = s.Save(ctx, testutil.PostSchema, testutil.Post("p3", "t", ""), nil)
	require.NoError(t, err)
}

func TestTransaction_AfterCommitRunsInCommitOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	var (
		mu      sync.Mutex
		order   []string
		visible bool
	)
	record := func(step string) {
		mu.Lock()
		order = append(order, step)
		mu.Unlock()
	}

	inHook := make(chan struct{})
	release := make(chan struct{})
	first := make(chan error, 1)
	go func() {
		first <- s.Transaction(ctx, func(tx *Tx) error {
			if _, err := tx.Save(ctx, testutil.PostSchema, testutil.Post("p1", "t", ""), nil); err != nil {
				return err
			}
			tx.AfterCommit(func() {
				_, visible, _ = s.QueryByID(ctx, testutil.PostSchema, "p1")
				record("first committed")
				close(inHook)
				<-release
			})
			return nil
		})
	}()
	<-inHook

	second := make(chan error, 1)
	go func() {
		second <- s.Transaction(ctx, func(tx *Tx) error {
			record("second began")
			return nil
		})
	}()
	select {
	case <-second:
		t.Fatal("second transaction began before the first one's hooks returned")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)
	assert.Equal(t, []string{"first committed", "second began"}, order)
	assert.True(t, visible, "hooks run after commit")

	ran := false
	err := s.Transaction(ctx, func(tx *Tx) error {
		tx.AfterCommit(func() { ran = true })
		return errors.New("abort")
	})
	require.Error(t, err)
	assert.False(t, ran, "hooks are dropped on rollback")
}

func TestReservedWordIdentifiers(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	schema := ir.ModelSchema{
		Name: "Transaction",
		Fields: []ir.Field{
			{Name: "id", Type: ir.TypeString, Required: true},
			{Name: "order", Type: ir.TypeInt},
			{Name: "group", Type: ir.TypeString},
		},
		Indexes: []ir.Index{{Name: "byOrder", Fields: []string{"order"}}},
	}
	require.NoError(t, s.SetUp(ctx, registry.MustNew(schema)))

	_, err = s.Save(ctx, schema, ir.NewRecord("Transaction", "t1", ir.P("order", ir.Int(2)), ir.P("group", ir.String("a"))), nil)
	require.NoError(t, err)

	got, err := s.Query(ctx, schema, queryir.Query{Predicate: queryir.Field("order").Ge(ir.Int(2))})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, ids(got))
}

func TestSetUp_MigratesChangedLayout(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	v1 := ir.ModelSchema{
		Name: "Note",
		Fields: []ir.Field{
			{Name: "id", Type: ir.TypeString, Required: true},
			{Name: "title", Type: ir.TypeString},
			{Name: "obsolete", Type: ir.TypeString},
		},
	}
	require.NoError(t, s.SetUp(ctx, registry.MustNew(v1)))
	_, err = s.Save(ctx, v1, ir.NewRecord("Note", "n1", ir.P("title", ir.String("kept")), ir.P("obsolete", ir.String("x"))), nil)
	require.NoError(t, err)

	v2 := ir.ModelSchema{
		Name: "Note",
		Fields: []ir.Field{
			{Name: "id", Type: ir.TypeString, Required: true},
			{Name: "title", Type: ir.TypeString},
			{Name: "stars", Type: ir.TypeInt},
		},
	}
	require.NoError(t, s.SetUp(ctx, registry.MustNew(v2)))

	got, found, err := s.QueryByID(ctx, v2, "n1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ir.Object{"title": ir.String("kept")}, got.Fields)

	v3 := v2
	v3.Fields = []ir.Field{
		{Name: "id", Type: ir.TypeString, Required: true},
		{Name: "title", Type: ir.TypeInt},
	}
	err = s.SetUp(ctx, registry.MustNew(v3))
	assert.True(t, ir.IsCode(err, ir.ErrCodeConfiguration))

	// The failed migration changed nothing.
	got, found, err = s.QueryByID(ctx, v2, "n1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ir.String("kept"), got.Get("title"))
}

func TestMutationEvents(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	v := int64(3)

	events := []ir.MutationEvent{
		{ID: "e1", ModelName: "Post", ModelID: "p1", Kind: ir.MutationCreate, Payload: `{"id":"p1"}`, CreatedAt: 10},
		{ID: "e2", ModelName: "Post", ModelID: "p2", Kind: ir.MutationUpdate, Payload: `{"id":"p2"}`, CreatedAt: 11, Version: &v},
		{ID: "e3", ModelName: "Post", ModelID: "p1", Kind: ir.MutationUpdate, Payload: `{"id":"p1"}`, CreatedAt: 12},
	}
	require.NoError(t, s.Transaction(ctx, func(tx *Tx) error {
		for _, ev := range events {
			if err := tx.InsertMutationEvent(ctx, ev); err != nil {
				return err
			}
		}
		return tx.SetInProcess(ctx, "e1", true)
	}))

	all, err := s.MutationEvents(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].InProcess)
	require.NotNil(t, all[1].Version)
	assert.Equal(t, int64(3), *all[1].Version)

	err = s.Transaction(ctx, func(tx *Tx) error {
		pending, found, err := tx.PendingMutationEvent(ctx, "Post", "p1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "e3", pending.ID)

		next, found, err := tx.NextMutationEvent(ctx)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "e1", next.ID)

		latest, err := tx.MaxMutationCreatedAt(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(12), latest)

		n, err := tx.ResetInProcess(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		pending.Kind = ir.MutationDelete
		return tx.UpdateMutationEvent(ctx, pending)
	})
	require.NoError(t, err)

	forP1, err := s.MutationEventsFor(ctx, "Post", "p1")
	require.NoError(t, err)
	require.Len(t, forP1, 2)
	assert.False(t, forP1[0].InProcess)
	assert.Equal(t, ir.MutationDelete, forP1[1].Kind)

	err = s.Transaction(ctx, func(tx *Tx) error {
		return tx.UpdateMutationEvent(ctx, ir.MutationEvent{ID: "missing", Kind: ir.MutationUpdate})
	})
	assert.True(t, ir.IsCode(err, ir.ErrCodeNotFound))
}

func TestSyncMetadata(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Transaction(ctx, func(tx *Tx) error {
		for _, m := range []ir.MutationSyncMetadata{
			{ModelName: "Post", ModelID: "p2", Version: 1},
			{ModelName: "Post", ModelID: "p1", Version: 4, Deleted: true, LastChangedAt: 99},
			{ModelName: "Post", ModelID: "p1", Version: 5, Deleted: true, LastChangedAt: 100},
		} {
			if err := tx.SaveMutationSyncMetadata(ctx, m); err != nil {
				return err
			}
		}
		return tx.SaveModelSyncMetadata(ctx, ir.ModelSyncMetadata{ModelName: "Post", Cursor: "c-2", LastSync: 100})
	}))

	got, err := s.QueryMutationSyncMetadata(ctx, "Post", "p1", "p2", "unknown")
	require.NoError(t, err)
	assert.Equal(t, []ir.MutationSyncMetadata{
		{ModelName: "Post", ModelID: "p1", Version: 5, Deleted: true, LastChangedAt: 100},
		{ModelName: "Post", ModelID: "p2", Version: 1},
	}, got)

	none, err := s.QueryMutationSyncMetadata(ctx, "Post")
	require.NoError(t, err)
	assert.Empty(t, none)

	_, found, err := s.MutationSyncMetadata(ctx, "Comment", "p1")
	require.NoError(t, err)
	assert.False(t, found)

	m, found, err := s.QueryModelSyncMetadata(ctx, "Post")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "c-2", m.Cursor)
}

func TestClear(t *testing.T) {
	s := createTestStore(t)
	seedBlog(t, s)
	ctx := context.Background()
	require.NoError(t, s.Transaction(ctx, func(tx *Tx) error {
		return tx.SaveMutationSyncMetadata(ctx, ir.MutationSyncMetadata{ModelName: "Post", ModelID: "p1", Version: 1})
	}))

	require.NoError(t, s.Clear(ctx))

	for _, schema := range []ir.ModelSchema{testutil.BlogSchema, testutil.PostSchema, testutil.CommentSchema} {
		left, err := s.Query(ctx, schema, queryir.Query{})
		require.NoError(t, err)
		assert.Empty(t, left, schema.Name)
	}
	got, err := s.QueryMutationSyncMetadata(ctx, "Post", "p1")
	require.NoError(t, err)
	assert.Empty(t, got)

	// Still set up, and foreign keys are enforced again.
	_, err = s.Save(ctx, testutil.CommentSchema, testutil.Comment("c1", "p1", "x"), nil)
	assert.True(t, ShouldIgnoreError(err))
}

func TestClearIfNewVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	kvs := kv.NewMemStore()

	write := func() {
		require.NoError(t, os.WriteFile(path, []byte("db"), 0o644))
	}

	write()
	removed, err := ClearIfNewVersion(path, "1", kvs)
	require.NoError(t, err)
	assert.False(t, removed, "first run only records the version")
	assert.FileExists(t, path)

	removed, err = ClearIfNewVersion(path, "1", kvs)
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = ClearIfNewVersion(path, "2", kvs)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.NoFileExists(t, path)

	v, _, _ := kvs.Get(kv.KeyStoreVersion)
	assert.Equal(t, "2", v)

	// Missing file with a new version is not an error.
	removed, err = ClearIfNewVersion(path, "3", kvs)
	require.NoError(t, err)
	assert.False(t, removed)
}
