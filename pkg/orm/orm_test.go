package orm_test

import (
	"bytes"
	"context"
	"slices"
	"strconv"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"pgregory.net/rapid"

	"github.com/gideon-mc/orm/internal/library"
	"github.com/gideon-mc/orm/pkg/orm"
)

// Shelf and Item exercise lazy loading and orphan removal.
type Shelf struct {
	ID    int64
	Label string
	Items orm.Collection[Item] `orm:"one_to_many,mapped_by:Shelf,order_by:position desc,lazy,orphan_removal"`
}

type Item struct {
	ID       int64
	Title    string
	Position int
	Shelf    *Shelf `orm:"many_to_one"`
}

type fixture struct {
	orm  *orm.ORM
	em   *orm.EntityManager
	logs *bytes.Buffer
}

func setup(t *testing.T, opts ...func(*orm.Config)) *fixture {
	t.Helper()
	logs := &bytes.Buffer{}
	cfg := orm.Config{
		Driver:   "sqlite",
		DBName:   ":memory:",
		Entities: append(library.Entities(), Shelf{}, Item{}),
		Debug:    []string{"query", "query-params"},
		Logger:   log.New(logs),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx := context.Background()
	o, err := orm.Init(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { o.Close(context.Background(), true) })
	require.NoError(t, o.Schema().RefreshDatabase(ctx))

	return &fixture{orm: o, em: o.Fork(), logs: logs}
}

func createAuthor(t *testing.T, em *orm.EntityManager, name string, years ...int) *library.Author {
	t.Helper()
	books := make([]orm.Data, len(years))
	for i, year := range years {
		books[i] = orm.Data{"name": "Book " + string(rune('1'+i)), "year": year}
	}
	author, err := orm.Create[library.Author](em, orm.Data{"name": name, "books": books})
	require.NoError(t, err)
	require.NoError(t, em.Flush(context.Background()))
	return author
}

func TestRetainOrderAfterUpdate(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	_, err := orm.Create[library.Author](f.em, orm.Data{
		"name": "John Doe",
		"books": []orm.Data{
			{"name": "Book 1", "year": 1997},
			{"name": "Book 2", "year": 1960},
			{"name": "Book 3", "year": 2020},
		},
	})
	require.NoError(t, err)
	require.NoError(t, f.em.Flush(ctx))
	f.em.Clear()

	author, err := orm.FindOneOrFail[library.Author](ctx, f.em, orm.Filter{"name": "John Doe"})
	require.NoError(t, err)
	n, err := author.Books.Len()
	require.NoError(t, err)
	require.Equal(t, 3, n)
	books, err := author.Books.ToArray()
	require.NoError(t, err)
	require.Equal(t, []int{1960, 1997, 2020}, library.Years(books))

	first, err := author.Books.Find(func(b *library.Book) bool { return b.Name == "Book 1" })
	require.NoError(t, err)
	require.NotNil(t, first)
	first.Year = 2024
	require.NoError(t, f.em.Flush(ctx))
	f.em.Clear()

	books, err = author.Books.LoadItems(ctx, f.em)
	require.NoError(t, err)
	require.Equal(t, []int{1960, 2020, 2024}, library.Years(books))
	for _, book := range books {
		require.Same(t, author, book.Author)
	}
}

func TestLoadItemsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	author := createAuthor(t, f.em, "Jane", 2001, 1999)

	first, err := author.Books.LoadItems(ctx, f.em)
	require.NoError(t, err)
	second, err := author.Books.LoadItems(ctx, f.em)
	require.NoError(t, err)
	require.Equal(t, []int{1999, 2001}, library.Years(second))
	for i := range first {
		require.Same(t, first[i], second[i])
	}
}

func TestLoadItemsRejectsDetachedTwin(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	old := createAuthor(t, f.em, "Jane", 2001, 1999)
	f.em.Clear()

	fresh, err := orm.FindOneOrFail[library.Author](ctx, f.em, orm.Filter{"name": "Jane"})
	require.NoError(t, err)
	require.NotSame(t, old, fresh)

	_, err = old.Books.LoadItems(ctx, f.em)
	require.ErrorIs(t, err, orm.ErrIdentityConflict)
	var ic *orm.IdentityConflictError
	require.ErrorAs(t, err, &ic)
	require.Equal(t, "Author", ic.Entity)
	require.False(t, f.em.IsManaged(old))

	books, err := fresh.Books.ToArray()
	require.NoError(t, err)
	require.Len(t, books, 2)
	for _, book := range books {
		require.Same(t, fresh, book.Author)
	}

	old.Name = "Janet"
	require.False(t, f.em.HasChanges())
}

func TestUpdateOnlyTouchesChangedRow(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	author := createAuthor(t, f.em, "Jane", 1990, 1991, 1992)

	books, err := author.Books.ToArray()
	require.NoError(t, err)
	books[1].Year = 1800
	f.logs.Reset()
	require.NoError(t, f.em.Flush(ctx))
	require.Contains(t, f.logs.String(), `UPDATE "book" SET "year" = ? WHERE "id" = ?`)
	require.NotContains(t, f.logs.String(), `"name" =`)
	require.False(t, f.em.HasChanges())

	other := f.orm.Fork()
	stored, err := orm.Find[library.Book](ctx, other, orm.Filter{"author": author.ID}, orm.OrderBy("id", orm.Asc))
	require.NoError(t, err)
	require.Equal(t, []int{1990, 1800, 1992}, library.Years(stored))
}

func TestNotInitializedCollection(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	createAuthor(t, f.em, "Jane", 2000)
	f.em.Clear()

	author, err := orm.FindOneOrFail[library.Author](ctx, f.em, orm.Filter{"name": "Jane"}, orm.WithoutEager())
	require.NoError(t, err)
	require.False(t, author.Books.IsInitialized())

	_, err = author.Books.Len()
	require.ErrorIs(t, err, orm.ErrNotInitialized)
	var nie *orm.NotInitializedError
	require.ErrorAs(t, err, &nie)
	require.Equal(t, "Author", nie.Entity)
	require.Equal(t, "Books", nie.Property)

	_, err = author.Books.ToArray()
	require.ErrorIs(t, err, orm.ErrNotInitialized)
	require.ErrorIs(t, author.Books.Add(&library.Book{}), orm.ErrNotInitialized)

	n, err := author.Books.LoadCount(ctx, f.em)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, author.Books.Init(ctx, f.em))
	n, err = author.Books.Len()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestIdentityMap(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	author := createAuthor(t, f.em, "Jane", 2000)

	found, err := orm.FindOneOrFail[library.Author](ctx, f.em, orm.Filter{"id": author.ID})
	require.NoError(t, err)
	require.Same(t, author, found)

	other := f.em.Fork()
	require.NotEqual(t, f.em.ID(), other.ID())
	fresh, err := orm.FindOneOrFail[library.Author](ctx, other, orm.Filter{"id": author.ID})
	require.NoError(t, err)
	require.NotSame(t, author, fresh)
	require.Equal(t, author.Name, fresh.Name)
}

func TestUnflushedChangesSurviveReload(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	author := createAuthor(t, f.em, "Jane")

	author.Name = "Janet"
	found, err := orm.FindOneOrFail[library.Author](ctx, f.em, orm.Filter{"id": author.ID})
	require.NoError(t, err)
	require.Equal(t, "Janet", found.Name)
	require.True(t, f.em.HasChanges())
}

func TestReferencesArePopulated(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	author := createAuthor(t, f.em, "Jane", 2000)
	f.em.Clear()

	book, err := orm.FindOneOrFail[library.Book](ctx, f.em, orm.Filter{"year": 2000})
	require.NoError(t, err)
	require.NotNil(t, book.Author)
	require.Equal(t, author.ID, book.Author.ID)
	require.Empty(t, book.Author.Name)

	book, err = orm.FindOneOrFail[library.Book](ctx, f.em, orm.Filter{"year": 2000}, orm.Populate("Author"))
	require.NoError(t, err)
	require.Equal(t, "Jane", book.Author.Name)
	n, err := book.Author.Books.Len()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestFindOptions(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	createAuthor(t, f.em, "Jane", 2003, 2001, 2002, 2000)

	books, err := orm.Find[library.Book](ctx, f.em, nil, orm.OrderBy("year", orm.Desc), orm.Limit(2), orm.Offset(1))
	require.NoError(t, err)
	require.Equal(t, []int{2002, 2001}, library.Years(books))

	books, err = orm.Find[library.Book](ctx, f.em, orm.Filter{"year": []int{2000, 2003}})
	require.NoError(t, err)
	require.Equal(t, []int{2003, 2000}, library.Years(books))

	n, err := orm.Count[library.Book](ctx, f.em, orm.Filter{"year": []int{}})
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = orm.Find[library.Book](ctx, f.em, orm.Filter{"isbn": "x"})
	require.ErrorContains(t, err, `Book has no property "isbn"`)
	_, err = orm.Find[library.Book](ctx, f.em, nil, orm.OrderBy("nope", orm.Asc))
	require.Error(t, err)
}

func TestFindOneOrFail(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	found, err := orm.FindOne[library.Author](ctx, f.em, orm.Filter{"name": "Nobody"})
	require.NoError(t, err)
	require.Nil(t, found)

	_, err = orm.FindOneOrFail[library.Author](ctx, f.em, orm.Filter{"name": "Nobody"})
	require.ErrorIs(t, err, orm.ErrNotFound)
	var nf *orm.NotFoundError
	require.ErrorAs(t, err, &nf)
	require.Equal(t, "Author", nf.Entity)
	require.Equal(t, "Author not found (map[name:Nobody])", err.Error())
}

func TestFailedFlushLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	author, err := orm.Create[library.Author](f.em, orm.Data{"name": "Jane"})
	require.NoError(t, err)
	book, err := orm.Create[library.Book](f.em, orm.Data{"name": "Lost", "year": 1, "author": int64(999)})
	require.NoError(t, err)

	err = f.em.Flush(ctx)
	require.ErrorIs(t, err, orm.ErrConstraint)
	var ce *orm.ConstraintError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, "foreign key", ce.Kind)
	require.Zero(t, author.ID)
	require.Zero(t, book.ID)

	other := f.orm.Fork()
	for _, count := range []func() (int, error){
		func() (int, error) { return orm.Count[library.Author](ctx, other, nil) },
		func() (int, error) { return orm.Count[library.Book](ctx, other, nil) },
	} {
		n, err := count()
		require.NoError(t, err)
		require.Zero(t, n)
	}

	book.Author = author
	require.NoError(t, f.em.Flush(ctx))
	require.NotZero(t, author.ID)
	require.NotZero(t, book.ID)
}

func TestRemoveWithoutOrphanRemovalFails(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	author := createAuthor(t, f.em, "Jane", 2000)

	books, err := author.Books.ToArray()
	require.NoError(t, err)
	require.NoError(t, author.Books.Remove(books[0]))
	require.Nil(t, books[0].Author)

	err = f.em.Flush(ctx)
	var ce *orm.ConstraintError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, "not null", ce.Kind)
	require.Equal(t, "author_id", ce.Column)
}

func TestOrphanRemoval(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	shelf := &Shelf{Label: "top", Items: orm.NewCollection(
		&Item{Title: "a", Position: 1},
		&Item{Title: "b", Position: 2},
		&Item{Title: "c", Position: 3},
	)}
	require.NoError(t, f.em.Persist(shelf))
	require.NoError(t, f.em.Flush(ctx))
	f.em.Clear()

	loaded, err := orm.FindOneOrFail[Shelf](ctx, f.em, orm.Filter{"label": "top"})
	require.NoError(t, err)
	require.False(t, loaded.Items.IsInitialized())

	items, err := loaded.Items.LoadItems(ctx, f.em)
	require.NoError(t, err)
	require.Equal(t, "c", items[0].Title)
	require.NoError(t, loaded.Items.Remove(items[0]))
	require.True(t, loaded.Items.IsDirty())
	require.True(t, f.em.HasChanges())
	require.True(t, f.em.IsManaged(items[0]))
	require.NoError(t, f.em.Flush(ctx))
	require.False(t, f.em.IsManaged(items[0]))

	n, err := orm.Count[Item](ctx, f.orm.Fork(), nil)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, f.em.Remove(loaded))
	require.NoError(t, f.em.Flush(ctx))
	n, err = orm.Count[Item](ctx, f.orm.Fork(), nil)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestCascadePersist(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	author := createAuthor(t, f.em, "Jane")

	late := &library.Book{Name: "Late", Year: 2030}
	require.NoError(t, author.Books.Add(late))
	require.True(t, f.em.HasChanges())
	require.False(t, f.em.IsManaged(late))
	require.NoError(t, f.em.Flush(ctx))
	require.True(t, f.em.IsManaged(late))

	n, err := author.Books.LoadCount(ctx, f.em)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRemoveUnmanaged(t *testing.T) {
	f := setup(t)
	require.ErrorContains(t, f.em.Remove(&library.Author{}), "not managed")
	require.ErrorIs(t, f.em.Persist(library.Author{}), orm.ErrUnknownEntity)
	require.ErrorIs(t, f.em.Persist(&struct{ ID int }{}), orm.ErrUnknownEntity)

	author := &library.Author{Name: "new"}
	require.NoError(t, f.em.Persist(author))
	require.True(t, f.em.IsManaged(author))
	require.NoError(t, f.em.Remove(author))
	require.False(t, f.em.IsManaged(author))
	require.False(t, f.em.HasChanges())
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	require.NoError(t, f.orm.Close(ctx, false))
	require.NoError(t, f.orm.Close(ctx, false))

	_, err := orm.Find[library.Author](ctx, f.em, nil)
	require.ErrorIs(t, err, orm.ErrClosed)
	_, err = orm.Create[library.Author](f.em, orm.Data{"name": "late"})
	require.NoError(t, err)
	require.ErrorIs(t, f.em.Flush(ctx), orm.ErrClosed)

	err = f.orm.Schema().CreateSchema(ctx)
	require.ErrorIs(t, err, orm.ErrClosed)
	var se *orm.SchemaError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "create", se.Op)
}

func TestInitErrors(t *testing.T) {
	ctx := context.Background()
	cases := map[string]orm.Config{
		"invalid driver":              {Driver: "oracle"},
		"invalid debug configuration": {Debug: []string{"verbose"}},
		"entity registration":         {Entities: []any{42}},
	}
	for reason, cfg := range cases {
		_, err := orm.Init(ctx, cfg)
		var ie *orm.InitializationError
		require.ErrorAs(t, err, &ie, reason)
		require.Equal(t, reason, ie.Reason)
	}
}

func TestSchema(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	sql := f.orm.Schema().CreateSchemaSQL()
	require.Less(t, strings.Index(sql, `CREATE TABLE "author"`), strings.Index(sql, `CREATE TABLE "book"`))
	require.Contains(t, f.orm.Schema().DropSchemaSQL(), `DROP TABLE IF EXISTS "book";`)

	require.NoError(t, f.orm.Schema().UpdateSchema(ctx))

	_, err := f.orm.DB().ExecContext(ctx, `DROP TABLE "item"`)
	require.NoError(t, err)
	require.NoError(t, f.orm.Schema().UpdateSchema(ctx))
	n, err := orm.Count[Item](ctx, f.em, nil)
	require.NoError(t, err)
	require.Zero(t, n)

	err = f.orm.Schema().CreateSchema(ctx)
	var se *orm.SchemaError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "create", se.Op)
	require.Equal(t, "author", se.Table)

	require.NoError(t, f.orm.Schema().DropSchema(ctx))
	_, err = f.orm.DB().ExecContext(ctx, `CREATE TABLE "item" ("id" INTEGER PRIMARY KEY)`)
	require.NoError(t, err)
	err = f.orm.Schema().CreateSchema(ctx)
	require.ErrorAs(t, err, &se)
	require.Equal(t, "item", se.Table)
	var tables []string
	rows, err := f.orm.DB().QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		tables = append(tables, name)
	}
	require.NoError(t, rows.Err())
	require.Equal(t, []string{"item"}, tables)
}

func TestCreateRejectsFractions(t *testing.T) {
	f := setup(t)
	_, err := orm.Create[library.Book](f.em, orm.Data{"name": "x", "year": 1997.9})
	require.ErrorContains(t, err, "is not an integer")
	require.False(t, f.em.HasChanges())

	book, err := orm.Create[library.Book](f.em, orm.Data{"name": "x", "year": 1997.0})
	require.NoError(t, err)
	require.Equal(t, 1997, book.Year)
}

func TestTracing(t *testing.T) {
	ctx := context.Background()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	f := setup(t, func(c *orm.Config) { c.TracerProvider = provider })

	createAuthor(t, f.em, "Jane", 2000)
	f.em.Clear()
	_, err := orm.FindOneOrFail[library.Author](ctx, f.em, orm.Filter{"name": "Jane"})
	require.NoError(t, err)

	names := map[string]int{}
	for _, span := range recorder.Ended() {
		names[span.Name()]++
	}
	for _, name := range []string{"orm.schema.drop", "orm.schema.create", "orm.flush", "orm.find", "orm.collection.load", "orm.query"} {
		require.Positive(t, names[name], name)
	}

	_, err = orm.Create[library.Book](f.em, orm.Data{"name": "x", "year": 1, "author": int64(404)})
	require.NoError(t, err)
	require.Error(t, f.em.Flush(ctx))
	var failed sdktrace.ReadOnlySpan
	for _, span := range recorder.Ended() {
		if span.Name() == "orm.flush" {
			failed = span
		}
	}
	require.NotNil(t, failed)
	require.Equal(t, "Error", failed.Status().Code.String())
}

func TestDebugNamespaces(t *testing.T) {
	f := setup(t, func(c *orm.Config) { c.Debug = []string{"query"} })
	createAuthor(t, f.em, "Secret", 2000)
	require.Contains(t, f.logs.String(), `[query] INSERT INTO "author"`)
	require.NotContains(t, f.logs.String(), "Secret")

	quiet := setup(t, func(c *orm.Config) { c.Debug = nil })
	createAuthor(t, quiet.em, "Jane")
	require.Empty(t, quiet.logs.String())

	_, err := orm.Create[library.Book](quiet.em, orm.Data{"name": "x", "year": 1, "author": int64(404)})
	require.NoError(t, err)
	require.ErrorIs(t, quiet.em.Flush(context.Background()), orm.ErrConstraint)
	require.Contains(t, quiet.logs.String(), "query failed")
}

func TestCollectionOrderProperty(t *testing.T) {
	ctx := context.Background()
	f := setup(t, func(c *orm.Config) { c.Debug = nil })
	run := 0

	rapid.Check(t, func(rt *rapid.T) {
		run++
		name := "author " + strconv.Itoa(run)
		years := rapid.SliceOfN(rapid.IntRange(1900, 2100), 0, 12).Draw(rt, "years")

		em := f.orm.Fork()
		books := make([]orm.Data, len(years))
		for i, year := range years {
			books[i] = orm.Data{"name": "book " + strconv.Itoa(i), "year": year}
		}
		_, err := orm.Create[library.Author](em, orm.Data{"name": name, "books": books})
		require.NoError(rt, err)
		require.NoError(rt, em.Flush(ctx))
		em.Clear()

		author, err := orm.FindOneOrFail[library.Author](ctx, em, orm.Filter{"name": name})
		require.NoError(rt, err)
		loaded, err := author.Books.ToArray()
		require.NoError(rt, err)
		require.Len(rt, loaded, len(years))
		require.True(rt, slices.IsSorted(library.Years(loaded)))
		for i := 1; i < len(loaded); i++ {
			if loaded[i-1].Year == loaded[i].Year {
				require.Less(rt, loaded[i-1].ID, loaded[i].ID)
			}
		}

		want := append([]int{}, years...)
		slices.Sort(want)
		reloaded, err := author.Books.LoadItems(ctx, em.Fork())
		require.NoError(rt, err)
		require.Equal(rt, want, library.Years(reloaded))
	})
}
