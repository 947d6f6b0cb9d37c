package entitykit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entitykit/entitykit"
)

type Post struct {
	entitykit.Remote

	ID    int64  `db:"id"`
	Title string `db:"title"`
	Body  string `db:"body"`
}

func (*Post) EntityName() string { return "Post" }

func (*Post) DefaultSortDescriptors() []entitykit.SortDescriptor {
	return []entitykit.SortDescriptor{{Attribute: "title"}}
}

func (p *Post) Unpack(pl entitykit.Payload) error {
	p.UnpackStamps(pl)
	return entitykit.Decode(pl, p)
}

type Tag struct {
	entitykit.Base

	Name string `db:"name"`
}

func (*Tag) EntityName() string { return "Tag" }

func postPayload(id int64, title, updatedAt string) entitykit.Payload {
	return entitykit.Payload{
		"id":         float64(id),
		"title":      title,
		"body":       "body of " + title,
		"updated_at": updatedAt,
	}
}

func TestObjectWithRemoteID_SameInstance(t *testing.T) {
	s := newTestStack(t)
	repo := entitykit.NewRepo[Post](s)
	ctx := context.Background()

	first, err := repo.ObjectWithRemoteID(ctx, nil, 7)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := repo.ObjectWithRemoteID(ctx, nil, 7)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestObjectWithRemoteID_CallerSetsIdentifier(t *testing.T) {
	s := newTestStack(t)
	repo := entitykit.NewRepo[Post](s)
	ctx := context.Background()

	post, err := repo.ObjectWithRemoteID(ctx, nil, 7)
	require.NoError(t, err)
	post.ID = 7
	post.Title = "manual"

	require.NoError(t, entitykit.Save(ctx, post))
	assert.NotEmpty(t, post.PrimaryKey())

	fresh, err := s.NewContext()
	require.NoError(t, err)
	got, err := repo.ExistingObjectWithRemoteID(ctx, fresh, 7)
	require.NoError(t, err)
	assert.Equal(t, "manual", got.Title)
	assert.Equal(t, post.PrimaryKey(), got.PrimaryKey())
}

func TestExistingObjectWithRemoteID_NotFound(t *testing.T) {
	s := newTestStack(t)
	repo := entitykit.NewRepo[Post](s)

	_, err := repo.ExistingObjectWithRemoteID(context.Background(), nil, 404)
	assert.ErrorIs(t, err, entitykit.ErrNotFound)
}

func TestObjectWithPayload_CreatesAndUnpacks(t *testing.T) {
	s := newTestStack(t)
	repo := entitykit.NewRepo[Post](s)
	ctx := context.Background()

	post, err := repo.ObjectWithPayload(ctx, nil, postPayload(7, "A", "2014-01-01T00:00:00Z"))
	require.NoError(t, err)

	assert.Equal(t, int64(7), post.ID)
	assert.Equal(t, "A", post.Title)
	assert.Equal(t, "body of A", post.Body)
	assert.True(t, post.UpdatedAt.UTC().Equal(time.Date(2014, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.False(t, post.CreatedAt.IsZero())

	require.NoError(t, entitykit.Save(ctx, post))

	fresh, err := s.NewContext()
	require.NoError(t, err)
	got, err := repo.ExistingObjectWithRemoteID(ctx, fresh, 7)
	require.NoError(t, err)
	assert.Equal(t, "A", got.Title)
	assert.Equal(t, int64(7), got.ID)
}

func TestObjectWithPayload_StalePayloadIgnored(t *testing.T) {
	s := newTestStack(t)
	repo := entitykit.NewRepo[Post](s)
	ctx := context.Background()

	first, err := repo.ObjectWithPayload(ctx, nil, postPayload(7, "A", "2014-01-01T00:00:00Z"))
	require.NoError(t, err)

	second, err := repo.ObjectWithPayload(ctx, nil, postPayload(7, "B", "2013-01-01T00:00:00Z"))
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, "A", second.Title)
	assert.True(t, second.UpdatedAt.UTC().Equal(time.Date(2014, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestObjectWithPayload_NewerPayloadOverwrites(t *testing.T) {
	s := newTestStack(t)
	repo := entitykit.NewRepo[Post](s)
	ctx := context.Background()

	post, err := repo.ObjectWithPayload(ctx, nil, postPayload(7, "A", "2014-01-01T00:00:00Z"))
	require.NoError(t, err)
	require.NoError(t, entitykit.Save(ctx, post))

	// Reconcile against the stored record from a brand new context.
	fresh, err := s.NewContext()
	require.NoError(t, err)
	updated, err := repo.ObjectWithPayload(ctx, fresh, postPayload(7, "B", "2015-06-01T00:00:00Z"))
	require.NoError(t, err)

	assert.Equal(t, "B", updated.Title)
	assert.Equal(t, post.PrimaryKey(), updated.PrimaryKey())
	require.NoError(t, fresh.Save(ctx))

	verify, err := s.NewContext()
	require.NoError(t, err)
	got, err := repo.ExistingObjectWithRemoteID(ctx, verify, 7)
	require.NoError(t, err)
	assert.Equal(t, "B", got.Title)
}

func TestObjectWithPayload_UnpackFailureNotRetained(t *testing.T) {
	s := newTestStack(t)
	repo := entitykit.NewRepo[Post](s)
	ctx := context.Background()

	cx, err := s.NewContext()
	require.NoError(t, err)

	_, err = repo.ObjectWithPayload(ctx, cx, postPayload(7, "A", "first of january"))
	require.Error(t, err)
	assert.Zero(t, cx.Pending())

	// The failed payload left nothing behind: the retry starts from a clean
	// instance and gets the full unpack.
	post, err := repo.ObjectWithPayload(ctx, cx, postPayload(7, "B", "2014-01-01T00:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, "B", post.Title)
	assert.True(t, post.UpdatedAt.UTC().Equal(time.Date(2014, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestObjectWithPayload_MissingRemoteID(t *testing.T) {
	s := newTestStack(t)
	repo := entitykit.NewRepo[Post](s)

	_, err := repo.ObjectWithPayload(context.Background(), nil, entitykit.Payload{"title": "A"})
	assert.ErrorIs(t, err, entitykit.ErrNoRemoteID)
}

func TestExistingObjectWithPayload(t *testing.T) {
	s := newTestStack(t)
	repo := entitykit.NewRepo[Post](s)
	ctx := context.Background()

	_, err := repo.ExistingObjectWithPayload(ctx, nil, postPayload(7, "A", "2014-01-01T00:00:00Z"))
	assert.ErrorIs(t, err, entitykit.ErrNotFound)

	post, err := repo.ObjectWithPayload(ctx, nil, postPayload(7, "A", "2014-01-01T00:00:00Z"))
	require.NoError(t, err)

	got, err := repo.ExistingObjectWithPayload(ctx, nil, postPayload(7, "B", "2013-01-01T00:00:00Z"))
	require.NoError(t, err)
	assert.Same(t, post, got)
	assert.Equal(t, "A", got.Title)
}

func TestObjectWithJSON(t *testing.T) {
	s := newTestStack(t)
	repo := entitykit.NewRepo[Post](s)
	ctx := context.Background()

	raw := []byte(`{"id": 9, "title": "from json", "body": "b", "updated_at": "2014-01-01T00:00:00Z"}`)
	post, err := repo.ObjectWithJSON(ctx, nil, raw)
	require.NoError(t, err)
	assert.Equal(t, int64(9), post.ID)
	assert.Equal(t, "from json", post.Title)
}

func TestObjectsWithPayloads_Batch(t *testing.T) {
	s := newTestStack(t)
	repo := entitykit.NewRepo[Post](s)
	ctx := context.Background()

	seed, err := s.NewContext()
	require.NoError(t, err)
	for _, pl := range []entitykit.Payload{
		postPayload(1, "one", "2014-01-01T00:00:00Z"),
		postPayload(2, "two", "2014-01-01T00:00:00Z"),
	} {
		_, err := repo.ObjectWithPayload(ctx, seed, pl)
		require.NoError(t, err)
	}
	require.NoError(t, seed.Save(ctx))

	cx, err := s.NewContext()
	require.NoError(t, err)

	got, err := repo.ObjectsWithPayloads(ctx, cx, []entitykit.Payload{
		postPayload(1, "one stale", "2013-01-01T00:00:00Z"),
		postPayload(2, "two newer", "2015-01-01T00:00:00Z"),
		postPayload(3, "three", "2014-01-01T00:00:00Z"),
	})
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "one", got[0].Title)
	assert.Equal(t, "two newer", got[1].Title)
	assert.Equal(t, "three", got[2].Title)

	// The batch registers its instances: later lookups return the same ones.
	same, err := repo.ObjectWithRemoteID(ctx, cx, 3)
	require.NoError(t, err)
	assert.Same(t, got[2], same)
}

func TestFetchAll_DefaultSortDescriptors(t *testing.T) {
	s := newTestStack(t)
	repo := entitykit.NewRepo[Post](s)
	ctx := context.Background()

	seed, err := s.NewContext()
	require.NoError(t, err)
	for i, title := range []string{"banana", "apple", "cherry"} {
		_, err := repo.ObjectWithPayload(ctx, seed, postPayload(int64(i+1), title, "2014-01-01T00:00:00Z"))
		require.NoError(t, err)
	}
	require.NoError(t, seed.Save(ctx))

	cx, err := s.NewContext()
	require.NoError(t, err)
	all, err := repo.FetchAll(ctx, cx)
	require.NoError(t, err)
	require.Len(t, all, 3)

	assert.Equal(t, "apple", all[0].Title)
	assert.Equal(t, "banana", all[1].Title)
	assert.Equal(t, "cherry", all[2].Title)
}

func TestContext_Delete(t *testing.T) {
	s := newTestStack(t)
	repo := entitykit.NewRepo[Post](s)
	ctx := context.Background()

	cx, err := s.NewContext()
	require.NoError(t, err)
	post, err := repo.ObjectWithPayload(ctx, cx, postPayload(7, "A", "2014-01-01T00:00:00Z"))
	require.NoError(t, err)
	require.NoError(t, cx.Save(ctx))

	cx.Delete(post)
	require.NoError(t, cx.Save(ctx))

	fresh, err := s.NewContext()
	require.NoError(t, err)
	_, err = repo.ExistingObjectWithRemoteID(ctx, fresh, 7)
	assert.ErrorIs(t, err, entitykit.ErrNotFound)
}

func TestSave_FailureKeepsPendingForRetry(t *testing.T) {
	s := newTestStack(t)
	repo := entitykit.NewRepo[Post](s)
	ctx := context.Background()

	cx, err := s.NewContext()
	require.NoError(t, err)
	post, err := repo.ObjectWithPayload(ctx, cx, postPayload(7, "A", "2014-01-01T00:00:00Z"))
	require.NoError(t, err)

	_, err = cx.Coordinator().DB().Exec(`DROP TABLE "posts"`)
	require.NoError(t, err)

	require.Error(t, cx.Save(ctx))
	assert.Empty(t, post.PrimaryKey())
	assert.Equal(t, 1, cx.Pending())

	_, err = cx.Coordinator().DB().Exec(`CREATE TABLE "posts" (
		"pk" TEXT PRIMARY KEY,
		"created_at" TIMESTAMP,
		"updated_at" TIMESTAMP,
		"id" INTEGER,
		"title" TEXT,
		"body" TEXT
	)`)
	require.NoError(t, err)

	require.NoError(t, cx.Save(ctx))
	assert.NotEmpty(t, post.PrimaryKey())
	assert.Zero(t, cx.Pending())
}

func TestSave_FlushesWholeContext(t *testing.T) {
	s := newTestStack(t)
	repo := entitykit.NewRepo[Post](s)
	ctx := context.Background()

	cx, err := s.NewContext()
	require.NoError(t, err)

	first, err := repo.ObjectWithPayload(ctx, cx, postPayload(1, "one", "2014-01-01T00:00:00Z"))
	require.NoError(t, err)
	second, err := repo.ObjectWithPayload(ctx, cx, postPayload(2, "two", "2014-01-01T00:00:00Z"))
	require.NoError(t, err)

	// Saving through one object writes its sibling too.
	require.NoError(t, entitykit.Save(ctx, first))
	assert.NotEmpty(t, second.PrimaryKey())
}

func TestSave_UnboundObject(t *testing.T) {
	err := entitykit.Save(context.Background(), &Post{})
	assert.ErrorIs(t, err, entitykit.ErrNotBound)
}

func TestContext_InsertPlainEntity(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	cx, err := s.NewContext()
	require.NoError(t, err)

	tag := &Tag{Name: "go"}
	cx.Insert(tag)
	require.NoError(t, entitykit.Save(ctx, tag))
	assert.NotEmpty(t, tag.PrimaryKey())

	var count int
	require.NoError(t, cx.Coordinator().DB().QueryRow(`SELECT COUNT(*) FROM "tags"`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestContext_Reset(t *testing.T) {
	s := newTestStack(t)
	repo := entitykit.NewRepo[Post](s)
	ctx := context.Background()

	cx, err := s.NewContext()
	require.NoError(t, err)
	_, err = repo.ObjectWithPayload(ctx, cx, postPayload(7, "A", "2014-01-01T00:00:00Z"))
	require.NoError(t, err)
	require.Equal(t, 1, cx.Pending())

	cx.Reset()
	assert.Zero(t, cx.Pending())
	require.NoError(t, cx.Save(ctx))

	fresh, err := s.NewContext()
	require.NoError(t, err)
	_, err = repo.ExistingObjectWithRemoteID(ctx, fresh, 7)
	assert.ErrorIs(t, err, entitykit.ErrNotFound)
}
