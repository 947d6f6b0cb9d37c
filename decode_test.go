package entitykit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type article struct {
	Remote

	ID    int64  `db:"id"`
	Title string `db:"title"`
	Score int    `db:"score"`

	Internal string `db:"-"`
	Ignored  string
}

func (*article) EntityName() string { return "Article" }

func (a *article) Unpack(p Payload) error {
	a.UnpackStamps(p)
	return Decode(p, a)
}

func TestDecode(t *testing.T) {
	var a article
	err := Decode(Payload{
		"id":         float64(7),
		"title":      "A",
		"score":      "42",
		"updated_at": "2014-01-01T00:00:00Z",
		"unknown":    "ignored",
	}, &a)
	require.NoError(t, err)

	assert.Equal(t, int64(7), a.ID)
	assert.Equal(t, "A", a.Title)
	assert.Equal(t, 42, a.Score)
	assert.True(t, a.UpdatedAt.UTC().Equal(time.Date(2014, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestDecode_BadDate(t *testing.T) {
	var a article
	err := Decode(Payload{"updated_at": "first of january"}, &a)
	assert.Error(t, err)
}

func TestColumnValues_FlattensEmbedded(t *testing.T) {
	ts := time.Date(2014, 1, 1, 0, 0, 0, 0, time.UTC)
	a := &article{
		ID:       7,
		Title:    "A",
		Score:    1,
		Internal: "hidden",
		Ignored:  "hidden",
	}
	a.PK = "p1"
	a.CreatedAt = ts
	a.UpdatedAt = ts

	values := columnValues(a)
	assert.Equal(t, map[string]any{
		"pk":         "p1",
		"created_at": ts,
		"updated_at": ts,
		"id":         int64(7),
		"title":      "A",
		"score":      1,
	}, values)
}

func TestMissingColumns(t *testing.T) {
	values := map[string]any{"pk": "p1", "id": int64(7)}
	assert.Equal(t, []string{"title"}, missingColumns([]string{"pk", "id", "title"}, values))
	assert.Empty(t, missingColumns([]string{"pk", "id"}, values))
}
