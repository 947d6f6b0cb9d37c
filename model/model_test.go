package model_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entitykit/entitykit/model"
)

const postYAML = `
entities:
  - name: Post
    table: posts
    remote: true
    attributes:
      - name: id
        type: int
      - name: title
        type: string
    sort:
      - attribute: title
`

const tagYAML = `
entities:
  - name: Tag
    attributes:
      - name: name
        type: string
`

func TestParse(t *testing.T) {
	m, err := model.Parse([]byte(postYAML))
	require.NoError(t, err)
	require.Len(t, m.Entities, 1)

	ent, err := m.Entity("Post")
	require.NoError(t, err)
	assert.Equal(t, "posts", ent.TableName())
	assert.True(t, ent.Remote)
	assert.Equal(t, []string{"pk", "created_at", "updated_at", "id", "title"}, ent.Columns())
	assert.Equal(t, []model.Sort{{Attribute: "title"}}, ent.Sort)
}

func TestEntity_TableNameDefaultsToName(t *testing.T) {
	m, err := model.Parse([]byte(tagYAML))
	require.NoError(t, err)

	ent, err := m.Entity("Tag")
	require.NoError(t, err)
	assert.Equal(t, "Tag", ent.TableName())
	assert.Equal(t, []string{"pk", "name"}, ent.Columns())
}

func TestModel_EntityUnknown(t *testing.T) {
	m := &model.Model{}
	_, err := m.Entity("Ghost")
	assert.ErrorIs(t, err, model.ErrUnknownEntity)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		m    model.Model
	}{
		{
			name: "empty entity name",
			m:    model.Model{Entities: []model.Entity{{}}},
		},
		{
			name: "unknown attribute type",
			m: model.Model{Entities: []model.Entity{{
				Name:       "A",
				Attributes: []model.Attribute{{Name: "x", Type: "decimal"}},
			}}},
		},
		{
			name: "attribute name not an identifier",
			m: model.Model{Entities: []model.Entity{{
				Name:       "A",
				Attributes: []model.Attribute{{Name: "created-at", Type: model.String}},
			}}},
		},
		{
			name: "reserved column",
			m: model.Model{Entities: []model.Entity{{
				Name:       "A",
				Attributes: []model.Attribute{{Name: "pk", Type: model.String}},
			}}},
		},
		{
			name: "duplicate attribute",
			m: model.Model{Entities: []model.Entity{{
				Name: "A",
				Attributes: []model.Attribute{
					{Name: "x", Type: model.String},
					{Name: "x", Type: model.Int},
				},
			}}},
		},
		{
			name: "duplicate entity",
			m: model.Model{Entities: []model.Entity{
				{Name: "A", Table: "a"},
				{Name: "A", Table: "b"},
			}},
		},
		{
			name: "duplicate table",
			m: model.Model{Entities: []model.Entity{
				{Name: "A", Table: "shared"},
				{Name: "B", Table: "shared"},
			}},
		},
		{
			name: "sort on undeclared attribute",
			m: model.Model{Entities: []model.Entity{{
				Name: "A",
				Sort: []model.Sort{{Attribute: "ghost"}},
			}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.m.Validate())
		})
	}
}

func TestValidate_SortOnTimestampColumns(t *testing.T) {
	m := model.Model{Entities: []model.Entity{{
		Name:   "A",
		Remote: true,
		Sort:   []model.Sort{{Attribute: "updated_at", Descending: true}},
	}}}
	assert.NoError(t, m.Validate())
}

func TestMergedModel(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "post.yaml"), []byte(postYAML), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tag.yml"), []byte(tagYAML), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	m, err := model.MergedModel(dir)
	require.NoError(t, err)
	assert.Len(t, m.Entities, 2)

	_, err = m.Entity("Post")
	assert.NoError(t, err)
	_, err = m.Entity("Tag")
	assert.NoError(t, err)
}

func TestMergedModel_DuplicateAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(postYAML), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(postYAML), 0o600))

	_, err := model.MergedModel(dir)
	assert.Error(t, err)
}

func TestMergedModel_Empty(t *testing.T) {
	_, err := model.MergedModel(t.TempDir())
	assert.Error(t, err)
}
