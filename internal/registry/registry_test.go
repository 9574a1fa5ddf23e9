package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tether/internal/ir"
)

func model(name string, parents ...string) ir.ModelSchema {
	s := ir.ModelSchema{
		Name: name,
		Fields: []ir.Field{
			{Name: "id", Type: ir.TypeString, Required: true},
			{Name: "name", Type: ir.TypeString},
		},
	}
	for _, p := range parents {
		field := p + "ID"
		s.Fields = append(s.Fields, ir.Field{Name: field, Type: ir.TypeString})
		s.Associations = append(s.Associations, ir.Association{
			Name: p, Kind: ir.BelongsTo, Target: p, Field: field,
		})
	}
	return s
}

func TestNewRejectsInvalidSchemas(t *testing.T) {
	_, err := New(model("Post"), model("Post"))
	require.Error(t, err)
	assert.True(t, ir.IsCode(err, ir.ErrCodeConfiguration))
	assert.Contains(t, err.Error(), "E110")
}

func TestLookup(t *testing.T) {
	r := MustNew(model("Post"))

	s, err := r.Lookup("Post")
	require.NoError(t, err)
	assert.Equal(t, "Post", s.Name)

	_, err = r.Lookup("Nope")
	assert.True(t, ir.IsCode(err, ir.ErrCodeNotFound))
}

func TestDependents(t *testing.T) {
	post := model("Post")
	post.Associations = []ir.Association{{
		Name: "comments", Kind: ir.HasMany, Target: "Comment", TargetField: "PostID", Cascade: true,
	}}
	r := MustNew(post, model("Comment", "Post"))

	assert.Equal(t, []Dependent{{Model: "Comment", Field: "PostID", Cascade: true}}, r.Dependents("Post"))
	assert.Empty(t, r.Dependents("Comment"))
}

func TestSyncOrderParentsFirst(t *testing.T) {
	// Registered children first; the order must still put parents first.
	r := MustNew(
		model("Comment", "Post"),
		model("Post", "Blog"),
		model("Blog"),
		model("Tag"),
	)

	assert.Equal(t, []string{"Blog", "Post", "Comment", "Tag"}, r.SyncOrder())
	assert.Empty(t, r.Warnings())
	assert.Equal(t, []string{"Comment", "Post", "Blog", "Tag"}, r.Names())
}

func TestSyncOrderCycleWarning(t *testing.T) {
	r := MustNew(model("A", "B"), model("B", "A"), model("Self", "Self"))

	assert.ElementsMatch(t, []string{"A", "B", "Self"}, r.SyncOrder())
	require.Len(t, r.Warnings(), 2)
	assert.Equal(t, []string{"A", "B", "A"}, r.Warnings()[0].Path)
	assert.Equal(t, []string{"Self", "Self"}, r.Warnings()[1].Path)
}
