package testutil

import (
	"github.com/roach88/tether/internal/ir"
	"github.com/roach88/tether/internal/registry"
)

// Blog, Post and Comment form a three-level cascade: deleting a blog
// deletes its posts, deleting a post deletes its comments.
var (
	BlogSchema = ir.ModelSchema{
		Name: "Blog",
		Fields: []ir.Field{
			{Name: "id", Type: ir.TypeString, Required: true},
			{Name: "name", Type: ir.TypeString, Required: true},
		},
		Associations: []ir.Association{
			{Name: "posts", Kind: ir.HasMany, Target: "Post", TargetField: "blogID", Cascade: true},
		},
	}

	PostSchema = ir.ModelSchema{
		Name: "Post",
		Fields: []ir.Field{
			{Name: "id", Type: ir.TypeString, Required: true},
			{Name: "title", Type: ir.TypeString, Required: true},
			{Name: "content", Type: ir.TypeString},
			{Name: "rating", Type: ir.TypeInt},
			{Name: "draft", Type: ir.TypeBool},
			{Name: "tags", Type: ir.TypeList},
			{Name: "blogID", Type: ir.TypeString},
		},
		Indexes: []ir.Index{{Name: "byTitle", Fields: []string{"title"}}},
		Associations: []ir.Association{
			{Name: "blog", Kind: ir.BelongsTo, Target: "Blog", Field: "blogID"},
			{Name: "comments", Kind: ir.HasMany, Target: "Comment", TargetField: "postID", Cascade: true},
		},
	}

	CommentSchema = ir.ModelSchema{
		Name: "Comment",
		Fields: []ir.Field{
			{Name: "id", Type: ir.TypeString, Required: true},
			{Name: "content", Type: ir.TypeString, Required: true},
			{Name: "postID", Type: ir.TypeString},
		},
		Associations: []ir.Association{
			{Name: "post", Kind: ir.BelongsTo, Target: "Post", Field: "postID"},
		},
	}
)

// BlogRegistry returns a registry of Blog, Post and Comment.
func BlogRegistry() *registry.Registry {
	return registry.MustNew(BlogSchema, PostSchema, CommentSchema)
}

// KeptPostsRegistry is BlogRegistry with the blog's posts association
// not cascading, so a blog with posts cannot be deleted.
func KeptPostsRegistry() *registry.Registry {
	blog := BlogSchema
	blog.Associations = []ir.Association{
		{Name: "posts", Kind: ir.HasMany, Target: "Post", TargetField: "blogID"},
	}
	return registry.MustNew(blog, PostSchema, CommentSchema)
}

// Post builds a Post record with a title and content.
func Post(id, title, content string) ir.Record {
	r := ir.NewRecord("Post", id, ir.P("title", ir.String(title)))
	if content != "" {
		r.Fields["content"] = ir.String(content)
	}
	return r
}

// Comment builds a Comment of post.
func Comment(id, postID, content string) ir.Record {
	return ir.NewRecord("Comment", id,
		ir.P("content", ir.String(content)),
		ir.P("postID", ir.String(postID)),
	)
}

// Blog builds a Blog record.
func Blog(id, name string) ir.Record {
	return ir.NewRecord("Blog", id, ir.P("name", ir.String(name)))
}
