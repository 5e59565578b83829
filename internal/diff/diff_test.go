package diff

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quire/internal/source"
	"quire/internal/tree"
)

func TestDiff(t *testing.T) {
	tests := []struct {
		name      string
		old, new  string
		context   int
		additions int
		deletions int
		want      string
	}{
		{
			name: "identical",
			old:  "a\nb\n",
			new:  "a\nb\n",
			want: "",
		},
		{
			name:      "modified line",
			old:       "a\nb\nc\n",
			new:       "a\nB\nc\n",
			context:   1,
			additions: 1,
			deletions: 1,
			want:      "@@ -1,3 +1,3 @@\n a\n-b\n+B\n c\n",
		},
		{
			name:      "from empty",
			old:       "",
			new:       "x\ny\n",
			context:   3,
			additions: 2,
			want:      "@@ -0,0 +1,2 @@\n+x\n+y\n",
		},
		{
			name:      "separate hunks",
			old:       "1\n2\n3\n4\n5\n6\n7\n8\n",
			new:       "one\n2\n3\n4\n5\n6\n7\neight\n",
			context:   1,
			additions: 2,
			deletions: 2,
			want:      "@@ -1,2 +1,2 @@\n-1\n+one\n 2\n@@ -7,2 +7,2 @@\n 7\n-8\n+eight\n",
		},
		{
			name:      "close changes merge",
			old:       "1\n2\n3\n4\n",
			new:       "one\n2\n3\nfour\n",
			context:   1,
			additions: 2,
			deletions: 2,
			want:      "@@ -1,4 +1,4 @@\n-1\n+one\n 2\n 3\n-4\n+four\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NewEngine(tt.context).Diff([]byte(tt.old), []byte(tt.new))
			assert.Equal(t, tt.additions, res.Stats.Additions)
			assert.Equal(t, tt.deletions, res.Stats.Deletions)
			assert.Equal(t, tt.want, res.Format())
			assert.Equal(t, tt.additions+tt.deletions == 0, res.Empty())
		})
	}
}

func TestChanges(t *testing.T) {
	ctx := context.Background()
	before := source.NewMemory()
	after := source.NewMemory()

	put := func(m *source.Memory, files map[string]string) *tree.Tree {
		hashes := map[string]string{}
		for p, body := range files {
			h, err := m.AddBlob(ctx, []byte(body))
			require.NoError(t, err)
			hashes[p] = h
		}
		tr, err := tree.FromMap(hashes)
		require.NoError(t, err)
		require.NoError(t, m.UpdateTree(ctx, tr))
		return tr
	}
	oldTree := put(before, map[string]string{
		"a.json":   "{\n  \"title\": \"A\"\n}\n",
		"gone.txt": "bye\n",
		"logo.png": "\x89PNG\xff",
	})
	newTree := put(after, map[string]string{
		"a.json":   "{\n  \"title\": \"A2\"\n}\n",
		"new.txt":  "hi\n",
		"logo.png": "\x89PNG\xfe",
	})

	files, err := NewEngine(1).Changes(ctx, oldTree.Diff(newTree), oldTree, before, after)
	require.NoError(t, err)
	byPath := map[string]File{}
	for _, f := range files {
		byPath[f.Path] = f
	}
	require.Len(t, byPath, 4)

	assert.Equal(t, tree.OpModify, byPath["a.json"].Op)
	assert.Equal(t, 1, byPath["a.json"].Result.Stats.Additions)
	assert.Equal(t, 1, byPath["gone.txt"].Result.Stats.Deletions)
	assert.Equal(t, 1, byPath["new.txt"].Result.Stats.Additions)
	assert.True(t, byPath["logo.png"].Binary)
	assert.Nil(t, byPath["logo.png"].Result)
}
