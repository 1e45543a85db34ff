package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		template string
		path     string
		want     Params
		ok       bool
	}{
		{"/users/{id}", "/users/42", Params{"id": "42"}, true},
		{"/users/{id}", "/users/42/", Params{"id": "42"}, true},
		{"/users/{id}", "/users", nil, false},
		{"/users/{id}", "/users/42/posts", nil, false},
		{"/users/{id}/posts/{postId}", "/users/1/posts/2", Params{"id": "1", "postId": "2"}, true},
		{"/health", "/health", Params{}, true},
		{"/health", "/healthz", nil, false},
		{"/", "/", Params{}, true},
		{"/files/{path+}", "/files/a/b/c.txt", Params{"path": "a/b/c.txt"}, true},
		{"/files/{path+}", "/files", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.template+" "+tt.path, func(t *testing.T) {
			p, err := Compile(tt.template)
			require.NoError(t, err)
			got, ok := p.Match(tt.path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompileErrors(t *testing.T) {
	for _, template := range []string{
		"/users/{}",
		"/users/{id",
		"/users/x{id}",
		"/{rest+}/tail",
		"/{id}/{id}",
	} {
		_, err := Compile(template)
		assert.Error(t, err, template)
	}
}

func TestSpecificity(t *testing.T) {
	static := MustCompile("/users/me")
	dynamic := MustCompile("/users/{id}")
	greedy := MustCompile("/users/{rest+}")
	assert.Greater(t, static.Specificity(), dynamic.Specificity())
	assert.Greater(t, dynamic.Specificity(), greedy.Specificity())
}
