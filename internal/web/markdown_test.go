package web

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkdownRender(t *testing.T) {
	md := NewMarkdown()

	tests := []struct {
		name    string
		src     string
		want    []string
		notWant []string
	}{
		{
			name: "basic formatting",
			src:  "## Title\n\nSome *text*.",
			want: []string{"<h2", "Title</h2>", "<em>text</em>"},
		},
		{
			name: "tables",
			src:  "| a | b |\n|---|---|\n| 1 | 2 |",
			want: []string{"<table>", "<td>1</td>"},
		},
		{
			name:    "raw html stripped",
			src:     "hello <script>alert(1)</script> <img src=x onerror=alert(1)>",
			notWant: []string{"<script", "onerror"},
		},
		{
			name:    "external links",
			src:     "[site](https://example.com)",
			want:    []string{"nofollow", `target="_blank"`},
			notWant: []string{"javascript:"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := md.Render(tt.src)
			require.NoError(t, err)
			for _, w := range tt.want {
				assert.Contains(t, string(out), w)
			}
			for _, nw := range tt.notWant {
				assert.NotContains(t, string(out), nw)
			}
		})
	}
}
