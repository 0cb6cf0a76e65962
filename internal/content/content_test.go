package content

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanName(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"plain", "123_p0.png", "123_p0.png", false},
		{"nested", "a/b/../c.jpg", "a/c.jpg", false},
		{"backslashes", `dir\file.png`, "dir/file.png", false},
		{"empty", "  ", "", true},
		{"parent", "../escape.png", "", true},
		{"absolute", "/etc/passwd", "", true},
		{"dot", ".", "", true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := CleanName(tc.input)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
