package analysis

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const patchCSV = `Index,Time,Plot
0,14:05:10,1.5
1,14:05:10,1.7
2,14:05:10,1.6
3,14:05:11,2.0
4,14:05:13,0.5
`

func TestParsePatch(t *testing.T) {
	start := 14*3600 + 5*60 + 9
	p, err := ParsePatch(strings.NewReader(patchCSV), "Time", "Plot", start)
	require.NoError(t, err)

	assert.Equal(t, "Plot", p.Name)
	assert.InDeltaSlice(t, []float64{1, 1.2, 1.4, 2, 4}, p.Times, 1e-12)
	assert.Equal(t, []float64{1.5, 1.7, 1.6, 2.0, 0.5}, p.Values)
}

func TestParsePatch_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", "empty patch file"},
		{"missing column", "Time,Other\n14:00:00,1\n", `"Plot"`},
		{"bad time", "Time,Plot\n14:00,1\n", "invalid time"},
		{"bad value", "Time,Plot\n14:00:00,high\n", "line 2: Plot"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePatch(strings.NewReader(tt.input), "Time", "Plot", 0)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParsePatchFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patch.csv")
	require.NoError(t, os.WriteFile(path, []byte(patchCSV), 0644))

	p, err := ParsePatchFile(path, "Time", "Plot", 14*3600+5*60+10)
	require.NoError(t, err)
	assert.Len(t, p.Values, 5)
	assert.Equal(t, 0.0, p.Times[0])

	_, err = ParsePatchFile(filepath.Join(t.TempDir(), "none.csv"), "Time", "Plot", 0)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSecondsOfDay(t *testing.T) {
	n, err := secondsOfDay(" 01:02:03")
	require.NoError(t, err)
	assert.Equal(t, 3723, n)

	for _, s := range []string{"", "1:2", "a:b:c", "1:-2:3"} {
		_, err := secondsOfDay(s)
		assert.Error(t, err, s)
	}
}
