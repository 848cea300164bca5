package migrate

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFilename(t *testing.T) {
	tests := []struct {
		filename    string
		wantVersion int
		wantName    string
		wantErr     bool
	}{
		{"001_runs.sql", 1, "runs", false},
		{"002_redistribution_events.sql", 2, "redistribution_events", false},
		{"100_future_migration.sql", 100, "future_migration", false},
		{"invalid.sql", 0, "", true},
		{"abc_name.sql", 0, "", true},
		{"001.sql", 0, "", true},
		{"000_zero.sql", 0, "", true},
		{"001_runs.txt", 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			version, name, err := parseFilename(tt.filename)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantVersion, version)
			assert.Equal(t, tt.wantName, name)
		})
	}
}

func TestLoad_Embedded(t *testing.T) {
	migrations, err := Load()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(migrations), 2)

	for i := 1; i < len(migrations); i++ {
		assert.Less(t, migrations[i-1].Version, migrations[i].Version, "sorted by version")
	}

	want := map[string]string{
		"001_runs":                  "CREATE TABLE IF NOT EXISTS runs",
		"002_redistribution_events": "REFERENCES runs (run_id)",
	}
	for _, m := range migrations {
		assert.NotEmpty(t, m.SQL, m.Label())
		assert.Len(t, m.Checksum(), 64)
		if frag, ok := want[m.Label()]; ok {
			assert.Contains(t, m.SQL, frag)
			delete(want, m.Label())
		}
	}
	assert.Empty(t, want, "migrations not embedded")
}

func TestLoad_Sorting(t *testing.T) {
	fsys := fstest.MapFS{
		"m/010_third.sql":  {Data: []byte("SELECT 3;")},
		"m/002_second.sql": {Data: []byte("SELECT 2;")},
		"m/001_first.sql":  {Data: []byte("SELECT 1;")},
		"m/README.md":      {Data: []byte("ignored")},
	}
	got, err := load(fsys, "m")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"001_first", "002_second", "010_third"},
		[]string{got[0].Label(), got[1].Label(), got[2].Label()})
}

func TestLoad_DuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"m/001_a.sql": {Data: []byte("SELECT 1;")},
		"m/001_b.sql": {Data: []byte("SELECT 2;")},
	}
	_, err := load(fsys, "m")
	assert.ErrorContains(t, err, "share version 1")
}

func TestPlan(t *testing.T) {
	available := []Migration{
		{Version: 1, Name: "runs", SQL: "CREATE TABLE runs ();"},
		{Version: 2, Name: "redistribution_events", SQL: "CREATE TABLE redistribution_events ();"},
		{Version: 3, Name: "later", SQL: "SELECT 1;"},
	}
	sum := func(i int) string { return available[i].Checksum() }

	tests := []struct {
		name        string
		applied     []Record
		wantTodo    []string
		wantDrifted []string
	}{
		{"fresh database", nil, []string{"001_runs", "002_redistribution_events", "003_later"}, nil},
		{"partially applied", []Record{{Version: 1, Checksum: sum(0)}}, []string{"002_redistribution_events", "003_later"}, nil},
		{"up to date", []Record{{Version: 1}, {Version: 2}, {Version: 3}}, nil, nil},
		{"drifted", []Record{{Version: 1, Checksum: "stale"}, {Version: 2, Checksum: sum(1)}}, []string{"003_later"}, []string{"001_runs"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			todo, drifted := plan(available, tt.applied)
			var labels []string
			for _, m := range todo {
				labels = append(labels, m.Label())
			}
			assert.Equal(t, tt.wantTodo, labels)
			assert.Equal(t, tt.wantDrifted, drifted)
		})
	}
}
