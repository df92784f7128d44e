package blocks

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	tbl := Default()
	assert.Equal(t, Event, tbl.BlockFor("city"))
	assert.Equal(t, Edition, tbl.BlockFor("startDate"))
	assert.Equal(t, Organizer, tbl.BlockFor("organizerEmail"))
	assert.Equal(t, Edition, tbl.BlockFor("somethingUnlisted"))
	assert.True(t, tbl.Known(Races))
	assert.True(t, tbl.Known(Organizer))
	assert.False(t, tbl.Known("pricing"))
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
fallback: misc
blocks:
  event: [name, city]
  edition:
    - startDate
`), 0o600))

	tbl, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Event, tbl.BlockFor("city"))
	assert.Equal(t, Edition, tbl.BlockFor("startDate"))
	assert.Equal(t, "misc", tbl.BlockFor("organizerName"))
	assert.True(t, tbl.Known("misc"))
}

func TestLoad_EmptyPathUsesDefault(t *testing.T) {
	tbl, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Event, tbl.BlockFor("websiteUrl"))
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Parse([]byte("blocks: [not, a, map]"))
	assert.Error(t, err)

	_, err = Parse([]byte("blocks:\n  races: [distance]\n"))
	assert.Error(t, err)
}

func TestFunc(t *testing.T) {
	var c Classifier = Func(func(string) string { return "x" })
	assert.Equal(t, "x", c.BlockFor("anything"))
}
