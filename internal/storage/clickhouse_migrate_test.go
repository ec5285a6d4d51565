package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingExecer struct {
	statements []string
	failOn     int
}

func (r *recordingExecer) Exec(_ context.Context, query string, _ ...interface{}) error {
	r.statements = append(r.statements, query)
	if r.failOn > 0 && len(r.statements) == r.failOn {
		return errors.New("syntax error")
	}
	return nil
}

func TestSplitSQLStatements(t *testing.T) {
	sql := `-- archive
CREATE TABLE a (
    x UInt8 -- trailing comment kept
);

CREATE TABLE b (y String);
SELECT 1`

	got := splitSQLStatements(sql)
	require.Len(t, got, 3)
	assert.Contains(t, got[0], "CREATE TABLE a")
	assert.NotContains(t, got[0], ";")
	assert.Equal(t, "CREATE TABLE b (y String)", got[1])
	assert.Equal(t, "SELECT 1", got[2])
}

func TestRunClickHouseMigrations(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "002_b.sql"), []byte("CREATE TABLE b (y String);"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "001_a.sql"), []byte("CREATE TABLE a (x UInt8);\nCREATE TABLE c (z UInt8);"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o600))

	exec := &recordingExecer{}
	require.NoError(t, RunClickHouseMigrations(testContext(t), exec, dir))
	assert.Equal(t, []string{"CREATE TABLE a (x UInt8)", "CREATE TABLE c (z UInt8)", "CREATE TABLE b (y String)"}, exec.statements)

	failing := &recordingExecer{failOn: 2}
	err := RunClickHouseMigrations(testContext(t), failing, dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "001_a.sql")
}
