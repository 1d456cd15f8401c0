package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTaskSnapshotSkipsHeader(t *testing.T) {
	input := "PID TID PGID SID STATE PRIORITY NAME\n" +
		"1 1 1 1 running 1 init\n" +
		"2 2 1 1 sleeping 1 shell\n"

	rows, err := parseTaskSnapshot(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "init", rows[0].Name)
	assert.Equal(t, "shell", rows[1].Name)
	assert.Equal(t, "sleeping", rows[1].State)
}

func TestParseTaskSnapshotRejectsShortLines(t *testing.T) {
	_, err := parseTaskSnapshot(strings.NewReader("1 2 3\n"))
	require.Error(t, err)
}

func TestParseTaskSnapshotHandlesMultiWordNames(t *testing.T) {
	rows, err := parseTaskSnapshot(strings.NewReader("3 3 3 3 running 2 kernel worker\n"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "kernel worker", rows[0].Name)
}

func TestRenderTaskTableIncludesHeader(t *testing.T) {
	rows := []taskRow{{PID: "1", TID: "1", PGID: "1", SID: "1", State: "running", Priority: "1", Name: "init"}}
	out := renderTaskTable(rows)
	assert.Contains(t, out, "PID")
	assert.Contains(t, out, "init")
}

func TestResolveOutputType(t *testing.T) {
	assert.Equal(t, jsonOut, resolveOutputType("json"))
	assert.Equal(t, tableOut, resolveOutputType("table"))
	assert.Equal(t, tableOut, resolveOutputType(""))
}
