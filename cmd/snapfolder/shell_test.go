package main

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fruitsalade/snapfolder/pkg/cryptogate"
	"github.com/fruitsalade/snapfolder/pkg/errs"
	"github.com/fruitsalade/snapfolder/pkg/metadata"
	"github.com/fruitsalade/snapfolder/pkg/models"
	"github.com/fruitsalade/snapfolder/pkg/storage/memory"
	"github.com/fruitsalade/snapfolder/pkg/transfer"
	"github.com/fruitsalade/snapfolder/pkg/vault"
)

func testApp(t *testing.T) (*app, *bytes.Buffer) {
	t.Helper()
	prev := isTerminal
	isTerminal = func() bool { return false }
	t.Cleanup(func() { isTerminal = prev })

	logger := zaptest.NewLogger(t)
	pipe := transfer.New(memory.New(), cryptogate.New(cryptogate.NewAESGCM()), transfer.Config{
		Logger: logger,
	})
	cache, err := metadata.OpenLocalCache("")
	require.NoError(t, err)
	meta := metadata.NewStore(metadata.Config{Cache: cache, Logger: logger})

	out := &bytes.Buffer{}
	a := &app{
		meta: meta,
		vault: vault.New(vault.Config{
			Transfer:    pipe,
			Metadata:    meta,
			SettleDelay: -1,
			Logger:      logger,
		}),
		out:    out,
		errOut: io.Discard,
	}
	t.Cleanup(a.vault.Close)
	return a, out
}

func TestShell_Session(t *testing.T) {
	a, out := testApp(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(file, []byte("hello shell"), 0600))

	script := strings.Join([]string{
		`mkdir docs "` + file + `"`,
		`cd docs`,
		`ls`,
		`cat a.txt`,
		`rm a.txt`,
		`ls`,
		`up`,
		`cd nowhere`,
		`exit`,
		`ls`,
	}, "\n")

	sh := &shell{app: a, in: bufio.NewScanner(strings.NewReader(script))}
	require.NoError(t, sh.run(context.Background()))

	text := out.String()
	assert.Contains(t, text, "Created docs")
	assert.Contains(t, text, "a.txt")
	assert.Contains(t, text, "hello shell")
	assert.Contains(t, text, "Folder is now")
	assert.Contains(t, text, "(empty)")
	assert.Contains(t, text, errs.Describe(errs.ErrDirectoryNotFound))
	assert.Nil(t, a.vault.Current(), "up should return to the root")
}

func TestShell_CommandsNeedOpenFolder(t *testing.T) {
	a, _ := testApp(t)
	sh := &shell{app: a}
	ctx := context.Background()

	for _, cmd := range [][]string{{"add", "x"}, {"rm", "x"}, {"cat", "x"}, {"rename", "x"}} {
		quit, err := sh.exec(ctx, cmd)
		assert.False(t, quit)
		assert.Error(t, err, cmd[0])
	}

	_, err := sh.exec(ctx, []string{"frobnicate"})
	assert.ErrorContains(t, err, "unknown command")

	quit, err := sh.exec(ctx, []string{"quit"})
	assert.True(t, quit)
	assert.NoError(t, err)
}

func TestResolveFolder(t *testing.T) {
	entries := []models.DirectoryMember{
		{RelativePath: "bafyA", DisplayName: "docs", ContentKind: vault.DirectoryKind},
		{RelativePath: "bafyB", DisplayName: "pics", ContentKind: vault.DirectoryKind},
		{RelativePath: "bafyC", DisplayName: "pics", ContentKind: vault.DirectoryKind},
		{RelativePath: "bafyF", DisplayName: "notes.txt", ContentKind: "text/plain"},
	}

	addr, err := resolveFolder(entries, "docs")
	require.NoError(t, err)
	assert.Equal(t, models.Address("bafyA"), addr)

	addr, err = resolveFolder(entries, "bafyC")
	require.NoError(t, err)
	assert.Equal(t, models.Address("bafyC"), addr)

	_, err = resolveFolder(entries, "pics")
	assert.ErrorContains(t, err, "use the address")

	_, err = resolveFolder(entries, "notes.txt")
	assert.ErrorIs(t, err, errs.ErrDirectoryNotFound)
}

func TestSplitArgs(t *testing.T) {
	tests := []struct {
		line    string
		want    []string
		wantErr bool
	}{
		{line: "", want: nil},
		{line: "  ls  ", want: []string{"ls"}},
		{line: "add -e a.txt\tb.txt", want: []string{"add", "-e", "a.txt", "b.txt"}},
		{line: `mkdir "my docs" x`, want: []string{"mkdir", "my docs", "x"}},
		{line: `rename ""`, want: []string{"rename", ""}},
		{line: `cat "open`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := splitArgs(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
