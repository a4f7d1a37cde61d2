package spool_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/dglo/hitspool/internal/spool"
	"github.com/dglo/hitspool/internal/tick"
)

const sampleMetadata = `cur_slice=2
0 1000 1999
1 2000 2999
2 3000 3999
`

func TestParseAndResolve(t *testing.T) {
	md, err := spool.Parse(strings.NewReader(sampleMetadata))
	assert.NoError(t, err)
	assert.Equal(t, 2, md.Head)
	assert.Equal(t, 3, len(md.Slices))

	matched, clamped, err := md.Resolve(tick.Range{Start: 1500, Stop: 2500}, 0)
	assert.NoError(t, err)
	assert.False(t, clamped)
	assert.Equal(t, 2, len(matched))
	assert.Equal(t, 0, matched[0].Number)
	assert.Equal(t, 1, matched[1].Number)
}

func TestResolveOutsideRetention(t *testing.T) {
	md, err := spool.Parse(strings.NewReader(sampleMetadata))
	assert.NoError(t, err)

	_, _, err = md.Resolve(tick.Range{Start: 10000, Stop: 20000}, 0)
	assert.IsError(t, err, spool.ErrDataNotInSpool)
}

func TestResolveClamps(t *testing.T) {
	md, err := spool.Parse(strings.NewReader(sampleMetadata))
	assert.NoError(t, err)

	matched, clamped, err := md.Resolve(tick.Range{Start: 1000, Stop: 3999}, 500)
	assert.NoError(t, err)
	assert.True(t, clamped)
	assert.Equal(t, 1, len(matched))
}

func TestParseMalformed(t *testing.T) {
	_, err := spool.Parse(strings.NewReader("not valid metadata"))
	assert.IsError(t, err, spool.ErrUnparseable)
}

func TestLinkOrCopy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, spool.FileName(0))
	assert.NoError(t, os.WriteFile(src, []byte("hits"), 0o640))

	dstDir := filepath.Join(dir, "staging")
	dst, err := spool.LinkOrCopy(src, dstDir)
	assert.NoError(t, err)

	data, err := os.ReadFile(dst)
	assert.NoError(t, err)
	assert.Equal(t, "hits", string(data))
}
