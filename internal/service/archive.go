package service

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/kage-kao/VK-Music-Saver/internal/source"
	"github.com/kage-kao/VK-Music-Saver/model"
	"github.com/kage-kao/VK-Music-Saver/utils"
)

const (
	// local header, data descriptor and central directory record, names excluded
	zipEntryOverhead = 128
	// end of central directory record plus slack
	zipArchiveOverhead = 64
)

// ArchiveEntry is one retrieved file in archive order.
type ArchiveEntry struct {
	Path string // file on disk
	Name string // name inside the zip
	Size int64
}

// ArchivePart is a finished standalone zip.
type ArchivePart struct {
	Path    string
	Name    string
	Size    int64
	Entries int
}

// Archiver packs files into stored (uncompressed) zips no larger than Limit.
type Archiver struct {
	Dir   string
	Limit int64
}

func NewArchiver(dir string, limit int64) *Archiver {
	return &Archiver{Dir: dir, Limit: limit}
}

func entryCost(e ArchiveEntry) int64 {
	return e.Size + 2*int64(len(e.Name)) + zipEntryOverhead
}

// planParts groups entries greedily in order so that each group's estimated
// zip size stays within limit.
func planParts(entries []ArchiveEntry, limit int64) ([][]ArchiveEntry, error) {
	var (
		parts   [][]ArchiveEntry
		current []ArchiveEntry
		size    int64 = zipArchiveOverhead
	)
	for _, e := range entries {
		cost := entryCost(e)
		if cost+zipArchiveOverhead > limit {
			return nil, fmt.Errorf("%w: %s (%d bytes) does not fit in a %d byte archive", model.ErrPack, e.Name, e.Size, limit)
		}
		if len(current) > 0 && size+cost > limit {
			parts = append(parts, current)
			current = nil
			size = zipArchiveOverhead
		}
		current = append(current, e)
		size += cost
	}
	if len(current) > 0 {
		parts = append(parts, current)
	}
	return parts, nil
}

// Pack writes base.zip, or base_part1.zip, base_part2.zip... when the files
// do not fit in one archive.
func (a *Archiver) Pack(ctx context.Context, base string, entries []ArchiveEntry) ([]ArchivePart, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: nothing to pack", model.ErrPack)
	}
	groups, err := planParts(entries, a.Limit)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(a.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrPack, err)
	}

	parts := make([]ArchivePart, 0, len(groups))
	for i, group := range groups {
		name := base + ".zip"
		if len(groups) > 1 {
			name = fmt.Sprintf("%s_part%d.zip", base, i+1)
		}
		part, err := a.writePart(ctx, filepath.Join(a.Dir, name), group)
		if err != nil {
			RemoveParts(parts)
			return nil, err
		}
		part.Name = name
		parts = append(parts, part)
	}
	return parts, nil
}

func (a *Archiver) writePart(ctx context.Context, path string, group []ArchiveEntry) (ArchivePart, error) {
	f, err := os.Create(path)
	if err != nil {
		return ArchivePart{}, fmt.Errorf("%w: %v", model.ErrPack, err)
	}
	fail := func(err error) (ArchivePart, error) {
		_ = f.Close()
		_ = os.Remove(path)
		return ArchivePart{}, err
	}

	zw := zip.NewWriter(f)
	for _, e := range group {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if err := addFile(zw, e); err != nil {
			return fail(fmt.Errorf("%w: %s: %v", model.ErrPack, e.Name, err))
		}
	}
	if err := zw.Close(); err != nil {
		return fail(fmt.Errorf("%w: %v", model.ErrPack, err))
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return ArchivePart{}, fmt.Errorf("%w: %v", model.ErrPack, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return ArchivePart{}, fmt.Errorf("%w: %v", model.ErrPack, err)
	}
	if info.Size() > a.Limit {
		_ = os.Remove(path)
		return ArchivePart{}, fmt.Errorf("%w: part %s is %d bytes, limit %d", model.ErrPack, filepath.Base(path), info.Size(), a.Limit)
	}
	return ArchivePart{Path: path, Size: info.Size(), Entries: len(group)}, nil
}

func addFile(zw *zip.Writer, e ArchiveEntry) error {
	src, err := os.Open(e.Path)
	if err != nil {
		return err
	}
	defer src.Close()
	w, err := zw.CreateHeader(&zip.FileHeader{Name: e.Name, Method: zip.Store})
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}

// RemoveParts deletes the local part files.
func RemoveParts(parts []ArchivePart) {
	for _, p := range parts {
		_ = os.Remove(p.Path)
	}
}

// ArchiveBaseName is "<title>_<task id>" with the title made file-safe. The
// whole id is kept: it names the uploaded object, and v7 ids created close
// together share their leading digits.
func ArchiveBaseName(title, taskID string) string {
	safe := truncateRunes(utils.SanitizeFilename(title), 150)
	return safe + "_" + taskID
}

// TrackFileName is "NNN. Artist - Title.mp3" for the 1-based position.
// Names are capped at 200 bytes so cyrillic titles stay under NAME_MAX.
func TrackFileName(position int, t source.Track) string {
	name := utils.SanitizeFilename(fmt.Sprintf("%03d. %s", position, t.Label()))
	return truncateBytes(name, 200) + ".mp3"
}

func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut])
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return strings.TrimSpace(string([]rune(s)[:n]))
}
