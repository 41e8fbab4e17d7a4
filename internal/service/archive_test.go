package service

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bogem/id3v2"
	"github.com/kage-kao/VK-Music-Saver/internal/source"
	"github.com/kage-kao/VK-Music-Saver/model"
	"github.com/kage-kao/VK-Music-Saver/utils"
)

func writeFiles(t *testing.T, dir string, sizes ...int) []ArchiveEntry {
	t.Helper()
	entries := make([]ArchiveEntry, 0, len(sizes))
	for i, size := range sizes {
		name := TrackFileName(i+1, source.Track{Artist: "Artist", Title: strings.Repeat("t", i+1)})
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(strings.Repeat("x", size)), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
		entries = append(entries, ArchiveEntry{Path: path, Name: name, Size: int64(size)})
	}
	return entries
}

func TestArchiverSinglePart(t *testing.T) {
	src := t.TempDir()
	entries := writeFiles(t, src, 100, 200, 300)
	a := NewArchiver(t.TempDir(), 1<<20)

	parts, err := a.Pack(context.Background(), "mix_01234567", entries)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if len(parts) != 1 || parts[0].Name != "mix_01234567.zip" || parts[0].Entries != 3 {
		t.Fatalf("parts = %+v", parts)
	}

	zr, err := zip.OpenReader(parts[0].Path)
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	defer zr.Close()
	for i, f := range zr.File {
		if f.Name != entries[i].Name {
			t.Errorf("entry %d = %q, want %q", i, f.Name, entries[i].Name)
		}
		if f.Method != zip.Store {
			t.Errorf("entry %d method = %d, want store", i, f.Method)
		}
	}
}

func TestArchiverSplitsWithinLimit(t *testing.T) {
	src := t.TempDir()
	entries := writeFiles(t, src, 4000, 4000, 4000, 4000, 4000)
	const limit = 9000
	a := NewArchiver(t.TempDir(), limit)

	parts, err := a.Pack(context.Background(), "big_abcdefgh", entries)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if len(parts) < 2 {
		t.Fatalf("parts = %d, want at least 2", len(parts))
	}
	total := 0
	for i, p := range parts {
		if p.Size > limit {
			t.Errorf("part %d is %d bytes, limit %d", i, p.Size, limit)
		}
		if want := "big_abcdefgh_part" + string(rune('1'+i)) + ".zip"; p.Name != want {
			t.Errorf("part %d name = %q, want %q", i, p.Name, want)
		}
		zr, err := zip.OpenReader(p.Path)
		if err != nil {
			t.Fatalf("part %d is not a standalone zip: %v", i, err)
		}
		total += len(zr.File)
		zr.Close()
	}
	if total != len(entries) {
		t.Errorf("entries across parts = %d, want %d", total, len(entries))
	}
}

func TestArchiverOversizedFile(t *testing.T) {
	src := t.TempDir()
	entries := writeFiles(t, src, 10, 5000)
	out := t.TempDir()
	a := NewArchiver(out, 2000)

	if _, err := a.Pack(context.Background(), "x", entries); !errors.Is(err, model.ErrPack) {
		t.Fatalf("err = %v, want ErrPack", err)
	}
	left, _ := os.ReadDir(out)
	if len(left) != 0 {
		t.Errorf("left %d files behind", len(left))
	}
}

func TestArchiverCancelled(t *testing.T) {
	src := t.TempDir()
	entries := writeFiles(t, src, 10, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := NewArchiver(t.TempDir(), 1<<20).Pack(ctx, "x", entries); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestNaming(t *testing.T) {
	if got := ArchiveBaseName(`AC/DC: "Best"`, "0190a1b2-c3d4"); got != "ACDC Best_0190a1b2-c3d4" {
		t.Errorf("ArchiveBaseName = %q", got)
	}
	if got := TrackFileName(7, source.Track{Artist: "Кино", Title: "Группа крови"}); got != "007. Кино - Группа крови.mp3" {
		t.Errorf("TrackFileName = %q", got)
	}
	long := TrackFileName(1, source.Track{Artist: strings.Repeat("Я", 300), Title: "x"})
	if len(long) > 204 {
		t.Errorf("long name is %d bytes", len(long))
	}
	if got := TrackFileName(2, source.Track{}); got != "002. Unknown - Unknown.mp3" {
		t.Errorf("empty track name = %q", got)
	}
}

func TestArchiveBaseNameDistinctForSameTitle(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		name := ArchiveBaseName("My music", utils.NewSortableID())
		if seen[name] {
			t.Fatalf("archive name %q reused by tasks created back to back", name)
		}
		seen[name] = true
	}
}

func TestWriteTags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "song.mp3")
	if err := os.WriteFile(path, []byte("not really audio"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := WriteTags(path, TrackTags{
		Title:  "Группа крови",
		Artist: "Кино",
		Album:  "Группа крови",
		Cover:  []byte{0xff, 0xd8, 0xff, 0xe0},
		Lyrics: "Тёплое место",
	})
	if err != nil {
		t.Fatalf("WriteTags: %v", err)
	}

	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer tag.Close()
	if tag.Title() != "Группа крови" || tag.Artist() != "Кино" || tag.Album() != "Группа крови" {
		t.Errorf("tags = %q / %q / %q", tag.Title(), tag.Artist(), tag.Album())
	}
	if pics := tag.GetFrames("APIC"); len(pics) != 1 {
		t.Errorf("pictures = %d, want 1", len(pics))
	}
	if uslt := tag.GetFrames("USLT"); len(uslt) != 1 {
		t.Errorf("lyrics frames = %d, want 1", len(uslt))
	}
}
