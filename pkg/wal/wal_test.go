package wal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

type line struct {
	N int `json:"n"`
}

func readLines(t *testing.T, w *WAL) []int {
	t.Helper()
	var out []int
	err := w.ReadAll(func(raw []byte) error {
		var l line
		if err := json.Unmarshal(raw, &l); err != nil {
			return err
		}
		out = append(out, l.N)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	return out
}

func TestWriteAndReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "journal.wal")
	w, err := NewWAL(path)
	if err != nil {
		t.Fatalf("NewWAL() error = %v", err)
	}
	for i := 1; i <= 3; i++ {
		if err := w.Write(line{N: i}); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if got := readLines(t, w); len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Errorf("lines = %v", got)
	}

	// 讀完之後繼續寫仍然追加在尾端
	if err := w.Write(line{N: 4}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := readLines(t, w); len(got) != 4 || got[3] != 4 {
		t.Errorf("lines after append = %v", got)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != FileModePrivate {
		t.Errorf("mode = %v", info.Mode().Perm())
	}

	reopened, err := NewWAL(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if got := readLines(t, reopened); len(got) != 4 {
		t.Errorf("lines after reopen = %v", got)
	}
}

func TestReadAllIgnoresTruncatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.wal")
	w, err := NewWAL(path)
	if err != nil {
		t.Fatalf("NewWAL() error = %v", err)
	}
	defer w.Close()
	if err := w.Write(line{N: 1}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	// 模擬寫到一半當機
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, FileModePrivate)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString(`{"n":`); err != nil {
		t.Fatalf("write partial: %v", err)
	}
	f.Close()

	if got := readLines(t, w); len(got) != 1 || got[0] != 1 {
		t.Errorf("lines = %v", got)
	}
}

func TestCompact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.wal")
	w, err := NewWAL(path)
	if err != nil {
		t.Fatalf("NewWAL() error = %v", err)
	}
	defer w.Close()
	for i := 1; i <= 6; i++ {
		if err := w.Write(line{N: i}); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	kept, err := w.Compact(func(raw []byte) bool {
		var l line
		_ = json.Unmarshal(raw, &l)
		return l.N%2 == 0
	})
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if kept != 3 {
		t.Errorf("kept = %d", kept)
	}
	if got := readLines(t, w); len(got) != 3 || got[0] != 2 || got[2] != 6 {
		t.Errorf("lines after compact = %v", got)
	}
	if _, err := os.Stat(path + ".compact"); !os.IsNotExist(err) {
		t.Errorf("temp file left behind: %v", err)
	}

	// compact 後的檔案仍可追加
	if err := w.Write(line{N: 7}); err != nil {
		t.Fatalf("Write() after compact error = %v", err)
	}
	if got := readLines(t, w); len(got) != 4 || got[3] != 7 {
		t.Errorf("lines = %v", got)
	}
}
