package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	journal_adapter "github.com/JoeShih716/go-payout-engine/internal/app/payout/adapter/out/journal"
	"github.com/JoeShih716/go-payout-engine/internal/app/payout/domain"
	"github.com/JoeShih716/go-payout-engine/internal/app/payout/usecase"
)

func TestJournalCompactTask(t *testing.T) {
	t.Run("Given applied callbacks When the compact task runs Then only pending entries remain", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "callbacks.wal")
		inbox, err := journal_adapter.Open(path)
		if err != nil {
			t.Fatalf("open inbox: %v", err)
		}
		t.Cleanup(func() { _ = inbox.Close() })

		for i, id := range []string{"cb-1", "cb-2", "cb-3"} {
			err := inbox.Append(usecase.JournalEntry{
				ID:         id,
				ReceivedAt: time.Date(2024, 3, 1, 9, i, 0, 0, time.UTC),
				Outcome:    &domain.Outcome{Reference: "agg-" + id, Status: domain.TransferSuccess, Source: domain.SourceCallback},
			})
			if err != nil {
				t.Fatalf("append: %v", err)
			}
		}
		for _, id := range []string{"cb-1", "cb-2"} {
			if err := inbox.MarkApplied(id); err != nil {
				t.Fatalf("mark applied: %v", err)
			}
		}
		before := fileSize(t, path)

		task := journalCompactTask(inbox, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
		if task.Name != "journal_compact" || task.Interval != time.Hour {
			t.Errorf("unexpected task %+v", task)
		}
		if err := task.Run(context.Background()); err != nil {
			t.Fatalf("run: %v", err)
		}

		if after := fileSize(t, path); after >= before {
			t.Errorf("journal not compacted: %d -> %d bytes", before, after)
		}
		pending, err := inbox.Pending()
		if err != nil {
			t.Fatalf("pending: %v", err)
		}
		if len(pending) != 1 || pending[0].ID != "cb-3" {
			t.Errorf("pending = %+v", pending)
		}
	})
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	return info.Size()
}
