package journal

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/JoeShih716/go-payout-engine/internal/app/payout/usecase"
	"github.com/JoeShih716/go-payout-engine/pkg/wal"
)

// 紀錄種類
const (
	recordReceived = "received"
	recordApplied  = "applied"
)

// record WAL 中的一行
type record struct {
	Type  string                `json:"type"`
	Entry *usecase.JournalEntry `json:"entry,omitempty"`
	ID    string                `json:"id,omitempty"`
}

// Inbox 建立在 WAL 上的 callback 收件匣
//
// 收到的 callback 先落地 (received)，套用到資料庫後再追加 applied 標記；
// 重啟時 Pending 回傳沒有 applied 標記的紀錄。
type Inbox struct {
	wal *wal.WAL
	mu  sync.Mutex
}

// Open 開啟或建立收件匣檔案
func Open(path string) (*Inbox, error) {
	w, err := wal.NewWAL(path)
	if err != nil {
		return nil, fmt.Errorf("open callback journal: %w", err)
	}
	return &Inbox{wal: w}, nil
}

func (i *Inbox) Append(entry usecase.JournalEntry) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.wal.Write(record{Type: recordReceived, Entry: &entry})
}

func (i *Inbox) MarkApplied(id string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.wal.Write(record{Type: recordApplied, ID: id})
}

// Pending 依收到的順序回傳尚未套用的紀錄
func (i *Inbox) Pending() ([]usecase.JournalEntry, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.pendingLocked()
}

func (i *Inbox) pendingLocked() ([]usecase.JournalEntry, error) {
	var (
		order   []string
		entries = make(map[string]usecase.JournalEntry)
	)
	err := i.wal.ReadAll(func(raw []byte) error {
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		switch rec.Type {
		case recordReceived:
			if rec.Entry == nil {
				return nil
			}
			if _, ok := entries[rec.Entry.ID]; !ok {
				order = append(order, rec.Entry.ID)
			}
			entries[rec.Entry.ID] = *rec.Entry
		case recordApplied:
			e, ok := entries[rec.ID]
			if ok {
				e.Applied = true
				entries[rec.ID] = e
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read callback journal: %w", err)
	}

	out := make([]usecase.JournalEntry, 0, len(order))
	for _, id := range order {
		if e := entries[id]; !e.Applied {
			out = append(out, e)
		}
	}
	return out, nil
}

// Compact 移除已套用的紀錄，回傳保留的筆數
func (i *Inbox) Compact() (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	pending, err := i.pendingLocked()
	if err != nil {
		return 0, err
	}
	keep := make(map[string]bool, len(pending))
	for _, e := range pending {
		keep[e.ID] = true
	}
	return i.wal.Compact(func(raw []byte) bool {
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return false
		}
		return rec.Type == recordReceived && rec.Entry != nil && keep[rec.Entry.ID]
	})
}

func (i *Inbox) Close() error {
	return i.wal.Close()
}

var _ usecase.CallbackJournal = (*Inbox)(nil)
