package wal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// 檔案權限
const (
	// rw-r--r-- 適用於大多數檔案
	FileModeReadOnly fs.FileMode = 0644

	// rwxr-xr-x 目錄
	FileModeDir fs.FileMode = 0755

	// rw------- 只有擁有者可讀寫，webhook 內容可能含帳戶資料
	FileModePrivate fs.FileMode = 0600
)

// WAL 以 JSON lines 追加寫入的日誌檔，每筆寫入都會 fsync
type WAL struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// NewWAL 開啟或建立一個 WAL 檔案 (上層目錄不存在時一併建立)
// O_APPEND 每次寫入時自動跳到文件末尾
func NewWAL(path string) (*WAL, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, FileModeDir); err != nil {
			return nil, fmt.Errorf("create wal dir: %w", err)
		}
	}
	file, err := openAppend(path)
	if err != nil {
		return nil, err
	}
	return &WAL{path: path, file: file}, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, FileModePrivate)
}

// Path 檔案路徑
func (w *WAL) Path() string {
	return w.path
}

// Write 寫入一筆資料並刷入硬碟
func (w *WAL) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := json.NewEncoder(w.file).Encode(v); err != nil {
		return err
	}
	return w.file.Sync()
}

// Close 關閉檔案
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// ReadAll 從頭依序讀取每一筆資料
// 檔案尾端寫到一半的紀錄 (當機時) 會被忽略
func (w *WAL) ReadAll(callback func(jsonRaw []byte) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.readAllLocked(callback)
}

func (w *WAL) readAllLocked(callback func(jsonRaw []byte) error) error {
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	decoder := json.NewDecoder(bufio.NewReader(w.file))
	for {
		var raw json.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		if err := callback(raw); err != nil {
			return err
		}
	}
}

// Compact 只保留 keep 回傳 true 的紀錄
// 先寫到暫存檔再 rename，中途失敗時原檔不受影響
func (w *WAL) Compact(keep func(jsonRaw []byte) bool) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	tmpPath := w.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, FileModePrivate)
	if err != nil {
		return 0, err
	}
	kept := 0
	buf := bufio.NewWriter(tmp)
	err = w.readAllLocked(func(raw []byte) error {
		if !keep(raw) {
			return nil
		}
		kept++
		if _, err := buf.Write(raw); err != nil {
			return err
		}
		return buf.WriteByte('\n')
	})
	if err == nil {
		err = buf.Flush()
	}
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}

	if err := os.Rename(tmpPath, w.path); err != nil {
		return 0, err
	}
	if err := w.file.Close(); err != nil {
		return 0, err
	}
	file, err := openAppend(w.path)
	if err != nil {
		return 0, err
	}
	w.file = file
	return kept, nil
}
