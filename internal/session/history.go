package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"aeternum/internal/domain"
	"aeternum/internal/ring"
)

// maxHistoryLine bounds a single JSONL record; sanitized commands are capped
// at 5000 runes but assistant replies are not.
const maxHistoryLine = 1 << 20

// openAppend opens the transcript for appending; tests replace it.
var openAppend = func(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
}

// HistoryStore keeps finished chat messages in a JSONL file, one message per
// line, oldest first. It implements domain.TranscriptStore.
type HistoryStore struct {
	path string
	mu   sync.Mutex
}

// NewHistoryStore returns a store backed by the JSONL file at path. The file
// and its directory are created on the first Append.
func NewHistoryStore(path string) *HistoryStore {
	return &HistoryStore{path: path}
}

// Path returns the transcript file.
func (h *HistoryStore) Path() string { return h.path }

// Append writes msg as one line. Streaming placeholders are never stored.
func (h *HistoryStore) Append(msg domain.ChatMessage) error {
	msg.Streaming = false
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	data = append(data, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(h.path), 0755); err != nil {
		return fmt.Errorf("history: %w", err)
	}
	w, err := openAppend(h.path)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	_, werr := w.Write(data)
	cerr := w.Close()
	if werr != nil {
		return fmt.Errorf("history: %w", werr)
	}
	return cerr
}

// LoadHistory returns the newest n messages, oldest first. A missing file or
// n <= 0 yields no messages; undecodable lines are skipped.
func (h *HistoryStore) LoadHistory(n int) ([]domain.ChatMessage, error) {
	if n <= 0 {
		return nil, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	tail, err := h.tail(n)
	if err != nil || tail == nil {
		return nil, err
	}
	return tail.Items(), nil
}

// tail scans the file keeping the newest n messages. Returns nil when the
// file does not exist. Callers hold h.mu.
func (h *HistoryStore) tail(n int) (*ring.Buffer[domain.ChatMessage], error) {
	f, err := os.Open(h.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("history: %w", err)
	}
	defer f.Close()

	buf := ring.New[domain.ChatMessage](n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxHistoryLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg domain.ChatMessage
		if json.Unmarshal(line, &msg) != nil || msg.ID == "" {
			continue
		}
		msg.Streaming = false
		buf.PushBack(msg)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return buf, nil
}

// Compact rewrites the file so it holds only the newest keep messages. The
// rewrite goes through a temp file and a rename, so a crash leaves either the
// old or the new transcript.
func (h *HistoryStore) Compact(keep int) error {
	if keep <= 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	tail, err := h.tail(keep)
	if err != nil || tail == nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(h.path), filepath.Base(h.path)+".*")
	if err != nil {
		return fmt.Errorf("history compact: %w", err)
	}
	enc := json.NewEncoder(tmp)
	for _, m := range tail.Items() {
		if err = enc.Encode(m); err != nil {
			break
		}
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), h.path)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("history compact: %w", err)
	}
	return nil
}

var _ domain.TranscriptStore = (*HistoryStore)(nil)
