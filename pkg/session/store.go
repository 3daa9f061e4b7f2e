package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/llm"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const transcriptExt = ".jsonl"

// maxLineSize bounds one transcript line; tool outputs can be large
const maxLineSize = 8 * 1024 * 1024

// ErrSessionNotFound is returned when a transcript does not exist
var ErrSessionNotFound = errors.New("session not found")

// Entry is one transcript line
type Entry struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Turn      llm.Turn  `json:"turn"`
}

// Info describes a stored transcript
type Info struct {
	ID           string    `json:"id"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// Store persists conversation transcripts as one JSONL file per session id
type Store struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// New creates a Store rooted at dir. An empty dir uses $HOME/.parley/sessions.
func New(dir string) (*Store, error) {
	observability.EnsureRegistered()

	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".parley", "sessions")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	log.Debug().Str("dir", dir).Msg("Session store initialized")

	return &Store{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the directory holding transcripts
func (s *Store) Dir() string {
	return s.dir
}

// ValidateID checks that a session id is safe to use as a file name
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("session id cannot contain '..'")
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("session id cannot contain path separators")
	}
	if strings.Contains(id, "\x00") {
		return fmt.Errorf("session id cannot contain null bytes")
	}
	return nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+transcriptExt)
}

func (s *Store) writeLock(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, ok := s.writeLocks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.writeLocks[id] = lock
	return lock
}

// Append writes turns to the end of the session transcript, creating it if needed
func (s *Store) Append(ctx context.Context, id string, turns ...llm.Turn) error {
	ctx = tracing.WithSessionKey(ctx, id)
	ctx, span := tracing.StartSpan(ctx, "parley.session", "session.append",
		attribute.String("session_id", id),
		attribute.Int("turns", len(turns)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()
	defer func() {
		observability.RecordSessionSave(time.Since(start))
	}()

	if err := ValidateID(id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if len(turns) == 0 {
		return nil
	}
	for i, turn := range turns {
		if !turn.Role.Valid() {
			err := fmt.Errorf("turn %d has invalid role %q", i, turn.Role)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	lock := s.writeLock(id)
	lock.Lock()
	defer lock.Unlock()

	file, err := os.OpenFile(s.path(id), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	if err := writeEntries(file, id, turns); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := file.Sync(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to sync file: %w", err)
	}

	logger.Debug().Int("turns", len(turns)).Msg("Turns appended")
	return nil
}

// Load reads every turn of a session in order. Corrupt lines are skipped with a warning.
func (s *Store) Load(ctx context.Context, id string) ([]llm.Turn, error) {
	ctx = tracing.WithSessionKey(ctx, id)
	ctx, span := tracing.StartSpan(ctx, "parley.session", "session.load",
		attribute.String("session_id", id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()
	defer func() {
		observability.RecordSessionLoad(time.Since(start))
	}()

	if err := ValidateID(id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	file, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	var turns []llm.Turn
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			logger.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse line, skipping")
			continue
		}
		// empty model turns are kept; curated history drops them with their user turn
		if !entry.Turn.Role.Valid() {
			logger.Warn().Int("line", lineNum).Msg("Invalid entry, skipping")
			continue
		}
		turns = append(turns, entry.Turn)
	}

	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	logger.Debug().Int("turns", len(turns)).Msg("Session loaded")
	return turns, nil
}

// Rewrite atomically replaces the transcript with turns
func (s *Store) Rewrite(ctx context.Context, id string, turns []llm.Turn) error {
	ctx = tracing.WithSessionKey(ctx, id)
	ctx, span := tracing.StartSpan(ctx, "parley.session", "session.rewrite",
		attribute.String("session_id", id),
		attribute.Int("turns", len(turns)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()
	defer func() {
		observability.RecordSessionSave(time.Since(start))
	}()

	if err := ValidateID(id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	lock := s.writeLock(id)
	lock.Lock()
	defer lock.Unlock()

	target := s.path(id)
	tempPath := target + ".tmp"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if err := writeEntries(file, id, turns); err != nil {
		file.Close()
		os.Remove(tempPath)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	file.Close()

	if err := os.Rename(tempPath, target); err != nil {
		os.Remove(tempPath)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to replace session file: %w", err)
	}

	logger.Info().Int("turns", len(turns)).Msg("Session rewritten")
	return nil
}

// Delete removes a transcript. Deleting a missing session is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	ctx = tracing.WithSessionKey(ctx, id)
	ctx, span := tracing.StartSpan(ctx, "parley.session", "session.delete",
		attribute.String("session_id", id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if err := ValidateID(id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	lock := s.writeLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to delete session file: %w", err)
	}

	s.locksMu.Lock()
	delete(s.writeLocks, id)
	s.locksMu.Unlock()

	logger.Info().Msg("Session deleted")
	return nil
}

// List returns stored sessions, most recently modified first
func (s *Store) List() ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Info{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	sessions := make([]Info, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), transcriptExt) {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		sessions = append(sessions, Info{
			ID:           strings.TrimSuffix(entry.Name(), transcriptExt),
			Size:         fi.Size(),
			LastModified: fi.ModTime(),
		})
	}

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].LastModified.Equal(sessions[j].LastModified) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].LastModified.After(sessions[j].LastModified)
	})
	return sessions, nil
}

// Exists reports whether a transcript is stored for id
func (s *Store) Exists(id string) bool {
	if ValidateID(id) != nil {
		return false
	}
	_, err := os.Stat(s.path(id))
	return err == nil
}

// Transcript binds the store to one session id
func (s *Store) Transcript(id string) *Transcript {
	return &Transcript{store: s, id: id}
}

// Transcript records one conversation's turns. It satisfies chat.Recorder.
type Transcript struct {
	store *Store
	id    string
}

// ID returns the session id
func (t *Transcript) ID() string {
	return t.id
}

// AppendTurns appends turns to the transcript
func (t *Transcript) AppendTurns(ctx context.Context, turns []llm.Turn) error {
	return t.store.Append(ctx, t.id, turns...)
}

// ReplaceHistory rewrites the transcript with history
func (t *Transcript) ReplaceHistory(ctx context.Context, history []llm.Turn) error {
	return t.store.Rewrite(ctx, t.id, history)
}

func writeEntries(file *os.File, id string, turns []llm.Turn) error {
	w := bufio.NewWriter(file)
	now := time.Now()
	for _, turn := range turns {
		data, err := json.Marshal(Entry{SessionID: id, Timestamp: now, Turn: turn})
		if err != nil {
			return fmt.Errorf("failed to marshal turn: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("failed to write turn: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write turns: %w", err)
	}
	return nil
}
