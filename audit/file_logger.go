package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const defaultCacheSize = 1000

type FileLogger struct {
	mu         sync.RWMutex
	file       *os.File
	config     *Config
	fileOpts   FileOptions
	eventCache []Event // Recent events written by this process
}

type FileOptions struct {
	FilePath  string `json:"file_path"`
	CacheSize int    `json:"cache_size,omitempty"`
}

// NewFileLogger creates a new file-based audit logger writing JSON lines
func NewFileLogger(config *Config) (*FileLogger, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	var fileOpts FileOptions
	if err := parseOptions(config.Options, &fileOpts); err != nil {
		return nil, fmt.Errorf("invalid file logger options: %w", err)
	}

	if fileOpts.FilePath == "" {
		return nil, fmt.Errorf("file_path is required for file logger")
	}
	if fileOpts.CacheSize <= 0 {
		fileOpts.CacheSize = defaultCacheSize
	}

	if err := os.MkdirAll(filepath.Dir(fileOpts.FilePath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	file, err := os.OpenFile(fileOpts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return &FileLogger{
		file:       file,
		config:     config,
		fileOpts:   fileOpts,
		eventCache: make([]Event, 0),
	}, nil
}

// Log implements the Logger interface
func (fl *FileLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	return fl.writeEvent(newEvent(action, success, metadata, "cardvault"))
}

// writeEvent appends an event to the log file and updates the cache
func (fl *FileLogger) writeEvent(event Event) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	// a previous session may have closed the shared logger
	if err := fl.ensureFileOpen(); err != nil {
		return err
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize audit event: %w", err)
	}

	if _, err = fl.file.Write(append(eventJSON, '\n')); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}

	if err = fl.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}

	fl.eventCache = append(fl.eventCache, event)
	if len(fl.eventCache) > fl.fileOpts.CacheSize {
		fl.eventCache = fl.eventCache[len(fl.eventCache)-fl.fileOpts.CacheSize:]
	}

	return nil
}

// Query returns matching events, newest first. Bounded queries that fall
// inside the cached window are answered from memory.
func (fl *FileLogger) Query(options QueryOptions) (QueryResult, error) {
	fl.mu.RLock()
	defer fl.mu.RUnlock()

	if fl.canUseCacheForQuery(options) {
		return paginate(filterEvents(fl.eventCache, options), len(fl.eventCache), options), nil
	}

	events, total, err := fl.readEventsFromFile(fl.fileOpts.FilePath)
	if err != nil {
		return QueryResult{}, err
	}
	return paginate(filterEvents(events, options), total, options), nil
}

func (fl *FileLogger) canUseCacheForQuery(options QueryOptions) bool {
	if len(fl.eventCache) == 0 || options.Since == nil {
		return false
	}
	return !options.Since.Before(fl.eventCache[0].Timestamp)
}

// readEventsFromFile reads every parseable event from the file
func (fl *FileLogger) readEventsFromFile(filePath string) ([]Event, int, error) {
	file, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to open audit log file: %w", err)
	}
	defer file.Close()

	var events []Event
	total := 0

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		total++

		var event Event
		if err = json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}
		events = append(events, event)
	}

	if err = scanner.Err(); err != nil {
		return events, total, fmt.Errorf("error reading audit log file: %w", err)
	}

	return events, total, nil
}

// Close implements the Logger interface
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.file != nil {
		err := fl.file.Close()
		fl.file = nil
		return err
	}
	return nil
}

func (fl *FileLogger) ensureFileOpen() error {
	if fl.file == nil {
		var err error
		fl.file, err = os.OpenFile(fl.fileOpts.FilePath,
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("failed to reopen audit log: %w", err)
		}
	}
	return nil
}

func filterEvents(events []Event, options QueryOptions) []Event {
	filtered := make([]Event, 0, len(events))
	for _, event := range events {
		if matchesFilter(event, options) {
			filtered = append(filtered, event)
		}
	}

	// newest first
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Timestamp.After(filtered[j].Timestamp)
	})
	return filtered
}

func paginate(filtered []Event, total int, options QueryOptions) QueryResult {
	start := options.Offset
	if start < 0 {
		start = 0
	}
	if start > len(filtered) {
		start = len(filtered)
	}

	end := len(filtered)
	if options.Limit > 0 && start+options.Limit < end {
		end = start + options.Limit
	}

	return QueryResult{
		Events:     filtered[start:end],
		TotalCount: total,
		Filtered:   len(filtered),
		HasMore:    end < len(filtered),
	}
}
