// Package filefeed is a cross-process real-time feed over an append-only
// JSONL event log. Producers append events with an exclusive-lock write;
// consumers tail the file with fsnotify and fan events out to viewer-scoped
// subscribers. Combined with Wrap it lets two processes share one
// persistence backend and still see each other's messages live.
package filefeed

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"

	"github.com/eisapp/chatcore/types"
)

type subscriber struct {
	viewerID string
	fn       func(types.MessageEvent)
}

// Feed is one process's handle on the shared event log. Events appended by
// any handle (this process included) are delivered to local subscribers;
// receivers rely on idempotent stores, so the self-echo is harmless.
type Feed struct {
	path    string
	logger  *log.Logger
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	offset  int64
	subs    map[int]subscriber
	nextSub int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open starts tailing the event log at path. Only events appended after
// Open are delivered; the log may not exist yet. Logger may be nil.
func Open(path string, logger *log.Logger) (*Feed, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	f := &Feed{
		path:    path,
		logger:  logger,
		watcher: watcher,
		subs:    make(map[int]subscriber),
		stopCh:  make(chan struct{}),
	}
	if info, err := os.Stat(path); err == nil {
		f.offset = info.Size()
	}

	f.wg.Add(1)
	go f.watchLoop()
	return f, nil
}

// Close stops the tailer. Pending deliveries finish first.
func (f *Feed) Close() error {
	close(f.stopCh)
	err := f.watcher.Close()
	f.wg.Wait()
	return err
}

// Append writes one event to the log under an exclusive lock, so concurrent
// writers from different processes never interleave lines.
func (f *Feed) Append(ev types.MessageEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX); err != nil {
		return err
	}
	defer syscall.Flock(int(file.Fd()), syscall.LOCK_UN)

	if _, err := file.Write(append(data, '\n')); err != nil {
		return err
	}
	return file.Sync()
}

// Subscribe registers a viewer-scoped callback for events the viewer is a
// party to. The returned handle removes it.
func (f *Feed) Subscribe(viewerID string, fn func(types.MessageEvent)) (func(), error) {
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = subscriber{viewerID: viewerID, fn: fn}
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}, nil
}

func (f *Feed) watchLoop() {
	defer f.wg.Done()
	for {
		select {
		case <-f.stopCh:
			return
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(f.path) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				f.consume()
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logf("feed watcher: %v", err)
		}
	}
}

// consume reads complete lines appended since the tracked offset and
// delivers them. A shrunken file means the log was replaced; reading
// restarts from the top.
func (f *Feed) consume() {
	f.mu.Lock()
	offset := f.offset
	f.mu.Unlock()

	file, err := os.Open(f.path)
	if err != nil {
		f.logf("feed read: %v", err)
		return
	}
	defer file.Close()

	reset := false
	if info, err := file.Stat(); err == nil && info.Size() < offset {
		offset = 0
		reset = true
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		f.logf("feed seek: %v", err)
		return
	}

	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			// A partial trailing line is a write in progress; leave the
			// offset before it and pick it up on the next event.
			break
		}
		offset += int64(len(line))

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var ev types.MessageEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			f.logf("feed: skipping malformed line: %v", err)
			continue
		}
		f.deliver(ev)
	}

	f.mu.Lock()
	// After a truncation reset the new offset is smaller than the stored
	// one and must still win, or every later write would replay the log.
	if reset || offset > f.offset {
		f.offset = offset
	}
	f.mu.Unlock()
}

func (f *Feed) deliver(ev types.MessageEvent) {
	f.mu.Lock()
	targets := make([]func(types.MessageEvent), 0, len(f.subs))
	for _, sub := range f.subs {
		if sub.viewerID == ev.SeekerID || sub.viewerID == ev.OrganizationID {
			targets = append(targets, sub.fn)
		}
	}
	f.mu.Unlock()
	for _, fn := range targets {
		fn(ev)
	}
}

func (f *Feed) logf(format string, args ...any) {
	if f.logger != nil {
		f.logger.Printf(format, args...)
	}
}
