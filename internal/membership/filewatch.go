package membership

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileWatchDriver derives a membership list from a plain text file (one
// node id per line) and synthesizes Stop/Start/Finish events whenever the
// file changes, using fsnotify the same way cmd/dittofs/commands/logs.go
// watches a log file for new writes.
type FileWatchDriver struct {
	path    string
	watcher *fsnotify.Watcher
	events  chan Event
	eventID uint64

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewFileWatchDriver starts watching path and emits an initial Start event
// for whatever membership the file currently contains.
func NewFileWatchDriver(path string) (*FileWatchDriver, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("membership: create file watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("membership: watch %s: %w", path, err)
	}

	d := &FileWatchDriver{
		path:    path,
		watcher: w,
		events:  make(chan Event, 16),
		done:    make(chan struct{}),
	}

	nodes, err := readMembershipFile(path)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	d.eventID++
	d.events <- Start{EventID: d.eventID, NodeIDs: nodes}

	go d.run()
	return d, nil
}

func (d *FileWatchDriver) Events() <-chan Event { return d.events }

func (d *FileWatchDriver) run() {
	defer close(d.done)
	for {
		select {
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			nodes, err := readMembershipFile(d.path)
			if err != nil {
				continue
			}
			d.events <- Stop{}
			d.mu.Lock()
			d.eventID++
			id := d.eventID
			d.mu.Unlock()
			d.events <- Start{EventID: id, NodeIDs: nodes}
			d.events <- Finish{EventID: id}
		case _, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (d *FileWatchDriver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	err := d.watcher.Close()
	<-d.done
	close(d.events)
	return err
}

func readMembershipFile(path string) ([]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("membership: read %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var nodes []int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		n, err := strconv.Atoi(line)
		if err != nil {
			return nil, fmt.Errorf("membership: invalid node id %q in %s: %w", line, path, err)
		}
		nodes = append(nodes, n)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("membership: scan %s: %w", path, err)
	}
	return nodes, nil
}
