package watcher

import (
	"os"
	"sync"
	"syscall"
	"time"
)

// renameTracker pairs a delete+create within a short window into a
// single Renamed change, using inode numbers to match the deleted path
// to the created one. Its cleanup goroutine is stopped on Close rather
// than left running for the process lifetime.
type renameTracker struct {
	mu            sync.Mutex
	inodeToPath   map[uint64]string
	pathToInode   map[string]uint64
	recentDeletes map[uint64]deleteInfo
	window        time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

type deleteInfo struct {
	path      string
	inode     uint64
	deletedAt time.Time
}

type renameEvent struct {
	oldPath string
	newPath string
	inode   uint64
}

func newRenameTracker(window time.Duration) *renameTracker {
	if window <= 0 {
		window = 500 * time.Millisecond
	}
	rt := &renameTracker{
		inodeToPath:   make(map[uint64]string),
		pathToInode:   make(map[string]uint64),
		recentDeletes: make(map[uint64]deleteInfo),
		window:        window,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go rt.cleanupLoop()
	return rt
}

func (rt *renameTracker) Close() {
	close(rt.stopCh)
	<-rt.doneCh
}

func (rt *renameTracker) trackFile(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	inode := getInode(info)
	if inode == 0 {
		return
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if oldPath, exists := rt.inodeToPath[inode]; exists && oldPath != path {
		delete(rt.pathToInode, oldPath)
	}
	rt.inodeToPath[inode] = path
	rt.pathToInode[path] = inode
}

// handleDelete records a deletion as a candidate rename half. It returns
// true if the path's inode was known (worth waiting to see if a paired
// create arrives).
func (rt *renameTracker) handleDelete(path string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	inode, exists := rt.pathToInode[path]
	if !exists {
		return false
	}
	rt.recentDeletes[inode] = deleteInfo{path: path, inode: inode, deletedAt: time.Now()}
	delete(rt.pathToInode, path)
	return true
}

// handleCreate checks whether a new path completes a pending rename.
func (rt *renameTracker) handleCreate(path string) *renameEvent {
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	inode := getInode(info)
	if inode == 0 {
		return nil
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if del, exists := rt.recentDeletes[inode]; exists {
		if time.Since(del.deletedAt) <= rt.window {
			delete(rt.recentDeletes, inode)
			rt.inodeToPath[inode] = path
			rt.pathToInode[path] = inode
			return &renameEvent{oldPath: del.path, newPath: path, inode: inode}
		}
		delete(rt.recentDeletes, inode)
	}

	rt.inodeToPath[inode] = path
	rt.pathToInode[path] = inode
	return nil
}

// pendingDeleteFor reports whether path is currently held as a
// candidate rename half (used to decide whether a delete event should
// be delayed before being reported as a true deletion).
func (rt *renameTracker) pendingDeleteFor(path string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, d := range rt.recentDeletes {
		if d.path == path {
			return true
		}
	}
	return false
}

func (rt *renameTracker) cleanupLoop() {
	defer close(rt.doneCh)
	ticker := time.NewTicker(rt.window)
	defer ticker.Stop()
	for {
		select {
		case <-rt.stopCh:
			return
		case <-ticker.C:
			rt.mu.Lock()
			now := time.Now()
			for inode, d := range rt.recentDeletes {
				if now.Sub(d.deletedAt) > rt.window*2 {
					delete(rt.recentDeletes, inode)
				}
			}
			rt.mu.Unlock()
		}
	}
}

func getInode(info os.FileInfo) uint64 {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return stat.Ino
	}
	return 0
}
