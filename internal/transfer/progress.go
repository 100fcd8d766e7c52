package transfer

import (
	"fmt"
	"sort"
	"sync"
	"time"

	units "github.com/docker/go-units"
)

// ProgressTracker tracks the progress of one file upload, per chunk and in
// total. Safe for concurrent use by the chunk goroutines.
type ProgressTracker struct {
	mu        sync.RWMutex
	fileName  string
	chunks    map[int]*chunkProgress
	startTime time.Time
	baseline  int64
}

type chunkProgress struct {
	size int64
	done int64
}

// ChunkSnapshot is the state of one chunk.
type ChunkSnapshot struct {
	Index   int
	Size    int64
	Done    int64
	Percent float64
}

// Snapshot is a consistent view of the whole transfer.
type Snapshot struct {
	FileName      string
	BytesDone     int64
	TotalBytes    int64
	Percent       float64
	Speed         float64 // bytes per second, this run only
	EstimatedTime time.Duration
	Chunks        []ChunkSnapshot
}

// NewProgressTracker creates a new progress tracker
func NewProgressTracker(fileName string) *ProgressTracker {
	return &ProgressTracker{
		fileName:  fileName,
		chunks:    make(map[int]*chunkProgress),
		startTime: time.Now(),
	}
}

// Track registers a chunk of size bytes of which done are already on the
// server. Bytes known at registration do not count towards the speed.
func (pt *ProgressTracker) Track(index int, size, done int64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.chunks[index] = &chunkProgress{size: size, done: done}
	pt.baseline += done
}

// Update records that done bytes of chunk index are on the server.
func (pt *ProgressTracker) Update(index int, done int64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	c, ok := pt.chunks[index]
	if !ok {
		return
	}
	if done > c.size {
		done = c.size
	}
	c.done = done
}

// ChunkPercent returns the completion of one chunk. An empty chunk counts as
// complete once tracked.
func (pt *ProgressTracker) ChunkPercent(index int) float64 {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	c, ok := pt.chunks[index]
	if !ok {
		return 0
	}
	return percent(c.done, c.size)
}

func percent(done, size int64) float64 {
	if size == 0 {
		return 100
	}
	return float64(done) / float64(size) * 100.0
}

// Snapshot returns the current totals.
func (pt *ProgressTracker) Snapshot() Snapshot {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	s := Snapshot{FileName: pt.fileName}
	for index, c := range pt.chunks {
		s.BytesDone += c.done
		s.TotalBytes += c.size
		s.Chunks = append(s.Chunks, ChunkSnapshot{
			Index:   index,
			Size:    c.size,
			Done:    c.done,
			Percent: percent(c.done, c.size),
		})
	}
	sort.Slice(s.Chunks, func(i, j int) bool { return s.Chunks[i].Index < s.Chunks[j].Index })
	s.Percent = percent(s.BytesDone, s.TotalBytes)

	// Calculate speed
	if elapsed := time.Since(pt.startTime).Seconds(); elapsed > 0 {
		s.Speed = float64(s.BytesDone-pt.baseline) / elapsed
	}

	// Calculate estimated time remaining
	if s.Speed > 0 && s.TotalBytes > s.BytesDone {
		remaining := float64(s.TotalBytes - s.BytesDone)
		s.EstimatedTime = time.Duration(remaining/s.Speed) * time.Second
	}
	return s
}

// String renders a one line summary.
func (s Snapshot) String() string {
	line := fmt.Sprintf("%s: %.1f%% (%s / %s)", s.FileName, s.Percent,
		units.HumanSizeWithPrecision(float64(s.BytesDone), 3),
		units.HumanSizeWithPrecision(float64(s.TotalBytes), 3))
	if s.Speed > 0 {
		line += fmt.Sprintf(" %s/s", units.HumanSizeWithPrecision(s.Speed, 3))
	}
	if s.EstimatedTime > 0 {
		line += " ETA " + formatDuration(s.EstimatedTime)
	}
	return line
}

// formatDuration formats duration into human-readable format
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.0fm", d.Minutes())
	}
	return fmt.Sprintf("%.0fh", d.Hours())
}
