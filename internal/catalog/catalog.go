// Package catalog maintains the correspondence between source video
// files and ready HLS streams, invoking the external Encoder at most
// once per source file, and serving HLS artifacts under a
// root-confined path.
//
// The directory-scan / cached-index shape (ScanAndEncode, a
// mutex-guarded cache rebuilt whole from disk, sorted by stream ID)
// matches a source file to its encoded output directory and drives the
// Encoder when one is missing.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/frostwatch/syncplay/internal/metrics"
	"github.com/frostwatch/syncplay/internal/models"
)

// sourceExts are the input container formats the Encoder accepts.
var sourceExts = map[string]bool{
	".mp4": true, ".mkv": true, ".mov": true, ".avi": true, ".wmv": true,
}

var (
	streamNameRe  = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	subpathPartRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
	sanitizeRe    = regexp.MustCompile(`[^A-Za-z0-9_-]`)
)

// ErrBadRequest marks a malformed stream name or subpath.
var ErrBadRequest = errors.New("catalog: bad request")

// ErrForbidden marks a path that resolves outside the processed root.
var ErrForbidden = errors.New("catalog: forbidden")

// Encoder is the external black-box transcoder: given a source file
// and a sanitized output name, it must produce
// <root>/processed/<outputName>/master.m3u8 plus rendition
// subdirectories. Encoding is long-running and must never be invoked
// synchronously from a request path.
type Encoder interface {
	Encode(ctx context.Context, sourcePath, outputName, processedDir string) error
}

// ExecEncoder shells out to a configured binary (ffmpeg by default)
// and lets it own the work: invoke an external process and wait for
// it to produce the expected output directory.
type ExecEncoder struct {
	Bin  string
	Args func(sourcePath, outputDir string) []string
}

// Encode runs the configured binary. If Args is nil, a minimal HLS
// ladder invocation is used.
func (e ExecEncoder) Encode(ctx context.Context, sourcePath, outputName, processedDir string) error {
	outDir := filepath.Join(processedDir, outputName)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("catalog: mkdir %s: %w", outDir, err)
	}

	argsFn := e.Args
	if argsFn == nil {
		argsFn = defaultArgs
	}
	cmd := exec.CommandContext(ctx, e.Bin, argsFn(sourcePath, outDir)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("catalog: encode %s: %w: %s", sourcePath, err, string(out))
	}
	return nil
}

func defaultArgs(sourcePath, outDir string) []string {
	return []string{
		"-i", sourcePath,
		"-filter_complex", "[0:v]split=3[v1][v2][v3]",
		"-master_pl_name", "master.m3u8",
		"-f", "hls",
		filepath.Join(outDir, "stream_%v.m3u8"),
	}
}

// Catalog discovers ready HLS streams and drives the Encoder for
// unprocessed sources found under Root.
type Catalog struct {
	root    string
	encoder Encoder

	mu    sync.RWMutex
	cache []models.StreamEntry
	group singleflight.Group // coalesces concurrent cache rebuilds

	inflightMu sync.Mutex
	inflight   map[string]bool // source filenames currently encoding

	cronMu sync.Mutex
	cronID cron.EntryID
	c      *cron.Cron
}

// New creates a Catalog rooted at root, using encoder to transcode new
// sources. The stream list is read from disk lazily on the first List
// call; ScanAndEncode or StartScan drive the Encoder for new sources.
func New(root string, encoder Encoder) *Catalog {
	return &Catalog{
		root:     root,
		encoder:  encoder,
		inflight: make(map[string]bool),
	}
}

func (c *Catalog) processedDir() string {
	return filepath.Join(c.root, "processed")
}

// List returns the current set of ready streams, ordered by stream
// ID. Concurrent calls while the cache is being rebuilt coalesce into
// a single filesystem walk via singleflight.
func (c *Catalog) List() []models.StreamEntry {
	c.mu.RLock()
	cached := c.cache
	c.mu.RUnlock()
	if cached != nil {
		return cached
	}

	v, _, _ := c.group.Do("list", func() (interface{}, error) {
		entries := c.rebuildCache()
		return entries, nil
	})
	return v.([]models.StreamEntry)
}

// invalidate forces the next List call to rescan disk.
func (c *Catalog) invalidate() {
	c.mu.Lock()
	c.cache = nil
	c.mu.Unlock()
}

func (c *Catalog) rebuildCache() []models.StreamEntry {
	processed := c.processedDir()
	entries, err := os.ReadDir(processed)
	if err != nil {
		c.mu.Lock()
		c.cache = []models.StreamEntry{}
		c.mu.Unlock()
		return c.cache
	}

	var out []models.StreamEntry
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		playlist := filepath.Join(processed, e.Name(), "master.m3u8")
		if f, err := os.Open(playlist); err == nil {
			f.Close()
			out = append(out, models.StreamEntry{
				StreamId:           "hls:" + e.Name(),
				MasterPlaylistPath: playlist,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamId < out[j].StreamId })

	c.mu.Lock()
	c.cache = out
	c.mu.Unlock()
	metrics.CatalogStreamCount.Set(float64(len(out)))
	return out
}

// ── Serving ──────────────────────────────────────────────────

// ValidateStreamName reports whether name matches [A-Za-z0-9_-]+.
func ValidateStreamName(name string) bool {
	return name != "" && streamNameRe.MatchString(name)
}

// Serve resolves streamName/subpath to a file under
// <root>/processed/, rejecting anything that resolves outside it,
// then streams the file with the appropriate content type.
func (c *Catalog) Serve(w io.Writer, setContentType func(string), streamName string, subpathParts []string) error {
	if !ValidateStreamName(streamName) {
		return fmt.Errorf("%w: invalid stream name %q", ErrBadRequest, streamName)
	}
	if len(subpathParts) == 0 {
		return fmt.Errorf("%w: empty subpath", ErrBadRequest)
	}
	for _, part := range subpathParts {
		if part == "" || part == ".." || !subpathPartRe.MatchString(part) {
			return fmt.Errorf("%w: invalid subpath segment %q", ErrBadRequest, part)
		}
	}

	processed := c.processedDir()
	rel := append([]string{streamName}, subpathParts...)
	target := filepath.Join(append([]string{processed}, rel...)...)

	absProcessed, err := filepath.Abs(processed)
	if err != nil {
		return fmt.Errorf("catalog: resolve root: %w", err)
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return fmt.Errorf("catalog: resolve target: %w", err)
	}
	if !strings.HasPrefix(absTarget, absProcessed+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s escapes %s", ErrForbidden, absTarget, absProcessed)
	}

	f, err := os.Open(absTarget)
	if err != nil {
		return fmt.Errorf("catalog: open %s: %w", absTarget, err)
	}
	defer f.Close()

	setContentType(contentTypeFor(absTarget))
	_, err = io.Copy(w, f)
	return err
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	default:
		return "application/octet-stream"
	}
}

// ── Scan & encode ────────────────────────────────────────────

// sanitizeOutputName strips the extension and replaces every
// character outside [A-Za-z0-9_-] with an underscore.
func sanitizeOutputName(sourceFilename string) string {
	stem := strings.TrimSuffix(sourceFilename, filepath.Ext(sourceFilename))
	return sanitizeRe.ReplaceAllString(stem, "_")
}

// ScanAndEncode walks root for unprocessed source files and starts an
// encode for each one not already produced or in flight. Dedup is by
// source filename (before sanitizing), guarded by inflightMu.
func (c *Catalog) ScanAndEncode(ctx context.Context) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		slog.Warn("scan failed", "component", "catalog", "root", c.root, "error", err)
		return
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !sourceExts[ext] {
			continue
		}
		c.maybeEncode(ctx, e.Name())
	}
}

func (c *Catalog) maybeEncode(ctx context.Context, sourceFilename string) {
	outputName := sanitizeOutputName(sourceFilename)
	playlist := filepath.Join(c.processedDir(), outputName, "master.m3u8")
	if _, err := os.Stat(playlist); err == nil {
		return // already encoded
	}

	c.inflightMu.Lock()
	if c.inflight[sourceFilename] {
		c.inflightMu.Unlock()
		return // second scan while an encode is in flight: no-op
	}
	c.inflight[sourceFilename] = true
	c.inflightMu.Unlock()
	metrics.EncodesInFlight.Set(float64(c.InFlightCount()))

	go func() {
		defer func() {
			c.inflightMu.Lock()
			delete(c.inflight, sourceFilename)
			c.inflightMu.Unlock()
			metrics.EncodesInFlight.Set(float64(c.InFlightCount()))
		}()

		sourcePath := filepath.Join(c.root, sourceFilename)
		slog.Info("encode starting", "component", "catalog", "source", sourceFilename, "output", outputName)
		if err := c.encoder.Encode(ctx, sourcePath, outputName, c.processedDir()); err != nil {
			slog.Warn("encode failed", "component", "catalog", "source", sourceFilename, "error", err)
			metrics.EncodesTotal.WithLabelValues("failure").Inc()
			return
		}
		slog.Info("encode complete", "component", "catalog", "source", sourceFilename, "output", outputName)
		metrics.EncodesTotal.WithLabelValues("success").Inc()
		c.invalidate()
	}()
}

// StartScan launches a cron-scheduled background loop that calls
// ScanAndEncode every period, running the first scan immediately.
// Stop with StopScan. Uses robfig/cron's "@every" schedule instead of
// a hand-rolled ticker.
func (c *Catalog) StartScan(ctx context.Context, period string) error {
	c.cronMu.Lock()
	defer c.cronMu.Unlock()

	go c.ScanAndEncode(ctx) // first scan runs immediately

	cr := cron.New()
	id, err := cr.AddFunc(period, func() { c.ScanAndEncode(ctx) })
	if err != nil {
		return fmt.Errorf("catalog: schedule scan: %w", err)
	}
	c.cronID = id
	c.c = cr
	cr.Start()
	return nil
}

// StopScan stops the background scan loop started by StartScan. Safe
// to call even if StartScan was never called.
func (c *Catalog) StopScan() {
	c.cronMu.Lock()
	defer c.cronMu.Unlock()
	if c.c != nil {
		c.c.Stop()
		c.c = nil
	}
}

// InFlightCount reports how many encodes are currently running, for
// the logging rollup and metrics.
func (c *Catalog) InFlightCount() int {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	return len(c.inflight)
}
