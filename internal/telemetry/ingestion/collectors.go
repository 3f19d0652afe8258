// Package ingestion provides the line sources that feed the pipeline: file
// followers for live agents and scenario readers for replay.
package ingestion

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/minisoc/internal/pipeline"
)

// Collector emits raw lines until its context ends.
type Collector interface {
	// Name identifies the source feed.
	Name() string
	// Run sends lines to out. It returns nil when ctx is cancelled.
	Run(ctx context.Context, out chan<- pipeline.Line) error
}

// FollowerConfig configures a file follower.
type FollowerConfig struct {
	Path         string        `yaml:"path"`
	Source       string        `yaml:"source"` // feed name, defaults to the path
	FromStart    bool          `yaml:"from_start"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxLineBytes int           `yaml:"max_line_bytes"`
}

// DefaultFollowerConfig returns follower defaults for path.
func DefaultFollowerConfig(path string) FollowerConfig {
	return FollowerConfig{
		Path:         path,
		PollInterval: 250 * time.Millisecond,
		MaxLineBytes: 64 * 1024,
	}
}

// Follower tails a file like tail -F: it waits for the file to appear,
// starts at the end unless FromStart is set, rereads from the top after
// truncation and reopens the path after rotation.
type Follower struct {
	cfg    FollowerConfig
	logger *zap.Logger
}

// NewFollower creates a follower.
func NewFollower(cfg FollowerConfig, logger *zap.Logger) *Follower {
	def := DefaultFollowerConfig(cfg.Path)
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = def.MaxLineBytes
	}
	if cfg.Source == "" {
		cfg.Source = cfg.Path
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Follower{cfg: cfg, logger: logger.With(zap.String("path", cfg.Path))}
}

// Name returns the feed name.
func (f *Follower) Name() string { return f.cfg.Source }

// tailState is the open file and the position of the next unread byte.
type tailState struct {
	file    *os.File
	info    os.FileInfo
	reader  *bufio.Reader
	offset  int64
	partial strings.Builder
}

// Run follows the file until ctx ends.
func (f *Follower) Run(ctx context.Context, out chan<- pipeline.Line) error {
	st, err := f.open(ctx, f.cfg.FromStart)
	if err != nil {
		return nilOnCancel(ctx, err)
	}
	defer func() { st.file.Close() }()

	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := f.drain(ctx, st, out); err != nil {
			return nilOnCancel(ctx, err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		info, err := os.Stat(f.cfg.Path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// Rotated away and not yet recreated; keep reading the old handle.
			continue
		case err != nil:
			return fmt.Errorf("stat %s: %w", f.cfg.Path, err)
		case !os.SameFile(info, st.info):
			if err := f.drain(ctx, st, out); err != nil {
				return nilOnCancel(ctx, err)
			}
			f.flushPartial(ctx, st, out)
			f.logger.Info("File rotated, reopening")
			next, err := f.open(ctx, true)
			if err != nil {
				return nilOnCancel(ctx, err)
			}
			st.file.Close()
			st = next
		case info.Size() < st.offset:
			f.logger.Info("File truncated, reading from start", zap.Int64("size", info.Size()), zap.Int64("offset", st.offset))
			if _, err := st.file.Seek(0, io.SeekStart); err != nil {
				return fmt.Errorf("seek %s: %w", f.cfg.Path, err)
			}
			st.reader.Reset(st.file)
			st.offset = 0
			st.partial.Reset()
		}
	}
}

// open waits for the path to exist and positions the reader.
func (f *Follower) open(ctx context.Context, fromStart bool) (*tailState, error) {
	warned := false
	for {
		file, err := os.Open(f.cfg.Path)
		if err == nil {
			info, err := file.Stat()
			if err != nil {
				file.Close()
				return nil, fmt.Errorf("stat %s: %w", f.cfg.Path, err)
			}
			st := &tailState{file: file, info: info}
			if !fromStart {
				if st.offset, err = file.Seek(0, io.SeekEnd); err != nil {
					file.Close()
					return nil, fmt.Errorf("seek %s: %w", f.cfg.Path, err)
				}
			}
			st.reader = bufio.NewReaderSize(file, 32*1024)
			f.logger.Info("Following file", zap.Bool("from_start", fromStart), zap.Int64("offset", st.offset))
			return st, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("open %s: %w", f.cfg.Path, err)
		}
		if !warned {
			f.logger.Warn("File does not exist yet, waiting")
			warned = true
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.cfg.PollInterval):
		}
	}
}

// drain emits every complete line currently readable. A trailing fragment
// without a newline is held until the rest arrives.
func (f *Follower) drain(ctx context.Context, st *tailState, out chan<- pipeline.Line) error {
	for {
		chunk, err := st.reader.ReadString('\n')
		st.offset += int64(len(chunk))
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read %s: %w", f.cfg.Path, err)
		}
		if !strings.HasSuffix(chunk, "\n") {
			if st.partial.Len()+len(chunk) > f.cfg.MaxLineBytes {
				f.logger.Warn("Line exceeds limit, emitting truncated", zap.Int("limit", f.cfg.MaxLineBytes))
				st.partial.WriteString(chunk)
				if err := f.emit(ctx, out, st.partial.String()[:f.cfg.MaxLineBytes]); err != nil {
					return err
				}
				st.partial.Reset()
			} else {
				st.partial.WriteString(chunk)
			}
			return nil
		}
		line := chunk
		if st.partial.Len() > 0 {
			st.partial.WriteString(chunk)
			line = st.partial.String()
			st.partial.Reset()
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		if err := f.emit(ctx, out, line); err != nil {
			return err
		}
	}
}

func (f *Follower) flushPartial(ctx context.Context, st *tailState, out chan<- pipeline.Line) {
	if st.partial.Len() == 0 {
		return
	}
	_ = f.emit(ctx, out, strings.TrimRight(st.partial.String(), "\r"))
	st.partial.Reset()
}

func (f *Follower) emit(ctx context.Context, out chan<- pipeline.Line, text string) error {
	select {
	case out <- pipeline.Line{Text: text, ObservedAt: time.Now()}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func nilOnCancel(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}
