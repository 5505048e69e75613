// Package media wraps ffprobe and ffmpeg: stream probing, still-frame
// screenshots and transcoding to the normalized codec.
package media

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/fsweb/fsweb/internal/config"
	gwerr "github.com/fsweb/fsweb/internal/errors"
	"github.com/fsweb/fsweb/internal/logging"
	"github.com/fsweb/fsweb/internal/procrun"
)

// Adapter runs the media tools through a procrun.Runner. All methods block
// until the tool exits.
type Adapter struct {
	runner  procrun.Runner
	ffprobe string
	ffmpeg  string
	preset  Preset
	logger  *slog.Logger
}

// NewAdapter creates an Adapter using the executables named in tools.
func NewAdapter(runner procrun.Runner, tools config.ToolsConfig, preset Preset, logger *slog.Logger) *Adapter {
	return &Adapter{
		runner:  runner,
		ffprobe: tools.FFprobe,
		ffmpeg:  tools.FFmpeg,
		preset:  preset,
		logger:  logging.OrDefault(logger, "media"),
	}
}

// Probe reads stream information from path.
func (a *Adapter) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("probe: empty path: %w", gwerr.ErrProbeFailed)
	}
	out, err := a.runner.Run(ctx, a.ffprobe,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w: %w", path, gwerr.ErrProbeFailed, err)
	}
	return parseProbeOutput(out)
}

// Screenshot writes one frame taken offset seconds into src to dest.
// ffmpeg exits cleanly without writing anything when the offset is past
// the end, so the output file is checked explicitly.
func (a *Adapter) Screenshot(ctx context.Context, src, dest string, offset float64) error {
	if offset < 0 {
		offset = 0
	}
	_, err := a.runner.Run(ctx, a.ffmpeg,
		"-y",
		"-ss", strconv.FormatFloat(offset, 'f', 3, 64),
		"-i", src,
		"-frames:v", "1",
		"-q:v", "2",
		dest,
	)
	if err != nil {
		return fmt.Errorf("screenshot %s: %w: %w", src, gwerr.ErrScreenshotFailed, err)
	}
	if info, err := os.Stat(dest); err != nil || info.Size() == 0 {
		return fmt.Errorf("screenshot %s: no frame at %.3fs: %w", src, offset, gwerr.ErrScreenshotFailed)
	}
	return nil
}

// Transcode re-encodes src into dest with the configured preset.
func (a *Adapter) Transcode(ctx context.Context, src, dest string) error {
	args := append([]string{"-y", "-i", src}, a.preset.Args()...)
	args = append(args, dest)
	if _, err := a.runner.Run(ctx, a.ffmpeg, args...); err != nil {
		return fmt.Errorf("transcode %s: %w: %w", src, gwerr.ErrTranscodeFailed, err)
	}
	if info, err := os.Stat(dest); err != nil || info.Size() == 0 {
		return fmt.Errorf("transcode %s: no output written: %w", src, gwerr.ErrTranscodeFailed)
	}
	a.logger.Debug("transcoded", "src", src, "dest", dest)
	return nil
}
