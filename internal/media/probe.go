package media

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	gwerr "github.com/fsweb/fsweb/internal/errors"
	"github.com/fsweb/fsweb/internal/storage"
)

// StreamInfo is the subset of an ffprobe stream descriptor kept in object
// metadata.
type StreamInfo struct {
	Index         int    `json:"index"`
	CodecName     string `json:"codec_name"`
	CodecLongName string `json:"codec_long_name,omitempty"`
	CodecType     string `json:"codec_type"`
	Profile       string `json:"profile,omitempty"`
	Width         int    `json:"width,omitempty"`
	Height        int    `json:"height,omitempty"`
	PixFmt        string `json:"pix_fmt,omitempty"`
	AvgFrameRate  string `json:"avg_frame_rate,omitempty"`
	SampleRate    string `json:"sample_rate,omitempty"`
	Channels      int    `json:"channels,omitempty"`
	BitRate       string `json:"bit_rate,omitempty"`
	Duration      string `json:"duration,omitempty"`
}

// ProbeResult holds the first video and audio streams of a media file.
type ProbeResult struct {
	Video *StreamInfo
	Audio *StreamInfo
	// Duration is in seconds; zero when the container does not report one.
	Duration float64
}

// VideoCodec returns the video stream's codec name, or "".
func (r *ProbeResult) VideoCodec() string {
	if r == nil || r.Video == nil {
		return ""
	}
	return r.Video.CodecName
}

// Metadata encodes the probe result as object metadata: the stream
// descriptors as JSON text and the duration as a decimal string.
func (r *ProbeResult) Metadata() storage.Metadata {
	meta := storage.Metadata{}
	if r == nil {
		return meta
	}
	if r.Video != nil {
		if b, err := json.Marshal(r.Video); err == nil {
			meta[storage.MetaVideo] = string(b)
		}
	}
	if r.Audio != nil {
		if b, err := json.Marshal(r.Audio); err == nil {
			meta[storage.MetaAudio] = string(b)
		}
	}
	if r.Duration > 0 {
		meta[storage.MetaDuration] = strconv.FormatFloat(r.Duration, 'f', -1, 64)
	}
	return meta
}

type probeOutput struct {
	Streams []StreamInfo `json:"streams"`
	Format  struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
}

// parseProbeOutput decodes `ffprobe -print_format json` output. A file with
// neither a video nor an audio stream is not media.
func parseProbeOutput(payload []byte) (*ProbeResult, error) {
	var out probeOutput
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("decoding ffprobe output: %w: %w", gwerr.ErrProbeFailed, err)
	}
	result := &ProbeResult{}
	for i := range out.Streams {
		s := out.Streams[i]
		switch s.CodecType {
		case "video":
			// Cover art is reported as a one-frame video stream; prefer a
			// real one when both are present.
			if result.Video == nil || isAttachedPicture(result.Video) {
				result.Video = &s
			}
		case "audio":
			if result.Audio == nil {
				result.Audio = &s
			}
		}
	}
	if result.Video == nil && result.Audio == nil {
		return nil, fmt.Errorf("no audio or video streams: %w", gwerr.ErrProbeFailed)
	}
	result.Duration = parseSeconds(out.Format.Duration)
	if result.Duration == 0 && result.Video != nil {
		result.Duration = parseSeconds(result.Video.Duration)
	}
	return result, nil
}

func isAttachedPicture(s *StreamInfo) bool {
	switch strings.ToLower(s.CodecName) {
	case "mjpeg", "png", "bmp":
		return true
	}
	return false
}

func parseSeconds(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}
