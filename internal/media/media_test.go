package media

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fsweb/fsweb/internal/config"
	gwerr "github.com/fsweb/fsweb/internal/errors"
	"github.com/fsweb/fsweb/internal/procrun"
	"github.com/fsweb/fsweb/internal/storage"
)

const hevcProbe = `{
  "streams": [
    {"index": 0, "codec_type": "video", "codec_name": "hevc", "width": 1280, "height": 720, "pix_fmt": "yuv420p", "avg_frame_rate": "25/1", "duration": "12.040000"},
    {"index": 1, "codec_type": "audio", "codec_name": "aac", "sample_rate": "44100", "channels": 2}
  ],
  "format": {"format_name": "mov,mp4,m4a,3gp,3g2,mj2", "duration": "12.045000"}
}`

func testTools() config.ToolsConfig {
	return config.ToolsConfig{FFprobe: "/usr/bin/ffprobe", FFmpeg: "ffmpeg"}
}

func newTestAdapter(r procrun.Runner) *Adapter {
	preset := Preset{VideoCodec: "libx264", AudioCodec: "aac", PixelFormat: "yuv420p", ExtraArgs: []string{"-movflags", "+faststart"}}
	return NewAdapter(r, testTools(), preset, nil)
}

// writeLastArg makes a fake ffmpeg that writes data to its output path.
func writeLastArg(data string) procrun.HandlerFunc {
	return func(ctx context.Context, args []string) ([]byte, error) {
		return nil, os.WriteFile(args[len(args)-1], []byte(data), 0o644)
	}
}

func TestParseProbeOutput(t *testing.T) {
	result, err := parseProbeOutput([]byte(hevcProbe))
	require.NoError(t, err)
	require.NotNil(t, result.Video)
	require.NotNil(t, result.Audio)
	assert.Equal(t, "hevc", result.VideoCodec())
	assert.Equal(t, 1280, result.Video.Width)
	assert.Equal(t, 2, result.Audio.Channels)
	assert.InDelta(t, 12.045, result.Duration, 1e-9)
}

func TestParseProbeOutputAudioOnly(t *testing.T) {
	result, err := parseProbeOutput([]byte(`{"streams":[{"codec_type":"audio","codec_name":"mp3"}],"format":{}}`))
	require.NoError(t, err)
	assert.Nil(t, result.Video)
	assert.Equal(t, "", result.VideoCodec())
	assert.Zero(t, result.Duration)
}

func TestParseProbeOutputPrefersRealVideoOverCoverArt(t *testing.T) {
	payload := `{"streams":[
		{"index":0,"codec_type":"video","codec_name":"mjpeg"},
		{"index":1,"codec_type":"video","codec_name":"h264"}
	],"format":{"duration":"3"}}`
	result, err := parseProbeOutput([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, "h264", result.VideoCodec())
}

func TestParseProbeOutputNotMedia(t *testing.T) {
	_, err := parseProbeOutput([]byte(`{"streams": [], "format": {}}`))
	assert.True(t, errors.Is(err, gwerr.ErrProbeFailed))

	_, err = parseProbeOutput([]byte(`not json`))
	assert.True(t, errors.Is(err, gwerr.ErrProbeFailed))
}

func TestProbeResultMetadata(t *testing.T) {
	result, err := parseProbeOutput([]byte(hevcProbe))
	require.NoError(t, err)

	meta := result.Metadata()
	assert.Equal(t, "12.045", meta[storage.MetaDuration])

	var video StreamInfo
	require.NoError(t, json.Unmarshal([]byte(meta[storage.MetaVideo]), &video))
	assert.Equal(t, "hevc", video.CodecName)
	assert.Contains(t, meta, storage.MetaAudio)

	var nilResult *ProbeResult
	assert.Empty(t, nilResult.Metadata())
}

func TestAdapterProbe(t *testing.T) {
	fake := procrun.NewFakeRunner()
	fake.Handle("ffprobe", func(ctx context.Context, args []string) ([]byte, error) {
		return []byte(hevcProbe), nil
	})
	result, err := newTestAdapter(fake).Probe(context.Background(), "/tmp/in.mov")
	require.NoError(t, err)
	assert.Equal(t, "hevc", result.VideoCodec())

	calls := fake.Calls("ffprobe")
	require.Len(t, calls, 1)
	assert.Equal(t, "/tmp/in.mov", calls[0].Args[len(calls[0].Args)-1])
	assert.Contains(t, calls[0].Args, "-show_streams")
}

func TestAdapterProbeToolFailure(t *testing.T) {
	fake := procrun.NewFakeRunner()
	fake.Handle("ffprobe", func(ctx context.Context, args []string) ([]byte, error) {
		return nil, procrun.Fail("ffprobe", 1, "Invalid data found when processing input")
	})
	_, err := newTestAdapter(fake).Probe(context.Background(), "/tmp/in.txt")
	require.Error(t, err)
	assert.True(t, errors.Is(err, gwerr.ErrProbeFailed))
	assert.True(t, errors.Is(err, gwerr.ErrProcessFailed))
	assert.Equal(t, gwerr.ErrProbeFailed, gwerr.Lookup(err))
	assert.Contains(t, err.Error(), "Invalid data")
}

func TestAdapterProbeEmptyPath(t *testing.T) {
	_, err := newTestAdapter(procrun.NewFakeRunner()).Probe(context.Background(), " ")
	assert.True(t, errors.Is(err, gwerr.ErrProbeFailed))
}

func TestAdapterScreenshot(t *testing.T) {
	fake := procrun.NewFakeRunner()
	fake.Handle("ffmpeg", writeLastArg("jpeg"))
	dest := filepath.Join(t.TempDir(), "thumb.jpg")

	require.NoError(t, newTestAdapter(fake).Screenshot(context.Background(), "in.mov", dest, 5))

	calls := fake.Calls("ffmpeg")
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"-y", "-ss", "5.000", "-i", "in.mov", "-frames:v", "1", "-q:v", "2", dest}, calls[0].Args)
}

func TestAdapterScreenshotNoFrame(t *testing.T) {
	fake := procrun.NewFakeRunner()
	fake.Handle("ffmpeg", func(ctx context.Context, args []string) ([]byte, error) {
		return nil, nil
	})
	err := newTestAdapter(fake).Screenshot(context.Background(), "in.mov", filepath.Join(t.TempDir(), "thumb.jpg"), 5)
	assert.True(t, errors.Is(err, gwerr.ErrScreenshotFailed))
}

func TestAdapterTranscode(t *testing.T) {
	fake := procrun.NewFakeRunner()
	fake.Handle("ffmpeg", writeLastArg("mp4"))
	dest := filepath.Join(t.TempDir(), "out.mp4")

	require.NoError(t, newTestAdapter(fake).Transcode(context.Background(), "in.avi", dest))

	args := fake.Calls("ffmpeg")[0].Args
	assert.Equal(t, []string{"-y", "-i", "in.avi", "-c:v", "libx264", "-c:a", "aac", "-pix_fmt", "yuv420p", "-movflags", "+faststart", dest}, args)
}

func TestAdapterTranscodeFailure(t *testing.T) {
	fake := procrun.NewFakeRunner()
	fake.Handle("ffmpeg", func(ctx context.Context, args []string) ([]byte, error) {
		return nil, procrun.Fail("ffmpeg", 1, "Unknown encoder 'libx264'")
	})
	err := newTestAdapter(fake).Transcode(context.Background(), "in.avi", filepath.Join(t.TempDir(), "out.mp4"))
	assert.True(t, errors.Is(err, gwerr.ErrTranscodeFailed))
	assert.Equal(t, gwerr.ErrTranscodeFailed, gwerr.Lookup(err))
}

func TestPresetArgs(t *testing.T) {
	preset := PresetFromConfig(config.PresetConfig{
		VideoCodec:   "libx264",
		VideoBitrate: "5M",
		AudioBitrate: "192k",
		ExtraArgs:    []string{"-movflags", "+faststart"},
	})
	want := []string{"-c:v", "libx264", "-b:v", "5M", "-b:a", "192k", "-movflags", "+faststart"}
	assert.Equal(t, want, preset.Args())
	assert.Empty(t, Preset{}.Args())
}
