package media

import "github.com/fsweb/fsweb/internal/config"

// Preset describes the ffmpeg output settings used for transcoding.
type Preset struct {
	VideoCodec   string
	AudioCodec   string
	VideoBitrate string
	AudioBitrate string
	PixelFormat  string
	ExtraArgs    []string
}

// PresetFromConfig converts the video.preset config section.
func PresetFromConfig(c config.PresetConfig) Preset {
	return Preset{
		VideoCodec:   c.VideoCodec,
		AudioCodec:   c.AudioCodec,
		VideoBitrate: c.VideoBitrate,
		AudioBitrate: c.AudioBitrate,
		PixelFormat:  c.PixelFormat,
		ExtraArgs:    append([]string(nil), c.ExtraArgs...),
	}
}

// Args returns the ffmpeg output arguments encoded by the preset.
func (p Preset) Args() []string {
	args := make([]string, 0, 10+len(p.ExtraArgs))
	if p.VideoCodec != "" {
		args = append(args, "-c:v", p.VideoCodec)
	}
	if p.AudioCodec != "" {
		args = append(args, "-c:a", p.AudioCodec)
	}
	if p.VideoBitrate != "" {
		args = append(args, "-b:v", p.VideoBitrate)
	}
	if p.AudioBitrate != "" {
		args = append(args, "-b:a", p.AudioBitrate)
	}
	if p.PixelFormat != "" {
		args = append(args, "-pix_fmt", p.PixelFormat)
	}
	args = append(args, p.ExtraArgs...)
	return args
}
