package transcoder

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Container selects the byte stream format the transcoder writes to stdout.
type Container string

const (
	ContainerMPEGTS Container = "mpegts"
	ContainerH264   Container = "h264"
)

// Profile describes the output encoding.
type Profile struct {
	Width       int
	Height      int
	FPS         int
	BitrateKbps int
	Codec       string
	Container   Container
}

// DefaultProfile returns the low-latency 640x480 baseline profile served to
// browser players.
func DefaultProfile() Profile {
	return Profile{
		Width:       640,
		Height:      480,
		FPS:         15,
		BitrateKbps: 800,
		Codec:       "libx264",
		Container:   ContainerMPEGTS,
	}
}

// Config is everything needed to launch one transcoder session.
type Config struct {
	// Binary is the transcoder executable, "ffmpeg" when empty.
	Binary string
	// Source is the input locator, typically an rtsp:// URL or a file path.
	Source  string
	Profile Profile
	// ConnectTimeout bounds how long the transcoder waits on the RTSP socket.
	// Zero leaves the transcoder default.
	ConnectTimeout time.Duration
	// ExtraArgs are inserted before the output target.
	ExtraArgs []string
}

// Validate reports configuration problems before a launch is attempted.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Source) == "" {
		errs = append(errs, errors.New("source is required"))
	}
	p := c.Profile
	if p.Width <= 0 || p.Height <= 0 {
		errs = append(errs, fmt.Errorf("resolution %dx%d must be positive", p.Width, p.Height))
	}
	if p.FPS <= 0 {
		errs = append(errs, fmt.Errorf("fps %d must be positive", p.FPS))
	}
	if p.BitrateKbps <= 0 {
		errs = append(errs, fmt.Errorf("bitrate %dk must be positive", p.BitrateKbps))
	}
	switch p.Container {
	case ContainerMPEGTS, ContainerH264:
	default:
		errs = append(errs, fmt.Errorf("unsupported container %q", p.Container))
	}
	return errors.Join(errs...)
}

func (c Config) binary() string {
	if strings.TrimSpace(c.Binary) == "" {
		return "ffmpeg"
	}
	return c.Binary
}

// BuildArgs renders the ffmpeg command line for cfg. Output always goes to
// pipe:1 so the relay can read it from stdout.
func BuildArgs(cfg Config) []string {
	p := cfg.Profile
	codec := p.Codec
	if codec == "" {
		codec = "libx264"
	}
	bitrate := strconv.Itoa(p.BitrateKbps) + "k"
	fps := strconv.Itoa(p.FPS)

	args := []string{"-hide_banner", "-loglevel", "warning"}
	if strings.HasPrefix(strings.ToLower(cfg.Source), "rtsp://") {
		args = append(args, "-rtsp_transport", "tcp")
		if cfg.ConnectTimeout > 0 {
			args = append(args, "-timeout", strconv.FormatInt(cfg.ConnectTimeout.Microseconds(), 10))
		}
	}
	args = append(args,
		"-fflags", "nobuffer",
		"-i", cfg.Source,
		"-vcodec", codec,
	)
	if codec == "libx264" {
		args = append(args,
			"-profile:v", "baseline",
			"-level", "3.0",
			"-pix_fmt", "yuv420p",
			"-preset", "ultrafast",
			"-tune", "zerolatency",
		)
	}
	args = append(args,
		"-b:v", bitrate,
		"-maxrate", bitrate,
		"-bufsize", bitrate,
		"-g", fps,
		"-keyint_min", fps,
		"-s", fmt.Sprintf("%dx%d", p.Width, p.Height),
		"-r", fps,
		"-an",
		"-flush_packets", "1",
	)
	args = append(args, cfg.ExtraArgs...)
	if p.Container == ContainerH264 {
		args = append(args, "-bsf:v", "h264_mp4toannexb", "-f", "h264")
	} else {
		args = append(args, "-f", "mpegts")
	}
	return append(args, "pipe:1")
}
