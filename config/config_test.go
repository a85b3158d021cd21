package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ipc-streamer/hal"
)

// TestLoadConfigDefaults tests default configuration loading
func TestLoadConfigDefaults(t *testing.T) {
	// Use non-existent file to trigger defaults
	cfg, err := LoadConfig("non-existent-config.toml")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.System.Family != "infinity6f" {
		t.Errorf("Default System.Family = %q, want infinity6f", cfg.System.Family)
	}

	if cfg.Sensor.Width != 1920 || cfg.Sensor.Height != 1080 || cfg.Sensor.FPS != 30 {
		t.Errorf("Default sensor mode = %dx%d@%d, want 1920x1080@30",
			cfg.Sensor.Width, cfg.Sensor.Height, cfg.Sensor.FPS)
	}

	if len(cfg.Streams) != 1 || !cfg.Streams[0].MainLoop {
		t.Fatalf("Default streams = %+v, want one main-loop stream", cfg.Streams)
	}

	if cfg.JPEG.Channel != 1 || cfg.JPEG.Quality != 80 {
		t.Errorf("Default JPEG = %+v, want channel 1 quality 80", cfg.JPEG)
	}

	if cfg.Server.WebPort != 8080 {
		t.Errorf("Default Server.WebPort = %d, want 8080", cfg.Server.WebPort)
	}

	if cfg.Server.AdvertiseIP == "" {
		t.Error("AdvertiseIP should be filled in")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// TestLoadConfigFromFile tests that a file overrides defaults and its
// streams replace the default list
func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
[system]
family = "hi3516v300"
align_width = 32

[sensor]
width = 1280
height = 720
fps = 25

[[streams]]
channel = 2
codec = "h265"
mode = "vbr"
width = 1280
height = 720
fps = 25
gop = 50
max_bitrate = 2048
min_quality = 24
max_quality = 40
main_loop = true

[[streams]]
channel = 3
codec = "mjpeg"
mode = "qp"
width = 640
height = 360
fps = 10
max_quality = 70
main_loop = true

[jpeg]
channel = 4
width = 1280
height = 720

[webrtc]
channel = 2

[server]
advertise_ip = "10.0.0.5"
mjpeg_channel = 3
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.System.Family != "hi3516v300" || cfg.System.AlignWidth != 32 {
		t.Errorf("System = %+v", cfg.System)
	}

	if len(cfg.Streams) != 2 {
		t.Fatalf("Streams = %d, want 2", len(cfg.Streams))
	}

	v, err := cfg.Streams[0].Video()
	if err != nil {
		t.Fatalf("Video failed: %v", err)
	}
	if v.Codec != hal.CodecH265 || v.Mode != hal.RateVBR || v.MaxBitrate != 2048 {
		t.Errorf("Video = %+v", v)
	}

	// Untouched keys keep their defaults
	if cfg.JPEG.Quality != 80 || cfg.Server.WebPort != 8080 {
		t.Errorf("defaults lost: jpeg quality %d, web port %d", cfg.JPEG.Quality, cfg.Server.WebPort)
	}

	if cfg.Server.AdvertiseIP != "10.0.0.5" {
		t.Errorf("AdvertiseIP = %q, want 10.0.0.5", cfg.Server.AdvertiseIP)
	}
}

func TestLoadConfigMalformed(t *testing.T) {
	path := writeConfig(t, "[system\nfamily = ")

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected a decode error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad align", func(c *Config) { c.System.AlignWidth = 24 }, "align_width"},
		{"no family", func(c *Config) { c.System.Family = "" }, "family"},
		{"zero fps", func(c *Config) { c.Sensor.FPS = 0 }, "not positive"},
		{"too many lanes", func(c *Config) { c.Sensor.Lanes = []int{0, 1, 2, 3, 4} }, "lanes"},
		{"stream larger than sensor", func(c *Config) { c.Streams[0].Width = 2560 }, "exceeds"},
		{"unknown codec", func(c *Config) { c.Streams[0].Codec = "vp8" }, "unknown codec"},
		{"h265 abr", func(c *Config) { c.Streams[0].Codec = "h265"; c.Streams[0].Mode = "abr" }, "does not support abr"},
		{"duplicate channel", func(c *Config) { c.Streams = append(c.Streams, c.Streams[0]) }, "declared twice"},
		{"jpeg collides", func(c *Config) { c.JPEG.Channel = 0 }, "also a stream"},
		{"jpeg quality", func(c *Config) { c.JPEG.Quality = 0 }, "quality"},
		{"webrtc channel", func(c *Config) { c.WebRTC.Channel = 7 }, "webrtc.channel"},
		{"mjpeg channel", func(c *Config) { c.Server.MJPEGChannel = 9 }, "mjpeg_channel"},
		{"rtp needs mjpeg", func(c *Config) { c.RTP.Enabled = true; c.RTP.Channel = 0; c.RTP.Destination = "10.0.0.2:5004" }, "not an mjpeg stream"},
		{"rtp destination", func(c *Config) { enableRTP(c); c.RTP.Destination = "10.0.0.2" }, "rtp.destination"},
		{"rtp mtu", func(c *Config) { enableRTP(c); c.RTP.MTU = 64 }, "rtp.mtu"},
		{"rtp dscp", func(c *Config) { enableRTP(c); c.RTP.DSCP = 64 }, "rtp.dscp"},
		{"log encoding", func(c *Config) { c.Logging.Encoding = "xml" }, "logging.encoding"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

// enableRTP adds an mjpeg stream on channel 2 and points rtp at it.
func enableRTP(c *Config) {
	c.Streams = append(c.Streams, StreamConfig{
		Channel: 2, Codec: "mjpeg", Mode: "cbr", Width: 640, Height: 360, FPS: 15, Bitrate: 2048,
	})
	c.RTP.Enabled = true
	c.RTP.Destination = "10.0.0.2:5004"
}

func TestValidateRTP(t *testing.T) {
	cfg := Default()
	enableRTP(cfg)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("rtp config invalid: %v", err)
	}
}

func TestValidateDefaults(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestJPEGStreamIgnoresMode(t *testing.T) {
	s := StreamConfig{Codec: "jpeg", Mode: "bogus", Width: 640, Height: 480}

	v, err := s.Video()
	if err != nil {
		t.Fatalf("Video failed: %v", err)
	}
	if v.Codec != hal.CodecJPEG {
		t.Errorf("Codec = %v, want jpeg", v.Codec)
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.toml")
	cfg := Default()
	cfg.Server.AdvertiseIP = "192.168.1.20"
	cfg.Streams[0].Bitrate = 1500

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Streams[0].Bitrate != 1500 {
		t.Errorf("Bitrate = %d, want 1500", loaded.Streams[0].Bitrate)
	}
	if loaded.Server.AdvertiseIP != "192.168.1.20" {
		t.Errorf("AdvertiseIP = %q", loaded.Server.AdvertiseIP)
	}
}
