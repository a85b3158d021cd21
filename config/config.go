package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"ipc-streamer/hal"
)

// Config represents the application configuration
type Config struct {
	System   SystemConfig   `toml:"system" json:"system"`
	Sensor   SensorConfig   `toml:"sensor" json:"sensor"`
	Input    InputConfig    `toml:"input" json:"input"`
	ISP      ISPConfig      `toml:"isp" json:"isp"`
	Scaler   ScalerConfig   `toml:"scaler" json:"scaler"`
	Streams  []StreamConfig `toml:"streams" json:"streams"`
	JPEG     JPEGConfig     `toml:"jpeg" json:"jpeg"`
	Region   RegionConfig   `toml:"region" json:"region"`
	Server   ServerConfig   `toml:"server" json:"server"`
	WebRTC   WebRTCConfig   `toml:"webrtc" json:"webrtc"`
	RTP      RTPConfig      `toml:"rtp" json:"rtp"`
	Timeouts TimeoutConfig  `toml:"timeouts" json:"timeouts"`
	Logging  LoggingConfig  `toml:"logging" json:"logging"`
}

// SystemConfig selects the hardware family and sizes its buffer pools
type SystemConfig struct {
	Family        string   `toml:"family" json:"family"`
	LibraryDirs   []string `toml:"library_dirs" json:"library_dirs"`
	AlignWidth    uint32   `toml:"align_width" json:"align_width"`
	BlockCount    uint32   `toml:"block_count" json:"block_count"`
	PoolCount     uint32   `toml:"pool_count" json:"pool_count"`
	SensorDriver  string   `toml:"sensor_driver" json:"sensor_driver"`
	SensorControl string   `toml:"sensor_control" json:"sensor_control"`
}

// SensorConfig is the capture mode requested from the sensor
type SensorConfig struct {
	Index     int    `toml:"index" json:"index"`
	Width     int    `toml:"width" json:"width"`
	Height    int    `toml:"height" json:"height"`
	FPS       int    `toml:"fps" json:"fps"`
	Interface string `toml:"interface" json:"interface"`
	Lanes     []int  `toml:"lanes" json:"lanes"`
}

// InputConfig addresses the video-input device and channel
type InputConfig struct {
	Device  int `toml:"device" json:"device"`
	Channel int `toml:"channel" json:"channel"`
}

// ISPConfig addresses the ISP and holds its image settings
type ISPConfig struct {
	Device     int    `toml:"device" json:"device"`
	Channel    int    `toml:"channel" json:"channel"`
	Port       int    `toml:"port" json:"port"`
	ConfigPath string `toml:"config_path" json:"config_path"`
	Mirror     bool   `toml:"mirror" json:"mirror"`
	Flip       bool   `toml:"flip" json:"flip"`
	Rotate     int    `toml:"rotate" json:"rotate"`
	Level3DNR  int    `toml:"level_3dnr" json:"level_3dnr"`
}

// ScalerConfig addresses the scaler
type ScalerConfig struct {
	Device  int `toml:"device" json:"device"`
	Channel int `toml:"channel" json:"channel"`
}

// StreamConfig describes one continuously encoded channel
type StreamConfig struct {
	Channel    int    `toml:"channel" json:"channel"`
	Codec      string `toml:"codec" json:"codec"`
	Mode       string `toml:"mode" json:"mode"`
	Width      int    `toml:"width" json:"width"`
	Height     int    `toml:"height" json:"height"`
	FPS        int    `toml:"fps" json:"fps"`
	Gop        int    `toml:"gop" json:"gop"`
	Bitrate    uint32 `toml:"bitrate" json:"bitrate"`
	MaxBitrate uint32 `toml:"max_bitrate" json:"max_bitrate"`
	MinQuality int    `toml:"min_quality" json:"min_quality"`
	MaxQuality int    `toml:"max_quality" json:"max_quality"`
	Profile    int    `toml:"profile" json:"profile"`
	MainLoop   bool   `toml:"main_loop" json:"main_loop"`
}

// JPEGConfig holds the snapshot channel settings
type JPEGConfig struct {
	Enabled   bool `toml:"enabled" json:"enabled"`
	Channel   int  `toml:"channel" json:"channel"`
	Width     int  `toml:"width" json:"width"`
	Height    int  `toml:"height" json:"height"`
	Quality   int  `toml:"quality" json:"quality"`
	Grayscale bool `toml:"grayscale" json:"grayscale"`
	TimeoutMs int  `toml:"timeout_ms" json:"timeout_ms"`
}

// RegionConfig places one overlay region
type RegionConfig struct {
	Enabled bool `toml:"enabled" json:"enabled"`
	Handle  int  `toml:"handle" json:"handle"`
	X       int  `toml:"x" json:"x"`
	Y       int  `toml:"y" json:"y"`
	Width   int  `toml:"width" json:"width"`
	Height  int  `toml:"height" json:"height"`
}

// ServerConfig holds web server settings
type ServerConfig struct {
	WebPort      int      `toml:"web_port" json:"web_port"`
	BindIP       string   `toml:"bind_ip" json:"bind_ip"`
	AdvertiseIP  string   `toml:"advertise_ip" json:"advertise_ip"` // Auto-detected if empty
	AllowOrigins []string `toml:"allow_origins" json:"allow_origins"`
	MJPEGChannel int      `toml:"mjpeg_channel" json:"mjpeg_channel"`
}

// WebRTCConfig holds WebRTC-specific settings
type WebRTCConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled"`
	Channel    int    `toml:"channel" json:"channel"`
	STUNServer string `toml:"stun_server" json:"stun_server"`
	MaxClients int    `toml:"max_clients" json:"max_clients"`
	MTU        int    `toml:"mtu" json:"mtu"` // Receive MTU for SRTP/SCTP
}

// RTPConfig pushes one MJPEG channel as RTP/JPEG over UDP
type RTPConfig struct {
	Enabled     bool   `toml:"enabled" json:"enabled"`
	Channel     int    `toml:"channel" json:"channel"`
	Destination string `toml:"destination" json:"destination"` // host:port
	MTU         int    `toml:"mtu" json:"mtu"`
	DSCP        int    `toml:"dscp" json:"dscp"`
	SSRC        uint32 `toml:"ssrc" json:"ssrc"` // Random if zero
	QueueSize   int    `toml:"queue_size" json:"queue_size"`
}

// TimeoutConfig holds timeout and delay settings
type TimeoutConfig struct {
	PumpWaitMs          int `toml:"pump_wait_ms" json:"pump_wait_ms"`
	ShutdownTimeout     int `toml:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds"`
	HTTPShutdownTimeout int `toml:"http_shutdown_timeout_seconds" json:"http_shutdown_timeout_seconds"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level            string `toml:"level" json:"level"`
	Dir              string `toml:"dir" json:"dir"`
	Encoding         string `toml:"encoding" json:"encoding"`   // console or json
	MaxFiles         int    `toml:"max_files" json:"max_files"` // Older log files are pruned at startup
	StatsLogInterval int    `toml:"stats_log_interval_seconds" json:"stats_log_interval_seconds"`
}

// Default returns the configuration used when no file is present: one
// 1080p H.264 stream on channel 0 and a JPEG snapshot channel on 1.
func Default() *Config {
	return &Config{
		System: SystemConfig{
			Family:        "infinity6f",
			AlignWidth:    64,
			BlockCount:    4,
			PoolCount:     1,
			SensorDriver:  "libsns_imx307.so",
			SensorControl: "/dev/hi_mipi",
		},
		Sensor: SensorConfig{
			Width:     1920,
			Height:    1080,
			FPS:       30,
			Interface: "mipi",
		},
		Streams: []StreamConfig{{
			Channel:    0,
			Codec:      "h264",
			Mode:       "cbr",
			Width:      1920,
			Height:     1080,
			FPS:        30,
			Gop:        60,
			Bitrate:    4096,
			MaxBitrate: 6144,
			MinQuality: 20,
			MaxQuality: 45,
			MainLoop:   true,
		}},
		JPEG: JPEGConfig{
			Enabled:   true,
			Channel:   1,
			Width:     1920,
			Height:    1080,
			Quality:   80,
			TimeoutMs: 2000,
		},
		Region: RegionConfig{
			Width:  256,
			Height: 32,
		},
		Server: ServerConfig{
			WebPort:      8080,
			BindIP:       "0.0.0.0",
			AllowOrigins: []string{"*"},
			MJPEGChannel: -1,
		},
		WebRTC: WebRTCConfig{
			Enabled:    true,
			Channel:    0,
			STUNServer: "stun:stun.l.google.com:19302",
			MaxClients: 4,
			MTU:        1200,
		},
		RTP: RTPConfig{
			Channel:   2,
			MTU:       1400,
			QueueSize: 8,
		},
		Timeouts: TimeoutConfig{
			PumpWaitMs:          2000,
			ShutdownTimeout:     30,
			HTTPShutdownTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:            "info",
			Dir:              "logs",
			Encoding:         "console",
			MaxFiles:         20,
			StatsLogInterval: 60,
		},
	}
}

// LoadConfig loads configuration from a TOML file over the defaults and
// validates the result.
func LoadConfig(configPath string) (*Config, error) {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	config := Default()

	// Load from file if it exists
	if _, err := os.Stat(configPath); err == nil {
		// A file that declares streams replaces the default list.
		streams := config.Streams
		config.Streams = nil
		md, err := toml.DecodeFile(configPath, config)
		if err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
		if !md.IsDefined("streams") {
			config.Streams = streams
		}
		logger.Info("Config loaded from file", zap.String("path", configPath))
	} else {
		logger.Info("Config file not found, using defaults", zap.String("path", configPath))
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if config.Server.AdvertiseIP == "" {
		if ip := getLocalIP(); ip != "" {
			config.Server.AdvertiseIP = ip
			logger.Info("Auto-detected advertise IP", zap.String("ip", ip))
		} else {
			config.Server.AdvertiseIP = "localhost"
			logger.Warn("Could not detect local IP, using localhost")
		}
	}

	return config, nil
}

// Validate reports every inconsistency in c at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.System.Family == "" {
		add("system.family is required")
	}
	switch c.System.AlignWidth {
	case 16, 32, 64:
	default:
		add("system.align_width must be 16, 32 or 64, got %d", c.System.AlignWidth)
	}
	if c.Sensor.Width <= 0 || c.Sensor.Height <= 0 || c.Sensor.FPS <= 0 {
		add("sensor mode %dx%d@%d is not positive", c.Sensor.Width, c.Sensor.Height, c.Sensor.FPS)
	}
	if len(c.Sensor.Lanes) > 4 {
		add("sensor.lanes lists %d lanes, at most 4 are addressable", len(c.Sensor.Lanes))
	}

	channels := make(map[int]bool)
	codecs := make(map[int]string)
	for i, s := range c.Streams {
		if s.Channel < 0 {
			add("streams[%d]: negative channel %d", i, s.Channel)
		}
		if channels[s.Channel] {
			add("streams[%d]: channel %d declared twice", i, s.Channel)
		}
		channels[s.Channel] = true
		codecs[s.Channel] = s.Codec
		if s.Width > c.Sensor.Width || s.Height > c.Sensor.Height {
			add("streams[%d]: %dx%d exceeds the sensor mode", i, s.Width, s.Height)
		}
		if s.FPS > c.Sensor.FPS {
			add("streams[%d]: %d fps exceeds the sensor mode", i, s.FPS)
		}
		if _, err := s.Video(); err != nil {
			add("streams[%d]: %w", i, err)
		}
	}

	if c.JPEG.Enabled {
		if channels[c.JPEG.Channel] {
			add("jpeg.channel %d is also a stream channel", c.JPEG.Channel)
		}
		if c.JPEG.Quality < 1 || c.JPEG.Quality > 100 {
			add("jpeg.quality must be within [1, 100], got %d", c.JPEG.Quality)
		}
		if c.JPEG.Width <= 0 || c.JPEG.Height <= 0 {
			add("jpeg size %dx%d is not positive", c.JPEG.Width, c.JPEG.Height)
		}
		if c.JPEG.TimeoutMs <= 0 {
			add("jpeg.timeout_ms must be positive")
		}
	}

	if c.Region.Enabled && (c.Region.Width <= 0 || c.Region.Height <= 0) {
		add("region size %dx%d is not positive", c.Region.Width, c.Region.Height)
	}
	if c.Server.WebPort <= 0 || c.Server.WebPort > 65535 {
		add("server.web_port %d out of range", c.Server.WebPort)
	}
	if c.WebRTC.Enabled && !channels[c.WebRTC.Channel] {
		add("webrtc.channel %d is not a stream channel", c.WebRTC.Channel)
	}
	if c.Server.MJPEGChannel >= 0 && !channels[c.Server.MJPEGChannel] {
		add("server.mjpeg_channel %d is not a stream channel", c.Server.MJPEGChannel)
	}
	if c.RTP.Enabled {
		if codec, _ := hal.ParseCodec(codecs[c.RTP.Channel]); codec != hal.CodecMJPEG {
			add("rtp.channel %d is not an mjpeg stream", c.RTP.Channel)
		}
		if _, _, err := net.SplitHostPort(c.RTP.Destination); err != nil {
			add("rtp.destination %q: %w", c.RTP.Destination, err)
		}
		if c.RTP.MTU < 128 || c.RTP.MTU > 65507 {
			add("rtp.mtu %d out of range", c.RTP.MTU)
		}
		if c.RTP.DSCP < 0 || c.RTP.DSCP > 63 {
			add("rtp.dscp %d out of range [0, 63]", c.RTP.DSCP)
		}
	}
	switch c.Logging.Encoding {
	case "", "console", "json":
	default:
		add("logging.encoding must be console or json, got %q", c.Logging.Encoding)
	}
	return errors.Join(errs...)
}

// Video converts the stream entry into the neutral encoder request.
func (s StreamConfig) Video() (hal.VideoConfig, error) {
	codec, err := hal.ParseCodec(s.Codec)
	if err != nil {
		return hal.VideoConfig{}, err
	}
	mode := hal.RateCBR
	if codec != hal.CodecJPEG {
		if mode, err = hal.ParseRateMode(s.Mode); err != nil {
			return hal.VideoConfig{}, err
		}
	}
	v := hal.VideoConfig{
		Codec:      codec,
		Mode:       mode,
		Width:      s.Width,
		Height:     s.Height,
		Framerate:  s.FPS,
		Gop:        s.Gop,
		Bitrate:    s.Bitrate,
		MaxBitrate: s.MaxBitrate,
		MinQual:    s.MinQuality,
		MaxQual:    s.MaxQuality,
		Profile:    s.Profile,
	}
	if _, err := hal.BuildChannelAttr(v); err != nil {
		return hal.VideoConfig{}, err
	}
	return v, nil
}

// Timeout is the snapshot deadline.
func (j JPEGConfig) Timeout() time.Duration {
	return time.Duration(j.TimeoutMs) * time.Millisecond
}

// getLocalIP attempts to determine the local IP address
func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}

// SaveConfig saves the current configuration to a file
func SaveConfig(config *Config, configPath string) error {
	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}
