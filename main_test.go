package main

import (
	"context"
	"encoding/json"
	"fmt"
	"go/parser"
	"go/token"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ipc-streamer/config"
	"ipc-streamer/hal/fake"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func testAppConfig(t *testing.T, rtpDest string) *config.Config {
	cfg := config.Default()
	cfg.System.Family = fake.Family
	cfg.Server.BindIP = "127.0.0.1"
	cfg.Server.AdvertiseIP = "127.0.0.1"
	cfg.Server.WebPort = freePort(t)
	cfg.Timeouts.PumpWaitMs = 50
	cfg.Logging.StatsLogInterval = 0
	cfg.Streams = append(cfg.Streams, config.StreamConfig{
		Channel: 2, Codec: "mjpeg", Mode: "cbr", Width: 640, Height: 360, FPS: 15, Bitrate: 2048,
	})
	cfg.RTP.Enabled = true
	cfg.RTP.Destination = rtpDest
	require.NoError(t, cfg.Validate())
	return cfg
}

// minimalJPEG is a baseline 4:2:0 frame with one quantization table.
func minimalJPEG() []byte {
	b := []byte{0xFF, 0xD8}
	b = append(b, 0xFF, 0xDB, 0x00, 0x43, 0x00)
	for i := 0; i < 64; i++ {
		b = append(b, byte(i+1))
	}
	b = append(b, 0xFF, 0xC0, 0x00, 0x11, 0x08, 0x01, 0x68, 0x02, 0x80, 0x03,
		0x01, 0x22, 0x00, 0x02, 0x11, 0x00, 0x03, 0x11, 0x00)
	b = append(b, 0xFF, 0xDA, 0x00, 0x0C, 0x03, 0x01, 0x00, 0x02, 0x11, 0x03, 0x11, 0x00, 0x3F, 0x00)
	b = append(b, 0x12, 0x34, 0x56, 0x78)
	return append(b, 0xFF, 0xD9)
}

// Verifies the full system starts, serves and streams, then stops cleanly
func TestApplicationLifecycle(t *testing.T) {
	rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer rtpConn.Close()

	cfg := testAppConfig(t, rtpConn.LocalAddr().String())
	app := &Application{config: cfg, logger: zaptest.NewLogger(t)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, app.Start(ctx))
	defer app.Stop()

	require.NotNil(t, app.webrtcServer)
	require.NotNil(t, app.rtpSender)
	assert.True(t, app.rtpSender.IsRunning())

	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.WebPort)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = client.Get(base + "/api/status")
	require.NoError(t, err)
	var status struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	for _, key := range []string{"server", "camera", "webrtc", "rtp"} {
		assert.Contains(t, status.Data, key)
	}

	enc, ok := app.backend.Encoder.(*fake.Encoder)
	require.True(t, ok)
	enc.Push(2, minimalJPEG())

	rtpConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2048)
	n, _, err := rtpConn.ReadFromUDP(buf)
	require.NoError(t, err)
	var pkt rtp.Packet
	require.NoError(t, pkt.Unmarshal(buf[:n]))
	assert.Equal(t, uint8(26), pkt.PayloadType)
	assert.True(t, pkt.Marker)

	require.NoError(t, app.Stop())
	assert.False(t, app.rtpSender.IsRunning())
	assert.False(t, app.cameraManager.IsRunning())

	_, err = client.Get(base + "/health")
	assert.Error(t, err, "web server still serving after Stop")
}

func TestApplicationUnknownFamily(t *testing.T) {
	cfg := config.Default()
	cfg.System.Family = "no-such-soc"
	app := &Application{config: cfg, logger: zaptest.NewLogger(t)}

	err := app.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no-such-soc")
	assert.NoError(t, app.Stop())
}

func TestCreateLogger(t *testing.T) {
	for _, encoding := range []string{"console", "json"} {
		t.Run(encoding, func(t *testing.T) {
			dir := t.TempDir()
			logger, err := createLogger(config.LoggingConfig{Level: "debug", Dir: dir, Encoding: encoding})
			require.NoError(t, err)
			logger.Info("hello")
			_ = logger.Sync()

			files, err := filepath.Glob(filepath.Join(dir, "ipc-streamer-*.log"))
			require.NoError(t, err)
			assert.Len(t, files, 1)
		})
	}
}

func TestPruneLogs(t *testing.T) {
	dir := t.TempDir()
	names := []string{"20260101-000000", "20260102-000000", "20260103-000000", "20260104-000000"}
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "ipc-streamer-"+n+".log"), nil, 0644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.log"), nil, 0644))

	pruneLogs(dir, 2)

	files, err := filepath.Glob(filepath.Join(dir, "*.log"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(dir, "ipc-streamer-20260103-000000.log"),
		filepath.Join(dir, "ipc-streamer-20260104-000000.log"),
		filepath.Join(dir, "other.log"),
	}, files)
}

func TestBinaryDoesNotRegisterFakeFamily(t *testing.T) {
	file, err := parser.ParseFile(token.NewFileSet(), "main.go", nil, parser.ImportsOnly)
	require.NoError(t, err)

	var imports []string
	for _, imp := range file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		require.NoError(t, err)
		imports = append(imports, path)
	}
	assert.Contains(t, imports, "ipc-streamer/hal/sstar")
	assert.Contains(t, imports, "ipc-streamer/hal/hisi")
	assert.NotContains(t, imports, "ipc-streamer/hal/fake")
}
