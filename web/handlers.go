package web

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/vincent-vinf/go-jsend"
	"go.uber.org/zap"

	"ipc-streamer/camera"
	"ipc-streamer/channel"
	"ipc-streamer/hal"
)

// channelView is the JSON form of one encoder channel
type channelView struct {
	Index    int    `json:"index"`
	State    string `json:"state"`
	Codec    string `json:"codec"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FPS      int    `json:"fps"`
	Buffer   string `json:"buffer"`
	Bound    bool   `json:"bound"`
	MainLoop bool   `json:"main_loop"`
}

func (s *Server) handleHealth(c *gin.Context) {
	services := gin.H{"web_server": "running"}
	if s.camera.IsRunning() {
		services["camera"] = fmt.Sprintf("running (%d channels)", len(s.camera.Channels()))
	} else {
		services["camera"] = "stopped"
	}
	if s.rtc != nil {
		services["webrtc"] = fmt.Sprintf("running (%d peers)", s.rtc.GetPeerCount())
	}

	c.JSON(http.StatusOK, jsend.Success(gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"services":  services,
	}))
}

func (s *Server) handleStatus(c *gin.Context) {
	status := gin.H{
		"server": s.GetServerInfo(),
		"camera": s.camera.GetStatus(),
	}
	if s.rtc != nil {
		status["webrtc"] = s.rtc.GetStats()
	}
	if s.hub != nil {
		status["mjpeg"] = gin.H{
			"channel":     s.hub.channel,
			"subscribers": s.hub.Subscribers(),
			"dropped":     s.hub.Dropped(),
		}
	}
	for name, p := range s.extra {
		status[name] = p.GetStats()
	}
	c.JSON(http.StatusOK, jsend.Success(status))
}

func (s *Server) handleChannels(c *gin.Context) {
	infos := s.camera.Channels()
	views := make([]channelView, 0, len(infos))
	for _, i := range infos {
		views = append(views, channelView{
			Index:    i.Index,
			State:    i.State.String(),
			Codec:    i.Codec.String(),
			Width:    i.Width,
			Height:   i.Height,
			FPS:      i.Fps,
			Buffer:   humanize.Bytes(uint64(i.BufSize)),
			Bound:    i.Bound,
			MainLoop: i.MainLoop,
		})
	}
	c.Header("X-Total-Count", strconv.Itoa(len(views)))
	c.JSON(http.StatusOK, jsend.Success(views))
}

// snapshotRequest reads width, height, quality and grayscale from the query.
// Absent values stay zero and fall back to the configured defaults.
func snapshotRequest(c *gin.Context) (channel.SnapshotRequest, error) {
	var req channel.SnapshotRequest
	for name, dst := range map[string]*int{
		"width":   &req.Width,
		"height":  &req.Height,
		"quality": &req.Quality,
	} {
		v := c.Query(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return req, fmt.Errorf("invalid %s %q", name, v)
		}
		*dst = n
	}
	if req.Quality > 100 {
		return req, fmt.Errorf("quality %d out of range 1-100", req.Quality)
	}
	if v := c.Query("grayscale"); v != "" {
		g, err := strconv.ParseBool(v)
		if err != nil {
			return req, fmt.Errorf("invalid grayscale %q", v)
		}
		req.Grayscale = g
	}
	return req, nil
}

func snapshotStatus(err error) int {
	switch {
	case errors.Is(err, camera.ErrNoSnapshot):
		return http.StatusNotFound
	case errors.Is(err, camera.ErrNotRunning), errors.Is(err, hal.ErrEmptyFrame):
		return http.StatusServiceUnavailable
	case errors.Is(err, channel.ErrSize):
		return http.StatusBadRequest
	case errors.Is(err, hal.ErrWaitTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleSnapshot(c *gin.Context) {
	req, err := snapshotRequest(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, jsend.SimpleErr(err.Error()))
		return
	}

	data, err := s.camera.Snapshot(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		c.JSON(snapshotStatus(err), jsend.SimpleErr(err.Error()))
		return
	}

	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/jpeg", data)
}

func (s *Server) handleMJPEG(c *gin.Context) {
	if s.hub == nil {
		c.JSON(http.StatusNotFound, jsend.SimpleErr("no mjpeg channel configured"))
		return
	}
	frames, cancel := s.hub.Subscribe()
	defer cancel()

	mimeWriter := multipart.NewWriter(c.Writer)
	c.Header("Content-Type", fmt.Sprintf("multipart/x-mixed-replace; boundary=%s", mimeWriter.Boundary()))
	c.Header("Cache-Control", "no-store")
	c.Status(http.StatusOK)
	partHeader := make(textproto.MIMEHeader)
	partHeader.Add("Content-Type", "image/jpeg")

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-frames:
			partWriter, err := mimeWriter.CreatePart(partHeader)
			if err != nil {
				s.logger.Debug("Failed to create multipart part", zap.Error(err))
				return
			}
			if _, err := partWriter.Write(frame); err != nil {
				s.logger.Debug("MJPEG client gone", zap.Error(err))
				return
			}
			c.Writer.Flush()
		}
	}
}

func (s *Server) handleWebSocket(c *gin.Context) {
	if s.rtc == nil {
		c.JSON(http.StatusNotFound, jsend.SimpleErr("webrtc disabled"))
		return
	}
	s.rtc.HandleWebSocket(c.Writer, c.Request)
}
