package hisi

import (
	"fmt"
	"runtime"
	"unsafe"

	"ipc-streamer/hal"
)

// nativeChannel translates a neutral attribute into the MPP layout.
// Bitrates stay in kbit/s. Pairs the SDK lacks are rejected before any
// hardware call.
func nativeChannel(attr hal.ChannelAttr) (vencChn, error) {
	var c vencChn
	reject := &hal.RateModeError{Codec: attr.Codec}
	if attr.Rate != nil {
		reject.Mode = attr.Rate.Mode
	}
	w, h := uint32(attr.MaxWidth), uint32(attr.MaxHeight)

	switch attr.Codec {
	case hal.CodecJPEG:
		c.payload = ptJPEG
		j := c.jpeg()
		j.maxWidth, j.maxHeight, j.bufSize = w, h, attr.BufSize
		j.byFrame = boolInt(attr.ByFrame)
		j.width, j.height = uint32(attr.Width), uint32(attr.Height)
		return c, nil

	case hal.CodecMJPEG:
		rc := attr.Rate
		if rc == nil {
			return vencChn{}, reject
		}
		c.payload = ptMJPEG
		m := c.mjpeg()
		m.maxWidth, m.maxHeight, m.bufSize = w, h, attr.BufSize
		m.byFrame = boolInt(attr.ByFrame)
		m.width, m.height = uint32(attr.Width), uint32(attr.Height)

		fps := uint32(rc.Framerate)
		switch rc.Mode {
		case hal.RateCBR:
			setRate(&c, rcMJPEGCBR, rateMJPEGCBR{statTime: uint32(rc.StatTime), srcFps: fps, dstFps: fps,
				bitrate: rc.Bitrate})
		case hal.RateVBR:
			setRate(&c, rcMJPEGVBR, rateMJPEGVBR{statTime: uint32(rc.StatTime), srcFps: fps, dstFps: fps,
				maxBitrate: rc.MaxBitrate, maxQual: uint32(rc.MaxQual), minQual: uint32(rc.MinQual)})
		case hal.RateQP:
			setRate(&c, rcMJPEGQP, rateMJPEGQP{srcFps: fps, dstFps: fps, quality: uint32(rc.Quality)})
		default:
			return vencChn{}, reject
		}
		return c, nil

	case hal.CodecH264, hal.CodecH265:
		rc := attr.Rate
		if rc == nil {
			return vencChn{}, reject
		}
		c.payload = ptH264
		if attr.Codec == hal.CodecH265 {
			c.payload = ptH265
		}
		a := c.h26x()
		a.maxWidth, a.maxHeight, a.bufSize = w, h, attr.BufSize
		a.profile = uint32(attr.Profile)
		a.byFrame = boolInt(attr.ByFrame)
		a.width, a.height = uint32(attr.Width), uint32(attr.Height)

		if err := h26xRate(&c, attr.Codec, rc); err != nil {
			return vencChn{}, err
		}
		return c, nil
	}
	return vencChn{}, reject
}

func h26xRate(c *vencChn, codec hal.Codec, rc *hal.RateControl) error {
	pick := func(h264, h265 int32) int32 {
		if codec == hal.CodecH265 {
			return h265
		}
		return h264
	}
	fps := uint32(rc.Framerate)
	switch rc.Mode {
	case hal.RateCBR:
		setRate(c, pick(rcH264CBR, rcH265CBR), rateH26xCBR{gop: uint32(rc.Gop), statTime: uint32(rc.StatTime),
			srcFps: fps, dstFps: fps, bitrate: rc.Bitrate, fluctuate: uint32(rc.AvgLevel)})
	case hal.RateVBR:
		setRate(c, pick(rcH264VBR, rcH265VBR), rateH26xVBR{gop: uint32(rc.Gop), statTime: uint32(rc.StatTime),
			srcFps: fps, dstFps: fps, maxBitrate: rc.MaxBitrate, maxQual: uint32(rc.MaxQual),
			minQual: uint32(rc.MinQual), minIQual: uint32(rc.MinIQual)})
	case hal.RateQP:
		setRate(c, pick(rcH264QP, rcH265QP), rateH26xQP{gop: uint32(rc.Gop), srcFps: fps, dstFps: fps,
			iQual: uint32(rc.InterQual), pQual: uint32(rc.PredQual), bQual: uint32(rc.BipredQual)})
	case hal.RateAVBR:
		setRate(c, pick(rcH264AVBR, rcH265AVBR), rateH26xAVBR{gop: uint32(rc.Gop), statTime: uint32(rc.StatTime),
			srcFps: fps, dstFps: fps, maxBitrate: rc.MaxBitrate})
	default:
		// The MPP rate controller has no ABR mode.
		return &hal.RateModeError{Codec: codec, Mode: rc.Mode}
	}
	return nil
}

type encoder struct{ *chip }

func (e *encoder) check(index int) error {
	if index < 0 || index >= vencChannels {
		return fmt.Errorf("encoder channel %d out of range [0, %d)", index, vencChannels)
	}
	return nil
}

func (e *encoder) Channels() int { return vencChannels }

func (e *encoder) Endpoint(index int, _ hal.Codec) hal.Endpoint {
	return hal.Endpoint{Kind: hal.ModuleEncoder, Device: vencDevice, Channel: index, Port: hal.NoPort}
}

func (e *encoder) CreateChannel(index int, attr hal.ChannelAttr) error {
	if err := e.check(index); err != nil {
		return err
	}
	native, err := nativeChannel(attr)
	if err != nil {
		return err
	}
	if err := hal.Check("HI_MPI_VENC_CreateChn", e.venc.createChn(int32(index), &native)); err != nil {
		return err
	}
	e.mu.Lock()
	e.codecs[index] = attr.Codec
	e.mu.Unlock()
	return nil
}

func (e *encoder) DestroyChannel(index int) error {
	if err := e.check(index); err != nil {
		return err
	}
	err := hal.Check("HI_MPI_VENC_DestroyChn", e.venc.destroyChn(int32(index)))
	e.mu.Lock()
	e.codecs[index] = hal.CodecNone
	e.mu.Unlock()
	return err
}

func (e *encoder) StartReceiving(index int) error {
	if err := e.check(index); err != nil {
		return err
	}
	return hal.Check("HI_MPI_VENC_StartRecvPic", e.venc.startRecv(int32(index)))
}

func (e *encoder) StartReceivingCount(index int, count uint32) error {
	if err := e.check(index); err != nil {
		return err
	}
	p := vencRecv{count: int32(count)}
	return hal.Check("HI_MPI_VENC_StartRecvPicEx", e.venc.startRecvEx(int32(index), &p))
}

func (e *encoder) StopReceiving(index int) error {
	if err := e.check(index); err != nil {
		return err
	}
	return hal.Check("HI_MPI_VENC_StopRecvPic", e.venc.stopRecv(int32(index)))
}

func (e *encoder) Descriptor(index int) (int, error) {
	if err := e.check(index); err != nil {
		return -1, err
	}
	fd := e.venc.getFd(int32(index))
	if fd < 0 {
		return -1, &hal.CallError{Op: "HI_MPI_VENC_GetFd", Code: fd}
	}
	return int(fd), nil
}

func (e *encoder) FreeDescriptor(index int) error {
	if err := e.check(index); err != nil {
		return err
	}
	return hal.Check("HI_MPI_VENC_CloseFd", e.venc.closeFd(int32(index)))
}

func (e *encoder) Query(index int) (hal.Status, error) {
	if err := e.check(index); err != nil {
		return hal.Status{}, err
	}
	var st vencStat
	if err := hal.Check("HI_MPI_VENC_Query", e.venc.query(int32(index), &st)); err != nil {
		return hal.Status{}, err
	}
	return hal.Status{CurPacks: st.curPacks, LeftFrames: st.leftFrames}, nil
}

type stream struct {
	native vencStream
	packs  []vencPack

	// pin holds the pack array in place while the SDK owns a pointer to it.
	pin runtime.Pinner
}

func (s *stream) Len() int { return int(s.native.count) }

func (s *stream) Sequence() uint32 { return s.native.sequence }

func (s *stream) Packet(i int) hal.Packet {
	p := &s.packs[i]
	var data []byte
	if p.data != nil && p.length > 0 {
		data = unsafe.Slice(p.data, p.length)
	}
	return hal.Packet{Data: data, Length: p.length, Offset: p.offset}
}

func (e *encoder) Fetch(index int, count int) (hal.NativeStream, error) {
	if err := e.check(index); err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, hal.ErrEmptyFrame
	}
	s := &stream{packs: make([]vencPack, count)}
	s.pin.Pin(&s.packs[0])
	s.native.packet = &s.packs[0]
	s.native.count = uint32(count)
	if err := hal.Check("HI_MPI_VENC_GetStream", e.venc.getStream(int32(index), &s.native, int32(count))); err != nil {
		s.unpin()
		return nil, err
	}
	if int(s.native.count) > count {
		s.native.count = uint32(count)
	}
	return s, nil
}

func (e *encoder) Free(index int, ns hal.NativeStream) error {
	if err := e.check(index); err != nil {
		return err
	}
	s, ok := ns.(*stream)
	if !ok {
		return fmt.Errorf("%w: foreign stream %T", hal.ErrUnsupported, ns)
	}
	err := hal.Check("HI_MPI_VENC_ReleaseStream", e.venc.release(int32(index), &s.native))
	s.unpin()
	return err
}

// unpin drops the SDK view of the pack array. The packs stay readable.
func (s *stream) unpin() {
	s.native.packet = nil
	s.pin.Unpin()
}

func (e *encoder) JPEGParam(index int) (hal.JPEGParam, error) {
	if err := e.check(index); err != nil {
		return hal.JPEGParam{}, err
	}
	var p vencJPEG
	if err := hal.Check("HI_MPI_VENC_GetJpegParam", e.venc.getJPEGParam(int32(index), &p)); err != nil {
		return hal.JPEGParam{}, err
	}
	return hal.JPEGParam{Quality: int(p.quality)}, nil
}

func (e *encoder) SetJPEGParam(index int, param hal.JPEGParam) error {
	if err := e.check(index); err != nil {
		return err
	}
	var p vencJPEG
	if err := hal.Check("HI_MPI_VENC_GetJpegParam", e.venc.getJPEGParam(int32(index), &p)); err != nil {
		return err
	}
	p.quality = uint32(param.Quality)
	return hal.Check("HI_MPI_VENC_SetJpegParam", e.venc.setJPEGParam(int32(index), &p))
}

// SetGrayscale applies to the one channel only.
func (e *encoder) SetGrayscale(index int, enable bool) error {
	if err := e.check(index); err != nil {
		return err
	}
	g := vencGray{enable: boolInt(enable)}
	return hal.Check("HI_MPI_VENC_SetColor2Grey", e.venc.setGray(int32(index), &g))
}
