package sstar

import (
	"fmt"
	"runtime"
	"unsafe"

	"ipc-streamer/hal"
)

// defaultJPEGQuality seeds a snapshot channel until the first
// SetJPEGParam.
const defaultJPEGQuality = 80

// kbit converts a neutral kbit/s rate to the SDK unit.
func kbit(v uint32) uint32 { return v << 10 }

// nativeChannel translates a neutral attribute into the SDK layout and the
// encoder device serving it. Pairs the SDK lacks are rejected here, before
// any hardware call.
func nativeChannel(attr hal.ChannelAttr) (vencChn, int32, error) {
	var c vencChn
	reject := &hal.RateModeError{Codec: attr.Codec}
	if attr.Rate != nil {
		reject.Mode = attr.Rate.Mode
	}

	switch attr.Codec {
	case hal.CodecJPEG, hal.CodecMJPEG:
		c.codec = codecMJPG
		m := c.mjpg()
		m.maxWidth, m.maxHeight = uint32(attr.MaxWidth), uint32(attr.MaxHeight)
		m.width, m.height = uint32(attr.MaxWidth), uint32(attr.MaxHeight)
		m.bufSize = attr.BufSize
		m.byFrame = boolByte(attr.ByFrame)

		rc := attr.Rate
		switch {
		case rc == nil:
			// Snapshot channels encode on demand at one frame per request.
			setRate(&c, rcMJPGQP, rateMJPGQP{fpsNum: 1, fpsDen: 1, quality: defaultJPEGQuality})
		case rc.Mode == hal.RateCBR:
			setRate(&c, rcMJPGCBR, rateMJPGCBR{bitrate: kbit(rc.Bitrate),
				fpsNum: uint32(rc.Framerate), fpsDen: 1})
		case rc.Mode == hal.RateQP:
			setRate(&c, rcMJPGQP, rateMJPGQP{fpsNum: uint32(rc.Framerate), fpsDen: 1,
				quality: uint32(rc.Quality)})
		default:
			return vencChn{}, 0, reject
		}
		return c, devMJPG, nil

	case hal.CodecH264, hal.CodecH265:
		if attr.Rate == nil {
			return vencChn{}, 0, reject
		}
		c.codec = codecH264
		if attr.Codec == hal.CodecH265 {
			c.codec = codecH265
		}
		h := c.h26x()
		h.maxWidth, h.maxHeight = uint32(attr.MaxWidth), uint32(attr.MaxHeight)
		h.width, h.height = uint32(attr.MaxWidth), uint32(attr.MaxHeight)
		h.bufSize = attr.BufSize
		h.profile = uint32(attr.Profile)
		h.byFrame = boolByte(attr.ByFrame)
		h.refNum = 1

		if err := h26xRate(&c, attr.Codec, attr.Rate); err != nil {
			return vencChn{}, 0, err
		}
		return c, devH26X, nil
	}
	return vencChn{}, 0, reject
}

func h26xRate(c *vencChn, codec hal.Codec, rc *hal.RateControl) error {
	h265 := codec == hal.CodecH265
	pick := func(h264, h265mode int32) int32 {
		if h265 {
			return h265mode
		}
		return h264
	}
	fps := uint32(rc.Framerate)
	switch rc.Mode {
	case hal.RateCBR:
		setRate(c, pick(rcH264CBR, rcH265CBR), rateH26xCBR{gop: uint32(rc.Gop), statTime: uint32(rc.StatTime),
			fpsNum: fps, fpsDen: 1, bitrate: kbit(rc.Bitrate), avgLvl: uint32(rc.AvgLevel)})
	case hal.RateVBR:
		setRate(c, pick(rcH264VBR, rcH265VBR), rateH26xVBR{gop: uint32(rc.Gop), statTime: uint32(rc.StatTime),
			fpsNum: fps, fpsDen: 1, maxBitrate: kbit(rc.MaxBitrate),
			maxQual: uint32(rc.MaxQual), minQual: uint32(rc.MinQual)})
	case hal.RateQP:
		setRate(c, pick(rcH264QP, rcH265QP), rateH26xQP{gop: uint32(rc.Gop), fpsNum: fps, fpsDen: 1,
			interQual: uint32(rc.InterQual), predQual: uint32(rc.PredQual)})
	case hal.RateABR:
		if h265 {
			return &hal.RateModeError{Codec: codec, Mode: rc.Mode}
		}
		setRate(c, rcH264ABR, rateH26xABR{gop: uint32(rc.Gop), statTime: uint32(rc.StatTime),
			fpsNum: fps, fpsDen: 1, avgBitrate: kbit(rc.Bitrate), maxBitrate: kbit(rc.MaxBitrate)})
	case hal.RateAVBR:
		setRate(c, pick(rcH264AVBR, rcH265AVBR), rateH26xVBR{gop: uint32(rc.Gop), statTime: uint32(rc.StatTime),
			fpsNum: fps, fpsDen: 1, maxBitrate: kbit(rc.MaxBitrate),
			maxQual: uint32(rc.MaxQual), minQual: uint32(rc.MinQual)})
	default:
		return &hal.RateModeError{Codec: codec, Mode: rc.Mode}
	}
	return nil
}

type encoder struct{ *chip }

func deviceFor(codec hal.Codec) int32 {
	if codec.JPEGFamily() {
		return devMJPG
	}
	return devH26X
}

func (e *encoder) check(index int) error {
	if index < 0 || index >= vencChannels {
		return fmt.Errorf("encoder channel %d out of range [0, %d)", index, vencChannels)
	}
	return nil
}

// addr resolves the device a created channel lives on.
func (e *encoder) addr(index int) (dev, chn int32, err error) {
	if err := e.check(index); err != nil {
		return 0, 0, err
	}
	e.mu.Lock()
	codec := e.codecs[index]
	e.mu.Unlock()
	return deviceFor(codec), int32(index), nil
}

func (e *encoder) Channels() int { return vencChannels }

func (e *encoder) Endpoint(index int, codec hal.Codec) hal.Endpoint {
	return hal.Endpoint{Kind: hal.ModuleEncoder, Device: int(deviceFor(codec)), Channel: index, Port: 0}
}

func (e *encoder) CreateChannel(index int, attr hal.ChannelAttr) error {
	if err := e.check(index); err != nil {
		return err
	}
	native, dev, err := nativeChannel(attr)
	if err != nil {
		return err
	}
	if err := hal.Check("MI_VENC_CreateChn", e.venc.createChn(dev, int32(index), &native)); err != nil {
		return err
	}
	e.mu.Lock()
	e.codecs[index] = attr.Codec
	e.mu.Unlock()
	return nil
}

func (e *encoder) DestroyChannel(index int) error {
	dev, chn, err := e.addr(index)
	if err != nil {
		return err
	}
	err = hal.Check("MI_VENC_DestroyChn", e.venc.destroyChn(dev, chn))
	e.mu.Lock()
	e.codecs[index] = hal.CodecNone
	e.mu.Unlock()
	return err
}

func (e *encoder) StartReceiving(index int) error {
	dev, chn, err := e.addr(index)
	if err != nil {
		return err
	}
	return hal.Check("MI_VENC_StartRecvPic", e.venc.startRecv(dev, chn))
}

func (e *encoder) StartReceivingCount(index int, count uint32) error {
	dev, chn, err := e.addr(index)
	if err != nil {
		return err
	}
	p := vencRecv{count: int32(count)}
	return hal.Check("MI_VENC_StartRecvPicEx", e.venc.startRecvEx(dev, chn, &p))
}

func (e *encoder) StopReceiving(index int) error {
	dev, chn, err := e.addr(index)
	if err != nil {
		return err
	}
	return hal.Check("MI_VENC_StopRecvPic", e.venc.stopRecv(dev, chn))
}

func (e *encoder) Descriptor(index int) (int, error) {
	dev, chn, err := e.addr(index)
	if err != nil {
		return -1, err
	}
	fd := e.venc.getFd(dev, chn)
	if fd < 0 {
		return -1, &hal.CallError{Op: "MI_VENC_GetFd", Code: fd}
	}
	return int(fd), nil
}

func (e *encoder) FreeDescriptor(index int) error {
	dev, chn, err := e.addr(index)
	if err != nil {
		return err
	}
	return hal.Check("MI_VENC_CloseFd", e.venc.closeFd(dev, chn))
}

func (e *encoder) Query(index int) (hal.Status, error) {
	dev, chn, err := e.addr(index)
	if err != nil {
		return hal.Status{}, err
	}
	var st vencStat
	if err := hal.Check("MI_VENC_Query", e.venc.query(dev, chn, &st)); err != nil {
		return hal.Status{}, err
	}
	return hal.Status{CurPacks: st.curPacks, LeftFrames: st.leftFrames}, nil
}

// stream is a fetched vendor batch. The pack array is Go memory the SDK
// fills; payload pointers reference SDK buffers until release.
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
	dev, chn, err := e.addr(index)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, hal.ErrEmptyFrame
	}
	s := &stream{packs: make([]vencPack, count)}
	s.pin.Pin(&s.packs[0])
	s.native.packet = &s.packs[0]
	s.native.count = uint32(count)
	if err := hal.Check("MI_VENC_GetStream", e.venc.getStream(dev, chn, &s.native, int32(count))); err != nil {
		s.unpin()
		return nil, err
	}
	if int(s.native.count) > count {
		s.native.count = uint32(count)
	}
	return s, nil
}

func (e *encoder) Free(index int, ns hal.NativeStream) error {
	dev, chn, err := e.addr(index)
	if err != nil {
		return err
	}
	s, ok := ns.(*stream)
	if !ok {
		return fmt.Errorf("%w: foreign stream %T", hal.ErrUnsupported, ns)
	}
	err = hal.Check("MI_VENC_ReleaseStream", e.venc.release(dev, chn, &s.native))
	s.unpin()
	return err
}

// unpin drops the SDK view of the pack array. The packs stay readable.
func (s *stream) unpin() {
	s.native.packet = nil
	s.pin.Unpin()
}

func (e *encoder) JPEGParam(index int) (hal.JPEGParam, error) {
	dev, chn, err := e.addr(index)
	if err != nil {
		return hal.JPEGParam{}, err
	}
	var p vencJPEG
	if err := hal.Check("MI_VENC_GetJpegParam", e.venc.getJPEGParam(dev, chn, &p)); err != nil {
		return hal.JPEGParam{}, err
	}
	return hal.JPEGParam{Quality: int(p.quality)}, nil
}

// SetJPEGParam changes the quality factor and keeps the SDK tables.
func (e *encoder) SetJPEGParam(index int, param hal.JPEGParam) error {
	dev, chn, err := e.addr(index)
	if err != nil {
		return err
	}
	var p vencJPEG
	if err := hal.Check("MI_VENC_GetJpegParam", e.venc.getJPEGParam(dev, chn, &p)); err != nil {
		return err
	}
	p.quality = uint32(param.Quality)
	return hal.Check("MI_VENC_SetJpegParam", e.venc.setJPEGParam(dev, chn, &p))
}

// SetGrayscale is ISP wide on this family.
func (e *encoder) SetGrayscale(_ int, enable bool) error {
	return (&isp{e.chip}).grayscale(enable)
}
