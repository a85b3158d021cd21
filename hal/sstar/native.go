package sstar

import "unsafe"

// Module ids of the MI_SYS channel-port addressing.
const (
	modVENC int32 = 2
	modVIF  int32 = 6
	modISP  int32 = 33
	modSCL  int32 = 34
)

// Encoder devices.
const (
	devH26X int32 = 0
	devMJPG int32 = 8
)

// Bind link types.
const (
	linkFrameBase uint32 = 0x1
	linkRealtime  uint32 = 0x4
	linkRing      uint32 = 0x10
)

// Pixel formats.
const (
	pixYUV422YUYV int32 = 0
	pixARGB1555   int32 = 5
	pixYUV422SP   int32 = 10
	pixYUV420SP   int32 = 11
	pixRGBBayer   int32 = 22
)

const (
	bayerEnd     int32 = 4
	compressNone int32 = 0

	hdrOff      int32 = 0
	intfBT656   int32 = 2
	edgeDouble  int32 = 2
	workSingle  int32 = 0
	frateFull   int32 = 0
	rgnTypeOSD  int32 = 0
	rgnARGB1555 int32 = 0
)

// ispLoadKey unlocks MI_ISP_ApiCmdLoadBinFile.
const ispLoadKey uint32 = 1234

// Encoder codec types.
const (
	codecH264 int32 = 2
	codecH265 int32 = 3
	codecMJPG int32 = 4
)

// Rate-control modes.
const (
	rcH264CBR int32 = iota + 1
	rcH264VBR
	rcH264ABR
	rcH264QP
	rcH264AVBR
	rcMJPGCBR
	rcMJPGQP
	rcH265CBR
	rcH265VBR
	rcH265QP
	rcH265AVBR
)

type rect struct {
	x, y, width, height uint16
}

type dim struct {
	width, height uint16
}

type sysPort struct {
	module  int32
	device  uint32
	channel uint32
	port    uint32
}

type sysVersion struct {
	version [128]byte
}

type snrRes struct {
	crop   rect
	output struct{ width, height uint32 }
	maxFps uint32
	minFps uint32
	desc   [32]byte
}

type snrPad struct {
	planeCount uint32
	intf       int32
	hdr        int32
	// interface attribute union; the BT656 edge is its third word
	intfAttr  [144]byte
	earlyInit byte
	_         [3]byte
}

func (p *snrPad) bt656Edge() int32 {
	return *(*int32)(unsafe.Pointer(&p.intfAttr[8]))
}

type snrPlane struct {
	sensorID  uint32
	name      [32]byte
	capt      rect
	bayer     int32
	precision int32
	hdrSrc    int32
	pixFmt    int32
}

func (p *snrPlane) format() int32 {
	if p.bayer > bayerEnd {
		return p.pixFmt
	}
	return pixRGBBayer + p.precision*bayerEnd + p.bayer
}

type vifGroup struct {
	intf        int32
	work        int32
	hdr         int32
	edge        int32
	clock       int32
	interlaceOn int32
	grpStitch   uint32
}

type vifDev struct {
	pixFmt    int32
	crop      rect
	field     int32
	halfHScan byte
	_         [3]byte
}

type vifPort struct {
	capt   rect
	dest   dim
	pixFmt int32
	frate  int32
}

type ispChn struct {
	sensorID uint32
	_        [28]byte
}

type ispParam struct {
	hdr       int32
	level3DNR int32
	mirror    byte
	flip      byte
	_         [2]byte
	rotate    int32
}

type ispPort struct {
	crop     rect
	pixFmt   int32
	compress int32
}

type sclPort struct {
	crop     rect
	output   dim
	mirror   byte
	flip     byte
	_        [2]byte
	pixFmt   int32
	compress int32
}

type vencAttrH26x struct {
	maxWidth  uint32
	maxHeight uint32
	bufSize   uint32
	profile   uint32
	byFrame   byte
	_         [3]byte
	width     uint32
	height    uint32
	bFrameNum uint32
	refNum    uint32
}

type vencAttrMJPG struct {
	maxWidth   uint32
	maxHeight  uint32
	bufSize    uint32
	byFrame    byte
	_          [3]byte
	width      uint32
	height     uint32
	dcfThumbs  byte
	_          [3]byte
	markPerRow uint32
}

type rateH26xCBR struct {
	gop, statTime, fpsNum, fpsDen, bitrate, avgLvl uint32
}

type rateH26xVBR struct {
	gop, statTime, fpsNum, fpsDen, maxBitrate, maxQual, minQual uint32
}

type rateH26xQP struct {
	gop, fpsNum, fpsDen, interQual, predQual uint32
}

type rateH26xABR struct {
	gop, statTime, fpsNum, fpsDen, avgBitrate, maxBitrate uint32
}

type rateMJPGCBR struct {
	bitrate, fpsNum, fpsDen uint32
}

type rateMJPGQP struct {
	fpsNum, fpsDen, quality uint32
}

// vencChn is the channel attribute: codec-tagged attribute union followed
// by a mode-tagged rate union.
type vencChn struct {
	codec  int32
	attrib [unsafe.Sizeof(vencAttrH26x{})]byte
	mode   int32
	rate   [unsafe.Sizeof(rateH26xVBR{})]byte
}

func (c *vencChn) h26x() *vencAttrH26x { return (*vencAttrH26x)(unsafe.Pointer(&c.attrib[0])) }
func (c *vencChn) mjpg() *vencAttrMJPG { return (*vencAttrMJPG)(unsafe.Pointer(&c.attrib[0])) }

func setRate[T rateH26xCBR | rateH26xVBR | rateH26xQP | rateH26xABR | rateMJPGCBR | rateMJPGQP](c *vencChn, mode int32, v T) {
	c.mode = mode
	*(*T)(unsafe.Pointer(&c.rate[0])) = v
}

type vencStat struct {
	leftPics, leftBytes, leftFrames, leftMillis uint32
	curPacks                                    uint32
	leftRecvPics, leftEncPics                   uint32
	fpsNum, fpsDen                              uint32
	bitrate                                     uint32
}

type vencPackInfo struct {
	packType int32
	offset   uint32
	length   uint32
	sliceID  uint32
}

type vencPack struct {
	phyAddr   uint64
	data      *byte
	length    uint32
	timestamp uint64
	endFrame  byte
	naluType  int32
	offset    uint32
	dataNum   uint32
	packInfo  [8]vencPackInfo
}

type vencStream struct {
	packet   *vencPack
	count    uint32
	sequence uint32
	handle   int32
	info     [32]byte
}

type vencRecv struct {
	count int32
}

type vencJPEG struct {
	quality   uint32
	qtLuma    [64]byte
	qtChroma  [64]byte
	mcuPerEcs uint32
}

type rgnPalette struct {
	entries [256][4]byte
}

type rgnConfig struct {
	kind   int32
	pixFmt int32
	size   struct{ width, height uint32 }
}

type rgnOSD struct {
	layer        uint32
	constAlphaOn int32
	bgFgAlpha    [2]byte
	_            [2]byte
	invert       [16]byte
}

type rgnChannel struct {
	show  int32
	point struct{ x, y uint32 }
	osd   rgnOSD
}

type rgnBitmap struct {
	pixFmt int32
	size   struct{ width, height uint32 }
	data   *byte
}
