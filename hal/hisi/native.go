package hisi

import "unsafe"

// Module ids of MPP_CHN_S.
const (
	modVPSS int32 = 7
	modVENC int32 = 8
	modVIU  int32 = 16
)

// Pixel formats.
const (
	pixRGB1555  int32 = 8
	pixYUV422SP int32 = 22
	pixYUV420SP int32 = 23
)

// VI interface modes.
const (
	viBT656   int32 = 0
	viBT601   int32 = 1
	viDigital int32 = 2
	viMIPI    int32 = 4
	viLVDS    int32 = 5
	viHiSPI   int32 = 6
)

const (
	viWorkSingle  int32 = 0
	viProgressive int32 = 1
	viPathISP     int32 = 1
	viDataRGB     int32 = 1
	viDataYUYV    int32 = 2
	viCaptureBoth int32 = 2
	compressNone  int32 = 0
	wdrNone       int32 = 0
	bayerRGGB     int32 = 0

	vpssNoDeinterlace int32 = 1
	vpssUserMode      int32 = 1

	rgnOverlay int32 = 0

	// rawData12 is the MIPI lane data type handed to the control device.
	rawData12 int32 = 2
)

// vbUserInfoMask reserves per-block user info in every pool.
const vbUserInfoMask uint32 = 0x2

// Payload types.
const (
	ptJPEG  int32 = 26
	ptH264  int32 = 96
	ptH265  int32 = 265
	ptMJPEG int32 = 1002
)

// Rate-control modes.
const (
	rcH264CBR int32 = iota + 1
	rcH264VBR
	rcH264AVBR
	rcH264QP
	rcH264QPMap
	rcMJPEGCBR
	rcMJPEGVBR
	rcMJPEGQP
	rcH265CBR
	rcH265VBR
	rcH265AVBR
	rcH265QP
)

type rect struct {
	x, y          int32
	width, height uint32
}

type size struct {
	width, height uint32
}

type mppChn struct {
	module  int32
	device  int32
	channel int32
}

type sysVersion struct {
	version [64]byte
}

type sysConf struct {
	alignWidth uint32
}

type vbPool struct {
	blockSize uint32
	blockCnt  uint32
	mmzName   [16]byte
}

type vbConf struct {
	maxPools uint32
	comm     [16]vbPool
}

type vbSupplement struct {
	mask uint32
}

type ispAlg struct {
	id   int32
	name [20]byte
}

func newAlg(name string) ispAlg {
	var a ispAlg
	copy(a.name[:len(a.name)-1], name)
	return a
}

type ispWDR struct {
	mode int32
}

type ispPub struct {
	window    rect
	framerate float32
	bayer     int32
}

type viTiming struct {
	hsyncFront, hsyncWidth, hsyncBack uint32
	vsyncFront, vsyncWidth, vsyncBack uint32
	intrlFront, intrlWidth, intrlBack uint32
}

type viSync struct {
	vsync, vsyncNeg, hsync, hsyncNeg int32
	vsyncValid, vsyncValidNeg        int32
	timing                           viTiming
}

type viDev struct {
	intf      int32
	work      int32
	compMask  [2]uint32
	scan      int32
	adChn     [4]int32
	dataSeq   int32
	sync      viSync
	dataPath  int32
	inputData int32
	dataRev   int32
	capt      rect
}

type viWDR struct {
	mode     int32
	compress int32
}

type viChn struct {
	capt     rect
	dest     size
	field    int32
	pixFmt   int32
	compress int32
	mirror   int32
	flip     int32
	srcFps   int32
	dstFps   int32
}

type vpssGrp struct {
	maxWidth, maxHeight uint32
	pixFmt              int32
	enhance, dci        int32
	noiseRed, hist      int32
	deint               int32
}

type vpssBorder struct {
	top, bottom, left, right uint32
	color                    uint32
}

type vpssChn struct {
	sharpen, border int32
	mirror, flip    int32
	srcFps, dstFps  int32
	frame           vpssBorder
}

type vpssMode struct {
	mode     int32
	dest     size
	double   int32
	pixFmt   int32
	compress int32
}

type vencAttrH26x struct {
	maxWidth, maxHeight uint32
	bufSize             uint32
	profile             uint32
	byFrame             int32
	width, height       uint32
	bFrameNum           uint32
	refNum              uint32
}

type vencAttrMJPEG struct {
	maxWidth, maxHeight uint32
	bufSize             uint32
	byFrame             int32
	width, height       uint32
}

type vencAttrJPEG struct {
	maxWidth, maxHeight uint32
	bufSize             uint32
	byFrame             int32
	width, height       uint32
	dcf                 int32
}

type rateH26xCBR struct {
	gop, statTime, srcFps, dstFps, bitrate, fluctuate uint32
}

type rateH26xVBR struct {
	gop, statTime, srcFps, dstFps, maxBitrate, maxQual, minQual, minIQual uint32
}

type rateH26xQP struct {
	gop, srcFps, dstFps, iQual, pQual, bQual uint32
}

type rateH26xAVBR struct {
	gop, statTime, srcFps, dstFps, maxBitrate uint32
}

type rateMJPEGCBR struct {
	statTime, srcFps, dstFps, bitrate, fluctuate uint32
}

type rateMJPEGVBR struct {
	statTime, srcFps, dstFps, maxBitrate, maxQual, minQual uint32
}

type rateMJPEGQP struct {
	srcFps, dstFps, quality uint32
}

// vencChn is the channel attribute: a payload-tagged attribute union
// followed by a mode-tagged rate union and its parameter pointer.
type vencChn struct {
	payload int32
	attrib  [unsafe.Sizeof(vencAttrH26x{})]byte
	mode    int32
	rate    [unsafe.Sizeof(rateH26xVBR{})]byte
	param   uintptr
}

func (c *vencChn) h26x() *vencAttrH26x { return (*vencAttrH26x)(unsafe.Pointer(&c.attrib[0])) }
func (c *vencChn) mjpeg() *vencAttrMJPEG { return (*vencAttrMJPEG)(unsafe.Pointer(&c.attrib[0])) }
func (c *vencChn) jpeg() *vencAttrJPEG { return (*vencAttrJPEG)(unsafe.Pointer(&c.attrib[0])) }

func setRate[T rateH26xCBR | rateH26xVBR | rateH26xQP | rateH26xAVBR | rateMJPEGCBR | rateMJPEGVBR | rateMJPEGQP](c *vencChn, mode int32, v T) {
	c.mode = mode
	*(*T)(unsafe.Pointer(&c.rate[0])) = v
}

type vencStat struct {
	leftPics, leftBytes, leftFrames uint32
	curPacks                        uint32
	leftRecvPics, leftEncPics       uint32
}

type vencPackInfo struct {
	packType int32
	offset   uint32
	length   uint32
}

type vencPack struct {
	phyAddr   uint32
	data      *byte
	length    uint32
	timestamp uint64
	endFrame  int32
	dataType  int32
	offset    uint32
	dataNum   uint32
	packInfo  [8]vencPackInfo
}

type vencStream struct {
	packet   *vencPack
	count    uint32
	sequence uint32
	info     [32]byte
}

type vencRecv struct {
	count int32
}

type vencJPEG struct {
	quality   uint32
	qtLuma    [64]byte
	qtCb      [64]byte
	qtCr      [64]byte
	mcuPerEcs uint32
}

type vencGray struct {
	enable int32
}

type rgnAttr struct {
	kind      int32
	pixFmt    int32
	bgColor   uint32
	size      size
	canvasNum uint32
}

type rgnChannel struct {
	show    int32
	kind    int32
	point   struct{ x, y int32 }
	fgAlpha uint32
	bgAlpha uint32
	layer   uint32
	qp      struct{ absQP, qp, disabled int32 }
	invert  [20]byte
}

type rgnBitmap struct {
	pixFmt int32
	size   size
	data   *byte
}
