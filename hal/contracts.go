package hal

// System covers global bring-up and the data-flow bindings between modules.
type System interface {
	Version() (string, error)
	Init(cfg SystemConfig) error
	Exit() error
	Bind(src, dst Endpoint, link Link) error
	Unbind(src, dst Endpoint) error
	// FanOut reports whether src may feed more than one destination.
	FanOut(src Endpoint) bool
}

// Sensor negotiates a capture profile and switches the sensor on and off.
type Sensor interface {
	Enable(index int, mode SensorMode) (SensorInfo, error)
	Disable(index int) error
}

// VideoInput is the capture interface between sensor and ISP.
type VideoInput interface {
	EnableDevice(dev int, cfg InputConfig) error
	DisableDevice(dev int) error
	EnablePort(dev, chn int, cfg InputConfig) error
	DisablePort(dev, chn int) error
	Endpoint(dev, chn int) Endpoint
}

// ISP is the image signal processor.
type ISP interface {
	Create(dev, chn int, params ISPParams) error
	Destroy(dev, chn int) error
	EnablePort(dev, chn, port int) error
	DisablePort(dev, chn, port int) error
	// Endpoint returns false when the ISP sits inline in the input path
	// and cannot be bound on its own.
	Endpoint(dev, chn, port int) (Endpoint, bool)
	LoadConfig(dev, chn int, path string) error
}

// Scaler is the post-processor whose output ports feed encoder channels.
type Scaler interface {
	Create(dev, chn, rotate int) error
	Destroy(dev, chn int) error
	ConfigurePort(index int, cfg PortConfig) error
	EnablePort(index int) error
	DisablePort(index int) error
	Input() Endpoint
	Output(index int) Endpoint
	Ports() int
}

// Encoder drives the per-channel hardware encoder.
type Encoder interface {
	Channels() int
	Endpoint(index int, codec Codec) Endpoint
	CreateChannel(index int, attr ChannelAttr) error
	DestroyChannel(index int) error
	StartReceiving(index int) error
	StartReceivingCount(index int, count uint32) error
	StopReceiving(index int) error
	Descriptor(index int) (int, error)
	FreeDescriptor(index int) error
	Query(index int) (Status, error)
	Fetch(index int, count int) (NativeStream, error)
	Free(index int, s NativeStream) error
	JPEGParam(index int) (JPEGParam, error)
	SetJPEGParam(index int, p JPEGParam) error
	SetGrayscale(index int, enable bool) error
}

// Region manages on-screen overlay regions.
type Region interface {
	Init() error
	Deinit() error
	// Config returns ErrNoRegion when the handle does not exist.
	Config(handle int) (RegionConfig, error)
	Create(handle int, cfg RegionConfig) error
	Destroy(handle int) error
	// Attachment returns ErrNotAttached when the handle is not shown on target.
	Attachment(handle int, target Endpoint) (RegionAttach, error)
	Attach(handle int, target Endpoint, attr RegionAttach) error
	Detach(handle int, target Endpoint) error
	SetBitmap(handle int, bmp Bitmap) error
	Targets() []Endpoint
}

// Runner is implemented by capabilities that need a dedicated blocking
// loop while the pipeline is up.
type Runner interface {
	Run() error
}
