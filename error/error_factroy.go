package error

import "errors"

var (
	UnsupportedSize     = errors.New("no watch granularity for requested size")
	MisalignedAddress   = errors.New("watch address is not aligned to its size")
	ProcessUnavailable  = errors.New("target process is unavailable")
	ProxyCommunication  = errors.New("proxy communication error")
	MalformedHelperArgs = errors.New("helper requires <channelId> <channelName>")
	UnsupportedPlatform = errors.New("operation not supported on this platform")
	WatchBusy           = errors.New("a watch is already armed on this process")
	TracerBusy          = errors.New("tracer is already armed")
)
