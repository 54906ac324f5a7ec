package capture

import (
	"strings"

	"github.com/gen2brain/malgo"

	"github.com/fakeacall/fakeacall/pkg/core"
)

// openMicrophone is the default DeviceOpener, backed by the system
// microphone through miniaudio. The device delivers S16 blocks on its
// own thread; they are converted to normalized floats before ingestion.
func openMicrophone(cfg Config, onSamples func([]float32)) (Device, error) {
	ctxConfig := malgo.ContextConfig{}
	ctxConfig.ThreadPriority = malgo.ThreadPriorityRealtime

	allocated, err := malgo.InitContext(nil, ctxConfig, nil)
	if err != nil {
		return nil, core.WrapError(core.KindInsecureContext, "audio context unavailable", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(cfg.Channels)
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			onSamples(s16ToFloat(input))
		},
	}

	device, err := malgo.InitDevice(allocated.Context, deviceConfig, callbacks)
	if err != nil {
		_ = allocated.Uninit()
		return nil, classifyDeviceError(err)
	}

	return &micDevice{allocated: allocated, device: device}, nil
}

type micDevice struct {
	allocated *malgo.AllocatedContext
	device    *malgo.Device
}

func (m *micDevice) Start() error { return m.device.Start() }
func (m *micDevice) Stop() error  { return m.device.Stop() }

func (m *micDevice) Uninit() {
	m.device.Uninit()
	_ = m.allocated.Uninit()
}

// s16ToFloat converts little-endian signed 16-bit PCM to normalized
// float samples, mirroring the codec's scale factor.
func s16ToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(s) / 32768
	}
	return out
}

// classifyDeviceError maps backend failures onto the device error kinds,
// each of which carries a distinct user remedy.
func classifyDeviceError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "access denied") || strings.Contains(msg, "permission"):
		return core.WrapError(core.KindPermissionDenied, "microphone access denied", err)
	case strings.Contains(msg, "no device") || strings.Contains(msg, "device type") || strings.Contains(msg, "no backend"):
		return core.WrapError(core.KindDeviceNotFound, "no microphone found", err)
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use") || strings.Contains(msg, "already"):
		return core.WrapError(core.KindDeviceBusy, "microphone is busy", err)
	default:
		return core.WrapError(core.KindDeviceNotFound, "microphone unavailable", err)
	}
}
