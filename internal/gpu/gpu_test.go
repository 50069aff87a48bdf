package gpu_test

import (
	"testing"

	"codeberg.org/mutker/edgetel/internal/errors"
	"codeberg.org/mutker/edgetel/internal/gpu"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	name        string
	temperature uint32
	fans        []uint32
	noFans      bool
	noPower     bool
	tempRet     nvml.Return
}

func (d *fakeDevice) GetName() (string, nvml.Return) { return d.name, nvml.SUCCESS }
func (d *fakeDevice) GetUUID() (string, nvml.Return) { return "GPU-" + d.name, nvml.SUCCESS }

func (d *fakeDevice) GetTemperature(nvml.TemperatureSensors) (uint32, nvml.Return) {
	if d.tempRet != nvml.SUCCESS {
		return 0, d.tempRet
	}
	return d.temperature, nvml.SUCCESS
}

func (d *fakeDevice) GetNumFans() (int, nvml.Return) {
	if d.noFans {
		return 0, nvml.ERROR_NOT_SUPPORTED
	}
	return len(d.fans), nvml.SUCCESS
}

func (d *fakeDevice) GetFanSpeed_v2(i int) (uint32, nvml.Return) { return d.fans[i], nvml.SUCCESS }
func (d *fakeDevice) GetMinMaxFanSpeed() (int, int, nvml.Return) { return 30, 100, nvml.SUCCESS }

func (d *fakeDevice) GetPowerUsage() (uint32, nvml.Return) {
	if d.noPower {
		return 0, nvml.ERROR_NOT_SUPPORTED
	}
	return 123456, nvml.SUCCESS
}

func (d *fakeDevice) GetPowerManagementLimit() (uint32, nvml.Return) { return 250000, nvml.SUCCESS }

func (d *fakeDevice) GetPowerManagementLimitConstraints() (uint32, uint32, nvml.Return) {
	return 100000, 300000, nvml.SUCCESS
}

func (d *fakeDevice) GetPowerManagementDefaultLimit() (uint32, nvml.Return) {
	return 250000, nvml.SUCCESS
}

func (d *fakeDevice) GetUtilizationRates() (nvml.Utilization, nvml.Return) {
	return nvml.Utilization{Gpu: 42, Memory: 17}, nvml.SUCCESS
}

func (d *fakeDevice) GetMemoryInfo() (nvml.Memory, nvml.Return) {
	return nvml.Memory{}, nvml.ERROR_NOT_SUPPORTED
}

type fakeLibrary struct {
	devices   []gpu.Device
	inits     int
	shutdowns int
	initErr   error
}

func (l *fakeLibrary) Initialize() error {
	l.inits++
	return l.initErr
}

func (l *fakeLibrary) Shutdown() error {
	l.shutdowns++
	return nil
}

func (l *fakeLibrary) GetDeviceCount() (int, error) { return len(l.devices), nil }

func (l *fakeLibrary) GetDevice(i int) (gpu.Device, error) {
	if i < 0 || i >= len(l.devices) {
		return nil, errors.New().New(gpu.ErrDeviceNotFound)
	}
	return l.devices[i], nil
}

func TestReaderRead(t *testing.T) {
	lib := &fakeLibrary{devices: []gpu.Device{
		&fakeDevice{name: "RTX", temperature: 61, fans: []uint32{40, 45}},
	}}
	r := gpu.NewReader(lib)

	stats, err := r.Read(0)
	require.NoError(t, err)

	assert.Equal(t, "RTX", stats.Name)
	assert.Equal(t, "GPU-RTX", stats.UUID)
	assert.Equal(t, gpu.Temperature(61), stats.Temperature)

	require.NotNil(t, stats.Fans)
	assert.Equal(t, 2, stats.Fans.Count)
	assert.Equal(t, []gpu.FanSpeed{40, 45}, stats.Fans.Speeds)
	assert.Equal(t, gpu.FanSpeed(100), stats.Fans.MaxSpeed)

	require.NotNil(t, stats.Power)
	assert.Equal(t, gpu.PowerWatts(123), stats.Power.Usage)
	assert.Equal(t, gpu.PowerWatts(250), stats.Power.Limit)
	assert.Equal(t, gpu.PowerWatts(100), stats.Power.Min)

	require.NotNil(t, stats.Utilization)
	assert.Equal(t, uint32(42), stats.Utilization.GPU)
	assert.Nil(t, stats.Memory)
}

func TestReaderUnsupportedSections(t *testing.T) {
	lib := &fakeLibrary{devices: []gpu.Device{
		&fakeDevice{name: "T4", temperature: 50, noFans: true, noPower: true},
	}}
	r := gpu.NewReader(lib)

	stats, err := r.Read(0)
	require.NoError(t, err)
	assert.Nil(t, stats.Fans)
	assert.Nil(t, stats.Power)
}

func TestReaderErrors(t *testing.T) {
	lib := &fakeLibrary{devices: []gpu.Device{
		&fakeDevice{name: "bad", tempRet: nvml.ERROR_GPU_IS_LOST},
	}}
	r := gpu.NewReader(lib)

	_, err := r.Read(0)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, gpu.ErrTemperatureReadFailed))

	_, err = r.Read(3)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, gpu.ErrDeviceNotFound))
}

func TestReaderLifecycle(t *testing.T) {
	lib := &fakeLibrary{devices: []gpu.Device{
		&fakeDevice{name: "a", fans: []uint32{30}},
		&fakeDevice{name: "b", fans: []uint32{35}},
	}}
	r := gpu.NewReader(lib)

	require.NoError(t, r.Close())
	assert.Equal(t, 0, lib.shutdowns)

	all, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 1, all[1].Index)
	assert.Equal(t, 1, lib.inits)

	require.NoError(t, r.Close())
	assert.Equal(t, 1, lib.shutdowns)
}

func TestReaderInitFailure(t *testing.T) {
	lib := &fakeLibrary{initErr: errors.New().New(gpu.ErrInitFailed)}
	r := gpu.NewReader(lib)

	_, err := r.Count()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, gpu.ErrInitFailed))
	require.NoError(t, r.Close())
	assert.Equal(t, 0, lib.shutdowns)
}
