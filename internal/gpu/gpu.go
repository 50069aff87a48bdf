// Package gpu samples NVIDIA device state through NVML.
package gpu

import (
	"sync"

	"codeberg.org/mutker/edgetel/internal/errors"
	"codeberg.org/mutker/edgetel/internal/logger"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// Reader samples devices from a Library. It initializes the library on
// first use and shuts it down on Close.
type Reader struct {
	lib    Library
	mu     sync.Mutex
	opened bool
	logger logger.Logger
}

func NewReader(lib Library) *Reader {
	return &Reader{
		lib:    lib,
		logger: logger.Component("gpu"),
	}
}

func (r *Reader) open() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.opened {
		return nil
	}
	if err := r.lib.Initialize(); err != nil {
		return err
	}
	r.opened = true

	return nil
}

// Count returns the number of visible devices.
func (r *Reader) Count() (int, error) {
	if err := r.open(); err != nil {
		return 0, err
	}
	return r.lib.GetDeviceCount()
}

// Read samples the device at index.
func (r *Reader) Read(index int) (Stats, error) {
	errFactory := errors.New()

	if err := r.open(); err != nil {
		return Stats{}, err
	}

	device, err := r.lib.GetDevice(index)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Index: index}

	var ret nvml.Return
	if stats.Name, ret = device.GetName(); !IsNVMLSuccess(ret) {
		return Stats{}, errFactory.Wrap(ErrDeviceInfoFailed, newNVMLError(ret))
	}
	if stats.UUID, ret = device.GetUUID(); !IsNVMLSuccess(ret) {
		return Stats{}, errFactory.Wrap(ErrDeviceInfoFailed, newNVMLError(ret))
	}

	temp, ret := device.GetTemperature(nvml.TEMPERATURE_GPU)
	if !IsNVMLSuccess(ret) {
		return Stats{}, errFactory.Wrap(ErrTemperatureReadFailed, newNVMLError(ret))
	}
	stats.Temperature = Temperature(temp)

	if stats.Fans, err = readFans(device); err != nil {
		return Stats{}, err
	}
	if stats.Power, err = readPower(device); err != nil {
		return Stats{}, err
	}

	util, ret := device.GetUtilizationRates()
	switch {
	case IsNVMLSuccess(ret):
		stats.Utilization = &UtilizationStats{GPU: util.Gpu, Memory: util.Memory}
	case !isUnsupported(ret):
		return Stats{}, errFactory.Wrap(ErrUtilizationFailed, newNVMLError(ret))
	}

	mem, ret := device.GetMemoryInfo()
	switch {
	case IsNVMLSuccess(ret):
		stats.Memory = &MemoryStats{Total: mem.Total, Used: mem.Used, Free: mem.Free}
	case !isUnsupported(ret):
		return Stats{}, errFactory.Wrap(ErrMemoryInfoFailed, newNVMLError(ret))
	}

	r.logger.Debug().
		Int("index", index).
		Int("temperature", int(stats.Temperature)).
		Msg("Device sampled")

	return stats, nil
}

// ReadAll samples every visible device in index order.
func (r *Reader) ReadAll() ([]Stats, error) {
	count, err := r.Count()
	if err != nil {
		return nil, err
	}

	all := make([]Stats, 0, count)
	for i := 0; i < count; i++ {
		s, err := r.Read(i)
		if err != nil {
			return nil, err
		}
		all = append(all, s)
	}

	return all, nil
}

// Close shuts the library down if this reader initialized it.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.opened {
		return nil
	}
	r.opened = false

	return r.lib.Shutdown()
}
