package gpu

import "github.com/NVIDIA/go-nvml/pkg/nvml"

// Device is the read-only subset of nvml.Device the reader samples.
type Device interface {
	GetName() (string, nvml.Return)
	GetUUID() (string, nvml.Return)
	GetTemperature(sensor nvml.TemperatureSensors) (uint32, nvml.Return)
	GetNumFans() (int, nvml.Return)
	GetFanSpeed_v2(fan int) (uint32, nvml.Return)
	GetMinMaxFanSpeed() (int, int, nvml.Return)
	GetPowerUsage() (uint32, nvml.Return)
	GetPowerManagementLimit() (uint32, nvml.Return)
	GetPowerManagementLimitConstraints() (uint32, uint32, nvml.Return)
	GetPowerManagementDefaultLimit() (uint32, nvml.Return)
	GetUtilizationRates() (nvml.Utilization, nvml.Return)
	GetMemoryInfo() (nvml.Memory, nvml.Return)
}

// Library abstracts NVML lifecycle and discovery for testing
type Library interface {
	Initialize() error
	Shutdown() error
	GetDeviceCount() (int, error)
	GetDevice(index int) (Device, error)
}

// Domain types for type safety
type (
	Temperature int
	FanSpeed    int
	PowerWatts  int

	FanStats struct {
		Count    int        `json:"count"`
		Speeds   []FanSpeed `json:"speeds"`
		MinSpeed FanSpeed   `json:"min"`
		MaxSpeed FanSpeed   `json:"max"`
	}

	PowerStats struct {
		Usage   PowerWatts `json:"usage"`
		Limit   PowerWatts `json:"limit"`
		Min     PowerWatts `json:"min"`
		Max     PowerWatts `json:"max"`
		Default PowerWatts `json:"default"`
	}

	UtilizationStats struct {
		GPU    uint32 `json:"gpu"`
		Memory uint32 `json:"memory"`
	}

	MemoryStats struct {
		Total uint64 `json:"total"`
		Used  uint64 `json:"used"`
		Free  uint64 `json:"free"`
	}

	// Stats is one sample of a device. Sections the device does not
	// support are nil.
	Stats struct {
		Index       int               `json:"index"`
		Name        string            `json:"name"`
		UUID        string            `json:"uuid"`
		Temperature Temperature       `json:"temperature"`
		Fans        *FanStats         `json:"fans,omitempty"`
		Power       *PowerStats       `json:"power,omitempty"`
		Utilization *UtilizationStats `json:"utilization,omitempty"`
		Memory      *MemoryStats      `json:"memory,omitempty"`
	}
)
