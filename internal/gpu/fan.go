package gpu

import (
	"codeberg.org/mutker/edgetel/internal/errors"
)

// readFans samples every fan of the device. Devices without fan control
// report nil.
func readFans(device Device) (*FanStats, error) {
	errFactory := errors.New()

	count, ret := device.GetNumFans()
	if isUnsupported(ret) {
		return nil, nil
	}
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrFanCountFailed, newNVMLError(ret))
	}

	fans := &FanStats{
		Count:  count,
		Speeds: make([]FanSpeed, count),
	}

	minSpeed, maxSpeed, ret := device.GetMinMaxFanSpeed()
	switch {
	case IsNVMLSuccess(ret):
		fans.MinSpeed = FanSpeed(minSpeed)
		fans.MaxSpeed = FanSpeed(maxSpeed)
	case !isUnsupported(ret):
		return nil, errFactory.Wrap(ErrGetFanLimitsFailed, newNVMLError(ret))
	}

	for i := 0; i < count; i++ {
		speed, ret := device.GetFanSpeed_v2(i)
		if !IsNVMLSuccess(ret) {
			return nil, errFactory.Wrapf(ErrGetFanSpeedFailed, newNVMLError(ret), "fan %d", i)
		}
		fans.Speeds[i] = FanSpeed(speed)
	}

	return fans, nil
}
