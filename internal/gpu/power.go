package gpu

import (
	"codeberg.org/mutker/edgetel/internal/errors"
)

const milliWattsToWatts = 1000

// readPower samples power draw and management limits in watts. Devices
// without power management report nil.
func readPower(device Device) (*PowerStats, error) {
	errFactory := errors.New()

	usage, ret := device.GetPowerUsage()
	if isUnsupported(ret) {
		return nil, nil
	}
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrPowerUsageFailed, newNVMLError(ret))
	}

	limit, ret := device.GetPowerManagementLimit()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrPowerLimitFailed, newNVMLError(ret))
	}

	minLimit, maxLimit, ret := device.GetPowerManagementLimitConstraints()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrPowerLimitsFailed, newNVMLError(ret))
	}

	defaultLimit, ret := device.GetPowerManagementDefaultLimit()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrPowerLimitsFailed, newNVMLError(ret))
	}

	return &PowerStats{
		Usage:   toWatts(usage),
		Limit:   toWatts(limit),
		Min:     toWatts(minLimit),
		Max:     toWatts(maxLimit),
		Default: toWatts(defaultLimit),
	}, nil
}

func toWatts(milliWatts uint32) PowerWatts {
	return PowerWatts(milliWatts / milliWattsToWatts)
}
