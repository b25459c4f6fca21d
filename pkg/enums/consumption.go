package enums

// ConsumptionSource records how a consumption event reached the platform.
type ConsumptionSource string

const (
	ConsumptionSourceDevice      ConsumptionSource = "device"
	ConsumptionSourceSensorDelta ConsumptionSource = "sensor_delta"
)

func (s ConsumptionSource) IsValid() bool {
	return s == ConsumptionSourceDevice || s == ConsumptionSourceSensorDelta
}
