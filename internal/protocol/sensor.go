package protocol

import "strconv"

// SensorType is the telemetry module's configured environment sensor.
type SensorType int32

const (
	SensorNotSet SensorType = iota
	SensorDHT11
	SensorDS18B20
	SensorDHT12
	SensorDHT21
	SensorDHT22
	SensorBME280
	SensorBME680
	SensorMCP9808
	SensorSHTC3
	SensorINA260
	SensorINA219
)

var sensorDescriptions = [...]string{
	SensorNotSet:  "Not Set",
	SensorDHT11:   "DHT11 - Temperature",
	SensorDS18B20: "DS18B20 - Temperature",
	SensorDHT12:   "DHT12 - Temperature & humidity",
	SensorDHT21:   "DHT21 - Temperature & humidity",
	SensorDHT22:   "DHT22 - Temperature & humidity",
	SensorBME280:  "BME280 - Temp, pressure & humidity",
	SensorBME680:  "BME680 - Temp, pressure, humidity & air resistance",
	SensorMCP9808: "MCP9808 - Temperature",
	SensorSHTC3:   "SHTC3 - Temperature & humidity",
	SensorINA260:  "INA260 - Current & voltage",
	SensorINA219:  "INA219 - Current & voltage",
}

func (s SensorType) String() string {
	if s >= 0 && int(s) < len(sensorDescriptions) {
		return sensorDescriptions[s]
	}
	return "Sensor " + strconv.Itoa(int(s))
}

// SensorTypes lists every known sensor in wire order.
func SensorTypes() []SensorType {
	out := make([]SensorType, len(sensorDescriptions))
	for i := range out {
		out[i] = SensorType(i)
	}
	return out
}
