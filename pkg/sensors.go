package groot

import (
	"fmt"
	"strings"
)

type Sensor uint8

const (
	SensorCO2 Sensor = iota
	SensorNO
	SensorTemp
	SensorHumidity
	sensorCount
)

// AllSensors lists sensors in wire order.
var AllSensors = []Sensor{SensorCO2, SensorNO, SensorTemp, SensorHumidity}

var sensorNames = [sensorCount]string{"co2", "no", "temp", "humidity"}

func (s Sensor) String() string {
	if s >= sensorCount {
		return fmt.Sprintf("sensor(%d)", uint8(s))
	}
	return sensorNames[s]
}

// SensorSet holds one flag per sensor type. It describes both what a node can sample and what a
// query requires.
type SensorSet struct {
	CO2      bool
	NO       bool
	Temp     bool
	Humidity bool
}

func NewSensorSet(sensors ...Sensor) SensorSet {
	var set SensorSet
	for _, s := range sensors {
		set = set.With(s)
	}
	return set
}

func (set SensorSet) Has(s Sensor) bool {
	switch s {
	case SensorCO2:
		return set.CO2
	case SensorNO:
		return set.NO
	case SensorTemp:
		return set.Temp
	case SensorHumidity:
		return set.Humidity
	}
	return false
}

func (set SensorSet) With(s Sensor) SensorSet {
	switch s {
	case SensorCO2:
		set.CO2 = true
	case SensorNO:
		set.NO = true
	case SensorTemp:
		set.Temp = true
	case SensorHumidity:
		set.Humidity = true
	}
	return set
}

func (set SensorSet) IsEmpty() bool {
	return set == SensorSet{}
}

// Covers reports whether set is a superset of required.
func (set SensorSet) Covers(required SensorSet) bool {
	for _, s := range AllSensors {
		if required.Has(s) && !set.Has(s) {
			return false
		}
	}
	return true
}

func (set SensorSet) Bits() byte {
	var b byte
	for _, s := range AllSensors {
		if set.Has(s) {
			b |= 1 << s
		}
	}
	return b
}

func SensorSetFromBits(b byte) SensorSet {
	var set SensorSet
	for _, s := range AllSensors {
		if b&(1<<s) != 0 {
			set = set.With(s)
		}
	}
	return set
}

func (set SensorSet) String() string {
	names := make([]string, 0, sensorCount)
	for _, s := range AllSensors {
		if set.Has(s) {
			names = append(names, s.String())
		}
	}
	return strings.Join(names, ",")
}

// ParseSensorSet parses a comma separated list such as "co2,temp". "all" and "none" are accepted.
func ParseSensorSet(s string) (SensorSet, error) {
	var set SensorSet
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "", "none":
		return set, nil
	case "all":
		return NewSensorSet(AllSensors...), nil
	}
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		found := false
		for _, sensor := range AllSensors {
			if sensor.String() == name {
				set = set.With(sensor)
				found = true
				break
			}
		}
		if !found {
			return SensorSet{}, fmt.Errorf("unknown sensor %q", name)
		}
	}
	return set, nil
}

// SensorsData carries one reading per sensor. Only sensors flagged in Sensors are meaningful.
type SensorsData struct {
	Sensors SensorSet
	Values  [sensorCount]float64
}

func (d SensorsData) Get(s Sensor) (float64, bool) {
	if !d.Sensors.Has(s) {
		return 0, false
	}
	return d.Values[s], true
}

func (d *SensorsData) Set(s Sensor, v float64) {
	if s >= sensorCount {
		return
	}
	d.Sensors = d.Sensors.With(s)
	d.Values[s] = v
}

func (d SensorsData) String() string {
	parts := make([]string, 0, sensorCount)
	for _, s := range AllSensors {
		if v, ok := d.Get(s); ok {
			parts = append(parts, fmt.Sprintf("%s=%.2f", s, v))
		}
	}
	return strings.Join(parts, " ")
}

type Aggregator uint8

const (
	AggregatorNone Aggregator = iota
	AggregatorMax
	AggregatorAvg
	AggregatorMin
)

var aggregatorNames = []string{"none", "max", "avg", "min"}

func (a Aggregator) String() string {
	if int(a) < len(aggregatorNames) {
		return aggregatorNames[a]
	}
	return fmt.Sprintf("aggregator(%d)", uint8(a))
}

func (a Aggregator) IsValid() bool {
	return a <= AggregatorMin
}

func ParseAggregator(s string) (Aggregator, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	for i, name := range aggregatorNames {
		if name == s {
			return Aggregator(i), nil
		}
	}
	return AggregatorNone, fmt.Errorf("unknown aggregator %q", s)
}
