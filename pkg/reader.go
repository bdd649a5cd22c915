package groot

import "math/rand"

// SensorReader acquires one reading. A reading of exactly 0 means "not sampled".
type SensorReader interface {
	Read(s Sensor) (float64, error)
}

type sensorRange struct {
	min float64
	max float64
}

var simulatedRanges = [sensorCount]sensorRange{
	SensorCO2:      {min: 400, max: 1200},
	SensorNO:       {min: 1, max: 60},
	SensorTemp:     {min: 10, max: 32},
	SensorHumidity: {min: 25, max: 85},
}

// RandomReader simulates sensors with uniformly distributed plausible values.
type RandomReader struct {
	rand *rand.Rand
}

func NewRandomReader(r *rand.Rand) *RandomReader {
	return &RandomReader{rand: r}
}

func (r *RandomReader) Read(s Sensor) (float64, error) {
	if s >= sensorCount {
		return 0, nil
	}
	rng := simulatedRanges[s]
	return rng.min + r.rand.Float64()*(rng.max-rng.min), nil
}

// ReaderFunc adapts a function to SensorReader.
type ReaderFunc func(s Sensor) (float64, error)

func (f ReaderFunc) Read(s Sensor) (float64, error) {
	return f(s)
}
