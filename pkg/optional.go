package groot

import "fmt"

// Optional marks a packet block that may be absent from the wire.
type Optional[T any] struct {
	value   T
	defined bool
}

func NewDefined[T any](value T) Optional[T] {
	return Optional[T]{
		value:   value,
		defined: true,
	}
}

func (o Optional[T]) Get() T {
	if !o.defined {
		panic("optional value is not defined")
	}
	return o.value
}

func (o Optional[T]) IsDefined() bool {
	return o.defined
}

func (o Optional[T]) GetOrDefault(defaultValue T) T {
	if !o.defined {
		return defaultValue
	}
	return o.value
}

func (o Optional[T]) String() string {
	if !o.defined {
		return "(undefined)"
	}
	return fmt.Sprintf("%v", o.value)
}
