package event

// EventType discriminator carried in the "type" field of queued blobs.
type EventType string

const (
	EventTypeInput EventType = "INPUT"
)

func (et EventType) String() string {
	return string(et)
}

// Direction is a single-cell move request.
type Direction string

const (
	DirectionUp    Direction = "up"
	DirectionDown  Direction = "down"
	DirectionLeft  Direction = "left"
	DirectionRight Direction = "right"
)

// Valid reports whether d is one of the four grid directions.
func (d Direction) Valid() bool {
	switch d {
	case DirectionUp, DirectionDown, DirectionLeft, DirectionRight:
		return true
	default:
		return false
	}
}

// Delta returns the (dx, dy) step for d. The y axis grows downwards.
func (d Direction) Delta() (int, int) {
	switch d {
	case DirectionUp:
		return 0, -1
	case DirectionDown:
		return 0, 1
	case DirectionLeft:
		return -1, 0
	case DirectionRight:
		return 1, 0
	default:
		return 0, 0
	}
}
