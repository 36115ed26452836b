package store

// Room keys are opaque shared secrets chosen by the clients.
const (
	MinRoomKeyLength = 8
	MaxRoomKeyLength = 128
)

func ValidRoomKey(key string) bool {
	return len(key) >= MinRoomKeyLength && len(key) <= MaxRoomKeyLength
}
