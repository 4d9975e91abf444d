package tcp

// Available is a bitset of application-facing wakeups an on_segment or
// on_tick call determined are now due.
type Available uint8

const (
	AvailableRead Available = 1 << iota
	AvailableWrite
)

func (a Available) Has(f Available) bool { return a&f != 0 }
