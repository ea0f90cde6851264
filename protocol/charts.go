package protocol

// Label is one key/value pair attached to a host or a chart. Source
// identifies where the label came from (config, auto, etc.) and is
// carried verbatim; the engine does not interpret it.
type Label struct {
	Name   string
	Value  string
	Source int
}

// Dimension describes one series of a chart as it crosses the wire.
type Dimension struct {
	ID         string
	Name       string
	Algorithm  string
	Multiplier int64
	Divisor    int64

	Obsolete bool
	Hidden   bool
	NoReset  bool

	// Slot is the integer standing in for the dimension ID once the
	// SLOTS capability is negotiated. Assigned by the sender, stable
	// for the life of a connection.
	Slot uint32
}

// Chart describes one chart as it crosses the wire.
type Chart struct {
	ID       string
	Name     string
	Title    string
	Units    string
	Family   string
	Context  string
	Type     string
	Priority int

	// UpdateEvery is the collection interval in seconds.
	UpdateEvery int

	Obsolete   bool
	Detail     bool
	StoreFirst bool
	Hidden     bool

	Plugin string
	Module string

	Labels     []Label
	Dimensions []Dimension

	Slot uint32
}

// SampleFlags carries per-point annotations in the v2 encoding.
type SampleFlags struct {
	// Anomalous marks the point as flagged by anomaly detection.
	// Only transmitted when the ML capability is negotiated.
	Anomalous bool
	// Reset marks a counter wrap-around at this point.
	Reset bool
}

func (f SampleFlags) token() string {
	switch {
	case f.Anomalous && f.Reset:
		return "AR"
	case f.Anomalous:
		return "A"
	case f.Reset:
		return "R"
	default:
		return "-"
	}
}

// ParseSampleFlags decodes the token produced by SampleFlags.token.
func ParseSampleFlags(s string) SampleFlags {
	var f SampleFlags
	for _, c := range s {
		switch c {
		case 'A':
			f.Anomalous = true
		case 'R':
			f.Reset = true
		}
	}
	return f
}
