package iperf

// Output is the subset of iperf3 JSON output (-J) this tool interprets. The
// full document is preserved verbatim in artifacts.
type Output struct {
	Start     Start      `json:"start"`
	Intervals []Interval `json:"intervals"`
	End       End        `json:"end"`
	Error     string     `json:"error"`
}

type Start struct {
	Connected    []Connected  `json:"connected"`
	Version      string       `json:"version"`
	SystemInfo   string       `json:"system_info"`
	Timestamp    Timestamp    `json:"timestamp"`
	ConnectingTo ConnectingTo `json:"connecting_to"`
	TestStart    TestStart    `json:"test_start"`
}

type Connected struct {
	Socket     int64  `json:"socket"`
	LocalHost  string `json:"local_host"`
	LocalPort  int64  `json:"local_port"`
	RemoteHost string `json:"remote_host"`
	RemotePort int64  `json:"remote_port"`
}

type ConnectingTo struct {
	Host string `json:"host"`
	Port int64  `json:"port"`
}

type TestStart struct {
	Protocol      string `json:"protocol"`
	NumStreams    int64  `json:"num_streams"`
	Duration      int64  `json:"duration"`
	Reverse       int64  `json:"reverse"`
	TargetBitrate int64  `json:"target_bitrate"`
}

type Timestamp struct {
	Time     string `json:"time"`
	Timesecs int64  `json:"timesecs"`
}

type Interval struct {
	Sum Sum `json:"sum"`
}

// End carries the final totals. TCP runs fill SumSent and SumReceived; UDP
// runs fill Sum (older iperf3 releases only SumReceived).
type End struct {
	Sum         *Sum `json:"sum"`
	SumSent     *Sum `json:"sum_sent"`
	SumReceived *Sum `json:"sum_received"`
}

// Sum is a totals block. Pointer fields distinguish a missing metric from a
// zero value.
type Sum struct {
	Seconds       *float64 `json:"seconds"`
	Bytes         *int64   `json:"bytes"`
	BitsPerSecond *float64 `json:"bits_per_second"`
	Retransmits   *int64   `json:"retransmits"`
	JitterMS      *float64 `json:"jitter_ms"`
	LostPackets   *int64   `json:"lost_packets"`
	Packets       *int64   `json:"packets"`
	LostPercent   *float64 `json:"lost_percent"`
}
