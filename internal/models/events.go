package models

// 推送给观察者的事件名称。
const (
	EventNewConnection    = "new_connection"
	EventTracerouteResult = "traceroute_result"
	EventLatencyUpdate    = "latency_update"
	EventRateLimitStatus  = "rate_limit_status"
	EventHistoryCleared   = "history_cleared"
)

// NewConnectionPayload 对应 new_connection 事件。
type NewConnectionPayload struct {
	IP        string       `json:"ip"`
	Protocol  string       `json:"protocol,omitempty"`
	FirstSeen float64      `json:"first_seen"`
	History   bool         `json:"history,omitempty"`
	Geo       *GeoLocation `json:"geo,omitempty"`
}

// HistoryPoint 是用于绘图的时延历史点。
type HistoryPoint struct {
	RTT       float64 `json:"rtt"`
	Timestamp float64 `json:"timestamp"`
}

// TraceroutePayload 对应 traceroute_result 事件。
type TraceroutePayload struct {
	Target         string         `json:"target"`
	Path           []Hop          `json:"path"`
	TargetGeo      *GeoLocation   `json:"target_geo"`
	LatestRTT      *float64       `json:"latest_rtt"`
	LatencyHistory []HistoryPoint `json:"latency_history"`
}

// LatencyPayload 对应 latency_update 事件。
type LatencyPayload struct {
	IP  string  `json:"ip"`
	RTT float64 `json:"rtt"`
}

// RateLimitPayload 对应 rate_limit_status 事件。
type RateLimitPayload struct {
	Remaining int `json:"remaining"`
	ResetIn   int `json:"reset_in"`
}

// HistoryPoints 把时延样本转换为事件载荷格式。
func HistoryPoints(samples []LatencySample) []HistoryPoint {
	points := make([]HistoryPoint, 0, len(samples))
	for _, s := range samples {
		points = append(points, HistoryPoint{RTT: s.RTT, Timestamp: UnixSeconds(s.Timestamp)})
	}
	return points
}
