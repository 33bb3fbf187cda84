package models

import "time"

// GeoLocation 描述远端地址的地理位置与归属网络信息。
type GeoLocation struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	City    string  `json:"city"`
	ISP     string  `json:"isp"`
	Org     string  `json:"org"`
	ASN     string  `json:"asn"`
	Country string  `json:"country"`
}

// Connection 表示一个曾被观测到的远端地址。
type Connection struct {
	IP        string       `json:"ip"`
	FirstSeen time.Time    `json:"first_seen"`
	LastSeen  time.Time    `json:"last_seen"`
	Protocol  string       `json:"protocol,omitempty"`
	Port      int          `json:"port,omitempty"`
	Geo       *GeoLocation `json:"geo,omitempty"`
}

// LatencySample 是一次往返时延测量（毫秒）。
type LatencySample struct {
	IP        string    `json:"ip"`
	Timestamp time.Time `json:"timestamp"`
	RTT       float64   `json:"rtt"`
}

// Hop 是路径追踪中的一跳，定位信息存在时会平铺进 JSON。
type Hop struct {
	Distance int     `json:"distance"`
	Address  string  `json:"address"`
	AvgRTT   float64 `json:"avg_rtt"`
	*GeoLocation
}

// Endpoint 是扫描快照中的一个远端端点。
type Endpoint struct {
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
}

// PingResult 是批量探测中单个目标的结果。
type PingResult struct {
	IP        string  `json:"ip"`
	Reachable bool    `json:"reachable"`
	AvgRTT    float64 `json:"avg_rtt"`
}

// UnixSeconds 将时间转换为带小数的 Unix 秒，供事件载荷与存储使用。
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromUnixSeconds 是 UnixSeconds 的逆运算。
func FromUnixSeconds(sec float64) time.Time {
	return time.Unix(0, int64(sec*float64(time.Second)))
}
