package scanner

import (
	"context"
	"fmt"

	psnet "github.com/shirou/gopsutil/v3/net"
)

// StatusEstablished 是需要跟踪的连接状态。
const StatusEstablished = "ESTABLISHED"

// RawConnection 是操作系统连接表中的一条记录。
type RawConnection struct {
	RemoteIP   string
	RemotePort int
	Status     string
}

// Source 枚举当前主机的网络连接。
type Source interface {
	Connections(ctx context.Context) ([]RawConnection, error)
}

// SystemSource 通过 gopsutil 读取系统连接表。
type SystemSource struct{}

// Connections 实现 Source，只返回带远端地址的 IPv4/IPv6 连接。
func (SystemSource) Connections(ctx context.Context) ([]RawConnection, error) {
	stats, err := psnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	out := make([]RawConnection, 0, len(stats))
	for _, st := range stats {
		if st.Raddr.IP == "" {
			continue
		}
		out = append(out, RawConnection{
			RemoteIP:   st.Raddr.IP,
			RemotePort: int(st.Raddr.Port),
			Status:     st.Status,
		})
	}
	return out, nil
}

var protocolNames = map[int]string{
	21:   "FTP",
	22:   "SSH",
	25:   "SMTP",
	53:   "DNS",
	80:   "HTTP",
	443:  "HTTPS",
	3306: "MySQL",
	5432: "PostgreSQL",
	8080: "HTTP-Alt",
	8443: "HTTPS-Alt",
}

// NameForPort 根据远端端口推测协议名称，未知端口返回 TCP。
func NameForPort(port int) string {
	if name, ok := protocolNames[port]; ok {
		return name
	}
	return "TCP"
}
