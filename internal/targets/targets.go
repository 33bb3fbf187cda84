package targets

import (
	"net"
	"net/netip"
	"strings"
)

// Normalize 对地址进行裁剪，剥离端口、方括号与 IPv6 zone，返回规范化的 IP 文本。
// 无法解析为 IP 的输入返回空字符串。
func Normalize(address string) string {
	addr := strings.TrimSpace(address)
	if addr == "" {
		return ""
	}

	// 支持形如 [::1]:443 或 [::1] 的 IPv6 写法。
	if strings.HasPrefix(addr, "[") {
		if end := strings.Index(addr, "]"); end != -1 {
			addr = addr[1:end]
		}
	}

	// 对 IPv4 或单冒号 host:port 的写法剥离端口，避免与 IPv6 冲突。
	if strings.Count(addr, ":") == 1 {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			addr = host
		}
	}

	ip, err := netip.ParseAddr(strings.Trim(addr, "[] "))
	if err != nil {
		return ""
	}
	return ip.WithZone("").Unmap().String()
}

// IsLoopback 判断地址是否为回环地址。
func IsLoopback(address string) bool {
	ip, err := netip.ParseAddr(address)
	if err != nil {
		return false
	}
	return ip.Unmap().IsLoopback()
}

// IsLocal 判断地址是否位于不可公网定位的范围（私有、回环、链路本地、未指定）。
// 无法解析的地址同样视为本地，避免对其发起外部查询。
func IsLocal(address string) bool {
	ip, err := netip.ParseAddr(address)
	if err != nil {
		return true
	}
	ip = ip.Unmap()
	return ip.IsPrivate() ||
		ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
