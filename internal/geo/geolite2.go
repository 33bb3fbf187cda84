package geo

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
	"go.uber.org/multierr"

	"github.com/hitushen/nettrace/internal/models"
)

// GeoLite2 使用本地 MaxMind GeoLite2 数据库查询地理位置，ASN 库可选。
type GeoLite2 struct {
	city *geoip2.Reader
	asn  *geoip2.Reader
}

// OpenGeoLite2 打开 City 数据库以及可选的 ASN 数据库。
func OpenGeoLite2(cityPath, asnPath string) (*GeoLite2, error) {
	city, err := geoip2.Open(cityPath)
	if err != nil {
		return nil, fmt.Errorf("open geolite2 city: %w", err)
	}
	g := &GeoLite2{city: city}
	if asnPath != "" {
		asn, err := geoip2.Open(asnPath)
		if err != nil {
			_ = city.Close()
			return nil, fmt.Errorf("open geolite2 asn: %w", err)
		}
		g.asn = asn
	}
	return g, nil
}

// Locate 实现 Locator。
func (g *GeoLite2) Locate(_ context.Context, ip string) (*models.GeoLocation, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("failed to parse IP address %s", ip)
	}

	rec, err := g.city.City(parsed)
	if err != nil {
		return nil, fmt.Errorf("geolite2 city: %w", err)
	}
	if rec.Country.IsoCode == "" && rec.Location.Latitude == 0 && rec.Location.Longitude == 0 {
		return nil, errors.New("geolite2: address not found")
	}

	geo := &models.GeoLocation{
		Lat:     rec.Location.Latitude,
		Lon:     rec.Location.Longitude,
		City:    rec.City.Names["en"],
		Country: rec.Country.IsoCode,
	}
	if g.asn != nil {
		if a, err := g.asn.ASN(parsed); err == nil && a.AutonomousSystemNumber != 0 {
			geo.ASN = fmt.Sprintf("AS%d %s", a.AutonomousSystemNumber, a.AutonomousSystemOrganization)
			geo.Org = a.AutonomousSystemOrganization
			geo.ISP = a.AutonomousSystemOrganization
		}
	}
	return geo, nil
}

// Close 关闭底层数据库。
func (g *GeoLite2) Close() error {
	err := g.city.Close()
	if g.asn != nil {
		err = multierr.Append(err, g.asn.Close())
	}
	return err
}

// Chain 依次尝试多个 Locator，返回第一个成功的结果。
type Chain []Locator

// Locate 实现 Locator。
func (c Chain) Locate(ctx context.Context, ip string) (*models.GeoLocation, error) {
	var errs error
	for _, l := range c {
		geo, err := l.Locate(ctx, ip)
		if err == nil && geo != nil {
			return geo, nil
		}
		errs = multierr.Append(errs, err)
	}
	if errs == nil {
		errs = errors.New("no locator configured")
	}
	return nil, errs
}
