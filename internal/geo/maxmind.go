package geo

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// MaxMind 使用本地 GeoLite2/GeoIP2 Country 数据库。
type MaxMind struct {
	reader   *geoip2.Reader
	resolver *net.Resolver
}

func OpenMaxMind(path string) (*MaxMind, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database %s: %w", path, err)
	}
	return &MaxMind{reader: reader, resolver: net.DefaultResolver}, nil
}

// CountryCode resolves domains to their first address before looking them up.
func (m *MaxMind) CountryCode(ctx context.Context, host string) (string, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		addrs, err := m.resolver.LookupIPAddr(ctx, host)
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", host, err)
		}
		if len(addrs) == 0 {
			return "", fmt.Errorf("resolve %s: no addresses", host)
		}
		ip = addrs[0].IP
	}
	country, err := m.reader.Country(ip)
	if err != nil {
		return "", err
	}
	if country.Country.IsoCode == "" {
		return "", errors.New("address not in database")
	}
	return country.Country.IsoCode, nil
}

func (m *MaxMind) Close() error {
	return m.reader.Close()
}
