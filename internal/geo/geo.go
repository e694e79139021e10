// Package geo annotates successful outcomes with a best-effort country. Every failure
// degrades to the UnknownCountry location; lookups never fail a validation.
package geo

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"liuproxy_validator/internal/shared/logger"
	"liuproxy_validator/internal/shared/types"
	"liuproxy_validator/proxypool/model"
)

const (
	ProviderIPAPI  = "ipapi"
	ProviderGeoIP2 = "geoip2"
	ProviderNone   = "none"
)

// Lookup is what the orchestrator calls once per successful probe.
type Lookup interface {
	Lookup(ctx context.Context, host string) model.Location
}

// Resolver maps a host to an ISO country code.
type Resolver interface {
	CountryCode(ctx context.Context, host string) (string, error)
}

// Service 组合 Resolver、国家表和按 host 的内存缓存。
type Service struct {
	resolver  Resolver
	countries *Countries

	mu    sync.RWMutex
	cache map[string]model.Location
}

// NewService returns a Service. resolver may be nil, in which case every lookup is unknown.
func NewService(resolver Resolver, countries *Countries) *Service {
	return &Service{
		resolver:  resolver,
		countries: countries,
		cache:     make(map[string]model.Location),
	}
}

// New builds the Service described by cfg.
func New(cfg types.GeoConf) (*Service, error) {
	l := logger.WithComponent("Geo")

	var countries *Countries
	if cfg.Countries != "" {
		c, err := LoadCountries(cfg.Countries)
		if err != nil {
			// 国家表缺失时仍可工作，只是没有名称和旗帜
			l.Warn().Err(err).Str("path", cfg.Countries).Msg("Countries map unavailable, using bare codes.")
		} else {
			countries = c
		}
	}

	var resolver Resolver
	switch cfg.Provider {
	case ProviderIPAPI, "":
		resolver = NewIPAPI("", time.Duration(cfg.TimeoutMs)*time.Millisecond, cfg.RatePerMinute)
	case ProviderGeoIP2:
		mm, err := OpenMaxMind(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		resolver = mm
	case ProviderNone:
	default:
		return nil, fmt.Errorf("unknown geo provider %q", cfg.Provider)
	}

	l.Info().Str("provider", cfg.Provider).Int("countries", countries.Len()).Msg("Geo lookup ready.")
	return NewService(resolver, countries), nil
}

func (s *Service) Lookup(ctx context.Context, host string) model.Location {
	s.mu.RLock()
	loc, ok := s.cache[host]
	s.mu.RUnlock()
	if ok {
		return loc
	}
	if s.resolver == nil {
		return s.countries.Unknown()
	}

	code, err := s.resolver.CountryCode(ctx, host)
	if err != nil {
		l := logger.WithComponent("Geo")
		l.Debug().Err(err).Str("host", host).Msg("Geo lookup failed.")
		// 失败不缓存，下一次扫描再试
		return s.countries.Unknown()
	}
	if s.countries.Len() == 0 {
		loc = model.Location{CountryCode: code, Country: code}
	} else {
		loc = s.countries.Location(code)
	}

	s.mu.Lock()
	s.cache[host] = loc
	s.mu.Unlock()
	return loc
}

// Countries exposes the name table, used when rewriting remarks on save.
func (s *Service) Countries() *Countries {
	return s.countries
}

// Close releases the resolver if it holds a database.
func (s *Service) Close() error {
	if c, ok := s.resolver.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
