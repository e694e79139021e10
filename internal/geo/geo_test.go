package geo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/ratelimit"

	"liuproxy_validator/internal/shared/types"
	"liuproxy_validator/proxypool/model"
)

const countriesJSON = `{
	"de": {"ru": "Германия", "flag": "🇩🇪"},
	"US": {"name_ru": "США", "flag": "🇺🇸"},
	"ZZZ": {"ru": "Неизвестно", "flag": "🏳"}
}`

func TestCountries(t *testing.T) {
	c, err := ParseCountries([]byte(countriesJSON))
	if err != nil {
		t.Fatalf("ParseCountries() returned an error: %v", err)
	}
	if got := c.Location("DE"); got.Country != "Германия" || got.Flag != "🇩🇪" || got.CountryCode != "DE" {
		t.Errorf("DE = %+v", got)
	}
	if got := c.Location("us"); got.Country != "США" {
		t.Errorf("US = %+v", got)
	}
	if got := c.Location("FR"); got.CountryCode != model.UnknownCountry || got.Country != "Неизвестно" {
		t.Errorf("unknown code should fall back to ZZZ, got %+v", got)
	}

	var nilCountries *Countries
	if got := nilCountries.Unknown(); got.CountryCode != model.UnknownCountry {
		t.Errorf("nil Countries fallback = %+v", got)
	}
}

func TestLoadCountries_MissingFile(t *testing.T) {
	if _, err := LoadCountries(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func newIPAPIServer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		host := strings.TrimPrefix(r.URL.Path, "/json/")
		switch host {
		case "1.2.3.4":
			fmt.Fprint(w, `{"status":"success","countryCode":"DE","query":"1.2.3.4"}`)
		case "broken":
			fmt.Fprint(w, `{not json`)
		default:
			fmt.Fprint(w, `{"status":"fail","message":"invalid query"}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestIPAPI_CountryCode(t *testing.T) {
	var hits int32
	srv := newIPAPIServer(t, &hits)
	c := NewIPAPI(srv.URL, time.Second, 0)

	code, err := c.CountryCode(context.Background(), "1.2.3.4")
	if err != nil || code != "DE" {
		t.Fatalf("CountryCode() = %q, %v", code, err)
	}
	if _, err := c.CountryCode(context.Background(), "bogus"); err == nil {
		t.Error("expected error for fail status")
	}
	if _, err := c.CountryCode(context.Background(), "broken"); err == nil {
		t.Error("expected error for invalid json")
	}
}

func TestIPAPI_RateLimitHonoursDeadline(t *testing.T) {
	var hits int32
	srv := newIPAPIServer(t, &hits)
	c := NewIPAPI(srv.URL, time.Second, 1)

	if _, err := c.CountryCode(context.Background(), "1.2.3.4"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.CountryCode(ctx, "1.2.3.4")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second call should give up before its deadline, got %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("server hits = %d, want 1", got)
	}
}

type fakeResolver struct {
	calls int32
	codes map[string]string
}

func (f *fakeResolver) CountryCode(_ context.Context, host string) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	if code, ok := f.codes[host]; ok {
		return code, nil
	}
	return "", errors.New("not found")
}

func TestService_LookupCachesSuccesses(t *testing.T) {
	countries, _ := ParseCountries([]byte(countriesJSON))
	r := &fakeResolver{codes: map[string]string{"a.example.com": "US"}}
	s := NewService(r, countries)

	for i := 0; i < 3; i++ {
		if got := s.Lookup(context.Background(), "a.example.com"); got.CountryCode != "US" || got.Flag != "🇺🇸" {
			t.Fatalf("Lookup() = %+v", got)
		}
	}
	if r.calls != 1 {
		t.Errorf("resolver calls = %d, want 1 (cached)", r.calls)
	}

	for i := 0; i < 2; i++ {
		if got := s.Lookup(context.Background(), "missing.example.com"); got.CountryCode != model.UnknownCountry {
			t.Errorf("Lookup(missing) = %+v", got)
		}
	}
	if r.calls != 3 {
		t.Errorf("failures must not be cached, resolver calls = %d", r.calls)
	}
}

func TestService_NoResolver(t *testing.T) {
	s := NewService(nil, nil)
	if got := s.Lookup(context.Background(), "x"); got.CountryCode != model.UnknownCountry {
		t.Errorf("Lookup() = %+v", got)
	}
}

func TestNew(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "countries.json")
	if err := os.WriteFile(path, []byte(countriesJSON), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := New(types.GeoConf{Provider: ProviderNone, Countries: path})
	if err != nil {
		t.Fatalf("New(none) returned an error: %v", err)
	}
	if s.Countries().Len() != 3 {
		t.Errorf("countries = %d", s.Countries().Len())
	}

	if _, err := New(types.GeoConf{Provider: ProviderGeoIP2, DBPath: filepath.Join(dir, "missing.mmdb")}); err == nil {
		t.Error("expected error for missing geoip database")
	}
	if _, err := New(types.GeoConf{Provider: "carrier-pigeon"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestIPAPI_RateLimitWaitsWithoutDeadline(t *testing.T) {
	var hits int32
	srv := newIPAPIServer(t, &hits)
	// 6000/min: 一个令牌约 10ms
	c := NewIPAPI(srv.URL, time.Second, 6000)
	c.bucket = ratelimit.NewBucketWithQuantum(10*time.Millisecond, 1, 1)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := c.CountryCode(context.Background(), "1.2.3.4"); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Errorf("calls were not spaced by the bucket, took %v", elapsed)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Errorf("server hits = %d, want 3", got)
	}
}
