package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"liuproxy_validator/internal/geo"
	"liuproxy_validator/internal/shared/logger"
	"liuproxy_validator/proxypool/model"
	"liuproxy_validator/proxypool/parser"
	"liuproxy_validator/proxypool/scraper"
	"liuproxy_validator/proxypool/storage"
	"liuproxy_validator/proxypool/validator"
)

// Observer receives every outcome of every scan, e.g. the websocket hub.
type Observer func(scanID string, o model.Outcome)

// ScanSummary describes the most recent finished scan.
type ScanSummary struct {
	ID       string    `json:"id"`
	Total    int       `json:"total"`
	Success  int       `json:"success"`
	Failed   int       `json:"failed"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
}

// Status is the snapshot served by /api/status.
type Status struct {
	EngineVersion string       `json:"engine_version"`
	PoolCapacity  int          `json:"pool_capacity"`
	PoolAvailable int          `json:"pool_available"`
	InFlight      int          `json:"in_flight"`
	ActiveScans   int          `json:"active_scans"`
	Records       int          `json:"records"`
	LastScan      *ScanSummary `json:"last_scan,omitempty"`
}

// SaveItem is one entry of a save request. An empty CountryCode is filled from history.
type SaveItem struct {
	URI         string `json:"uri"`
	CountryCode string `json:"country_code"`
}

// Manager 是验证模块的总控制器：执行扫描、维护验证历史、管理订阅源和保存列表。
type Manager struct {
	storage   storage.Storage
	validator *validator.Validator
	sources   *storage.LineFile
	saved     *storage.LineFile
	countries *geo.Countries

	// NewScraper builds the scraper for a subscription url. Replaceable in tests.
	NewScraper func(sourceURL string) (scraper.Scraper, error)

	records map[string]*model.Record // 内存中的验证历史
	mu      sync.RWMutex

	observers     []Observer
	activeScans   atomic.Int32
	lastScan      *ScanSummary
	engineVersion string
}

// NewManager 创建并初始化管理器。
func NewManager(st storage.Storage, v *validator.Validator, sources, saved *storage.LineFile, countries *geo.Countries) *Manager {
	return &Manager{
		storage:   st,
		validator: v,
		sources:   sources,
		saved:     saved,
		countries: countries,
		NewScraper: func(sourceURL string) (scraper.Scraper, error) {
			return scraper.NewSubscription(sourceURL, nil)
		},
		records: make(map[string]*model.Record),
	}
}

// AddObserver registers o. Must be called before the first scan.
func (m *Manager) AddObserver(o Observer) {
	m.observers = append(m.observers, o)
}

// SetEngineVersion records the version reported by the engine binary.
func (m *Manager) SetEngineVersion(v string) {
	m.mu.Lock()
	m.engineVersion = v
	m.mu.Unlock()
}

// Start 从存储加载验证历史。
func (m *Manager) Start() {
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Msg("Manager starting...")
	if err := m.loadRecords(); err != nil {
		l.Error().Err(err).Msg("Failed to load results history. Starting with an empty history.")
	}
}

// Stop 保存验证历史。
func (m *Manager) Stop() {
	if err := m.saveRecords(); err != nil {
		logger.Error().Err(err).Msg("Failed to save results history on shutdown.")
	}
	logger.Info().Msg("Manager stopped.")
}

// Scan validates uris and streams the outcomes. Every finished job is recorded in the
// history and passed to the observers, including outcomes dropped after ctx is done.
// Observers may be called concurrently.
func (m *Manager) Scan(ctx context.Context, uris []string) (string, <-chan model.Outcome) {
	id := uuid.NewString()
	l := logger.WithComponent("ProxyPool/Manager").With().Str("scan_id", id).Logger()
	out := make(chan model.Outcome)

	summary := &ScanSummary{ID: id, Started: time.Now()}
	var success, failed atomic.Int32
	onDone := func(o model.Outcome) {
		if o.Result.OK {
			success.Add(1)
		} else {
			failed.Add(1)
		}
		m.record(&o)
		for _, obs := range m.observers {
			obs(id, o)
		}
	}

	m.activeScans.Add(1)
	l.Info().Int("count", len(uris)).Msg("Scan started.")
	outcomes := m.validator.ValidateNotify(ctx, uris, onDone)
	go func() {
		defer close(out)
		defer m.activeScans.Add(-1)

		for o := range outcomes {
			select {
			case out <- o:
			case <-ctx.Done():
			}
		}
		summary.Success = int(success.Load())
		summary.Failed = int(failed.Load())
		summary.Total = summary.Success + summary.Failed
		summary.Finished = time.Now()

		m.mu.Lock()
		m.lastScan = summary
		m.mu.Unlock()
		if err := m.saveRecords(); err != nil {
			l.Error().Err(err).Msg("Failed to save results history after scan.")
		}
		l.Info().Int("success", summary.Success).Int("failed", summary.Failed).
			Dur("elapsed", summary.Finished.Sub(summary.Started)).Msg("Scan finished.")
	}()
	return id, out
}

// FetchSources 并发抓取订阅源并去重。sources 为空时使用保存的订阅源列表。
func (m *Manager) FetchSources(ctx context.Context, sources []string) ([]string, error) {
	l := logger.WithComponent("ProxyPool/Manager")
	if len(sources) == 0 {
		stored, err := m.sources.Read()
		if err != nil {
			return nil, fmt.Errorf("read source list: %w", err)
		}
		sources = stored
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("no subscription sources configured")
	}

	var wg sync.WaitGroup
	scrapedChan := make(chan []string, len(sources))
	for _, src := range sources {
		sc, err := m.NewScraper(src)
		if err != nil {
			l.Warn().Err(err).Str("source", src).Msg("Skipping invalid source.")
			continue
		}
		wg.Add(1)
		go func(sc scraper.Scraper) {
			defer wg.Done()
			links, err := sc.Scrape(ctx)
			if err != nil {
				l.Warn().Err(err).Str("source", sc.Name()).Msg("Scraper failed.")
				return
			}
			scrapedChan <- links
		}(sc)
	}
	wg.Wait()
	close(scrapedChan)

	var all []string
	for links := range scrapedChan {
		all = append(all, links...)
	}
	links := scraper.Dedupe(all)
	l.Info().Int("sources", len(sources)).Int("links", len(links)).Msg("Sources fetched.")
	return links, nil
}

// Sources returns the stored subscription source list.
func (m *Manager) Sources() ([]string, error) {
	return m.sources.Read()
}

// SetSources replaces the stored subscription source list.
func (m *Manager) SetSources(lines []string) (int, error) {
	lines = scraper.Dedupe(lines)
	if err := m.sources.Write(lines); err != nil {
		return 0, err
	}
	return len(lines), nil
}

// SavedServers returns the saved server list.
func (m *Manager) SavedServers() ([]string, error) {
	return m.saved.Read()
}

// SaveSelected 把选中的链接写入保存文件，备注改写为 "[CC] Country"。
func (m *Manager) SaveSelected(items []SaveItem) (int, error) {
	if len(items) == 0 {
		return 0, fmt.Errorf("no servers to save")
	}
	lines := make([]string, 0, len(items))
	m.mu.RLock()
	for _, it := range items {
		cc := it.CountryCode
		if cc == "" {
			if r, ok := m.records[model.Sanitize(it.URI)]; ok {
				cc = r.CountryCode
			}
		}
		if cc == "" {
			lines = append(lines, it.URI)
			continue
		}
		loc := m.countries.Location(cc)
		if loc.CountryCode == model.UnknownCountry && m.countries.Len() == 0 {
			loc = model.Location{CountryCode: cc, Country: cc}
		}
		lines = append(lines, parser.Rename(it.URI, fmt.Sprintf("[%s] %s", loc.CountryCode, loc.Country)))
	}
	m.mu.RUnlock()

	if err := m.saved.Write(lines); err != nil {
		return 0, err
	}
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Int("count", len(lines)).Str("path", m.saved.Path()).Msg("Saved selected servers.")
	return len(lines), nil
}

// Results returns the history, working servers first, fastest first.
func (m *Manager) Results() []model.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]model.Record, 0, len(m.records))
	for _, r := range m.records {
		list = append(list, *r)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].OK != list[j].OK {
			return list[i].OK
		}
		if list[i].LatencyMs != list[j].LatencyMs {
			return list[i].LatencyMs < list[j].LatencyMs
		}
		return list[i].URI < list[j].URI
	})
	return list
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pool := m.validator.Pool()
	return Status{
		EngineVersion: m.engineVersion,
		PoolCapacity:  pool.Capacity(),
		PoolAvailable: pool.Available(),
		InFlight:      m.validator.InFlight(),
		ActiveScans:   int(m.activeScans.Load()),
		Records:       len(m.records),
		LastScan:      m.lastScan,
	}
}

// record 更新历史。取消和内部错误与代理本身无关，不记录。
func (m *Manager) record(o *model.Outcome) {
	if !o.Result.OK && !o.Result.Kind.ProxyFault() {
		return
	}
	key := model.Sanitize(o.URI)
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key]
	if !ok {
		r = &model.Record{}
		m.records[key] = r
	}
	r.Apply(o)
	r.URI = key
}

// loadRecords 从存储加载历史到内存。
func (m *Manager) loadRecords() error {
	records, err := m.storage.Load()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.records = records
	m.mu.Unlock()
	return nil
}

// saveRecords 将内存中的历史保存到存储。
func (m *Manager) saveRecords() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.storage.Save(m.records)
}
