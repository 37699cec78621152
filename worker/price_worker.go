package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"leaddesk/bus"
	"leaddesk/models"
)

const fetchTimeout = 5 * time.Second

// PriceWorker polls the price feed and fans the latest quotes out to every
// session subscribed to Quotes.
type PriceWorker struct {
	Quotes bus.Topic[[]models.Quote]

	client   *fasthttp.Client
	feedURL  string
	symbols  []string
	interval time.Duration
	logger   *logrus.Entry

	mu     sync.RWMutex
	latest map[string]models.Quote
}

func NewPriceWorker(feedURL string, symbols []string, interval time.Duration, logger *logrus.Entry) *PriceWorker {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &PriceWorker{
		client:   &fasthttp.Client{ReadTimeout: fetchTimeout, WriteTimeout: fetchTimeout},
		feedURL:  feedURL,
		symbols:  symbols,
		interval: interval,
		logger:   logger,
		latest:   map[string]models.Quote{},
	}
}

func (pw *PriceWorker) Start(ctx context.Context) {
	if pw.feedURL == "" {
		pw.logger.Info("price feed not configured, ticker disabled")
		return
	}
	pw.logger.WithField("symbols", pw.symbols).Info("price worker started")
	ticker := time.NewTicker(pw.interval)
	defer ticker.Stop()

	pw.poll()
	for {
		select {
		case <-ctx.Done():
			pw.logger.Info("price worker shutting down...")
			return
		case <-ticker.C:
			pw.poll()
		}
	}
}

// Latest returns the last known quote per symbol, sorted by symbol.
func (pw *PriceWorker) Latest() []models.Quote {
	pw.mu.RLock()
	defer pw.mu.RUnlock()
	out := make([]models.Quote, 0, len(pw.latest))
	for _, q := range pw.latest {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// poll keeps the previous quotes when the feed fails.
func (pw *PriceWorker) poll() {
	quotes, err := pw.fetch()
	if err != nil {
		pw.logger.WithError(err).Warn("price poll failed")
		return
	}
	now := time.Now().UTC()
	pw.mu.Lock()
	for _, q := range quotes {
		if q.Symbol == "" {
			continue
		}
		if q.UpdatedAt.IsZero() {
			q.UpdatedAt = now
		}
		pw.latest[strings.ToUpper(q.Symbol)] = q
	}
	pw.mu.Unlock()
	pw.Quotes.Publish(pw.Latest())
}

func (pw *PriceWorker) fetch() ([]models.Quote, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	target := pw.feedURL
	if len(pw.symbols) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + "symbols=" + url.QueryEscape(strings.Join(pw.symbols, ","))
	}
	req.SetRequestURI(target)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")

	if err := pw.client.DoTimeout(req, resp, fetchTimeout); err != nil {
		return nil, fmt.Errorf("fetch prices: %w", err)
	}
	if code := resp.StatusCode(); code != fasthttp.StatusOK {
		return nil, fmt.Errorf("fetch prices: status %d", code)
	}
	var quotes []models.Quote
	if err := json.Unmarshal(resp.Body(), &quotes); err != nil {
		return nil, fmt.Errorf("decode prices: %w", err)
	}
	return quotes, nil
}
