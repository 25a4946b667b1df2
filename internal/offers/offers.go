// Package offers retrieves the live plan listing for a home and keeps a
// short-lived snapshot in storage, so repeated pipeline runs replay the
// listing they already saw instead of hammering the marketplace API.
package offers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/pickwatt/pickwatt/internal/plan"
	"github.com/pickwatt/pickwatt/internal/storage"
)

const (
	// DefaultLiveTimeout bounds a live marketplace call from inside a
	// pipeline run.
	DefaultLiveTimeout = 12 * time.Second
	// DefaultSnapshotTTL is how long a stored offer listing counts as fresh.
	DefaultSnapshotTTL = 15 * time.Minute

	maxListingBytes = 8 << 20
)

// Client fetches the current offer listing for a home.
type Client interface {
	ListOffers(ctx context.Context, home storage.HouseAddress) ([]plan.Offer, error)
}

// HTTPClient is the production Client. It queries a marketplace endpoint by
// home ID and TDSP and expects a JSON array of offers back.
type HTTPClient struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

// NewHTTPClient builds a marketplace client against the given endpoint.
func NewHTTPClient(endpoint, apiKey string) *HTTPClient {
	return &HTTPClient{
		Endpoint: endpoint,
		APIKey:   apiKey,
		Client:   &http.Client{Timeout: DefaultLiveTimeout},
	}
}

func (c *HTTPClient) ListOffers(ctx context.Context, home storage.HouseAddress) ([]plan.Offer, error) {
	if c.Endpoint == "" {
		return nil, fmt.Errorf("offers endpoint not configured")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse offers endpoint: %w", err)
	}
	q := u.Query()
	q.Set("homeId", home.ID)
	if home.TdspSlug != "" {
		q.Set("tdsp", home.TdspSlug)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build offers request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultLiveTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch offers: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("offers endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxListingBytes))
	if err != nil {
		return nil, fmt.Errorf("read offers body: %w", err)
	}
	var offers []plan.Offer
	if err := json.Unmarshal(body, &offers); err != nil {
		return nil, fmt.Errorf("decode offers: %w", err)
	}
	return offers, nil
}

// SnapshotStore is the slice of storage the offers service needs.
type SnapshotStore interface {
	GetOfferSnapshot(ctx context.Context, homeID string) (*storage.OfferSnapshot, error)
	SaveOfferSnapshot(ctx context.Context, snap storage.OfferSnapshot) error
}

// Service layers the storage snapshot over a live Client: fresh snapshots
// are served directly, the live call is bounded, and a stale snapshot still
// beats an outage.
type Service struct {
	store       SnapshotStore
	client      Client
	ttl         time.Duration
	liveTimeout time.Duration
	now         func() time.Time
}

// NewService builds an offers service with the default TTL and live timeout.
func NewService(store SnapshotStore, client Client) *Service {
	return &Service{
		store:       store,
		client:      client,
		ttl:         DefaultSnapshotTTL,
		liveTimeout: DefaultLiveTimeout,
		now:         time.Now,
	}
}

// WithTTL overrides the snapshot freshness window.
func (s *Service) WithTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

// WithLiveTimeout overrides the live-call timeout.
func (s *Service) WithLiveTimeout(d time.Duration) *Service {
	if d > 0 {
		s.liveTimeout = d
	}
	return s
}

// WithClock overrides the clock. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// OffersForHome returns the offer listing for a home. The bool reports
// whether the listing came from the stored snapshot. Order of preference:
// fresh snapshot, live call, stale snapshot. Only when all three fail does
// the error surface, and the failure is recorded on the snapshot row.
func (s *Service) OffersForHome(ctx context.Context, home storage.HouseAddress) ([]plan.Offer, bool, error) {
	now := s.now()

	snap, err := s.store.GetOfferSnapshot(ctx, home.ID)
	if err != nil {
		log.Printf("offers: read snapshot for home %s: %v", home.ID, err)
		snap = nil
	}

	if offers, ok := decodeSnapshot(snap); ok && now.Sub(snap.FetchedAt) < s.ttl {
		return offers, true, nil
	}

	liveCtx, cancel := context.WithTimeout(ctx, s.liveTimeout)
	defer cancel()
	offers, liveErr := s.client.ListOffers(liveCtx, home)
	if liveErr == nil {
		payload, err := json.Marshal(offers)
		if err != nil {
			log.Printf("offers: encode snapshot for home %s: %v", home.ID, err)
		} else if err := s.store.SaveOfferSnapshot(ctx, storage.OfferSnapshot{
			HomeID:    home.ID,
			Status:    storage.OfferSnapshotOK,
			Payload:   payload,
			FetchedAt: now,
		}); err != nil {
			log.Printf("offers: save snapshot for home %s: %v", home.ID, err)
		}
		return offers, false, nil
	}
	log.Printf("offers: live fetch failed for home %s: %v", home.ID, liveErr)

	// Stale snapshot still beats nothing.
	if offers, ok := decodeSnapshot(snap); ok {
		return offers, true, nil
	}

	// Nothing usable stored either; record the failure for operators. The
	// stale-fallback path above returns before this write, so no good
	// payload is ever clobbered.
	if err := s.store.SaveOfferSnapshot(ctx, storage.OfferSnapshot{
		HomeID:    home.ID,
		Status:    storage.OfferSnapshotError,
		LastError: liveErr.Error(),
		FetchedAt: now,
	}); err != nil {
		log.Printf("offers: save error snapshot for home %s: %v", home.ID, err)
	}
	return nil, false, fmt.Errorf("offers unavailable for home %s: %w", home.ID, liveErr)
}

func decodeSnapshot(snap *storage.OfferSnapshot) ([]plan.Offer, bool) {
	if snap == nil || snap.Status != storage.OfferSnapshotOK || len(snap.Payload) == 0 {
		return nil, false
	}
	var offers []plan.Offer
	if err := json.Unmarshal(snap.Payload, &offers); err != nil {
		log.Printf("offers: decode snapshot for home %s: %v", snap.HomeID, err)
		return nil, false
	}
	return offers, true
}
