package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// The simulator drives the public booking API the way a burst of real clients
// would: many workers race for the same small pool of slots. Its point is to
// demonstrate the exclusivity guarantee end to end — every slot must produce
// exactly one 201 no matter how many callers fight over it.

type SimConfig struct {
	APIBaseURL  string
	Duration    time.Duration
	Workers     int
	SlotLimit   int
	CancelRatio float64
}

type slotInfo struct {
	ID string `json:"id"`
}

// DataPool tracks slots fetched from the API and bookings created during the
// run, so cancel traffic has something to work on.
type DataPool struct {
	Slots []slotInfo

	mu       sync.Mutex
	next     int
	bookings []bookingInfo
	winners  map[string]int // slot ID -> number of successful bookings
}

type bookingInfo struct {
	ID     string
	SlotID string
	Email  string
}

func (dp *DataPool) NextSlot() (slotInfo, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.Slots) == 0 {
		return slotInfo{}, false
	}
	// Deliberately wrap around so multiple workers contend for the same slot.
	s := dp.Slots[dp.next%len(dp.Slots)]
	dp.next++
	return s, true
}

func (dp *DataPool) AddBooking(b bookingInfo) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.bookings = append(dp.bookings, b)
	dp.winners[b.SlotID]++
}

func (dp *DataPool) TakeBooking() (bookingInfo, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.bookings) == 0 {
		return bookingInfo{}, false
	}
	idx := rand.Intn(len(dp.bookings))
	b := dp.bookings[idx]
	dp.bookings = append(dp.bookings[:idx], dp.bookings[idx+1:]...)
	return b, true
}

// ReleaseSlotWin backs out a win after a successful cancel so a legitimate
// rebooking of the freed slot is not flagged as a double booking.
func (dp *DataPool) ReleaseSlotWin(slotID string) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.winners[slotID]--
}

func (dp *DataPool) DoubleBookedSlots() []string {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	var bad []string
	for slotID, n := range dp.winners {
		if n > 1 {
			bad = append(bad, fmt.Sprintf("%s (%d)", slotID, n))
		}
	}
	return bad
}

type OperationMetrics struct {
	Total    int64
	Success  int64
	Conflict int64
	Error    int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (om *OperationMetrics) Record(latency time.Duration, status int, successCode int) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case status == successCode:
		atomic.AddInt64(&om.Success, 1)
	case status == http.StatusConflict || status == http.StatusTooManyRequests:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.latencies = append(om.latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, max time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.latencies) == 0 {
		return 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.latencies))
	copy(latencies, om.latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	avg = sum / time.Duration(len(latencies))

	idx := func(pct int) int {
		i := len(latencies) * pct / 100
		if i >= len(latencies) {
			i = len(latencies) - 1
		}
		return i
	}
	return avg, latencies[idx(50)], latencies[idx(95)], latencies[len(latencies)-1]
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	booking OperationMetrics
	cancel  OperationMetrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	log.Printf("config: base_url=%s duration=%s workers=%d slots=%d cancel=%.2f",
		cfg.APIBaseURL, cfg.Duration, cfg.Workers, cfg.SlotLimit, cfg.CancelRatio)

	sim := &Simulator{
		config: cfg,
		pool:   &DataPool{winners: make(map[string]int)},
		client: &http.Client{Timeout: 10 * time.Second},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := sim.loadSlots(ctx); err != nil {
		cancel()
		log.Fatalf("load slots: %v", err)
	}
	cancel()

	if len(sim.pool.Slots) == 0 {
		log.Fatal("no available slots; run the seed binary first")
	}
	log.Printf("loaded %d available slots", len(sim.pool.Slots))

	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	return SimConfig{
		APIBaseURL:  getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:    getDuration("SIM_DURATION", 30*time.Second),
		Workers:     getInt("SIM_WORKERS", 10),
		SlotLimit:   getInt("SIM_SLOT_LIMIT", 50),
		CancelRatio: getFloat("SIM_CANCEL_RATIO", 0.2),
	}
}

func (s *Simulator) loadSlots(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/slots?status=available", s.config.APIBaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GET /api/slots returned %d: %s", resp.StatusCode, body)
	}

	var slots []slotInfo
	if err := json.NewDecoder(resp.Body).Decode(&slots); err != nil {
		return err
	}
	if len(slots) > s.config.SlotLimit {
		slots = slots[:s.config.SlotLimit]
	}
	s.pool.Slots = slots
	return nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			s.worker(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (s *Simulator) worker(ctx context.Context, n int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if rand.Float64() < s.config.CancelRatio {
			if b, ok := s.pool.TakeBooking(); ok {
				s.doCancel(ctx, b)
				continue
			}
		}
		s.doBooking(ctx, n)
	}
}

func (s *Simulator) doBooking(ctx context.Context, worker int) {
	slot, ok := s.pool.NextSlot()
	if !ok {
		return
	}

	email := fmt.Sprintf("sim-%d-%d@load.example", worker, rand.Intn(1_000_000))
	payload := map[string]any{
		"patient": map[string]any{
			"name":  fmt.Sprintf("Load Tester %d", worker),
			"email": email,
		},
		"slotId": slot.ID,
		"type":   "first-visit",
		"consents": []map[string]string{
			{"type": "privacy", "version": "2024-01"},
			{"type": "telemedicine", "version": "2024-01"},
		},
	}

	status, body, latency := s.post(ctx, "/api/appointments", payload)
	s.booking.Record(latency, status, http.StatusCreated)

	if status == http.StatusCreated {
		var created struct {
			ID     string `json:"id"`
			SlotID string `json:"slotId"`
		}
		if err := json.Unmarshal(body, &created); err == nil {
			s.pool.AddBooking(bookingInfo{ID: created.ID, SlotID: created.SlotID, Email: email})
		}
	}
}

func (s *Simulator) doCancel(ctx context.Context, b bookingInfo) {
	payload := map[string]any{
		"email":  b.Email,
		"reason": "load test",
	}

	path := fmt.Sprintf("/api/appointments/%s/cancel", b.ID)
	status, _, latency := s.post(ctx, path, payload)
	s.cancel.Record(latency, status, http.StatusOK)

	if status == http.StatusOK {
		s.pool.ReleaseSlotWin(b.SlotID)
	}
}

func (s *Simulator) post(ctx context.Context, path string, payload any) (int, []byte, time.Duration) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, 0
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, nil, 0
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, nil, latency
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode, body, latency
}

func (s *Simulator) PrintReport() {
	fmt.Println()
	fmt.Println("=== simulation report ===")

	printOp := func(name string, om *OperationMetrics) {
		avg, p50, p95, max := om.Stats()
		fmt.Printf("%-10s total=%d success=%d conflict=%d error=%d avg=%s p50=%s p95=%s max=%s\n",
			name,
			atomic.LoadInt64(&om.Total),
			atomic.LoadInt64(&om.Success),
			atomic.LoadInt64(&om.Conflict),
			atomic.LoadInt64(&om.Error),
			avg, p50, p95, max,
		)
	}

	printOp("booking", &s.booking)
	printOp("cancel", &s.cancel)

	if bad := s.pool.DoubleBookedSlots(); len(bad) > 0 {
		fmt.Printf("EXCLUSIVITY VIOLATED: slots booked more than once: %v\n", bad)
		os.Exit(1)
	}
	fmt.Println("exclusivity held: no slot was booked twice")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
