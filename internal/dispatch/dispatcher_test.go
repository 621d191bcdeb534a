package dispatch

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FranksOps/rotor/internal/storage"
	"github.com/FranksOps/rotor/pkg/proxy"
	"github.com/FranksOps/rotor/pkg/ratelimit"
)

type fetchFunc func(ctx context.Context, url string, rec proxy.Record) (*storage.ScrapeResult, proxy.Outcome)

func (f fetchFunc) Fetch(ctx context.Context, url string, rec proxy.Record) (*storage.ScrapeResult, proxy.Outcome) {
	return f(ctx, url, rec)
}

// always answers every fetch with the same outcome kind.
func always(kind proxy.Kind, calls *atomic.Int32) fetchFunc {
	return func(ctx context.Context, url string, rec proxy.Record) (*storage.ScrapeResult, proxy.Outcome) {
		calls.Add(1)
		res := storage.NewResult(url, http.MethodGet)
		res.Proxy = rec.Endpoint.String()
		o := proxy.Outcome{Kind: kind}
		if kind == proxy.Success {
			res.StatusCode, o.StatusCode = 200, 200
		} else {
			o.Reason = "scripted " + kind.String()
			res.Error = o.Reason
		}
		return res, o
	}
}

type memSink struct {
	mu      sync.Mutex
	results []*storage.ScrapeResult
}

func (s *memSink) Save(_ context.Context, r *storage.ScrapeResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return nil
}

func (s *memSink) urls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.results))
	for _, r := range s.results {
		out = append(out, r.URL)
	}
	return out
}

func newPool(t *testing.T, n, maxFailures int) *proxy.Pool {
	t.Helper()
	eps := make([]proxy.Endpoint, n)
	for i := range eps {
		eps[i] = proxy.Endpoint{Address: "10.1.0." + strconv.Itoa(i+1), Port: 3128, Protocol: proxy.ProtocolHTTP}
	}
	p := proxy.NewPool(proxy.Config{MaxFailures: maxFailures})
	if err := p.Load(eps); err != nil {
		t.Fatalf("failed to load pool: %v", err)
	}
	return p
}

func targetURLs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "http://target.test/" + strconv.Itoa(i)
	}
	return out
}

func TestProcess_RetryBound(t *testing.T) {
	var calls atomic.Int32
	pool := newPool(t, 10, 100)
	d := New(pool, always(proxy.ProxyFailure, &calls), Config{MaxRetries: 3}, nil)

	res, err := d.Process(context.Background(), "http://target.test/")
	if !errors.Is(err, ErrRequestExhausted) {
		t.Fatalf("expected ErrRequestExhausted, got %v", err)
	}

	var exhausted *RequestExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected *RequestExhaustedError, got %T", err)
	}
	if exhausted.Attempts != 4 || exhausted.Last.Kind != proxy.ProxyFailure {
		t.Errorf("expected 4 attempts ending in proxy failure, got %d/%s", exhausted.Attempts, exhausted.Last.Kind)
	}
	if calls.Load() != 4 {
		t.Errorf("expected exactly maxRetries+1 fetches, got %d", calls.Load())
	}
	if res.Outcome != storage.OutcomeExhausted || res.Attempts != 4 || res.Error == "" {
		t.Errorf("unexpected terminal result: %+v", res)
	}
	if c := pool.Counts(); c.Reserved != 0 {
		t.Errorf("expected every reservation released, got %d reserved", c.Reserved)
	}
}

func TestProcess_TargetFailureRetried(t *testing.T) {
	var calls atomic.Int32
	d := New(newPool(t, 3, 3), always(proxy.TargetFailure, &calls), Config{MaxRetries: 2}, nil)

	_, err := d.Process(context.Background(), "http://target.test/")
	var exhausted *RequestExhaustedError
	if !errors.As(err, &exhausted) || exhausted.Last.Kind != proxy.TargetFailure {
		t.Fatalf("expected exhaustion on target failure, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 fetches, got %d", calls.Load())
	}
}

func TestProcess_SucceedsOnRetryWithAnotherProxy(t *testing.T) {
	pool := newPool(t, 2, 3)
	var used []string
	var mu sync.Mutex
	fetcher := fetchFunc(func(ctx context.Context, url string, rec proxy.Record) (*storage.ScrapeResult, proxy.Outcome) {
		mu.Lock()
		used = append(used, rec.Key())
		n := len(used)
		mu.Unlock()
		res := storage.NewResult(url, http.MethodGet)
		if n == 1 {
			return res, proxy.Outcome{Kind: proxy.ProxyFailure, Reason: "connection refused"}
		}
		res.StatusCode = 200
		return res, proxy.Outcome{Kind: proxy.Success, StatusCode: 200}
	})

	d := New(pool, fetcher, Config{MaxRetries: 2}, nil)
	res, err := d.Process(context.Background(), "http://target.test/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != storage.OutcomeSuccess || res.Attempts != 2 {
		t.Errorf("expected success on second attempt, got %s after %d", res.Outcome, res.Attempts)
	}
	if len(used) != 2 || used[0] == used[1] {
		t.Errorf("expected the retry to move to the healthier proxy, used %v", used)
	}

	first, _ := pool.Get(used[0])
	if first.FailureCount != 1 {
		t.Errorf("expected failed proxy to carry 1 failure, got %d", first.FailureCount)
	}
}

func TestProcess_NoProxyAvailable(t *testing.T) {
	var calls atomic.Int32
	pool := newPool(t, 2, 3)
	for _, r := range pool.Snapshot() {
		if err := pool.MarkValidated(r.Key(), false); err != nil {
			t.Fatalf("mark: %v", err)
		}
	}

	d := New(pool, always(proxy.Success, &calls), Config{MaxRetries: 5}, nil)
	res, err := d.Process(context.Background(), "http://target.test/")
	if !errors.Is(err, ErrNoProxyAvailable) {
		t.Fatalf("expected ErrNoProxyAvailable, got %v", err)
	}
	if !errors.Is(err, proxy.ErrPoolExhausted) {
		t.Errorf("expected pool exhaustion cause in %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("expected no fetches, got %d", calls.Load())
	}
	if res == nil || res.Outcome != storage.OutcomeNoProxy {
		t.Errorf("expected no_proxy result, got %+v", res)
	}
}

func TestProcess_DeadProxyIsForgotten(t *testing.T) {
	var calls atomic.Int32
	ff := &forgettingFetcher{fetchFunc: always(proxy.ProxyFailure, &calls)}
	pool := newPool(t, 1, 1)

	d := New(pool, ff, Config{MaxRetries: 0}, nil)
	if _, err := d.Process(context.Background(), "http://target.test/"); !errors.Is(err, ErrRequestExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	rec := pool.Snapshot()[0]
	if rec.Status != proxy.StatusDead {
		t.Fatalf("expected proxy dead, got %s", rec.Status)
	}
	if !slices.Equal(ff.forgotten, []string{rec.Key()}) {
		t.Errorf("expected client for %s forgotten, got %v", rec.Key(), ff.forgotten)
	}
}

type forgettingFetcher struct {
	fetchFunc
	forgotten []string
}

func (f *forgettingFetcher) Forget(key string) {
	f.forgotten = append(f.forgotten, key)
}

func TestRun_BoundedInFlightAndOutOfOrder(t *testing.T) {
	const workers = 5

	var inFlight, maxSeen atomic.Int32
	fetcher := fetchFunc(func(ctx context.Context, url string, rec proxy.Record) (*storage.ScrapeResult, proxy.Outcome) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			seen := maxSeen.Load()
			if n <= seen || maxSeen.CompareAndSwap(seen, n) {
				break
			}
		}

		delay := 2 * time.Millisecond
		if strings.HasSuffix(url, "/0") {
			delay = 150 * time.Millisecond
		}
		time.Sleep(delay)

		res := storage.NewResult(url, http.MethodGet)
		res.StatusCode = 200
		return res, proxy.Outcome{Kind: proxy.Success, StatusCode: 200}
	})

	sink := &memSink{}
	urls := targetURLs(40)
	d := New(newPool(t, 20, 3), fetcher, Config{Workers: workers, Sink: sink}, nil)

	stats, err := d.Run(context.Background(), slices.Values(urls))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Total != 40 || stats.Succeeded != 40 || stats.Attempts != 40 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if n := maxSeen.Load(); n > workers {
		t.Errorf("expected at most %d fetches in flight, saw %d", workers, n)
	}

	got := sink.urls()
	if len(got) != 40 {
		t.Fatalf("expected 40 saved results, got %d", len(got))
	}
	if got[0] == urls[0] {
		t.Errorf("expected the slow first url to complete after others")
	}
}

func TestRun_FailuresDoNotAbort(t *testing.T) {
	pool := newPool(t, 4, 10)
	fetcher := fetchFunc(func(ctx context.Context, url string, rec proxy.Record) (*storage.ScrapeResult, proxy.Outcome) {
		res := storage.NewResult(url, http.MethodGet)
		if strings.HasSuffix(url, "/3") {
			res.StatusCode = 404
			return res, proxy.Outcome{Kind: proxy.TargetFailure, StatusCode: 404, Reason: "http status 404"}
		}
		res.StatusCode = 200
		return res, proxy.Outcome{Kind: proxy.Success, StatusCode: 200}
	})

	sink := &memSink{}
	d := New(pool, fetcher, Config{Workers: 2, MaxRetries: 1, Sink: sink}, nil)
	stats, err := d.Run(context.Background(), slices.Values(targetURLs(6)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Succeeded != 5 || stats.Exhausted != 1 {
		t.Errorf("expected 5 succeeded and 1 exhausted, got %+v", stats)
	}
	if len(sink.urls()) != 6 {
		t.Errorf("expected every terminal result saved, got %d", len(sink.urls()))
	}
}

func TestRun_CancellationReleasesReservation(t *testing.T) {
	pool := newPool(t, 1, 3)
	started := make(chan struct{})
	unblock := make(chan struct{})
	var calls atomic.Int32

	fetcher := fetchFunc(func(ctx context.Context, url string, rec proxy.Record) (*storage.ScrapeResult, proxy.Outcome) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-unblock
		return storage.NewResult(url, http.MethodGet), proxy.Outcome{Kind: proxy.ProxyFailure, Reason: "timeout"}
	})

	ctx, cancel := context.WithCancel(context.Background())
	d := New(pool, fetcher, Config{Workers: 1, MaxRetries: 3}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := d.Run(ctx, slices.Values(targetURLs(10)))
		done <- err
	}()

	<-started
	if c := pool.Counts(); c.Reserved != 1 {
		t.Fatalf("expected the proxy reserved in flight, got %+v", c)
	}
	cancel()
	close(unblock)

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}

	rec := pool.Snapshot()[0]
	if rec.Status == proxy.StatusReserved {
		t.Error("expected reservation released after cancellation")
	}
	if rec.FailureCount != 0 {
		t.Errorf("expected aborted release to leave health untouched, got %d failures", rec.FailureCount)
	}
	if calls.Load() != 1 {
		t.Errorf("expected no fetches after cancellation, got %d", calls.Load())
	}
}

func TestRun_WaitForProxy(t *testing.T) {
	var calls atomic.Int32
	fetcher := fetchFunc(func(ctx context.Context, url string, rec proxy.Record) (*storage.ScrapeResult, proxy.Outcome) {
		calls.Add(1)
		time.Sleep(5 * time.Millisecond)
		res := storage.NewResult(url, http.MethodGet)
		res.StatusCode = 200
		return res, proxy.Outcome{Kind: proxy.Success, StatusCode: 200}
	})

	d := New(newPool(t, 1, 3), fetcher, Config{Workers: 4, WaitForProxy: true}, nil)
	stats, err := d.Run(context.Background(), slices.Values(targetURLs(8)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Succeeded != 8 || stats.NoProxy != 0 {
		t.Errorf("expected every url to wait for the single proxy, got %+v", stats)
	}
}

func TestRun_RespectRobots(t *testing.T) {
	fetcher := fetchFunc(func(ctx context.Context, url string, rec proxy.Record) (*storage.ScrapeResult, proxy.Outcome) {
		res := storage.NewResult(url, http.MethodGet)
		res.StatusCode = 200
		if strings.HasSuffix(url, "/robots.txt") {
			res.Body = []byte("User-agent: *\nDisallow: /private\n")
		} else {
			res.Body = []byte("ok")
		}
		return res, proxy.Outcome{Kind: proxy.Success, StatusCode: 200}
	})

	sink := &memSink{}
	d := New(newPool(t, 2, 3), fetcher, Config{Workers: 1, RespectRobots: true, UserAgent: "rotor", Sink: sink}, nil)
	stats, err := d.Run(context.Background(), slices.Values([]string{
		"http://site.test/private/page",
		"http://site.test/public",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Disallowed != 1 || stats.Succeeded != 1 {
		t.Errorf("expected 1 disallowed and 1 succeeded, got %+v", stats)
	}
	if got := sink.urls(); len(got) != 1 || got[0] != "http://site.test/public" {
		t.Errorf("expected only the public page saved, got %v", got)
	}
}

func TestFetch_DoesNotRetryTargetRejection(t *testing.T) {
	var calls atomic.Int32
	fetcher := fetchFunc(func(ctx context.Context, url string, rec proxy.Record) (*storage.ScrapeResult, proxy.Outcome) {
		calls.Add(1)
		res := storage.NewResult(url, http.MethodGet)
		res.StatusCode = 404
		return res, proxy.Outcome{Kind: proxy.TargetFailure, StatusCode: 404}
	})

	d := New(newPool(t, 2, 3), fetcher, Config{MaxRetries: 5}, nil)
	res, err := d.Fetch(context.Background(), "http://site.test/robots.txt")
	if err != nil {
		t.Fatalf("expected the rejection returned without error, got %v", err)
	}
	if res.StatusCode != 404 {
		t.Errorf("expected 404, got %d", res.StatusCode)
	}
	if calls.Load() != 1 {
		t.Errorf("expected a single attempt, got %d", calls.Load())
	}
}

func TestRun_PacesPerHost(t *testing.T) {
	var calls atomic.Int32
	d := New(newPool(t, 8, 3), always(proxy.Success, &calls), Config{
		Workers: 8,
		Limiter: ratelimit.NewLimiter(20, 0), // 50ms apart per host
	}, nil)

	urls := []string{
		"http://slow.test/1", "http://slow.test/2", "http://slow.test/3",
		"http://other.test/1",
	}
	start := time.Now()
	stats, err := d.Run(context.Background(), slices.Values(urls))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Succeeded != len(urls) {
		t.Fatalf("expected %d successes, got %+v", len(urls), stats)
	}
	// three requests to one host need two full intervals
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("expected same-host requests to be paced, run took %v", elapsed)
	}
}

func TestProcess_LimiterPastDeadlineIsCancellation(t *testing.T) {
	var calls atomic.Int32
	d := New(newPool(t, 2, 3), always(proxy.Success, &calls), Config{
		Limiter: ratelimit.NewLimiter(1, 0), // 1s apart per host
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	if _, err := d.Process(ctx, "http://slow.test/1"); err != nil {
		t.Fatalf("unexpected error on first request: %v", err)
	}
	// the next token for slow.test lies beyond the deadline
	res, err := d.Process(ctx, "http://slow.test/2")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v (result %+v)", err, res)
	}
	if calls.Load() != 1 {
		t.Errorf("expected no fetch after the deadline, got %d", calls.Load())
	}
}
