package csvbackend

import (
	"context"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/FranksOps/rotor/internal/storage"
)

// ensure csvBackend implements storage.Backend
var _ storage.Backend = (*csvBackend)(nil)

type csvBackend struct {
	mu   sync.Mutex
	file *os.File
}

// header defines the CSV column order
var header = []string{
	"id",
	"url",
	"method",
	"status_code",
	"headers_json",
	"body_base64",
	"duration_ms",
	"detected_bot",
	"detection_src",
	"proxy",
	"attempts",
	"outcome",
	"created_at",
	"error",
}

// New creates a new CSV-backed storage.Backend. A header row is written
// when the file is empty.
func New(filePath string) (storage.Backend, error) {
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open results file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat results file: %w", err)
	}

	if info.Size() == 0 {
		w := csv.NewWriter(f)
		_ = w.Write(header)
		w.Flush()
		if err := w.Error(); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("write csv header: %w", err)
		}
	}

	return &csvBackend{file: f}, nil
}

func encode(r *storage.ScrapeResult) ([]string, error) {
	headersJSON, err := json.Marshal(r.Headers)
	if err != nil {
		return nil, fmt.Errorf("marshal headers: %w", err)
	}
	return []string{
		r.ID,
		r.URL,
		r.Method,
		strconv.Itoa(r.StatusCode),
		string(headersJSON),
		base64.StdEncoding.EncodeToString(r.Body),
		strconv.FormatInt(r.Duration.Milliseconds(), 10),
		strconv.FormatBool(r.DetectedBot),
		r.DetectionSrc,
		r.Proxy,
		strconv.Itoa(r.Attempts),
		r.Outcome,
		r.CreatedAt.Format(time.RFC3339Nano),
		r.Error,
	}, nil
}

// decode is lenient: unparsable numeric or time columns decode as zero values.
func decode(rec []string) *storage.ScrapeResult {
	statusCode, _ := strconv.Atoi(rec[3])
	var headers map[string][]string
	if err := json.Unmarshal([]byte(rec[4]), &headers); err != nil {
		headers = map[string][]string{}
	}
	body, _ := base64.StdEncoding.DecodeString(rec[5])
	durationMs, _ := strconv.ParseInt(rec[6], 10, 64)
	detectedBot, _ := strconv.ParseBool(rec[7])
	attempts, _ := strconv.Atoi(rec[10])
	createdAt, _ := time.Parse(time.RFC3339Nano, rec[12])

	return &storage.ScrapeResult{
		ID:           rec[0],
		URL:          rec[1],
		Method:       rec[2],
		StatusCode:   statusCode,
		Headers:      headers,
		Body:         body,
		Duration:     time.Duration(durationMs) * time.Millisecond,
		DetectedBot:  detectedBot,
		DetectionSrc: rec[8],
		Proxy:        rec[9],
		Attempts:     attempts,
		Outcome:      rec[11],
		CreatedAt:    createdAt,
		Error:        rec[13],
	}
}

func (b *csvBackend) Save(ctx context.Context, result *storage.ScrapeResult) error {
	record, err := encode(result)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	w := csv.NewWriter(b.file)
	if err := w.Write(record); err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush csv row: %w", err)
	}
	return nil
}

func (b *csvBackend) Query(ctx context.Context, filter storage.Filter) ([]*storage.ScrapeResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind results file: %w", err)
	}
	defer func() {
		_, _ = b.file.Seek(0, io.SeekEnd)
	}()

	r := csv.NewReader(b.file)
	r.FieldsPerRecord = -1

	if _, err := r.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return []*storage.ScrapeResult{}, nil
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	var matched []*storage.ScrapeResult
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row: %w", err)
		}
		if len(rec) != len(header) {
			continue // skip malformed rows
		}

		res := decode(rec)
		if filter.Match(res) {
			matched = append(matched, res)
		}
	}

	return filter.Page(matched), nil
}

func (b *csvBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file.Close()
}
