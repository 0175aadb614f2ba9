// README: Bench cases: environment checks, the trip lifecycle over HTTP, the accept race, Kafka ingest and throughput.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"sakay/internal/infra"
	"sakay/internal/ingest"
	"sakay/internal/types"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusSkip = "SKIP"
)

var (
	benchPickup  = types.Point{Lat: 14.5987, Lng: 120.9837}
	benchDropoff = types.Point{Lat: 14.5896, Lng: 120.9747}
)

type Runner struct {
	cfg      Config
	httpc    *http.Client
	db       *pgxpool.Pool
	redis    *redis.Client
	producer *ingest.Producer

	run     string
	tokenMu sync.Mutex
	tokens  map[string]string

	tripID string
	winner string
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:    cfg,
		httpc:  &http.Client{Timeout: 10 * time.Second},
		run:    strings.Split(uuid.NewString(), "-")[0],
		tokens: make(map[string]string),
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := infra.NewDB(ctx, r.cfg.DSN, 4); err == nil {
			r.db = db
		} else {
			fmt.Printf("db: %v\n", err)
		}
	}
	if r.cfg.RedisAddr != "" {
		if client, err := infra.NewRedis(ctx, r.cfg.RedisAddr); err == nil {
			r.redis = client
		} else {
			fmt.Printf("redis: %v\n", err)
		}
	}
	if len(r.cfg.KafkaBrokers) > 0 {
		r.producer = ingest.NewProducer(r.cfg.KafkaBrokers, r.cfg.KafkaTopic)
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))
	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	if r.producer != nil {
		_ = r.producer.Close()
	}
	return results
}

func (r *Runner) passenger(n int) string { return fmt.Sprintf("bench-p%d-%s", n, r.run) }
func (r *Runner) driver(n int) string    { return fmt.Sprintf("bench-d%d-%s", n, r.run) }

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{Name: "Env: Postgres connect", Run: func(ctx context.Context, r *Runner) Result {
			if r.db == nil {
				return Result{Status: statusSkip, Note: "db not configured"}
			}
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := r.db.Ping(ctx); err != nil {
				return fail(err.Error())
			}
			return Result{Status: statusPass}
		}},
		{Name: "Env: Redis connect", Run: func(ctx context.Context, r *Runner) Result {
			if r.redis == nil {
				return Result{Status: statusSkip, Note: "redis not configured"}
			}
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := r.redis.Ping(ctx).Err(); err != nil {
				return fail(err.Error())
			}
			return Result{Status: statusPass}
		}},
		{Name: "Migration: apply (optional)", Run: func(ctx context.Context, r *Runner) Result {
			if !r.cfg.ApplyMigration || r.db == nil {
				return Result{Status: statusSkip, Note: "apply-migration=false or no db"}
			}
			sql, err := os.ReadFile(r.cfg.MigrationPath)
			if err != nil {
				return fail(err.Error())
			}
			for _, s := range splitSQL(string(sql)) {
				if _, err := r.db.Exec(ctx, s); err != nil {
					return fail(err.Error())
				}
			}
			return Result{Status: statusPass}
		}},
		{Name: "Migration: tables exist", Run: func(ctx context.Context, r *Runner) Result {
			if r.db == nil {
				return Result{Status: statusSkip, Note: "db not configured"}
			}
			tables, err := extractTables(r.cfg.MigrationPath)
			if err != nil {
				return fail(err.Error())
			}
			for _, t := range tables {
				var exists bool
				err := r.db.QueryRow(ctx,
					"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
					t,
				).Scan(&exists)
				if err != nil {
					return fail(err.Error())
				}
				if !exists {
					return fail("missing table: " + t)
				}
			}
			return Result{Status: statusPass, Note: fmt.Sprintf("tables=%d", len(tables))}
		}},
		{Name: "API: healthz", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodGet, "/healthz", "", nil, http.StatusOK)
		}},
		{Name: "Auth: missing token -> 401", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodGet, "/api/favorites", "", nil, http.StatusUnauthorized)
		}},
		{Name: "Presence: drivers go online", Run: driversOnline},
		{Name: "Presence: invalid coords -> 400", Run: func(ctx context.Context, r *Runner) Result {
			id := r.driver(0)
			return r.expect(ctx, http.MethodPut, "/api/drivers/"+id+"/location", r.token(id, "driver"),
				map[string]any{"lat": 123.0, "lng": 456.0}, http.StatusBadRequest)
		}},
		{Name: "Trip: passenger requests ride", Run: createTrip},
		{Name: "Trip: second active trip -> 409", Run: func(ctx context.Context, r *Runner) Result {
			return r.expectCode(ctx, http.MethodPost, "/api/trips", r.token(r.passenger(1), "passenger"),
				tripBody(), http.StatusConflict, "active_trip_exists")
		}},
		{Name: "Concurrency: drivers race to accept one trip", Run: concurrentAccept},
		{Name: "Presence: offline while on ride -> 409", Run: func(ctx context.Context, r *Runner) Result {
			if r.winner == "" {
				return Result{Status: statusSkip, Note: "no accepted trip"}
			}
			return r.expectCode(ctx, http.MethodPost, "/api/drivers/"+r.winner+"/offline", r.token(r.winner, "driver"),
				nil, http.StatusConflict, "on_ride")
		}},
		{Name: "Trip: arrive, start, complete", Run: driveTrip},
		{Name: "Trip: cancel after complete -> 409", Run: func(ctx context.Context, r *Runner) Result {
			if r.tripID == "" {
				return Result{Status: statusSkip, Note: "no trip"}
			}
			return r.expectCode(ctx, http.MethodPost, "/api/trips/"+r.tripID+"/cancel", r.token(r.passenger(1), "passenger"),
				map[string]any{"reason": "too late"}, http.StatusConflict, "invalid_transition")
		}},
		{Name: "Trip: rate once", Run: func(ctx context.Context, r *Runner) Result {
			if r.tripID == "" {
				return Result{Status: statusSkip, Note: "no trip"}
			}
			tok := r.token(r.passenger(1), "passenger")
			res := r.expect(ctx, http.MethodPost, "/api/trips/"+r.tripID+"/rate", tok, map[string]any{"rating": 5}, http.StatusOK)
			if res.Status != statusPass {
				return res
			}
			return r.expectCode(ctx, http.MethodPost, "/api/trips/"+r.tripID+"/rate", tok, map[string]any{"rating": 4}, http.StatusConflict, "already_rated")
		}},
		{Name: "Trip: event log", Run: eventLog},
		{Name: "Consistency: completed trip released its driver", Run: releasedDriver},
		{Name: "Cancel: passenger cancels while searching", Run: func(ctx context.Context, r *Runner) Result {
			tok := r.token(r.passenger(2), "passenger")
			var t struct {
				ID string `json:"id"`
			}
			status, _, _, err := r.call(ctx, http.MethodPost, "/api/trips", tok, tripBody(), &t)
			if err != nil || status != http.StatusCreated {
				return fail(fmt.Sprintf("create status=%d err=%v", status, err))
			}
			return r.expect(ctx, http.MethodPost, "/api/trips/"+t.ID+"/cancel", tok, map[string]any{"reason": "changed plans"}, http.StatusOK)
		}},
		{Name: "Pricing: quote", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPost, "/api/fares/quote", r.token(r.passenger(1), "passenger"),
				map[string]any{"distance_km": 3.2, "discount_type": "senior"}, http.StatusOK)
		}},
		{Name: "Ingest: Kafka location burst", Run: kafkaBurst},
		{Name: "Perf: location update throughput", Run: func(ctx context.Context, r *Runner) Result {
			return perfLoad(ctx, r, func(worker int) (string, string, string, any) {
				id := r.driver(1 + worker%r.cfg.Concurrency)
				return http.MethodPut, "/api/drivers/" + id + "/location", r.token(id, "driver"), map[string]any{
					"lat": benchPickup.Lat + float64(worker%10)*0.0001,
					"lng": benchPickup.Lng,
				}
			})
		}},
		{Name: "Perf: nearby query throughput", Run: func(ctx context.Context, r *Runner) Result {
			tok := r.token(r.passenger(3), "passenger")
			path := fmt.Sprintf("/api/drivers/nearby?lat=%f&lng=%f&radius_km=5", benchPickup.Lat, benchPickup.Lng)
			return perfLoad(ctx, r, func(int) (string, string, string, any) {
				return http.MethodGet, path, tok, nil
			})
		}},
	}
}

func driversOnline(ctx context.Context, r *Runner) Result {
	start := time.Now()
	for i := 0; i <= r.cfg.Concurrency; i++ {
		id := r.driver(i)
		status, _, _, err := r.call(ctx, http.MethodPost, "/api/drivers/"+id+"/online", r.token(id, "driver"), map[string]any{
			"lat":     benchPickup.Lat + float64(i)*0.0002,
			"lng":     benchPickup.Lng,
			"name":    "Bench " + id,
			"vehicle": "tricycle",
			"plate":   fmt.Sprintf("BN%04d", i),
		}, nil)
		if err != nil || status != http.StatusOK {
			return fail(fmt.Sprintf("%s status=%d err=%v", id, status, err))
		}
	}
	return Result{Status: statusPass, Latency: time.Since(start), Note: fmt.Sprintf("drivers=%d", r.cfg.Concurrency+1)}
}

func tripBody() map[string]any {
	return map[string]any{
		"pickup":         map[string]any{"lat": benchPickup.Lat, "lng": benchPickup.Lng, "address": "Quiapo Church"},
		"dropoff":        map[string]any{"lat": benchDropoff.Lat, "lng": benchDropoff.Lng, "address": "Intramuros"},
		"payment_method": "cash",
	}
}

func createTrip(ctx context.Context, r *Runner) Result {
	var t struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	status, latency, _, err := r.call(ctx, http.MethodPost, "/api/trips", r.token(r.passenger(1), "passenger"), tripBody(), &t)
	if err != nil {
		return fail(err.Error())
	}
	if status != http.StatusCreated {
		return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d", status)}
	}
	r.tripID = t.ID
	return Result{Status: statusPass, Latency: latency, Note: "trip=" + t.ID + " status=" + t.Status}
}

// concurrentAccept releases every driver at once; exactly one accept may win.
func concurrentAccept(ctx context.Context, r *Runner) Result {
	if r.tripID == "" {
		return Result{Status: statusSkip, Note: "no trip"}
	}
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		winners  []string
		conflict int
		other    []string
	)
	startCh := make(chan struct{})
	for i := 1; i <= r.cfg.Concurrency; i++ {
		id := r.driver(i)
		tok := r.token(id, "driver")
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-startCh
			status, _, code, err := r.call(ctx, http.MethodPost, "/api/trips/"+r.tripID+"/accept", tok, nil, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				other = append(other, err.Error())
			case status == http.StatusOK:
				winners = append(winners, id)
			case status == http.StatusConflict && code == "already_accepted":
				conflict++
			default:
				other = append(other, fmt.Sprintf("%d/%s", status, code))
			}
		}()
	}
	start := time.Now()
	close(startCh)
	wg.Wait()
	latency := time.Since(start)

	note := fmt.Sprintf("success=%d already_accepted=%d other=%d", len(winners), conflict, len(other))
	if len(winners) != 1 || len(other) > 0 {
		return Result{Status: statusFail, Latency: latency, Note: note}
	}
	r.winner = winners[0]
	return Result{Status: statusPass, Latency: latency, Note: note}
}

func driveTrip(ctx context.Context, r *Runner) Result {
	if r.winner == "" {
		return Result{Status: statusSkip, Note: "no accepted trip"}
	}
	tok := r.token(r.winner, "driver")
	start := time.Now()
	steps := []struct {
		path string
		body any
	}{
		{"/arrive", nil},
		{"/start", nil},
		{"/complete", map[string]any{"distance_km": 2.4}},
	}
	for _, step := range steps {
		status, _, code, err := r.call(ctx, http.MethodPost, "/api/trips/"+r.tripID+step.path, tok, step.body, nil)
		if err != nil || status != http.StatusOK {
			return fail(fmt.Sprintf("%s status=%d code=%s err=%v", step.path, status, code, err))
		}
	}
	return Result{Status: statusPass, Latency: time.Since(start)}
}

func eventLog(ctx context.Context, r *Runner) Result {
	if r.tripID == "" {
		return Result{Status: statusSkip, Note: "no trip"}
	}
	var out struct {
		Events []struct {
			ToStatus string `json:"to_status"`
		} `json:"events"`
	}
	status, latency, _, err := r.call(ctx, http.MethodGet, "/api/trips/"+r.tripID+"/events", r.token(r.passenger(1), "passenger"), nil, &out)
	if err != nil || status != http.StatusOK {
		return fail(fmt.Sprintf("status=%d err=%v", status, err))
	}
	seen := make([]string, 0, len(out.Events))
	for _, ev := range out.Events {
		seen = append(seen, ev.ToStatus)
	}
	note := strings.Join(seen, ">")
	if len(seen) == 0 || seen[len(seen)-1] != "completed" {
		return Result{Status: statusFail, Latency: latency, Note: note}
	}
	return Result{Status: statusPass, Latency: latency, Note: note}
}

func releasedDriver(ctx context.Context, r *Runner) Result {
	if r.db == nil || r.winner == "" {
		return Result{Status: statusSkip, Note: "needs db and an accepted trip"}
	}
	var tripStatus, occupancy string
	var tripRef *string
	if err := r.db.QueryRow(ctx, `SELECT status FROM trips WHERE id = $1`, r.tripID).Scan(&tripStatus); err != nil {
		return fail(err.Error())
	}
	if err := r.db.QueryRow(ctx, `SELECT occupancy, trip_id FROM driver_presence WHERE driver_id = $1`, r.winner).Scan(&occupancy, &tripRef); err != nil {
		return fail(err.Error())
	}
	note := fmt.Sprintf("trip=%s driver=%s", tripStatus, occupancy)
	if tripStatus != "completed" || occupancy != "available" || tripRef != nil {
		return Result{Status: statusFail, Note: note}
	}
	return Result{Status: statusPass, Note: note}
}

func kafkaBurst(ctx context.Context, r *Runner) Result {
	if r.producer == nil {
		return Result{Status: statusSkip, Note: "kafka not configured"}
	}
	start := time.Now()
	sent := 0
	for i := 1; i <= r.cfg.Concurrency; i++ {
		p := types.Point{Lat: benchPickup.Lat + float64(i)*0.0003, Lng: benchPickup.Lng + 0.0001}
		if err := r.producer.PublishLocation(ctx, types.ID(r.driver(i)), p); err != nil {
			return Result{Status: statusFail, Latency: time.Since(start), Note: fmt.Sprintf("sent=%d err=%v", sent, err)}
		}
		sent++
	}
	return Result{Status: statusPass, Latency: time.Since(start), Note: fmt.Sprintf("sent=%d", sent)}
}

func perfLoad(ctx context.Context, r *Runner, next func(worker int) (method, path, token string, body any)) Result {
	end := time.Now().Add(r.cfg.Duration)
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		count    int64
		errCount int64
	)
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				method, path, tok, body := next(worker)
				status, _, _, err := r.call(ctx, method, path, tok, body, nil)
				mu.Lock()
				if err != nil || status >= 500 {
					errCount++
				} else {
					count++
				}
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if count == 0 {
		return fail("no requests completed")
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{Status: statusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount)}
}

// token signs a bench identity with the API's HS256 secret.
func (r *Runner) token(uid, role string) string {
	r.tokenMu.Lock()
	defer r.tokenMu.Unlock()
	key := uid + "/" + role
	if tok, ok := r.tokens[key]; ok {
		return tok
	}
	tok, err := infra.SignToken(r.cfg.JWTSecret, uid, role, time.Hour)
	if err != nil {
		return ""
	}
	r.tokens[key] = tok
	return tok
}

// call sends one request and returns the status, latency and error code of a JSON error body.
func (r *Runner) call(ctx context.Context, method, path, token string, body, out any) (int, time.Duration, string, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, 0, "", err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, 0, "", err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, 0, "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	latency := time.Since(start)
	if err != nil {
		return resp.StatusCode, latency, "", err
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Code string `json:"code"`
		}
		_ = json.Unmarshal(raw, &e)
		return resp.StatusCode, latency, e.Code, nil
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, latency, "", err
		}
	}
	return resp.StatusCode, latency, "", nil
}

func (r *Runner) expect(ctx context.Context, method, path, token string, body any, want int) Result {
	return r.expectCode(ctx, method, path, token, body, want, "")
}

func (r *Runner) expectCode(ctx context.Context, method, path, token string, body any, want int, wantCode string) Result {
	status, latency, code, err := r.call(ctx, method, path, token, body, nil)
	if err != nil {
		return fail(err.Error())
	}
	note := fmt.Sprintf("status=%d", status)
	if code != "" {
		note += " code=" + code
	}
	if status != want || (wantCode != "" && code != wantCode) {
		return Result{Status: statusFail, Latency: latency, Note: note}
	}
	return Result{Status: statusPass, Latency: latency, Note: note}
}

func fail(note string) Result {
	return Result{Status: statusFail, Note: note}
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	parts := strings.Split(strings.Join(filtered, "\n"), ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
