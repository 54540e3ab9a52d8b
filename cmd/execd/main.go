package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/quantal/execore/internal/config"
	"github.com/quantal/execore/internal/exec"
	"github.com/quantal/execore/internal/journal"
	"github.com/quantal/execore/internal/observ"
	"github.com/quantal/execore/internal/ratelimit"
	"github.com/quantal/execore/internal/risk"
	"github.com/quantal/execore/internal/session"
	"github.com/quantal/execore/internal/settle"
	"github.com/quantal/execore/internal/store"
	"github.com/quantal/execore/internal/venue"
)

type server struct {
	tokens      map[string]string
	pool        *session.Pool
	riskEng     *risk.Engine
	executor    *exec.Executor
	kill        *risk.KillSwitch
	journal     *journal.Journal
	attribution *settle.Attribution
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("load .env: %v", err)
	}

	var cfgPath string
	var metricsAddr string
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "metrics listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v (did you copy config.example.yaml?)", err)
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}

	observ.InitLogging(cfg.Logging)
	observ.Log("startup", map[string]any{
		"accounts":     len(cfg.Accounts),
		"store_path":   cfg.StorePath,
		"metrics_addr": cfg.MetricsAddr,
		"ev_gate":      cfg.EVGate.Enabled,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if dir := filepath.Dir(cfg.StorePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("create store dir: %v", err)
		}
	}
	st, err := store.OpenSQLite(cfg.StorePath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	cache := risk.NewCache(st)
	kill := risk.NewKillSwitch(st)
	if err := kill.Restore(ctx); err != nil {
		log.Fatalf("restore kill switches: %v", err)
	}
	limits := risk.NewHardLimits(cfg.Risk)
	evGate := risk.NewEVGate(cfg.EVGate)
	riskEng := risk.NewEngine(cache, kill, limits, evGate, cfg.Risk)

	dialer := session.NewWebsocketDialer(
		time.Duration(cfg.Session.DialTimeoutMs)*time.Millisecond,
		time.Duration(cfg.Session.WriteTimeoutMs)*time.Millisecond,
	)
	pool := session.NewPool(cfg.Session, dialer)
	defer pool.Close()

	buckets := ratelimit.NewSet(cfg.RateLimits)
	engine := exec.NewEngine(pool, buckets, riskEng, cfg.Exec)
	breaker := exec.NewBreaker(cfg.Breaker)
	executor := exec.NewExecutor(engine, breaker)

	jnl, err := journal.Open(cfg.JournalPath, cfg.JournalDedupeSec)
	if err != nil {
		log.Fatalf("open journal: %v", err)
	}

	att := settle.NewAttribution()
	feed := settle.NewFeed(0)
	feed.Subscribe(func(ev settle.Event) {
		riskEng.OnSettlement(ev.Account, ev.Stake, ev.Profit)
	})
	feed.Subscribe(func(ev settle.Event) {
		// key the outcome exactly as admission queried it
		key := risk.Key{Symbol: ev.Symbol}
		if tag, ok := att.Take(ev.ContractID); ok {
			key.Strategy, key.Regime = tag.Strategy, tag.Regime
		}
		riskEng.RecordOutcome(key, ev.Profit, ev.Stake, ev.Payout)
	})
	feed.Subscribe(func(ev settle.Event) {
		if err := jnl.WriteSettlement(ev.Account, ev); err != nil {
			observ.Warn("journal_settlement_failed", map[string]any{"err": err.Error()})
		}
	})

	srv := &server{
		tokens:      make(map[string]string, len(cfg.Accounts)),
		pool:        pool,
		riskEng:     riskEng,
		executor:    executor,
		kill:        kill,
		journal:     jnl,
		attribution: att,
	}
	if len(cfg.Accounts) == 0 {
		log.Fatal("no accounts configured")
	}
	// attach stream consumers to every session the pool creates, so a
	// session recreated after teardown or an idle sweep keeps feeding
	// settlements and ticks
	spot := settle.NewSpot()
	primary := cfg.Accounts[0].ID
	pool.OnCreate(func(sess *session.Session) {
		feed.Attach(sess)
		if sess.Account() == primary {
			spot.Watch(sess, cfg.WatchSymbols)
		}
	})
	for _, a := range cfg.Accounts {
		srv.tokens[a.ID] = a.Token
		if err := srv.connect(ctx, cache, a); err != nil {
			log.Fatalf("connect account %s: %v", a.ID, err)
		}
	}

	go cache.FlushLoop(ctx, 5*time.Second)
	go pool.SweepLoop(ctx)
	go feed.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/order", srv.handleOrder)
	mux.HandleFunc("/kill", srv.handleKill)
	mux.HandleFunc("/clear", srv.handleClear)

	httpSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	observ.Log("shutdown", nil)

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutCtx)
	cache.Flush(shutCtx)
}

// connect brings an account's session up and seeds its risk entry. An
// account with no persisted snapshot is seeded from the venue-reported
// balance; a store read error keeps the account halted until resolved.
func (s *server) connect(ctx context.Context, cache *risk.Cache, a config.Account) error {
	sess, err := s.pool.Acquire(ctx, a.ID, a.Token)
	if err != nil {
		return err
	}
	loaded, err := cache.Load(ctx, a.ID)
	if err != nil {
		return err
	}
	if !loaded {
		ident := sess.Identity()
		cache.Seed(a.ID, ident.Balance)
		observ.Log("risk_seeded", map[string]any{
			"account": a.ID, "equity": ident.Balance,
		})
	}
	return nil
}

type orderRequest struct {
	Account     string  `json:"account"`
	Symbol      string  `json:"symbol"`
	Direction   string  `json:"direction"`
	Stake       float64 `json:"stake"`
	DurationSec int     `json:"duration_sec"`
	LimitPrice  float64 `json:"limit_price"`
	Strategy    string  `json:"strategy"`
	Regime      string  `json:"regime"`
	ClientRef   string  `json:"client_ref"` // optional idempotency key
}

func (s *server) handleOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	token, ok := s.tokens[req.Account]
	if !ok {
		http.Error(w, "unknown account", http.StatusNotFound)
		return
	}
	if req.ClientRef != "" && s.journal.HasRecentOrder(req.ClientRef) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"reason": "duplicate_client_ref", "client_ref": req.ClientRef,
		})
		return
	}

	decision := s.riskEng.Evaluate(risk.AdmitRequest{
		Account:  req.Account,
		Stake:    req.Stake,
		Strategy: req.Strategy,
		Regime:   req.Regime,
		Symbol:   req.Symbol,
	})
	if !decision.Allowed() {
		_ = s.journal.WriteReject(req.Account, map[string]any{
			"verdict": decision.Verdict, "reason": decision.Reason, "symbol": req.Symbol,
		})
		writeJSON(w, http.StatusForbidden, map[string]any{
			"verdict": decision.Verdict,
			"reason":  decision.Reason,
			"wait_ms": decision.Wait.Milliseconds(),
		})
		return
	}

	res, err := s.executor.Execute(r.Context(), exec.Request{
		Account:     req.Account,
		Token:       token,
		Symbol:      req.Symbol,
		Direction:   venue.Direction(req.Direction),
		Stake:       decision.Stake,
		DurationSec: req.DurationSec,
		LimitPrice:  req.LimitPrice,
	})
	if err != nil {
		if exec.IsAmbiguous(err) {
			// the buy may have filled; keep the reservation and let the
			// open-contract stream settle or release it
			observ.Warn("commit_unresolved", map[string]any{
				"account": req.Account, "symbol": req.Symbol, "err": err.Error(),
			})
		} else {
			s.riskEng.OnFailedAttempt(req.Account, decision.Stake)
		}
		ve := venue.Classify(err)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"code":      ve.Code,
			"message":   ve.Message,
			"retryable": ve.Retryable,
		})
		return
	}
	s.attribution.Put(res.Order.ContractID, settle.Tag{
		Strategy: req.Strategy,
		Regime:   req.Regime,
	})
	key := req.ClientRef
	if key == "" {
		key = res.AttemptID
	}
	if err := s.journal.WriteOrder(req.Account, key, res); err != nil {
		observ.Warn("journal_order_failed", map[string]any{"err": err.Error()})
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleKill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = risk.ScopeGlobal
	}
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "manual"
	}
	s.kill.Trigger(r.Context(), scope, reason, true)
	writeJSON(w, http.StatusOK, map[string]any{"scope": scope, "active": true})
}

func (s *server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = risk.ScopeGlobal
	}
	s.kill.Clear(r.Context(), scope)
	writeJSON(w, http.StatusOK, map[string]any{"scope": scope, "active": false})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
