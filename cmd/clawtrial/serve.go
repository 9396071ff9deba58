package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/Assassin-1234/clawtrial/pkg/config"
	"github.com/Assassin-1234/clawtrial/pkg/contracts"
	"github.com/Assassin-1234/clawtrial/pkg/courtroom"
	"github.com/Assassin-1234/clawtrial/pkg/crypto"
	"github.com/Assassin-1234/clawtrial/pkg/detect"
	"github.com/Assassin-1234/clawtrial/pkg/jury"
	"github.com/Assassin-1234/clawtrial/pkg/ledger"
	"github.com/Assassin-1234/clawtrial/pkg/llm"
	"github.com/Assassin-1234/clawtrial/pkg/observability"
	"github.com/Assassin-1234/clawtrial/pkg/punishment"
	"github.com/Assassin-1234/clawtrial/pkg/ratelimit"
	"github.com/Assassin-1234/clawtrial/pkg/resiliency"
	"github.com/Assassin-1234/clawtrial/pkg/status"
	"github.com/Assassin-1234/clawtrial/pkg/submission"
)

const (
	shutdownTimeout = 10 * time.Second
	maxTurnBytes    = 1 << 20
)

// runServeCmd implements `clawtrial serve`.
//
// Reads one turn per stdin line, either a JSON object
// {"role","content","timestamp"} or plain text taken as a user message, and
// writes case notifications to stdout as JSON lines. Logs go to stderr.
//
// Exit codes:
//
//	0 = input exhausted or interrupted, clean shutdown
//	1 = startup failed
//	2 = usage error
func runServeCmd(args []string, in io.Reader, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		identity   string
		memoryPath string
		offline    bool
	)
	cmd.StringVar(&identity, "identity", "", "Agent identity (default $CLAWTRIAL_IDENTITY)")
	cmd.StringVar(&memoryPath, "memory", "", "JSON file with the agent memory shown to the detector")
	cmd.BoolVar(&offline, "offline", false, "Deliberate with persona thresholds instead of the model")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	env, err := config.LoadEnv()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if identity != "" {
		env.Identity = identity
	}
	setupLogger(stderr, env.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := &syncWriter{w: stdout}
	a, err := newApp(ctx, env, appOptions{memoryPath: memoryPath, offline: offline, out: out})
	if err != nil {
		slog.ErrorContext(ctx, "courtroom startup failed", "error", err)
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.close()

	if err := a.core.Start(ctx, a.signer.PublicKey()); err != nil {
		slog.ErrorContext(ctx, "courtroom start failed", "error", err)
		return 1
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		status.Heartbeat(hbCtx, a.sink, status.DefaultHeartbeatInterval)
	}()

	a.consume(ctx, in)

	stopHeartbeat()
	<-hbDone

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := a.core.Shutdown(shutdownCtx); err != nil {
		slog.WarnContext(shutdownCtx, "courtroom shutdown incomplete", "error", err)
	}
	return 0
}

type appOptions struct {
	memoryPath string
	offline    bool
	out        io.Writer
}

// app holds the wired courtroom and the resources it owns.
type app struct {
	env       *config.Env
	store     *config.Store
	redis     *redis.Client
	ledger    ledger.Ledger
	telemetry *observability.Provider
	signer    *crypto.Ed25519Signer
	sink      *status.FileSink
	core      *courtroom.Core
	logger    *slog.Logger
}

func newApp(ctx context.Context, env *config.Env, opts appOptions) (_ *app, err error) {
	a := &app{
		env:    env,
		logger: slog.Default().With("component", "serve", "identity", env.Identity),
	}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if env.RedisAddr != "" {
		if a.redis, err = openRedis(ctx, env.RedisAddr); err != nil {
			return nil, err
		}
	}

	a.store = config.NewStore(a.configBackend())
	cfg := a.store.Load(ctx)

	if a.ledger, err = ledger.Open(ctx, env.DatabaseURL, env.LedgerPath()); err != nil {
		return nil, err
	}

	if a.signer, err = crypto.LoadOrGenerateKey(env.KeyPath, crypto.DefaultKeyID); err != nil {
		return nil, err
	}

	otelCfg := observability.DefaultConfig()
	otelCfg.OTLPEndpoint = env.OTLPEndpoint
	otelCfg.Enabled = env.OTLPEndpoint != ""
	if a.telemetry, err = observability.New(ctx, otelCfg); err != nil {
		return nil, err
	}

	var memory detect.Memory
	if opts.memoryPath != "" {
		if memory, err = loadMemory(opts.memoryPath); err != nil {
			return nil, err
		}
	}

	a.sink = status.NewFileSink(env.StatusPath)

	var limiterStore ratelimit.Store = ratelimit.NewMemoryStore()
	if a.redis != nil {
		limiterStore = ratelimit.NewRedisStore(a.redis)
	}

	client := llm.NewOpenAIClient(env.LLMServiceURL, env.LLMAPIKey, env.LLMModel)
	var judge jury.Judge = jury.ThresholdJudge{MaxCommentary: cfg.Humor.MaxCommentaryLength}
	if !opts.offline && (env.LLMAPIKey != "" || env.LLMServiceURL != "") && cfg.Humor.Enabled {
		judge = jury.NewLLMJudge(client, cfg.Humor)
	}

	api := resiliency.NewEnhancedClient(
		resiliency.WithHTTPClient(&http.Client{Timeout: cfg.API.AttemptTimeout()}),
		resiliency.WithBreaker(resiliency.NewCircuitBreaker("case-api", 5, time.Minute)),
		resiliency.WithRateLimit(rate.Every(time.Second), 2),
	)
	queue := submission.NewQueue(a.signer,
		submission.NewHTTPTransport(cfg.API.Endpoint, api),
		submission.PolicyFromConfig(cfg.API),
		submission.WithStatusSink(a.sink),
		submission.WithRecorder(a.telemetry),
	)

	a.core, err = courtroom.New(courtroom.Options{
		Identity:   env.Identity,
		Config:     a.store,
		Limiter:    ratelimit.New(limiterStore, ratelimit.Policy{Cooldown: cfg.Detection.Cooldown(), MaxCasesPerDay: cfg.Detection.MaxCasesPerDay}),
		Detector:   detect.NewLLMDetector(client),
		Panel:      jury.NewPanel(judge),
		Punishment: punishment.NewEngine(cfg.Punishment),
		Queue:      queue,
		Ledger:     a.ledger,
		Status:     a.sink,
		Notifier:   jsonNotifier{w: opts.out},
		Telemetry:  a.telemetry,
		Memory:     func() detect.Memory { return memory },
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) configBackend() config.Backend {
	if a.redis != nil {
		return config.NewRedisBackend(a.redis, config.DefaultRedisKey)
	}
	return config.NewFileBackend(a.env.ConfigPath)
}

// consume ingests stdin lines until EOF or ctx is done.
func (a *app) consume(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 64*1024), maxTurnBytes)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			a.logger.WarnContext(ctx, "reading turns failed", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			a.logger.InfoContext(ctx, "interrupted, shutting down")
			return
		case line, ok := <-lines:
			if !ok {
				a.logger.InfoContext(ctx, "input closed, shutting down")
				return
			}
			turn, ok := parseTurn(line)
			if !ok {
				continue
			}
			out := a.core.Ingest(ctx, turn)
			if last, ok := out.Last(); ok {
				a.logger.DebugContext(ctx, "turn ingested",
					"stage", last.Stage, "status", last.Status, "reason", last.Reason)
			}
		}
	}
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if a.store != nil {
		a.store.Flush()
	}
	if a.telemetry != nil {
		_ = a.telemetry.Shutdown(ctx)
	}
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			a.logger.WarnContext(ctx, "closing ledger failed", "error", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}

func openRedis(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}
	return rdb, nil
}

func loadMemory(path string) (detect.Memory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read memory: %w", err)
	}
	var m detect.Memory
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode memory %s: %w", path, err)
	}
	return m, nil
}

// parseTurn decodes a JSON turn, or takes a plain line as a user message.
func parseTurn(line string) (contracts.Turn, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return contracts.Turn{}, false
	}
	if !strings.HasPrefix(line, "{") {
		return contracts.Turn{Role: "user", Content: line}, true
	}
	var t contracts.Turn
	if err := json.Unmarshal([]byte(line), &t); err != nil {
		slog.Warn("skipping malformed turn", "error", err)
		return contracts.Turn{}, false
	}
	if t.Role == "" {
		t.Role = "user"
	}
	return t, true
}

// jsonNotifier writes case announcements as JSON lines.
type jsonNotifier struct {
	w io.Writer
}

type notificationLine struct {
	Event   string `json:"event"`
	CaseID  string `json:"caseId"`
	Offense string `json:"offense"`
	Verdict string `json:"verdict"`
	URL     string `json:"url"`
	Text    string `json:"text"`
}

func (n jsonNotifier) Notify(_ context.Context, note courtroom.Notification) error {
	data, err := json.Marshal(notificationLine{
		Event:   "case_filed",
		CaseID:  note.CaseID,
		Offense: note.Offense,
		Verdict: note.Verdict,
		URL:     note.URL,
		Text:    note.Text,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(n.w, string(data))
	return err
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

