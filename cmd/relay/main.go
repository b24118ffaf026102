// Command relay feeds JSON lines from stdin into a bus and prints what the
// configured replay streams observe.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/replaybus/internal/config"
	"github.com/coachpo/replaybus/internal/observability"
	"github.com/coachpo/replaybus/internal/telemetry"
	"github.com/coachpo/replaybus/pkg/bus"
	"github.com/coachpo/replaybus/pkg/message"
	"github.com/coachpo/replaybus/pkg/stream"
)

const (
	maxLineBytes             = 1 << 20
	shutdownTimeout          = 10 * time.Second
	pumpShutdownTimeout      = 2 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

type flags struct {
	configPath string
	envFile    string
	replay     string
	all        bool
}

func main() {
	opts := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	if err := loadEnvFile(opts.envFile); err != nil {
		log.Fatalf("load env file: %v", err)
	}

	cfg, err := config.LoadOrDefault(ctx, opts.configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := newRelayLogger(cfg.Log)
	observability.SetLogger(newObservabilityLogger(cfg.Log, logger, os.Stderr))

	telemetryProvider, err := initTelemetry(ctx, logger, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	busOpts := append(cfg.Bus.Options(), bus.WithMeterProvider(telemetryProvider.MeterProvider()))
	b := bus.New(busOpts...)

	ids := replayIDs(cfg.Bus.Replay, opts.replay)
	out := &syncWriter{w: os.Stdout}
	subs := attachPrinters(b, ids, opts.all, out)
	logger.Printf("relay started: replay=%v fanoutWorkers=%d", ids, cfg.Bus.FanoutWorkers.Resolve())

	var lifecycle conc.WaitGroup
	pumped := make(chan struct{})
	lifecycle.Go(func() {
		defer close(pumped)
		posted, err := pump(ctx, os.Stdin, b, logger)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("read input: %v", err)
		}
		logger.Printf("input finished: posted=%d", posted)
	})

	select {
	case <-pumped:
	case <-ctx.Done():
		logger.Print("shutdown signal received")
	}

	summarize(b, ids, out)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		subs:       subs,
		bus:        b,
		telemetry:  telemetryProvider,
	})
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "Path to relay configuration file")
	flag.StringVar(&f.envFile, "env", ".env", "Optional dotenv file with OTEL_* settings")
	flag.StringVar(&f.replay, "replay", "", "Comma separated identifiers to replay in addition to the configured ones")
	flag.BoolVar(&f.all, "all", false, "Print every posted message as it is delivered")
	flag.Parse()
	return f
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newRelayLogger(cfg config.LogConfig) *log.Logger {
	return log.New(os.Stderr, cfg.Prefix, log.LstdFlags|log.Lmicroseconds)
}

// newObservabilityLogger picks the structured logger for bus internals.
func newObservabilityLogger(cfg config.LogConfig, std *log.Logger, w io.Writer) observability.Logger {
	if cfg.Format == config.LogFormatJSON {
		return observability.NewZerologLogger(w, cfg.Debug)
	}
	return observability.NewStdLogger(std, cfg.Debug)
}

// loadEnvFile populates unset environment variables from path. A missing
// file is not an error.
func loadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := cfg.Apply(telemetry.DefaultConfig())
	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if provider.Enabled() {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func replayIDs(configured []string, extra string) []string {
	ids := append([]string(nil), configured...)
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	for _, id := range strings.Split(extra, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// attachPrinters creates the replay slots for ids before any input is read,
// so each slot retains everything posted from the start.
func attachPrinters(b *bus.Bus, ids []string, all bool, out io.Writer) []stream.Subscription {
	subs := make([]stream.Subscription, 0, len(ids)+1)
	if all {
		subs = append(subs, b.All().Subscribe(stream.Observer[message.Message]{
			Name: "printer:all",
			OnNext: func(msg message.Message) {
				fmt.Fprintf(out, "live %s\n", msg)
			},
		}))
	}
	for _, id := range ids {
		subs = append(subs, b.Replay(id).Subscribe(stream.Observer[message.Message]{
			Name: "printer:" + id,
			OnNext: func(msg message.Message) {
				fmt.Fprintf(out, "replay %s\n", msg)
			},
		}))
	}
	return subs
}

// pump posts one message per non-blank input line until r is exhausted or
// ctx is done. Malformed lines are logged and skipped.
func pump(ctx context.Context, r io.Reader, b *bus.Bus, logger *log.Logger) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	posted := 0
	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return posted, err
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		msg, err := message.DecodeJSON([]byte(text))
		if err != nil {
			logger.Printf("line %d skipped: %v", line, err)
			continue
		}
		if err := b.Post(ctx, msg); err != nil {
			return posted, fmt.Errorf("line %d: %w", line, err)
		}
		posted++
	}
	return posted, scanner.Err()
}

func summarize(b *bus.Bus, ids []string, out io.Writer) {
	for _, id := range ids {
		if msg, ok := b.ReplayCache().Retained(id); ok {
			fmt.Fprintf(out, "last %s\n", msg)
			continue
		}
		fmt.Fprintf(out, "last id=%q none\n", id)
	}
	if n := b.DeadLetters().Len(); n > 0 {
		fmt.Fprintf(out, "failures %d\n", n)
	}
}

type gracefulShutdownConfig struct {
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	subs       []stream.Subscription
	bus        *bus.Bus
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		// The input reader may stay blocked on stdin; do not wait for it forever.
		shutdownStep("waiting for input pump", pumpShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for input: %w", stepCtx.Err())
			}
		})
	}

	for _, sub := range cfg.subs {
		sub.Unsubscribe()
	}
	if cfg.bus != nil {
		cfg.bus.Close()
		logger.Print("shutdown: bus closed")
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
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
