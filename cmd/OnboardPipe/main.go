package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/BTreeMap/OnboardPipe/internal/api"
	"github.com/BTreeMap/OnboardPipe/internal/flow"
	"github.com/BTreeMap/OnboardPipe/internal/genai"
	"github.com/BTreeMap/OnboardPipe/internal/lexicon"
	"github.com/BTreeMap/OnboardPipe/internal/lockfile"
	"github.com/BTreeMap/OnboardPipe/internal/messaging"
	"github.com/BTreeMap/OnboardPipe/internal/metrics"
	"github.com/BTreeMap/OnboardPipe/internal/store"
	"github.com/BTreeMap/OnboardPipe/internal/tools"
	"github.com/BTreeMap/OnboardPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/OnboardPipe/internal/util"
	"github.com/BTreeMap/OnboardPipe/internal/validation"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for OnboardPipe state data
	DefaultStateDir = "/var/lib/onboardpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "onboardpipe.db"
	// DefaultFlowsDir is where flow definitions are loaded from
	DefaultFlowsDir = "flows"
	// DefaultAPIAddr is the default listen address
	DefaultAPIAddr = ":8080"
)

func main() {
	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config, os.Args[1:])
	initializeLogger(*flags.logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping OnboardPipe")
	if err := run(ctx, flags); err != nil {
		slog.Error("OnboardPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("OnboardPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir          string
	DatabaseURL       string
	FlowsDir          string
	DefaultFlow       string
	OpenAIKey         string
	OpenAIModel       string
	APIAddr           string
	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioFromNumber  string
	TwilioWebhookURL  string
	ToolsWebhookURL   string
	ToolsWebhookToken string
	StreamResponses   bool
	CELConditions     bool
	LogLevel          string
}

// Flags holds command line flag values
type Flags struct {
	stateDir      *string
	dbDSN         *string
	flowsDir      *string
	defaultFlow   *string
	openaiKey     *string
	openaiModel   *string
	apiAddr       *string
	toolsWebhook  *string
	twilioWebhook *string
	stream        *bool
	celConditions *bool
	logLevel      *string

	twilioSID   string
	twilioToken string
	twilioFrom  string
	toolsToken  string
}

// parseLogLevel maps LOG_LEVEL to a slog level, defaulting to debug.
func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:          os.Getenv("ONBOARDPIPE_STATE_DIR"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		FlowsDir:          os.Getenv("ONBOARDPIPE_FLOWS_DIR"),
		DefaultFlow:       os.Getenv("ONBOARDPIPE_DEFAULT_FLOW"),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:       os.Getenv("OPENAI_MODEL"),
		APIAddr:           os.Getenv("API_ADDR"),
		TwilioAccountSID:  os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:  os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL:  os.Getenv("TWILIO_WEBHOOK_URL"),
		ToolsWebhookURL:   os.Getenv("TOOLS_WEBHOOK_URL"),
		ToolsWebhookToken: os.Getenv("TOOLS_WEBHOOK_TOKEN"),
		StreamResponses:   util.ParseBoolEnv("ONBOARDPIPE_STREAM_RESPONSES", false),
		CELConditions:     util.ParseBoolEnv("ONBOARDPIPE_CEL_CONDITIONS", false),
		LogLevel:          os.Getenv("LOG_LEVEL"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No ONBOARDPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.FlowsDir == "" {
		config.FlowsDir = DefaultFlowsDir
	}
	if config.APIAddr == "" {
		config.APIAddr = DefaultAPIAddr
	}

	slog.Debug("environment variables loaded",
		"ONBOARDPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"ONBOARDPIPE_FLOWS_DIR", config.FlowsDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"TOOLS_WEBHOOK_URL", config.ToolsWebhookURL,
		"API_ADDR", config.APIAddr)

	return config
}

// parseCommandLineFlags parses args with environment defaults. Secrets other than the OpenAI key
// come from the environment only.
func parseCommandLineFlags(config Config, args []string) Flags {
	fs := flag.NewFlagSet("OnboardPipe", flag.ExitOnError)
	flags := Flags{
		stateDir:      fs.String("state-dir", config.StateDir, "state directory for OnboardPipe data (overrides $ONBOARDPIPE_STATE_DIR)"),
		dbDSN:         fs.String("db-dsn", config.DatabaseURL, "SQLite path or Postgres DSN; empty selects the in-memory store (overrides $DATABASE_URL)"),
		flowsDir:      fs.String("flows-dir", config.FlowsDir, "directory of flow definitions (overrides $ONBOARDPIPE_FLOWS_DIR)"),
		defaultFlow:   fs.String("default-flow", config.DefaultFlow, "flow new conversations start in (overrides $ONBOARDPIPE_DEFAULT_FLOW)"),
		openaiKey:     fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel:   fs.String("openai-model", config.OpenAIModel, "OpenAI model (overrides $OPENAI_MODEL)"),
		apiAddr:       fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		toolsWebhook:  fs.String("tools-webhook-url", config.ToolsWebhookURL, "base URL for tools without an in-process handler (overrides $TOOLS_WEBHOOK_URL)"),
		twilioWebhook: fs.String("twilio-webhook-url", config.TwilioWebhookURL, "public webhook URL used for Twilio signature checks (overrides $TWILIO_WEBHOOK_URL)"),
		stream:        fs.Bool("stream", config.StreamResponses, "stream replies by default (overrides $ONBOARDPIPE_STREAM_RESPONSES)"),
		celConditions: fs.Bool("cel-conditions", config.CELConditions, "evaluate conditions through CEL (overrides $ONBOARDPIPE_CEL_CONDITIONS)"),
		logLevel:      fs.String("log-level", config.LogLevel, "debug, info, warn or error (overrides $LOG_LEVEL)"),

		twilioSID:   config.TwilioAccountSID,
		twilioToken: config.TwilioAuthToken,
		twilioFrom:  config.TwilioFromNumber,
		toolsToken:  config.ToolsWebhookToken,
	}
	_ = fs.Parse(args)

	// A moved state dir also moves the default SQLite file.
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}
	return flags
}

// ensureDirectoriesExist creates the directory of a file-based DSN.
func ensureDirectoriesExist(dsn string) error {
	if dsn == "" || store.DetectDSNType(dsn) == "postgres" {
		return nil
	}
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory %s: %w", dir, err)
	}
	return nil
}

// loadRegistry loads every flow definition in dir.
func loadRegistry(dir, defaultFlow string, lex *lexicon.Lexicon) (*flow.Registry, error) {
	defs, err := flow.LoadDir(dir, lex)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("no flow definitions found in %s", dir)
	}
	return flow.NewRegistry(defaultFlow, defs...)
}

// buildToolExecutor registers the in-process tools, with the webhook executor as fallback when configured.
func buildToolExecutor(flags Flags) (*tools.Registry, error) {
	var opts []tools.Option
	if *flags.toolsWebhook != "" {
		var whOpts []tools.WebhookOption
		if flags.toolsToken != "" {
			whOpts = append(whOpts, tools.WithAuthToken(flags.toolsToken))
		}
		wh, err := tools.NewWebhookExecutor(*flags.toolsWebhook, whOpts...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, tools.WithFallback(wh))
	}
	reg := tools.NewRegistry(opts...)
	if err := tools.RegisterBuiltins(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// buildEngineOptions wires the engine collaborators. The language model is optional.
func buildEngineOptions(flags Flags, lex *lexicon.Lexicon, rec *metrics.Metrics, exec tools.Executor) ([]flow.Option, error) {
	opts := []flow.Option{
		flow.WithValidator(validation.New(validation.WithLexicon(lex))),
		flow.WithRecorder(rec),
		flow.WithToolExecutor(exec),
	}
	if *flags.celConditions {
		opts = append(opts, flow.WithCompiledConditions())
	}
	if *flags.openaiKey == "" {
		slog.Warn("OPENAI_API_KEY not set, running with rule-based extraction and template replies only")
		return opts, nil
	}
	genaiOpts := []genai.Option{genai.WithAPIKey(*flags.openaiKey)}
	if *flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.openaiModel))
	}
	client, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return nil, err
	}
	return append(opts, flow.WithModel(client), flow.WithResponder(client)), nil
}

func run(ctx context.Context, flags Flags) error {
	if err := ensureDirectoriesExist(*flags.dbDSN); err != nil {
		return err
	}
	if *flags.dbDSN != "" && store.DetectDSNType(*flags.dbDSN) != "postgres" {
		lock, err := lockfile.Acquire(filepath.Dir(*flags.dbDSN))
		if err != nil {
			return err
		}
		defer lock.Release()
	}
	st, err := store.Open(*flags.dbDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	lex, err := lexicon.Default()
	if err != nil {
		return err
	}
	reg, err := loadRegistry(*flags.flowsDir, *flags.defaultFlow, lex)
	if err != nil {
		return err
	}
	slog.Info("Flows loaded", "flows", reg.Slugs(), "default", reg.Default())

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.New(promReg)

	exec, err := buildToolExecutor(flags)
	if err != nil {
		return err
	}
	engineOpts, err := buildEngineOptions(flags, lex, rec, exec)
	if err != nil {
		return err
	}
	engine := flow.NewEngine(reg, st, engineOpts...)

	apiOpts := []api.Option{
		api.WithMetricsHandler(metrics.Handler(promReg)),
		api.WithStreaming(*flags.stream),
	}

	if flags.twilioSID != "" {
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(flags.twilioSID),
			twiliowhatsapp.WithAuthToken(flags.twilioToken),
			twiliowhatsapp.WithFromWhats(flags.twilioFrom),
		)
		if err != nil {
			return fmt.Errorf("twilio client: %w", err)
		}
		def, err := reg.Get("")
		if err != nil {
			return err
		}
		svc := messaging.NewTwilioService(engine, st, client,
			messaging.WithDefaultFlow(def.Slug),
			messaging.WithLanguage(def.Language()),
			messaging.WithSignatureValidation(client, *flags.twilioWebhook),
		)
		defer func() {
			svc.Stop()
			svc.Wait()
		}()
		apiOpts = append(apiOpts, api.WithTwilioWebhook(svc.WebhookHandler))

		sender := store.NewOutboxSender(st, svc.Send)
		if err := sender.RecoverStaleMessages(); err != nil {
			slog.Warn("Outbox recovery failed", "error", err)
		}
		go sender.Run(ctx)
		slog.Info("Twilio WhatsApp channel enabled", "flow", def.Slug)
	}

	return api.NewServer(engine, apiOpts...).Run(ctx, *flags.apiAddr)
}
