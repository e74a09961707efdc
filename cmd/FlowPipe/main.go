package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/api"
	"github.com/BTreeMap/FlowPipe/internal/genai"
	"github.com/BTreeMap/FlowPipe/internal/lockfile"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/FlowPipe/internal/util"
	"github.com/BTreeMap/FlowPipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

const (
	// DefaultStateDir is the default directory for FlowPipe state data
	DefaultStateDir = "/var/lib/flowpipe"
	// DefaultWhatsAppDBFileName is the whatsmeow device database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultAppDBFileName is the flow and conversation database filename
	DefaultAppDBFileName = "flowpipe.db"
)

func main() {
	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config, os.Args[1:])
	initializeLogger(*flags.logLevel)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		var lockErr *lockfile.LockError
		if errors.As(err, &lockErr) {
			fmt.Fprintln(os.Stderr, lockErr.Error())
		}
		slog.Error("Failed to lock state directory", "error", err)
		os.Exit(1)
	}

	waOpts := buildWhatsAppOptions(flags)
	twilioOpts := buildTwilioOptions(flags)
	storeOpts := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(flags)
	apiOpts := buildAPIOptions(flags)

	slog.Info("Bootstrapping FlowPipe", "transport", *flags.transport, "state_dir", *flags.stateDir)
	slog.Debug("Module options counts", "whatsapp", len(waOpts), "twilio", len(twilioOpts), "store", len(storeOpts), "genai", len(genaiOpts), "api", len(apiOpts))
	runErr := api.Run(waOpts, twilioOpts, storeOpts, genaiOpts, apiOpts)
	if err := lock.Release(); err != nil {
		slog.Warn("Failed to release state directory lock", "error", err)
	}
	if runErr != nil {
		slog.Error("FlowPipe failed to run", "error", runErr)
		os.Exit(1)
	}
	slog.Info("FlowPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	WhatsAppDBDSN    string
	ApplicationDBDSN string
	OpenAIKey        string
	OpenAIModel      string
	APIAddr          string
	Transport        string
	TwilioSID        string
	TwilioToken      string
	TwilioFrom       string
	TwilioWebhookURL string
	DefaultFlow      string
	AutoEnroll       bool
	FlowsDir         string
	IdleTimeout      time.Duration
	SweepSchedule    string
	LogLevel         string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput         *string
	numeric          *bool
	stateDir         *string
	whatsappDBDSN    *string
	appDBDSN         *string
	openaiKey        *string
	openaiModel      *string
	apiAddr          *string
	transport        *string
	twilioSID        *string
	twilioToken      *string
	twilioFrom       *string
	twilioWebhookURL *string
	defaultFlow      *string
	autoEnroll       *bool
	flowsDir         *string
	idleTimeout      *time.Duration
	sweepSchedule    *string
	logLevel         *string
}

func initializeLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func whatsAppDSNFor(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

func appDSNFor(stateDir string) string {
	return filepath.Join(stateDir, DefaultAppDBFileName)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		StateDir:         os.Getenv("FLOWPIPE_STATE_DIR"),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		ApplicationDBDSN: os.Getenv("DATABASE_DSN"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		APIAddr:          os.Getenv("API_ADDR"),
		Transport:        os.Getenv("FLOWPIPE_TRANSPORT"),
		TwilioSID:        os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL: os.Getenv("TWILIO_WEBHOOK_URL"),
		DefaultFlow:      os.Getenv("FLOWPIPE_DEFAULT_FLOW"),
		AutoEnroll:       util.ParseBoolEnv("FLOWPIPE_AUTO_ENROLL", true),
		FlowsDir:         os.Getenv("FLOWPIPE_FLOWS_DIR"),
		IdleTimeout:      util.ParseDurationEnv("FLOWPIPE_IDLE_TIMEOUT", 0),
		SweepSchedule:    os.Getenv("FLOWPIPE_SWEEP_SCHEDULE"),
		LogLevel:         os.Getenv("FLOWPIPE_LOG_LEVEL"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = os.Getenv("DATABASE_URL")
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = appDSNFor(config.StateDir)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = whatsAppDSNFor(config.StateDir)
	}
	if config.Transport == "" {
		config.Transport = api.TransportWhatsApp
	}
	if config.LogLevel == "" {
		config.LogLevel = "DEBUG"
	}

	slog.Debug("environment variables loaded",
		"FLOWPIPE_STATE_DIR", config.StateDir,
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDBDSN != "",
		"DATABASE_DSN_SET", config.ApplicationDBDSN != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"FLOWPIPE_TRANSPORT", config.Transport,
		"FLOWPIPE_DEFAULT_FLOW", config.DefaultFlow)

	return config
}

// parseCommandLineFlags parses args with environment defaults
func parseCommandLineFlags(config Config, args []string) Flags {
	fs := flag.NewFlagSet("flowpipe", flag.ExitOnError)
	flags := Flags{
		qrOutput:         fs.String("qr-output", "", "path to write login QR code"),
		numeric:          fs.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:         fs.String("state-dir", config.StateDir, "state directory for FlowPipe data (overrides $FLOWPIPE_STATE_DIR)"),
		whatsappDBDSN:    fs.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow device database DSN (overrides $WHATSAPP_DB_DSN)"),
		appDBDSN:         fs.String("db-dsn", config.ApplicationDBDSN, "flow and conversation database DSN (overrides $DATABASE_DSN or $DATABASE_URL)"),
		openaiKey:        fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel:      fs.String("openai-model", config.OpenAIModel, "OpenAI chat model (overrides $OPENAI_MODEL)"),
		apiAddr:          fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		transport:        fs.String("transport", config.Transport, "message transport: whatsapp or twilio (overrides $FLOWPIPE_TRANSPORT)"),
		twilioSID:        fs.String("twilio-account-sid", config.TwilioSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)"),
		twilioToken:      fs.String("twilio-auth-token", config.TwilioToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)"),
		twilioFrom:       fs.String("twilio-from", config.TwilioFrom, "Twilio WhatsApp sender number (overrides $TWILIO_FROM_NUMBER)"),
		twilioWebhookURL: fs.String("twilio-webhook-url", config.TwilioWebhookURL, "public Twilio webhook URL used for signature checks (overrides $TWILIO_WEBHOOK_URL)"),
		defaultFlow:      fs.String("default-flow", config.DefaultFlow, "flow id new senders are enrolled into (overrides $FLOWPIPE_DEFAULT_FLOW)"),
		autoEnroll:       fs.Bool("auto-enroll", config.AutoEnroll, "enroll unknown senders into the default flow (overrides $FLOWPIPE_AUTO_ENROLL)"),
		flowsDir:         fs.String("flows-dir", config.FlowsDir, "directory of flow documents published at startup (overrides $FLOWPIPE_FLOWS_DIR)"),
		idleTimeout:      fs.Duration("idle-timeout", config.IdleTimeout, "abandon conversations idle for longer than this (overrides $FLOWPIPE_IDLE_TIMEOUT)"),
		sweepSchedule:    fs.String("sweep-schedule", config.SweepSchedule, "cron schedule of the idle sweep (overrides $FLOWPIPE_SWEEP_SCHEDULE)"),
		logLevel:         fs.String("log-level", config.LogLevel, "log level: DEBUG, INFO, WARN or ERROR (overrides $FLOWPIPE_LOG_LEVEL)"),
	}
	fs.Parse(args)
	applyStateDir(config, flags)
	return flags
}

// applyStateDir moves the default database paths into a state directory given
// on the command line. Explicit DSNs are left alone.
func applyStateDir(config Config, flags Flags) {
	if *flags.stateDir == config.StateDir {
		return
	}
	if *flags.whatsappDBDSN == whatsAppDSNFor(config.StateDir) {
		*flags.whatsappDBDSN = whatsAppDSNFor(*flags.stateDir)
	}
	if *flags.appDBDSN == appDSNFor(config.StateDir) {
		*flags.appDBDSN = appDSNFor(*flags.stateDir)
	}
}

func isFileDSN(dsn string) bool {
	return dsn != "" && store.DetectDSNType(dsn) != "postgres"
}

// sqlitePath strips the file: scheme and query string from a SQLite DSN.
func sqlitePath(dsn string) string {
	p := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return p
}

// ensureDirectoriesExist creates the state directory and the parent
// directories of file-based databases.
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir}
	if *flags.transport == api.TransportWhatsApp && isFileDSN(*flags.whatsappDBDSN) {
		dirs = append(dirs, filepath.Dir(sqlitePath(*flags.whatsappDBDSN)))
	}
	if isFileDSN(*flags.appDBDSN) {
		dirs = append(dirs, filepath.Dir(sqlitePath(*flags.appDBDSN)))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDBDSN))
	}
	return waOpts
}

func buildTwilioOptions(flags Flags) []twiliowhatsapp.Option {
	var opts []twiliowhatsapp.Option
	if *flags.twilioSID != "" {
		opts = append(opts, twiliowhatsapp.WithAccountSID(*flags.twilioSID))
	}
	if *flags.twilioToken != "" {
		opts = append(opts, twiliowhatsapp.WithAuthToken(*flags.twilioToken))
	}
	if *flags.twilioFrom != "" {
		opts = append(opts, twiliowhatsapp.WithFromWhats(*flags.twilioFrom))
	}
	return opts
}

func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	dsn := *flags.appDBDSN
	switch {
	case dsn == "":
		slog.Debug("No database DSN provided, will use in-memory store")
	case store.DetectDSNType(dsn) == "postgres":
		storeOpts = append(storeOpts, store.WithPostgresDSN(dsn))
	default:
		storeOpts = append(storeOpts, store.WithSQLiteDSN(dsn))
	}
	return storeOpts
}

func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.openaiModel))
	}
	return genaiOpts
}

func buildAPIOptions(flags Flags) []api.Option {
	apiOpts := []api.Option{api.WithTransport(*flags.transport)}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.twilioWebhookURL != "" {
		apiOpts = append(apiOpts, api.WithTwilioWebhookURL(*flags.twilioWebhookURL))
	}
	if *flags.defaultFlow != "" && *flags.autoEnroll {
		apiOpts = append(apiOpts, api.WithDefaultFlow(*flags.defaultFlow))
	}
	if *flags.flowsDir != "" {
		apiOpts = append(apiOpts, api.WithFlowsDir(*flags.flowsDir))
	}
	if *flags.idleTimeout > 0 {
		apiOpts = append(apiOpts, api.WithIdleTimeout(*flags.idleTimeout))
	}
	if *flags.sweepSchedule != "" {
		apiOpts = append(apiOpts, api.WithSweepSchedule(*flags.sweepSchedule))
	}
	return apiOpts
}
