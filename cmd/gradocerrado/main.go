package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/codec"
	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/handler"
	appI18n "github.com/samirabawad/Grado-Cerrado-App-sub000/internal/i18n"
	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/model"
	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/speech"
	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/store"
	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/telemetry"
)

const defaultDecoder = "ffmpeg -hide_banner -loglevel error -i pipe:0 -f s16le -ac 1 -ar 16000 pipe:1"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gradocerrado",
		Short: "Oral practice for Derecho Civil and Derecho Procesal exams",
	}

	serve := serveCmd()
	root.AddCommand(serve, practiceCmd(), importCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `gradocerrado --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

// addOralFlags registers the flags shared by serve and practice.
func addOralFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db", "gradocerrado.db", "SQLite database path")
	f.StringSliceP("questions", "q", nil, "Question bank files to import, JSON or YAML (repeatable)")
	f.StringP("lang", "l", "es", "UI and speech language (es, en)")
	f.IntP("num-questions", "n", 10, "Number of questions per test (0 = all available)")
	f.StringP("topic", "t", "", "Filter questions by topic")
	f.Bool("shuffle", true, "Randomize question order")
	f.Int("max-attempts", 3, "Failed recognitions before a question is marked unanswered (0 = unlimited)")
	f.Duration("auto-advance", 0, "Advance this long after a result is shown (0 = wait for the student)")
	f.Duration("max-recording", 2*time.Minute, "Stop a recording on its own after this long (0 = unbounded)")
	f.Int("sample-rate", codec.DefaultOptions.SampleRate, "Sample rate of the canonical WAV sent to the speech backend")
	f.String("decoder-command", defaultDecoder, "Transcoder for compressed recordings, reads stdin and writes s16le mono PCM (empty disables)")
	f.String("speech-url", "https://api.openai.com/v1", "OpenAI-compatible audio API base URL")
	f.String("speech-key", "", "API key for the audio API")
	f.String("stt-model", "whisper-1", "Transcription model name")
	f.String("stt-command", "", "Local recognizer command used instead of the audio API")
	f.String("tts-model", "tts-1", "Speech model for rendered prompts")
	f.String("tts-voice", "alloy", "Voice for rendered prompts")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP oral test server",
		RunE:  runServe,
	}
	addOralFlags(cmd)
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /oral)")
	f.Bool("render-prompts", false, "Serve prompt audio rendered by the audio API")
	f.Bool("metrics", true, "Expose Prometheus metrics on /metrics")
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Import question bank files (JSON or YAML)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	f := cmd.Flags()
	f.String("db", "gradocerrado.db", "SQLite database path")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export completed oral tests as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "gradocerrado.db", "SQLite database path")
	f.String("area", "", "Only export tests of this area (civil, procesal)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("GRADOCERRADO")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("gradocerrado")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/gradocerrado")
	v.AddConfigPath("/etc/gradocerrado")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func oralConfig(v *viper.Viper) model.OralConfig {
	return model.OralConfig{
		NumQuestions: v.GetInt("num-questions"),
		Topic:        v.GetString("topic"),
		Shuffle:      v.GetBool("shuffle"),
		SampleRate:   v.GetInt("sample-rate"),
		MaxRecording: v.GetDuration("max-recording"),
		AutoAdvance:  v.GetDuration("auto-advance"),
		MaxAttempts:  v.GetInt("max-attempts"),
		Lang:         v.GetString("lang"),
	}
}

// newConverter builds the WAV converter, with the external transcoder as
// fallback for compressed containers.
func newConverter(v *viper.Viper) (*codec.Converter, error) {
	conv := codec.NewConverter(slog.Default())
	command := v.GetString("decoder-command")
	if command == "" {
		return conv, nil
	}
	dec, err := codec.NewExecDecoder(command, codec.DefaultOptions.SampleRate, 1)
	if err != nil {
		return nil, err
	}
	conv.SetFallback(dec)
	return conv, nil
}

// newSpeechBackend returns the transcriber and the audio API client, which
// doubles as the prompt renderer.
func newSpeechBackend(v *viper.Viper) (speech.Transcriber, *speech.OpenAI, error) {
	api := speech.NewOpenAI(speech.OpenAIConfig{
		BaseURL:            v.GetString("speech-url"),
		APIKey:             v.GetString("speech-key"),
		TranscriptionModel: v.GetString("stt-model"),
		SpeechModel:        v.GetString("tts-model"),
		Voice:              v.GetString("tts-voice"),
		Language:           v.GetString("lang"),
	})
	if command := v.GetString("stt-command"); command != "" {
		local, err := speech.NewExecTranscriber(command, v.GetString("lang"))
		if err != nil {
			return nil, nil, err
		}
		slog.Info("using local recognizer", "command", command)
		return local, api, nil
	}
	return api, api, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	// Open database.
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := loadQuestions(db, v.GetStringSlice("questions")); err != nil {
		return fmt.Errorf("load questions: %w", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	conv, err := newConverter(v)
	if err != nil {
		return fmt.Errorf("create converter: %w", err)
	}
	stt, api, err := newSpeechBackend(v)
	if err != nil {
		return fmt.Errorf("create speech backend: %w", err)
	}

	oralCfg := oralConfig(v)
	h, err := handler.New(db, conv, stt, oralCfg)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}
	if v.GetBool("render-prompts") {
		h.WithRenderer(api)
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))

	if v.GetBool("metrics") {
		tel, err := telemetry.New("gradocerrado", slog.Default())
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer tel.Shutdown(context.Background())
		h.WithTracker(tel)
		r.Handle("/metrics", tel.Handler())
	}

	// Normalize base path.
	basePath := strings.TrimRight(v.GetString("base-path"), "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if basePath != "" {
		r.Route(basePath, h.Routes)
	} else {
		h.Routes(r)
	}

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	slog.Info("starting server",
		"addr", addr,
		"lang", lang,
		"speech_url", v.GetString("speech-url"),
		"num_questions", oralCfg.NumQuestions,
		"topic", oralCfg.Topic,
		"shuffle", oralCfg.Shuffle,
		"max_attempts", oralCfg.MaxAttempts,
		"auto_advance", oralCfg.AutoAdvance,
		"base_path", basePath,
	)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	h.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runImport(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	return loadQuestions(db, args)
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	area := model.Area(v.GetString("area"))
	if area != "" && !area.IsValid() {
		return fmt.Errorf("unknown area %q", area)
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	results, err := db.ExportTests(area)
	if err != nil {
		return fmt.Errorf("export tests: %w", err)
	}
	if results == nil {
		results = []model.TestResult{}
	}

	export := model.TestExport{
		ExportedAt: time.Now().UTC(),
		Area:       area,
		Results:    results,
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	_, err = w.Write(data)
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	slog.Info("exported tests", "count", len(results), "area", area)
	return nil
}

// loadQuestions imports each file once. Files changed after their first
// import are skipped so stored evaluations keep pointing at the questions
// they were made against.
func loadQuestions(db *store.Store, paths []string) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		questions, err := parseQuestions(path, data)
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		for i, qi := range questions {
			if err := qi.Validate(); err != nil {
				return fmt.Errorf("%s: question %d: %w", path, i+1, err)
			}
		}

		n, err := db.ImportQuestions(path, sha256sum(data), questions)
		switch {
		case errors.Is(err, store.ErrImportChanged):
			slog.Warn("questions file changed since last import, skipping to avoid breaking existing tests",
				"path", path)
			continue
		case err != nil:
			return fmt.Errorf("import %s: %w", path, err)
		case n == 0:
			slog.Info("questions file unchanged, skipping", "path", path)
			continue
		}
		slog.Info("imported questions", "path", path, "count", n)
	}

	return nil
}

func parseQuestions(path string, data []byte) ([]model.QuestionImport, error) {
	var questions []model.QuestionImport
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &questions); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(data, &questions); err != nil {
			return nil, err
		}
	}
	return questions, nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
