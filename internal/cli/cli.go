package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ignatij/meetflow/internal/audio"
	internal_clients "github.com/ignatij/meetflow/internal/clients"
	"github.com/ignatij/meetflow/internal/config"
	internal_http "github.com/ignatij/meetflow/internal/http"
	"github.com/ignatij/meetflow/internal/log"
	internal_storage "github.com/ignatij/meetflow/internal/storage"
	"github.com/ignatij/meetflow/pkg/models"
	"github.com/ignatij/meetflow/pkg/retriever"
	"github.com/ignatij/meetflow/pkg/service"
	"github.com/ignatij/meetflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// Version is reported by the health endpoint.
var Version = "dev"

func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file (default: meetflow.yaml if present)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the analysis HTTP API",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.Server.Addr = addr
			}
			uploadDir, _ := cmd.Flags().GetString("upload-dir")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			o, store := buildOrchestrator(cfg)
			defer store.Close()

			srv := internal_http.NewServer(o, Version, uploadDir)
			if err := internal_http.StartServer(ctx, cfg.Server.Addr, srv, cfg.Server.ShutdownTimeout); err != nil {
				log.GetLogger().Errorf("Server failed: %v", err)
			}
			shutdown(o, cfg.Server.ShutdownTimeout)
		},
	}
	serveCmd.Flags().String("addr", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().String("upload-dir", "", "Directory for uploaded audio files")

	analyzeCmd := &cobra.Command{
		Use:   "analyze [file]",
		Short: "Analyze a meeting recording and print the result",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			opts, output, err := analysisFlags(cmd)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			// Progress owns stdout while the analysis runs.
			log.SetOutput(os.Stderr)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			o, store := buildOrchestrator(cfg)
			defer store.Close()
			defer shutdown(o, cfg.Server.ShutdownTimeout)

			res, err := analyze(ctx, o, service.SubmitRequest{AudioPath: args[0], Options: opts}, os.Stdout)
			if err != nil {
				log.GetLogger().Errorf("Analysis failed: %v", err)
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if err := render(os.Stdout, res, output); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		},
	}
	analyzeCmd.Flags().Int("speakers", 0, "Expected number of speakers (0 lets diarization decide)")
	analyzeCmd.Flags().String("language", "", "Spoken language, e.g. en (empty detects it)")
	analyzeCmd.Flags().Bool("no-emotion", false, "Skip per-segment emotion detection")
	analyzeCmd.Flags().Bool("no-context", false, "Skip retrieval of earlier meetings")
	analyzeCmd.Flags().StringP("output", "o", "json", "Output format: json or yaml")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			out, err := cfg.YAML()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprint(os.Stdout, string(out))
		},
	}

	rootCmd.AddCommand(serveCmd, analyzeCmd, configCmd)
}

func loadConfig(cmd *cobra.Command) *config.Config {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		log.GetLogger().Errorf("Error retrieving config flag: %v", err)
		os.Exit(1)
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := log.SetLevel(cfg.Log.Level); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := log.SetFormat(cfg.Log.Format); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func analysisFlags(cmd *cobra.Command) (models.AnalysisOptions, string, error) {
	var opts models.AnalysisOptions
	speakers, _ := cmd.Flags().GetInt("speakers")
	language, _ := cmd.Flags().GetString("language")
	noEmotion, _ := cmd.Flags().GetBool("no-emotion")
	noContext, _ := cmd.Flags().GetBool("no-context")
	output, _ := cmd.Flags().GetString("output")

	output = strings.ToLower(output)
	if output != "json" && output != "yaml" {
		return opts, "", errors.Errorf("unknown output format %q", output)
	}
	opts.NumSpeakers = speakers
	opts.Language = language
	opts.EnableEmotion = !noEmotion
	opts.EnableContext = !noContext
	return opts, output, nil
}

// buildOrchestrator wires the configured backends into an orchestrator.
func buildOrchestrator(cfg *config.Config) (*service.Orchestrator, storage.Store) {
	deps, store, err := dependencies(cfg)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	o, err := service.NewOrchestrator(context.Background(), cfg.ServiceConfig(), deps)
	if err != nil {
		store.Close()
		log.GetLogger().Errorf("Failed to start orchestrator: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return o, store
}

func dependencies(cfg *config.Config) (service.Dependencies, storage.Store, error) {
	svcs := cfg.Services
	if svcs.Diarization.URL == "" || svcs.ASR.URL == "" {
		return service.Dependencies{}, nil, errors.New("services.diarization.url and services.asr.url are required")
	}
	if cfg.LLM.APIKey == "" && strings.Contains(cfg.LLM.BaseURL, "api.openai.com") {
		return service.Dependencies{}, nil, errors.New("llm.api_key is required for " + cfg.LLM.BaseURL)
	}

	store, err := internal_storage.InitStore(cfg.Database.URL)
	if err != nil {
		return service.Dependencies{}, nil, errors.Wrap(err, "failed to initialize store")
	}

	inference := internal_clients.NewInference(
		internal_clients.NewHTTP(longest(svcs.Preprocess.Timeout, svcs.Diarization.Timeout, svcs.ASR.Timeout, svcs.Emotion.Timeout)),
		svcs.Preprocess.URL, svcs.Diarization.URL, svcs.ASR.URL, svcs.Emotion.URL)
	var prober audio.Prober
	if svcs.Preprocess.URL != "" {
		prober = inference
	}

	llm := internal_clients.NewLLM(internal_clients.NewHTTP(cfg.LLM.Timeout), cfg.LLM.BaseURL, cfg.LLM.Model, cfg.LLM.APIKey)
	llm.Temperature = cfg.LLM.Temperature
	llm.MaxTokens = cfg.LLM.MaxTokens

	deps := service.Dependencies{
		Store:       store,
		Loader:      audio.NewLoader(cfg.Audio.MinDuration, cfg.Audio.MaxDuration, cfg.Audio.Formats, prober),
		Diarizer:    inference,
		Transcriber: inference,
		Emotion:     inference,
		Backend:     llm,
		Logger:      log.GetLogger(),
	}

	if cfg.Embeddings.BaseURL != "" {
		deps.Embedder = internal_clients.NewEmbeddings(
			internal_clients.NewHTTP(cfg.LLM.Timeout), cfg.Embeddings.BaseURL, cfg.Embeddings.Model, cfg.Embeddings.APIKey)
		if svcs.Memory.URL != "" {
			deps.Memory = internal_clients.NewMemoryService(internal_clients.NewHTTP(svcs.Memory.Timeout), svcs.Memory.URL)
		} else {
			log.GetLogger().Infof("No memory service configured, meeting history is kept in memory")
			deps.Memory = retriever.NewMemoryIndex()
		}
	}
	return deps, store, nil
}

func longest(ds ...time.Duration) time.Duration {
	var out time.Duration
	for _, d := range ds {
		if d > out {
			out = d
		}
	}
	return out
}

func shutdown(o *service.Orchestrator, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := o.Close(ctx); err != nil {
		log.GetLogger().Errorf("Orchestrator did not stop cleanly: %v", err)
	}
}

// analyze submits req and polls until the task ends, drawing a progress
// line on out when it is a terminal. Interrupting ctx cancels the task.
func analyze(ctx context.Context, o *service.Orchestrator, req service.SubmitRequest, out *os.File) (*models.MergedResult, error) {
	id, err := o.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	bar := newProgressBar(out)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		task, err := o.GetStatus(id)
		if err != nil {
			return nil, err
		}
		bar.draw(task)
		if task.Status.IsTerminal() {
			bar.done()
			return o.GetResult(id)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			_ = o.Cancel(id)
			ctx = context.Background()
		}
	}
}

type progressBar struct {
	w     io.Writer
	tty   bool
	width int
	last  string
}

func newProgressBar(f *os.File) *progressBar {
	b := &progressBar{w: f, width: 80}
	fd := int(f.Fd())
	if term.IsTerminal(fd) {
		b.tty = true
		if w, _, err := term.GetSize(fd); err == nil && w > 0 {
			b.width = w
		}
	}
	return b
}

func (b *progressBar) draw(t models.Task) {
	if !b.tty {
		return
	}
	stage := t.Stage
	if stage == "" {
		stage = strings.ToLower(string(t.Status))
	}
	label := fmt.Sprintf(" %3d%% %s", t.Progress, stage)
	barWidth := b.width - len(label) - 3
	if barWidth < 10 {
		barWidth = 10
	}
	filled := barWidth * t.Progress / 100
	line := "[" + strings.Repeat("#", filled) + strings.Repeat(" ", barWidth-filled) + "]" + label
	if line == b.last {
		return
	}
	b.last = line
	fmt.Fprintf(b.w, "\r%-*s", b.width-1, line)
}

func (b *progressBar) done() {
	if b.tty {
		fmt.Fprintln(b.w)
	}
}

func render(w io.Writer, res *models.MergedResult, format string) error {
	if format == "yaml" {
		// Round-trip through JSON so YAML keys follow the JSON field names.
		raw, err := json.Marshal(res)
		if err != nil {
			return errors.Wrap(err, "failed to encode result")
		}
		var doc interface{}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return errors.Wrap(err, "failed to encode result")
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(doc)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
