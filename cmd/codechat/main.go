package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"codechat/internal/domain"
	"codechat/internal/infra/config"
	"codechat/internal/infra/logger"
	"codechat/internal/infra/tracer"
)

func main() {
	args := os.Args[1:]
	if len(args) >= 1 {
		switch args[0] {
		case "--help", "-h", "help":
			showUsage(os.Stdout)
			return
		}
	}

	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		if err := runChat(args); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch args[0] {
	case "ask":
		if err := runAsk(args[1:]); err != nil {
			fmt.Fprintf(os.Stderr, "ask: %v\n", err)
			os.Exit(1)
		}
	case "doctor":
		if err := runDoctor(args[1:]); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'codechat --help' for usage information.\n", args[0])
		os.Exit(1)
	}
}

func showUsage(w io.Writer) {
	fmt.Fprintln(w, `codechat - streaming chat client for LLM backends

USAGE:
    codechat [COMMAND] [FLAGS]

COMMANDS:
    ask PROMPT  Send one prompt and print the answer
    doctor      Check config and provider health

    (no command) - Interactive chat

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ~/.codechat/config.yaml)
    --provider NAME    LLM provider (openai, anthropic, gemini, openrouter, ollama, bedrock)
    --model NAME       Model name (e.g. gpt-4o, claude-sonnet-4-5)
    --key KEY          API key for the provider

CHAT COMMANDS:
    /reset      Clear the conversation
    /refresh    Rebuild provider clients
    /quit       Exit
    Ctrl-C      Cancel the answer in progress (exits when idle)

CONFIGURATION:
    Environment: CODECHAT_* variables override config`)
}

// cliFlags holds optional CLI flags that bypass the config file.
type cliFlags struct {
	Config   string
	Provider string
	Model    string
	APIKey   string
	Args     []string // positional arguments
}

// parseFlags extracts --config, --provider, --model and --key from args.
func parseFlags(args []string) cliFlags {
	var flags cliFlags
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--config" && i+1 < len(args):
			flags.Config = args[i+1]
			i++
		case strings.HasPrefix(arg, "--config="):
			flags.Config = strings.TrimPrefix(arg, "--config=")
		case arg == "--provider" && i+1 < len(args):
			flags.Provider = args[i+1]
			i++
		case strings.HasPrefix(arg, "--provider="):
			flags.Provider = strings.TrimPrefix(arg, "--provider=")
		case arg == "--model" && i+1 < len(args):
			flags.Model = args[i+1]
			i++
		case strings.HasPrefix(arg, "--model="):
			flags.Model = strings.TrimPrefix(arg, "--model=")
		case arg == "--key" && i+1 < len(args):
			flags.APIKey = args[i+1]
			i++
		case strings.HasPrefix(arg, "--key="):
			flags.APIKey = strings.TrimPrefix(arg, "--key=")
		default:
			flags.Args = append(flags.Args, arg)
		}
	}
	return flags
}

// configPath resolves the config file from flags, CODECHAT_CONFIG, or the default.
func configPath(flags cliFlags) string {
	if flags.Config != "" {
		return flags.Config
	}
	if p := os.Getenv("CODECHAT_CONFIG"); p != "" {
		return p
	}
	return config.DefaultPath()
}

// buildQuickConfig creates a minimal config from CLI flags, bypassing the
// config file. Ollama needs no key.
func buildQuickConfig(flags cliFlags) (*config.Config, error) {
	if flags.Provider == "" || flags.Model == "" {
		return nil, fmt.Errorf("--provider and --model must both be specified")
	}
	if flags.APIKey == "" && flags.Provider != "ollama" && flags.Provider != "bedrock" {
		return nil, fmt.Errorf("--key is required for provider %q", flags.Provider)
	}

	cfg := config.Defaults()
	cfg.LLM.DefaultProvider = flags.Provider
	cfg.LLM.Providers = []config.ProviderConfig{
		{
			Name:   flags.Provider,
			Type:   flags.Provider,
			Model:  flags.Model,
			APIKey: flags.APIKey,
		},
	}

	config.ApplyEnvOverrides(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadConfig returns the quick config when --provider is given, otherwise
// the config file.
func loadConfig(flags cliFlags) (*config.Config, error) {
	if flags.Provider != "" {
		return buildQuickConfig(flags)
	}
	path := configPath(flags)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfigLoad, err)
	}
	if len(cfg.LLM.Providers) == 0 {
		return nil, fmt.Errorf("%w: no providers configured in %s (see 'codechat --help')", domain.ErrConfigLoad, path)
	}
	if flags.Model != "" {
		for i := range cfg.LLM.Providers {
			if cfg.LLM.Providers[i].Name == cfg.LLM.DefaultProvider {
				cfg.LLM.Providers[i].Model = flags.Model
			}
		}
	}
	return cfg, nil
}

// bootstrap loads config, then sets up logging, tracing and the app.
// The returned cleanup must be called on exit.
func bootstrap(ctx context.Context, args []string) (*app, cliFlags, func(), error) {
	flags := parseFlags(args)
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, flags, nil, fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, flags, nil, fmt.Errorf("logger: %w", err)
	}

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		logCloser()
		return nil, flags, nil, fmt.Errorf("tracer: %w", err)
	}

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		_ = tracerShutdown(ctx)
		logCloser()
		return nil, flags, nil, err
	}

	cleanup := func() {
		a.Close()
		if err := tracerShutdown(context.Background()); err != nil {
			log.Warn("tracer shutdown", "error", err)
		}
		logCloser()
	}
	return a, flags, cleanup, nil
}

func runChat(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	a, _, cleanup, err := bootstrap(ctx, args)
	if err != nil {
		return err
	}
	defer cleanup()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	a.log.Info("codechat starting",
		"provider", a.selection.Provider,
		"model", a.selection.Model,
		"providers", a.registry.List(),
	)

	r := &repl{
		chat:       a.chat,
		registry:   a.registry,
		sessionKey: cliSessionKey,
		in:         os.Stdin,
		out:        os.Stdout,
		interrupts: interrupts,
		log:        a.log,
	}
	return r.run(ctx)
}

func runAsk(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, flags, cleanup, err := bootstrap(ctx, args)
	if err != nil {
		return err
	}
	defer cleanup()

	prompt := strings.Join(flags.Args, " ")
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("usage: codechat ask [FLAGS] PROMPT")
	}

	res, err := ask(ctx, a.chat, cliSessionKey, prompt)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	if msg, ok := res.Primary(); ok {
		fmt.Println(msg.Content)
	}
	return nil
}
