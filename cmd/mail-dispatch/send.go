package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shineum/mail-dispatch/internal/config"
	"github.com/shineum/mail-dispatch/internal/dispatch"
	"github.com/shineum/mail-dispatch/internal/event"
	"github.com/shineum/mail-dispatch/internal/metrics"
	"github.com/shineum/mail-dispatch/internal/provider"
	"github.com/shineum/mail-dispatch/internal/provider/ses"
	"github.com/shineum/mail-dispatch/internal/provider/smtp"
	"github.com/shineum/mail-dispatch/internal/provider/stdout"
	"github.com/shineum/mail-dispatch/internal/render"
	"github.com/shineum/mail-dispatch/internal/session"
	smtptls "github.com/shineum/mail-dispatch/internal/tls"
)

type sendOptions struct {
	configPath string
	eventsPath string
	dryRun     bool

	// out receives dry-run output.
	out io.Writer
	// logOut receives JSON logs. Dry runs log to stderr so the preview
	// on stdout stays clean.
	logOut io.Writer
}

var sendOpts sendOptions

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Render and send one batch of events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		opts := sendOpts
		opts.out = cmd.OutOrStdout()
		opts.logOut = os.Stdout
		if opts.dryRun {
			opts.logOut = cmd.ErrOrStderr()
		}
		_, err := runSend(ctx, opts)
		return err
	},
}

func init() {
	sendCmd.Flags().StringVarP(&sendOpts.configPath, "config", "c", "", "path to YAML configuration file (optional)")
	sendCmd.Flags().StringVarP(&sendOpts.eventsPath, "events", "e", "", "path to a JSON or YAML file with the events to send")
	sendCmd.Flags().BoolVar(&sendOpts.dryRun, "dry-run", false, "print messages to stdout instead of sending them")
	_ = sendCmd.MarkFlagRequired("events")
}

// runSend processes one batch. The returned error is non-nil when the
// configuration is invalid, the events cannot be loaded or the batch was
// aborted; individual send failures are only reflected in the Result.
func runSend(ctx context.Context, opts sendOptions) (dispatch.Result, error) {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return dispatch.Result{}, err
	}
	logOut := opts.logOut
	if logOut == nil {
		logOut = os.Stdout
		if opts.dryRun {
			logOut = os.Stderr
		}
	}
	setupLogger(cfg.Logging.Level, logOut)

	if opts.dryRun {
		cfg.Provider = config.ProviderStdout
	}
	if cfg.Provider == config.ProviderSMTP {
		if err := cfg.ResolvePassword(); err != nil {
			slog.Error("failed to resolve SMTP password", "error", err)
			return dispatch.Result{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		return dispatch.Result{}, err
	}

	events, err := event.LoadFile(opts.eventsPath)
	if err != nil {
		slog.Error("failed to load events", "path", opts.eventsPath, "error", err)
		return dispatch.Result{}, err
	}

	prov, err := selectProvider(ctx, cfg, opts.out)
	if err != nil {
		slog.Error("failed to set up provider", "provider", cfg.Provider, "error", err)
		return dispatch.Result{}, err
	}

	slog.Info("starting mail-dispatch",
		"provider", prov.Name(),
		"events", len(events),
		"recipients", len(cfg.To),
		"max_send_retries", cfg.MaxSendRetries,
	)

	mgr := session.New(session.Config{
		Provider:       prov,
		MaxSendRetries: cfg.MaxSendRetries,
	})
	d := dispatch.New(dispatch.Config{
		Sender:     mgr,
		Renderer:   render.New(),
		Template:   cfg.Message,
		Recipients: cfg.To,
	})

	result, batchErr := d.ProcessBatch(ctx, events)

	if cfg.Metrics.Textfile != "" {
		if err := metrics.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			slog.Warn("failed to export metrics", "path", cfg.Metrics.Textfile, "error", err)
		}
	}

	if batchErr != nil {
		return result, fmt.Errorf("batch aborted: %w", batchErr)
	}
	if result.Failed > 0 || result.Skipped > 0 {
		slog.Warn("batch finished with failures", "result", result)
	}
	return result, nil
}

// selectProvider builds the delivery backend named in the configuration.
func selectProvider(ctx context.Context, cfg *config.Config, out io.Writer) (provider.Provider, error) {
	switch cfg.Provider {
	case config.ProviderSMTP:
		tlsConfig, err := smtptls.ClientConfig(smtptls.ClientOptions{
			ServerName:         cfg.Server.Host,
			CAFile:             cfg.Server.TLS.CAFile,
			InsecureSkipVerify: cfg.Server.TLS.InsecureSkipVerify,
		})
		if err != nil {
			return nil, err
		}
		if cfg.Server.TLS.InsecureSkipVerify {
			slog.Warn("TLS certificate verification is disabled")
		}
		slog.Info("using SMTP provider",
			"host", cfg.Server.Host,
			"port", cfg.Server.Port,
			"account", cfg.Server.Account,
		)
		return smtp.New(smtp.SMTPProviderConfig{
			Host:      cfg.Server.Host,
			Port:      cfg.Server.Port,
			Username:  cfg.Server.Account,
			Password:  cfg.Server.Password.Value(),
			Timeout:   cfg.Server.Timeout,
			TLSConfig: tlsConfig,
		}), nil

	case config.ProviderSES:
		slog.Info("using AWS SES provider", "region", cfg.SES.Region)
		p, err := ses.New(ctx, ses.SESProviderConfig{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey.Value(),
		})
		if err != nil {
			return nil, err
		}
		return p, nil

	case config.ProviderStdout:
		slog.Info("using stdout provider")
		if out == nil {
			out = os.Stdout
		}
		return stdout.NewWithWriter(out), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
