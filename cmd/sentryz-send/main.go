// Command sentryz-send reports a single message, error or transaction
// through sentryz. It is meant for checking a DSN and network path from a
// shell, and for exercising dry mode.
//
// Configuration precedence: flags, then SENTRY_* environment variables,
// then the --config YAML file.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/zoobzio/sentryz"
	"go.uber.org/zap"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "sentryz-send:", err)
		os.Exit(1)
	}
}

//nolint:govet // Field order mirrors flag order.
type flags struct {
	tags        map[string]string
	dsn         string
	configPath  string
	release     string
	environment string
	level       string
	message     string
	exception   string
	transaction string
	timeout     time.Duration
	debug       bool
	dryRun      bool
}

func parseFlags(args []string) (*flags, error) {
	f := &flags{}
	fs := pflag.NewFlagSet("sentryz-send", pflag.ContinueOnError)
	fs.StringVar(&f.dsn, "dsn", "", "DSN to report to (default $"+sentryz.EnvDSN+")")
	fs.StringVar(&f.configPath, "config", "", "YAML options file")
	fs.StringVar(&f.release, "release", "", "release identifier")
	fs.StringVar(&f.environment, "environment", "", "environment name")
	fs.StringVar(&f.level, "level", string(sentryz.LevelInfo), "message level: debug, info, warning, error, fatal")
	fs.StringVarP(&f.message, "message", "m", "", "message to report")
	fs.StringVarP(&f.exception, "exception", "e", "", "report an error with this text")
	fs.StringVarP(&f.transaction, "transaction", "t", "", "report a transaction with this operation")
	fs.StringToStringVar(&f.tags, "tag", nil, "event tags as key=value, repeatable")
	fs.DurationVar(&f.timeout, "timeout", 5*time.Second, "how long to wait for delivery")
	fs.BoolVar(&f.debug, "debug", false, "log delivery details")
	fs.BoolVar(&f.dryRun, "dry-run", false, "build and serialize, but do not send")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if f.message == "" && f.exception == "" && f.transaction == "" {
		return nil, errors.New("one of --message, --exception or --transaction is required")
	}
	return f, nil
}

func (f *flags) options() (sentryz.Options, error) {
	opts := sentryz.Options{
		DSN:         f.dsn,
		Release:     f.release,
		Environment: f.environment,
		Debug:       f.debug,
		DryMode:     f.dryRun,
	}
	if f.transaction != "" {
		rate := 1.0
		opts.TracesSampleRate = &rate
	}

	env, err := sentryz.OptionsFromEnv()
	if err != nil {
		return opts, err
	}
	opts = opts.Merge(env)

	if f.configPath != "" {
		file, err := sentryz.LoadOptionsFile(f.configPath)
		if err != nil {
			return opts, err
		}
		opts = opts.Merge(file)
	}
	return opts, nil
}

func run(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	opts, err := f.options()
	if err != nil {
		return err
	}

	hub, err := sentryz.New(opts)
	if err != nil {
		return err
	}
	if !hub.Enabled() {
		return errors.New("no usable DSN; pass --dsn or --dry-run")
	}
	logger := hub.Logger()

	tagOpt := sentryz.WithEventTags(f.tags)
	if f.message != "" {
		id := hub.CaptureMessage(f.message, sentryz.Level(f.level), tagOpt)
		logger.Info("captured message", zap.String("event_id", id))
	}
	if f.exception != "" {
		id := hub.CaptureException(errors.New(f.exception), tagOpt)
		logger.Info("captured exception", zap.String("event_id", id))
	}
	if f.transaction != "" {
		err := hub.WithTransaction(context.Background(), f.transaction, func(ctx context.Context) error {
			_, span := hub.StartTransaction(ctx, f.transaction+".child")
			return span.Finish()
		}, sentryz.WithTags(f.tags))
		if err != nil {
			return err
		}
	}

	if !hub.Close(f.timeout) {
		return fmt.Errorf("delivery did not finish within %s", f.timeout)
	}
	return nil
}
