package sentryz

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Environment variables read by OptionsFromEnv.
const (
	EnvDSN              = "SENTRY_DSN"
	EnvRelease          = "SENTRY_RELEASE"
	EnvEnvironment      = "SENTRY_ENVIRONMENT"
	EnvDebug            = "SENTRY_DEBUG"
	EnvDryMode          = "SENTRY_DRY_MODE"
	EnvTracesSampleRate = "SENTRY_TRACES_SAMPLE_RATE"
)

// OptionsFromEnv reads SENTRY_* variables. Unset variables leave their
// field zero; malformed values are reported and skipped.
func OptionsFromEnv() (Options, error) {
	opts := Options{
		DSN:         os.Getenv(EnvDSN),
		Release:     os.Getenv(EnvRelease),
		Environment: os.Getenv(EnvEnvironment),
	}

	var errs []error
	if v := os.Getenv(EnvDebug); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvDebug, err))
		}
		opts.Debug = b
	}
	if v := os.Getenv(EnvDryMode); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvDryMode, err))
		}
		opts.DryMode = b
	}
	if v := os.Getenv(EnvTracesSampleRate); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvTracesSampleRate, err))
		} else {
			opts.TracesSampleRate = &rate
		}
	}
	return opts, errors.Join(errs...)
}

// fileOptions is the YAML shape of LoadOptionsFile.
type fileOptions struct {
	TracesSampleRate *float64 `yaml:"traces_sample_rate"`
	MaxRetries       *int     `yaml:"max_retries"`
	DSN              string   `yaml:"dsn"`
	Release          string   `yaml:"release"`
	Environment      string   `yaml:"environment"`
	ServerName       string   `yaml:"server_name"`
	QueueSize        int      `yaml:"queue_size"`
	Debug            bool     `yaml:"debug"`
	DryMode          bool     `yaml:"dry_mode"`
}

// LoadOptionsFile reads options from a YAML file. Unknown keys are errors.
func LoadOptionsFile(path string) (Options, error) {
	f, err := os.Open(path)
	if err != nil {
		return Options{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var fo fileOptions
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&fo); err != nil {
		return Options{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	return Options{
		DSN:              fo.DSN,
		Release:          fo.Release,
		Environment:      fo.Environment,
		ServerName:       fo.ServerName,
		Debug:            fo.Debug,
		DryMode:          fo.DryMode,
		TracesSampleRate: fo.TracesSampleRate,
		QueueSize:        fo.QueueSize,
		MaxRetries:       fo.MaxRetries,
	}, nil
}

// Merge fills the zero fields of o from fallback. Fields set in o win.
// Boolean switches are on if either side turns them on. A fallback sample
// rate is ignored when o already carries a sampler.
func (o Options) Merge(fallback Options) Options {
	if o.DSN == "" {
		o.DSN = fallback.DSN
	}
	if o.Release == "" {
		o.Release = fallback.Release
	}
	if o.Environment == "" {
		o.Environment = fallback.Environment
	}
	if o.ServerName == "" {
		o.ServerName = fallback.ServerName
	}
	o.Debug = o.Debug || fallback.Debug
	o.DryMode = o.DryMode || fallback.DryMode
	if o.TracesSampleRate == nil && o.TracesSampler == nil {
		o.TracesSampleRate = fallback.TracesSampleRate
		o.TracesSampler = fallback.TracesSampler
	}
	if o.QueueSize == 0 {
		o.QueueSize = fallback.QueueSize
	}
	if o.MaxRetries == nil {
		o.MaxRetries = fallback.MaxRetries
	}
	return o
}
