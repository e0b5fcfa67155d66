package main

import (
	"context"
	"os"

	"github.com/m4xw311/arbor/config"
	"github.com/m4xw311/arbor/credentials"
	"github.com/m4xw311/arbor/errors"
	"github.com/m4xw311/arbor/llm"
	"github.com/m4xw311/arbor/logging"
	"github.com/m4xw311/arbor/orchestrator"
	"github.com/m4xw311/arbor/policy"
	"github.com/m4xw311/arbor/session"
	"github.com/m4xw311/arbor/supervisor"
	"github.com/m4xw311/arbor/tools"
	"go.uber.org/zap"
)

// passphraseEnv names the variable holding the credentials passphrase.
const passphraseEnv = "ARBOR_PASSPHRASE"

type globalFlags struct {
	configPath string
	permission string
	provider   string
	model      string
	logLevel   string
}

func (f *globalFlags) load() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if f.configPath != "" {
		cfg, err = config.LoadFile(f.configPath)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		return nil, err
	}
	if f.permission != "" {
		cfg.Agents.Permission = f.permission
	}
	if f.provider != "" {
		cfg.Model.Provider = f.provider
	}
	if f.model != "" {
		cfg.Model.Name = f.model
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func credentialStore(cfg *config.Config) credentials.Store {
	return credentials.Chain{
		credentials.NewFileStore(cfg.CredentialsPath, os.Getenv(passphraseEnv)),
		credentials.EnvStore{},
	}
}

// loadRegistry builds the server registry: the built-in catalog, then the
// configured servers, then the saved overrides.
func loadRegistry(cfg *config.Config) (*tools.Registry, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	reg := tools.NewRegistry(tools.Builtin(wd)...)
	if err := reg.Apply(cfg.Servers); err != nil {
		return nil, err
	}
	if cfg.RegistryPath != "" {
		if err := reg.Load(cfg.RegistryPath); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// app is the fully wired engine used by run, serve, http and resume.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	creds    credentials.Store
	registry *tools.Registry
	sup      *supervisor.Supervisor
	orch     *orchestrator.Orchestrator
}

func newApp(ctx context.Context, flags *globalFlags) (*app, error) {
	cfg, err := flags.load()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	reg, err := loadRegistry(cfg)
	if err != nil {
		return nil, err
	}
	pol, err := policy.New(cfg.Policy)
	if err != nil {
		return nil, err
	}
	model, err := llm.New(ctx, cfg.Model)
	if err != nil {
		return nil, err
	}
	opts, err := orchestrator.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	creds := credentialStore(cfg)
	sup := supervisor.New(log, reg, creds, nil, supervisor.OptionsFromConfig(cfg.Supervisor))
	if err := sup.StartAll(ctx); err != nil {
		// Agents still run; calls to the failed server report it unavailable.
		log.Warn("some tool servers failed to start", zap.Error(err))
	}

	orch := orchestrator.New(orchestrator.Deps{
		Log:        log,
		Model:      model,
		Registry:   reg,
		Policy:     pol,
		Dispatcher: sup,
		Servers:    sup,
		Sessions:   session.NewStore(cfg.SessionsDir),
	}, opts)

	// The janitor stops when the orchestrator is closed.
	go orch.RunJanitor(context.Background(), opts.TrimInterval)

	log.Info("arbor ready",
		zap.String("provider", cfg.Model.Provider),
		zap.String("permission", string(opts.Permission)),
		zap.Int("servers", len(reg.Enabled())))
	return &app{cfg: cfg, log: log, creds: creds, registry: reg, sup: sup, orch: orch}, nil
}

func (a *app) Close() {
	a.orch.Close()
	a.sup.StopAll()
	_ = a.log.Sync()
}
