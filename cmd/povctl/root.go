package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pov-board/client"
	"pov-board/config"
	"pov-board/domain"
	"pov-board/notify"
	"pov-board/reorder"
)

// boardClient is the part of the board API povctl uses.
type boardClient interface {
	reorder.Persister
	CreateStage(ctx context.Context, phaseID, name, description string, status domain.StageStatus) (domain.Stage, error)
	CreateTask(ctx context.Context, phaseID, stageID string, in client.TaskInput) (domain.Task, error)
}

type app struct {
	cfgPath string
	server  string
	token   string
	debug   bool

	cfg    *config.Config
	logger *log.Logger
	redis  *redis.Client

	newClient func(cfg *config.Config) boardClient
}

func newApp() *app {
	return &app{
		newClient: func(cfg *config.Config) boardClient {
			return client.New(cfg.Server, cfg.Token, cfg.Timeout())
		},
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:          "povctl",
		Short:        "Kanban boards for PoV phases",
		Long:         "povctl shows phase boards and moves stages and tasks through the board API.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if skipsConfig(cmd) {
				return nil
			}
			return a.setup(cmd.ErrOrStderr())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.redis != nil {
				a.redis.Close()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "config file (default ~/"+config.FileName+")")
	root.PersistentFlags().StringVar(&a.server, "server", "", "board API base URL")
	root.PersistentFlags().StringVar(&a.token, "token", "", "bearer token")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "log persistence details")

	root.AddCommand(newBoardCmd(a))
	root.AddCommand(newStageCmd(a))
	root.AddCommand(newTaskCmd(a))
	root.AddCommand(newConfigCmd(a))
	root.AddCommand(newTokenCmd(a))
	return root
}

// skipsConfig reports whether cmd works without a valid config file.
func skipsConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations["config"] == "skip" {
			return true
		}
	}
	return false
}

// setup loads the config file and applies flag overrides.
func (a *app) setup(stderr io.Writer) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	if a.server != "" {
		cfg.Server = a.server
	}
	if a.token != "" {
		cfg.Token = a.token
	}
	if a.debug {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	a.logger = log.New()
	a.logger.SetOutput(stderr)
	a.logger.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	if cfg.Debug {
		a.logger.SetLevel(log.DebugLevel)
	}
	return nil
}

func (a *app) loadConfig() (*config.Config, error) {
	path := a.cfgPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if a.cfgPath == "" && errors.Is(err, fs.ErrNotExist) {
		return config.DefaultConfig(), nil
	}
	return nil, err
}

// notifier prints failures to the terminal and, when configured, forwards
// them to the redis notification channel.
func (a *app) notifier() (reorder.Notifier, error) {
	terminal := notify.Log{Logger: a.logger}
	if a.cfg.Notify.RedisURL == "" {
		return terminal, nil
	}
	opts, err := redis.ParseURL(a.cfg.Notify.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("notify redis url: %w", err)
	}
	a.redis = redis.NewClient(opts)
	return notify.Multi{terminal, notify.NewRedis(a.redis, a.cfg.Notify.Channel, a.logger)}, nil
}

// engine returns a loaded engine for phaseID.
func (a *app) engine(ctx context.Context, phaseID string) (*reorder.Engine, error) {
	n, err := a.notifier()
	if err != nil {
		return nil, err
	}
	eng := reorder.NewEngine(phaseID, a.newClient(a.cfg),
		reorder.WithLogger(a.logger),
		reorder.WithNotifier(n),
		reorder.WithEscalation(func(err error) {
			a.logger.WithError(err).Error("board could not be refreshed, run povctl board to reload")
		}),
	)
	if err := eng.Load(ctx); err != nil {
		return nil, err
	}
	return eng, nil
}

// settle waits for the move to persist and reports a reverted or stale
// board as an error.
func settle(eng *reorder.Engine) error {
	eng.Wait()
	if err := eng.Err(); err != nil {
		return err
	}
	if eng.Reverts() > 0 {
		return errors.New("move was not saved, board reverted to server state")
	}
	return nil
}

var _ boardClient = (*client.Client)(nil)
