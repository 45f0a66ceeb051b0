package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wojons/openchamber/internal/api"
	"github.com/wojons/openchamber/internal/config"
	"github.com/wojons/openchamber/internal/gitops"
	"github.com/wojons/openchamber/internal/logging"
	"github.com/wojons/openchamber/internal/state"
	"github.com/wojons/openchamber/internal/store"
	"github.com/wojons/openchamber/internal/tui"
)

const version = "0.1.0"

type runtime struct {
	cfg      config.Config
	log      *logging.Logger
	client   *api.HTTPClient
	git      *gitops.Git
	persist  state.Store
	bus      *store.Bus
	dirs     *store.DirectoryStore
	msgs     *store.MessageStore
	files    *store.FileStore
	ctxs     *store.ContextStore
	perms    *store.PermissionStore
	composed *store.Composed
	multirun *store.MultiRunStore
}

func newRuntime(configPath string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log := logging.Discard()
	if path := os.Getenv("OPENCHAMBER_LOG"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			log = logging.New(f)
		}
	}

	stateDir := cfg.StateDir
	if strings.TrimSpace(stateDir) == "" {
		stateDir = config.DefaultStateDir()
	}
	var persist state.Store
	if cfg.StateBackend == "file" {
		persist, err = state.NewFileStore(stateDir)
	} else {
		persist, err = state.NewSQLiteStore(stateDir)
	}
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	client := api.NewHTTPClient(cfg.ServiceURL)
	git := gitops.New()
	bus := store.NewBus()
	dirs := store.NewDirectoryStore(client, git, persist, bus, log)
	msgs := store.NewMessageStore(client, bus, log)
	msgs.SetLimits(cfg.MaxResidentSessions, cfg.ViewportWindow)
	files := store.NewFileStore(bus)
	ctxs := store.NewContextStore(bus)
	perms := store.NewPermissionStore(client, bus, dirs.DirectoryFor)
	composed := store.NewComposed(client, dirs, msgs, files, ctxs, perms, bus, log, cfg.DefaultAgent)
	multirun := store.NewMultiRunStore(client, git, dirs, log)

	return &runtime{
		cfg:      cfg,
		log:      log,
		client:   client,
		git:      git,
		persist:  persist,
		bus:      bus,
		dirs:     dirs,
		msgs:     msgs,
		files:    files,
		ctxs:     ctxs,
		perms:    perms,
		composed: composed,
		multirun: multirun,
	}, nil
}

func (rt *runtime) close() {
	_ = rt.persist.Close()
}

func resolveDirectory(flagDir string) (string, error) {
	if strings.TrimSpace(flagDir) != "" {
		return store.NormalizeDirectory(flagDir), nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return store.NormalizeDirectory(wd), nil
}

func main() {
	var (
		configPath string
		directory  string
	)

	root := &cobra.Command{
		Use:     "openchamber",
		Short:   "Terminal chat client for a local agent service",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(configPath, directory)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	root.PersistentFlags().StringVarP(&directory, "directory", "C", "", "project directory (defaults to cwd)")

	chat := &cobra.Command{
		Use:   "chat",
		Short: "Open the chat surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(configPath, directory)
		},
	}

	sessions := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions for the project directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessions(cmd, configPath, directory)
		},
	}

	var (
		mrGroup  string
		mrAgent  string
		mrBase   string
		mrModels []string
	)
	multirun := &cobra.Command{
		Use:   "multirun [prompt]",
		Short: "Fan one prompt out across several models, each in its own worktree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMultiRun(cmd, configPath, directory, args[0], mrGroup, mrAgent, mrBase, mrModels)
		},
	}
	multirun.Flags().StringVar(&mrGroup, "group", "multirun", "group name used for branch prefixes")
	multirun.Flags().StringVar(&mrAgent, "agent", "", "agent to run with")
	multirun.Flags().StringVar(&mrBase, "base", "", "start point for run branches (default HEAD)")
	multirun.Flags().StringSliceVar(&mrModels, "model", nil, "provider/model pair, repeatable (e.g. anthropic/claude-sonnet-4)")

	root.AddCommand(chat, sessions, multirun)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runChat(configPath, directory string) error {
	rt, err := newRuntime(configPath)
	if err != nil {
		return err
	}
	defer rt.close()

	dir, err := resolveDirectory(directory)
	if err != nil {
		return err
	}
	rt.composed.SetWorkingDirectory(dir)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Background plumbing: the event socket feeds the stores, and the
	// worktree watcher re-triggers session discovery.
	stream := api.NewEventStream(rt.cfg.ServiceURL)
	go func() { _ = stream.Run(ctx) }()
	go rt.composed.Run(ctx, stream.Events())

	watcher := store.NewWorktreeWatcher(rt.log, func(d string) {
		reloadCtx, reloadCancel := context.WithTimeout(ctx, 30*time.Second)
		defer reloadCancel()
		_ = rt.dirs.LoadSessions(reloadCtx, d)
	})
	go func() { _ = watcher.Watch(ctx, dir) }()

	return tui.Run(tui.Deps{
		Composed:  rt.composed,
		Dirs:      rt.dirs,
		Msgs:      rt.msgs,
		Files:     rt.files,
		Ctxs:      rt.ctxs,
		Perms:     rt.perms,
		Bus:       rt.bus,
		Directory: dir,
	})
}

func runSessions(cmd *cobra.Command, configPath, directory string) error {
	rt, err := newRuntime(configPath)
	if err != nil {
		return err
	}
	defer rt.close()

	dir, err := resolveDirectory(directory)
	if err != nil {
		return err
	}
	if err := rt.dirs.LoadSessions(cmd.Context(), dir); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tDIRECTORY")
	for _, sess := range rt.dirs.Sessions() {
		title := sess.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", sess.ID, title, sess.Directory)
	}
	return w.Flush()
}

func runMultiRun(cmd *cobra.Command, configPath, directory, prompt, group, agent, base string, models []string) error {
	if len(models) == 0 {
		return fmt.Errorf("at least one --model is required")
	}
	var selections []store.ModelSelection
	for _, m := range models {
		provider, model, ok := strings.Cut(m, "/")
		if !ok {
			return fmt.Errorf("model %q must be provider/model", m)
		}
		selections = append(selections, store.ModelSelection{ProviderID: provider, ModelID: model})
	}

	rt, err := newRuntime(configPath)
	if err != nil {
		return err
	}
	defer rt.close()

	dir, err := resolveDirectory(directory)
	if err != nil {
		return err
	}

	runs, err := rt.multirun.Launch(cmd.Context(), store.RunSpec{
		GroupName:  group,
		ProjectDir: dir,
		BaseRef:    base,
		Prompt:     prompt,
		Agent:      agent,
		Models:     selections,
	})
	if err != nil {
		return err
	}
	for _, run := range runs {
		fmt.Printf("%s\t%s\t%s\n", run.SessionID, run.Branch, run.Path)
	}
	return nil
}
