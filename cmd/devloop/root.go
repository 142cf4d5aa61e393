package main

import (
	"io"
	"io/fs"
	"strings"

	"github.com/spf13/cobra"

	"devloop"
	"devloop/internal/config"
)

type commandContext struct {
	stdout  io.Writer
	stderr  io.Writer
	environ func() []string

	settingsPath string
	logLevel     string
	logFormat    string
	outputMode   string
}

func newCommandContext(stdout, stderr io.Writer, environ func() []string) *commandContext {
	return &commandContext{
		stdout:  stdout,
		stderr:  stderr,
		environ: environ,
	}
}

func newRootCommand(ctx *commandContext) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "devloop",
		Short:         "Watch files, run task graphs and live-reload browsers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&ctx.settingsPath, "settings", config.SettingsFile, "Settings file (TOML)")
	flags.StringVar(&ctx.logLevel, "log-level", "", "Log level: debug, info, warning, error")
	flags.StringVar(&ctx.logFormat, "log-format", "", "Log format: text or json")
	flags.StringVarP(&ctx.outputMode, "output", "o", "", "Output mode: auto, json or pretty")
	flags.String("shell", "", "Shell used to run commands")
	flags.Int("grace", 0, "Milliseconds a process gets to exit after SIGTERM")
	flags.Bool("strip-ansi", false, "Remove terminal escape sequences from captured output")

	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newWatchCommand(ctx))
	rootCmd.AddCommand(newInitCommand(ctx))
	rootCmd.AddCommand(newVersionCommand(ctx))
	return rootCmd
}

// flagKeys maps command-line flags onto settings keys.
var flagKeys = []struct {
	flag string
	key  string
}{
	{flag: "log-level", key: "log.level"},
	{flag: "log-format", key: "log.format"},
	{flag: "output", key: "output.mode"},
	{flag: "shell", key: "process.shell"},
	{flag: "grace", key: "process.grace-ms"},
	{flag: "strip-ansi", key: "process.strip-ansi"},
	{flag: "debounce", key: "watch.debounce-ms"},
	{flag: "ignore", key: "watch.ignore"},
	{flag: "no-default-ignores", key: "watch.no-default-ignores"},
	{flag: "host", key: "server.host"},
	{flag: "port", key: "server.port"},
	{flag: "client-log-level", key: "server.client-log-level"},
}

func flagOverrides(cmd *cobra.Command) map[string]any {
	flags := cmd.Flags()
	overrides := make(map[string]any)
	for _, entry := range flagKeys {
		flag := flags.Lookup(entry.flag)
		if flag == nil || !flag.Changed {
			continue
		}
		if values, err := flags.GetStringSlice(entry.flag); err == nil {
			overrides[entry.key] = values
			continue
		}
		overrides[entry.key] = flag.Value.String()
	}
	if flag := flags.Lookup("no-server"); flag != nil && flag.Changed && flag.Value.String() == "true" {
		overrides["server.enabled"] = false
	}
	return overrides
}

// loadSettings layers defaults, the settings file, DEVLOOP_* variables, then layers,
// then flags.
func (ctx *commandContext) loadSettings(cmd *cobra.Command, layers ...map[string]any) (config.Settings, error) {
	defaults, err := fs.ReadFile(devloop.EmbeddedConfigFS, "config/devloop.toml")
	if err != nil {
		return config.Settings{}, err
	}
	var environ []string
	if ctx.environ != nil {
		environ = ctx.environ()
	}
	all := []map[string]any{config.EnvOverrides(environ)}
	all = append(all, layers...)
	all = append(all, flagOverrides(cmd))
	settings, err := config.LoadSettings(strings.TrimSpace(ctx.settingsPath), defaults, config.Merge(all...))
	if err != nil {
		return config.Settings{}, err
	}
	ctx.outputMode = settings.Output.Mode
	return settings, nil
}
