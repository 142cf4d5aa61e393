package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"devloop/internal/config/tomlkeys"
	"devloop/internal/livereload"
	"devloop/internal/logging"
)

// SettingsFile is the optional per-project settings file read from the working directory.
const SettingsFile = ".devloop.toml"

const envPrefix = "DEVLOOP_"

// Output modes for the CLI printer.
const (
	OutputAuto   = "auto"
	OutputJSON   = "json"
	OutputPretty = "pretty"
)

type Settings struct {
	Log     LogSettings
	Watch   WatchSettings
	Process ProcessSettings
	Server  ServerSettings
	Output  OutputSettings
	// Sources records where each key's value came from: default, file or override.
	Sources map[string]string
}

type LogSettings struct {
	Level  logging.Level
	Format logging.Format
}

type WatchSettings struct {
	Debounce         time.Duration
	Ignore           []string
	NoDefaultIgnores bool
	MaxWatches       int
}

type ProcessSettings struct {
	Grace     time.Duration
	Shell     string
	StripANSI bool
}

type ServerSettings struct {
	Enabled        bool
	Host           string
	Port           int
	ClientLogLevel livereload.LogLevel
	AllowedOrigins []string
}

type OutputSettings struct {
	Mode string
}

// Addr is the bridge listen address.
func (settings ServerSettings) Addr() string {
	return fmt.Sprintf("%s:%d", settings.Host, settings.Port)
}

// LoadSettings layers the defaults document, the settings file at path (when present),
// then overrides. Keys in overrides use the same dotted names as the TOML documents.
func LoadSettings(path string, defaultsPayload []byte, overrides map[string]any) (Settings, error) {
	defaultsStore, err := tomlkeys.Decode(defaultsPayload)
	if err != nil {
		return Settings{}, inputError(TomlError, "defaults", err)
	}
	values := defaultsStore.Flat()
	sources := make(map[string]string, len(values))
	for key := range values {
		sources[key] = "default"
	}

	if strings.TrimSpace(path) != "" {
		payload, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Settings{}, inputError(Io, path, err)
		default:
			store, err := tomlkeys.Decode(payload)
			if err != nil {
				return Settings{}, inputError(TomlError, path, err)
			}
			for key, value := range store.Flat() {
				values[key] = value
				sources[key] = "file"
			}
		}
	}

	for key, value := range overrides {
		normalized := tomlkeys.NormalizeKey(key)
		if normalized == "" {
			continue
		}
		values[normalized] = value
		sources[normalized] = "override"
	}

	settings, err := buildSettings(values)
	if err != nil {
		return Settings{}, err
	}
	settings.Sources = sources
	return settings, nil
}

// EnvOverrides maps DEVLOOP_* variables onto settings keys, for example
// DEVLOOP_WATCH_DEBOUNCE_MS becomes watch.debounce-ms.
func EnvOverrides(environ []string) map[string]any {
	overrides := make(map[string]any)
	for _, entry := range environ {
		name, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(name, envPrefix) {
			continue
		}
		section, rest, ok := strings.Cut(strings.TrimPrefix(name, envPrefix), "_")
		if !ok || rest == "" {
			continue
		}
		key := tomlkeys.NormalizeKey(section + "." + rest)
		if _, known := knownKeys[key]; known {
			overrides[key] = value
		}
	}
	return overrides
}

// Merge combines override maps; later maps win.
func Merge(layers ...map[string]any) map[string]any {
	merged := make(map[string]any)
	for _, layer := range layers {
		for key, value := range layer {
			merged[tomlkeys.NormalizeKey(key)] = value
		}
	}
	return merged
}

var knownKeys = map[string]struct{}{
	"log.level":                {},
	"log.format":               {},
	"watch.debounce-ms":        {},
	"watch.ignore":             {},
	"watch.no-default-ignores": {},
	"watch.max-watches":        {},
	"process.grace-ms":         {},
	"process.shell":            {},
	"process.strip-ansi":       {},
	"server.enabled":           {},
	"server.host":              {},
	"server.port":              {},
	"server.client-log-level":  {},
	"server.allowed-origins":   {},
	"output.mode":              {},
}

// KnownKeys lists every settings key in sorted order.
func KnownKeys() []string {
	keys := make([]string, 0, len(knownKeys))
	for key := range knownKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func buildSettings(values map[string]any) (Settings, error) {
	settings := Settings{}

	levelText := stringSetting(values, "log.level", "info")
	level, ok := logging.ParseLevel(levelText)
	if !ok {
		return Settings{}, inputErrorf(InvalidInput, "log.level", "unknown log level %q", levelText)
	}
	settings.Log.Level = level
	switch format := strings.ToLower(stringSetting(values, "log.format", "text")); format {
	case string(logging.FormatText), string(logging.FormatJSON):
		settings.Log.Format = logging.Format(format)
	default:
		return Settings{}, inputErrorf(InvalidInput, "log.format", "unknown log format %q", format)
	}

	debounce, ok := durationSetting(values, "watch.debounce-ms")
	if !ok {
		return Settings{}, inputErrorf(InvalidInput, "watch.debounce-ms", "expected a non-negative millisecond count")
	}
	settings.Watch.Debounce = debounce
	settings.Watch.Ignore = stringsSetting(values, "watch.ignore")
	settings.Watch.NoDefaultIgnores = boolSetting(values, "watch.no-default-ignores", false)
	settings.Watch.MaxWatches = int(intSetting(values, "watch.max-watches", 0))

	grace, ok := durationSetting(values, "process.grace-ms")
	if !ok {
		return Settings{}, inputErrorf(InvalidInput, "process.grace-ms", "expected a non-negative millisecond count")
	}
	settings.Process.Grace = grace
	settings.Process.Shell = stringSetting(values, "process.shell", "sh")
	settings.Process.StripANSI = boolSetting(values, "process.strip-ansi", false)

	settings.Server.Enabled = boolSetting(values, "server.enabled", true)
	settings.Server.Host = stringSetting(values, "server.host", "127.0.0.1")
	port, ok := tomlkeys.Int(values["server.port"])
	if _, present := values["server.port"]; present && (!ok || port < 0 || port > 65535) {
		return Settings{}, inputErrorf(PortError, "server.port", "invalid port %v", values["server.port"])
	}
	settings.Server.Port = int(port)
	clientLevelText := stringSetting(values, "server.client-log-level", "info")
	clientLevel, ok := livereload.ParseLogLevel(clientLevelText)
	if !ok {
		return Settings{}, inputErrorf(InvalidInput, "server.client-log-level", "unknown client log level %q", clientLevelText)
	}
	settings.Server.ClientLogLevel = clientLevel
	settings.Server.AllowedOrigins = stringsSetting(values, "server.allowed-origins")

	switch mode := strings.ToLower(stringSetting(values, "output.mode", OutputAuto)); mode {
	case OutputAuto, OutputJSON, OutputPretty:
		settings.Output.Mode = mode
	default:
		return Settings{}, inputErrorf(InvalidInput, "output.mode", "unknown output mode %q", mode)
	}
	return settings, nil
}

func intSetting(values map[string]any, key string, fallback int64) int64 {
	if parsed, ok := tomlkeys.Int(values[key]); ok {
		return parsed
	}
	return fallback
}

func stringSetting(values map[string]any, key string, fallback string) string {
	if parsed, ok := values[key].(string); ok && strings.TrimSpace(parsed) != "" {
		return strings.TrimSpace(parsed)
	}
	return fallback
}

func boolSetting(values map[string]any, key string, fallback bool) bool {
	if parsed, ok := tomlkeys.Bool(values[key]); ok {
		return parsed
	}
	return fallback
}

func stringsSetting(values map[string]any, key string) []string {
	parsed, _ := tomlkeys.Strings(values[key])
	return parsed
}

// durationSetting reports false only for a present but unusable value; absent keys are zero.
func durationSetting(values map[string]any, key string) (time.Duration, bool) {
	value, present := values[key]
	if !present {
		return 0, true
	}
	return tomlkeys.Millis(value)
}
