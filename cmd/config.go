package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/mstoykov/envconfig"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"gopkg.in/guregu/null.v3"

	"github.com/liuxd6825/k6bridge/cmd/state"
	"github.com/liuxd6825/k6bridge/compiler/process/child"
	"github.com/liuxd6825/k6bridge/errext"
	"github.com/liuxd6825/k6bridge/errext/exitcodes"
	"github.com/liuxd6825/k6bridge/lib/types"
)

// Config is the configuration of a run.
type Config struct {
	Concurrency      null.Int           `json:"concurrency" envconfig:"K6BRIDGE_CONCURRENCY"`
	AssertionTimeout types.NullDuration `json:"assertionTimeout" envconfig:"K6BRIDGE_ASSERTION_TIMEOUT"`
	EngineFlags      []string           `json:"engineFlags" envconfig:"K6BRIDGE_ENGINE_FLAGS"`
	Watch            null.Bool          `json:"watch" envconfig:"K6BRIDGE_WATCH"`
	DryRunDelay      types.NullDuration `json:"dryRunDelay" envconfig:"K6BRIDGE_DRY_RUN_DELAY"`
}

// NewConfig returns the defaults.
func NewConfig() Config {
	return Config{
		Concurrency:      null.NewInt(1, false),
		AssertionTimeout: types.NewNullDuration(child.DefaultAssertionTimeout, false),
		Watch:            null.NewBool(false, false),
	}
}

// Apply applies the valid values of cfg to the receiver.
func (c Config) Apply(cfg Config) Config {
	if cfg.Concurrency.Valid {
		c.Concurrency = cfg.Concurrency
	}
	if cfg.AssertionTimeout.Valid {
		c.AssertionTimeout = cfg.AssertionTimeout
	}
	if len(cfg.EngineFlags) > 0 {
		c.EngineFlags = cfg.EngineFlags
	}
	if cfg.Watch.Valid {
		c.Watch = cfg.Watch
	}
	if cfg.DryRunDelay.Valid {
		c.DryRunDelay = cfg.DryRunDelay
	}
	return c
}

// Validate checks the consolidated values.
func (c Config) Validate() []error {
	var errs []error
	if c.Concurrency.Int64 < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency.Int64))
	}
	if c.AssertionTimeout.Duration < 0 {
		errs = append(errs, errors.New("the assertion timeout can't be negative"))
	}
	if c.DryRunDelay.Duration < 0 {
		errs = append(errs, errors.New("the dry run delay can't be negative"))
	}
	return errs
}

func configFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.SortFlags = false
	flags.Int64("concurrency", 1, "number of fixtures run at the same time")
	flags.Duration("assertion-timeout", child.DefaultAssertionTimeout, "how long assertions are retried")
	flags.StringArray("engine-flag", nil, "flag passed to the worker, like --inspect-brk=9230")
	flags.BoolP("watch", "w", false, "re-run the tests when a test file changes")
	flags.Duration("dry-run-delay", 0, "how long each command takes when executed")
	return flags
}

func getConfig(flags *pflag.FlagSet) (Config, error) {
	conf := Config{
		Concurrency: getNullInt64(flags, "concurrency"),
		Watch:       getNullBool(flags, "watch"),
	}
	var err error
	if conf.AssertionTimeout, err = getNullDuration(flags, "assertion-timeout"); err != nil {
		return conf, err
	}
	if conf.DryRunDelay, err = getNullDuration(flags, "dry-run-delay"); err != nil {
		return conf, err
	}
	if flags.Changed("engine-flag") {
		if conf.EngineFlags, err = flags.GetStringArray("engine-flag"); err != nil {
			return conf, err
		}
	}
	return conf, nil
}

// readDiskConfig reads the JSON config file. A missing file is not an error.
func readDiskConfig(gs *state.GlobalState) (Config, error) {
	data, err := afero.ReadFile(gs.FS, gs.Flags.ConfigFilePath)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("couldn't load the configuration from %q: %w", gs.Flags.ConfigFilePath, err)
	}
	var conf Config
	if err := json.Unmarshal(data, &conf); err != nil {
		return Config{}, fmt.Errorf("couldn't parse the configuration from %q: %w", gs.Flags.ConfigFilePath, err)
	}
	return conf, nil
}

func readEnvConfig(env map[string]string) (Config, error) {
	var conf Config
	err := envconfig.Process("", &conf, func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})
	return conf, err
}

// getConsolidatedConfig combines the defaults, the config file, the
// environment and the CLI flags, in that order of precedence.
func getConsolidatedConfig(gs *state.GlobalState, cliConf Config) (Config, error) {
	fileConf, err := readDiskConfig(gs)
	if err != nil {
		return Config{}, errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}
	envConf, err := readEnvConfig(gs.Env)
	if err != nil {
		return Config{}, errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}

	conf := NewConfig().Apply(fileConf).Apply(envConf).Apply(cliConf)
	if errs := conf.Validate(); len(errs) > 0 {
		return conf, errext.WithExitCodeIfNone(
			fmt.Errorf("config validation failed: %w", errext.Join(errs...)),
			exitcodes.InvalidConfig,
		)
	}
	return conf, nil
}

func getNullBool(flags *pflag.FlagSet, key string) null.Bool {
	v, err := flags.GetBool(key)
	if err != nil {
		panic(err)
	}
	return null.NewBool(v, flags.Changed(key))
}

func getNullInt64(flags *pflag.FlagSet, key string) null.Int {
	v, err := flags.GetInt64(key)
	if err != nil {
		panic(err)
	}
	return null.NewInt(v, flags.Changed(key))
}

func getNullDuration(flags *pflag.FlagSet, key string) (types.NullDuration, error) {
	v, err := flags.GetDuration(key)
	if err != nil {
		return types.NullDuration{}, err
	}
	return types.NewNullDuration(v, flags.Changed(key)), nil
}

// workerEnv passes the settings the worker needs through its environment.
func workerEnv(gs *state.GlobalState, conf Config) []string {
	return []string{
		fmt.Sprintf("%s_LOG_LEVEL=%s", state.EnvPrefix, gs.Flags.LogLevel),
		fmt.Sprintf("%s_LOG_FORMAT=%s", state.EnvPrefix, gs.Flags.LogFormat),
		fmt.Sprintf("%s_ASSERTION_TIMEOUT=%s", state.EnvPrefix, conf.AssertionTimeout.TimeDuration()),
	}
}
