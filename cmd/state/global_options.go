package state

import "path/filepath"

// EnvPrefix prefixes the environment variables k6bridge reads.
const EnvPrefix = "K6BRIDGE"

// GlobalOptions contains global config values that apply for all k6bridge
// sub-commands.
type GlobalOptions struct {
	ConfigFilePath string
	NoColor        bool
	LogFormat      string
	LogLevel       string
	Verbose        bool
}

// GetDefaultGlobalOptions returns the default global flags.
func GetDefaultGlobalOptions(confDir string) GlobalOptions {
	return GlobalOptions{
		ConfigFilePath: filepath.Join(confDir, "k6bridge", defaultConfigFileName),
		LogFormat:      "text",
		LogLevel:       "info",
	}
}

func consolidateGlobalFlags(defaultFlags GlobalOptions, env map[string]string) GlobalOptions {
	result := defaultFlags

	if val, ok := env[EnvPrefix+"_CONFIG"]; ok {
		result.ConfigFilePath = val
	}
	if val, ok := env[EnvPrefix+"_LOG_FORMAT"]; ok {
		result.LogFormat = val
	}
	if val, ok := env[EnvPrefix+"_LOG_LEVEL"]; ok {
		result.LogLevel = val
	}
	if env[EnvPrefix+"_NO_COLOR"] != "" {
		result.NoColor = true
	}
	// Support https://no-color.org/, even an empty value should disable the
	// color output.
	if _, ok := env["NO_COLOR"]; ok {
		result.NoColor = true
	}
	return result
}
