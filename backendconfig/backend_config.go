package backendconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"kassette.ai/sailthru-writer/misc"
	"kassette.ai/sailthru-writer/utils/logger"
)

const ConfigFileName = "config.json"

// Load reads config.json from the data folder, applies defaults and validates the parameters.
// Every returned error is a misc.UserError.
func Load(dataDir string) (*ComponentConfigT, error) {
	path := filepath.Join(dataDir, ConfigFileName)
	if _, err := os.Stat(path); err != nil {
		return nil, misc.WrapUserError(err, "configuration file not found")
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetDefault("action", ActionRun)
	if err := v.ReadInConfig(); err != nil {
		return nil, misc.WrapUserError(err, "failed to read configuration")
	}

	if err := checkDurations(v); err != nil {
		return nil, err
	}
	var params ConfigurationT
	if err := v.UnmarshalKey("parameters", &params); err != nil {
		return nil, misc.WrapUserError(err, "failed to parse configuration parameters")
	}
	params.ApplyDefaults()
	if err := params.Validate(); err != nil {
		return nil, err
	}

	action := v.GetString("action")
	if action == "" {
		action = ActionRun
	}
	logger.Debug(fmt.Sprintf("Configuration loaded from %s, action: %s", path, action))
	return &ComponentConfigT{Action: action, Parameters: params}, nil
}

var durationKeys = []string{
	"parameters.destination.poll_interval",
	"parameters.destination.poll_timeout",
}

// checkDurations rejects durations given as bare numbers, which would otherwise decode as nanoseconds.
func checkDurations(v *viper.Viper) error {
	for _, key := range durationKeys {
		if !v.IsSet(key) {
			continue
		}
		if _, ok := v.Get(key).(string); !ok {
			return misc.NewUserError("Invalid configuration: %s must be a duration string such as \"30s\", got %v",
				strings.TrimPrefix(key, "parameters."), v.Get(key))
		}
	}
	return nil
}

// ApplyDefaults fills every optional parameter that was left empty.
func (c *ConfigurationT) ApplyDefaults() {
	if c.ApiUrl == "" {
		c.ApiUrl = DefaultApiUrl
	}
	if c.InputEncoding == "" {
		c.InputEncoding = "utf-8"
	}
	if c.Destination.Mode == "" {
		c.Destination.Mode = LoadModeUsersBulk
	}
	if c.Destination.Endpoint == "" {
		c.Destination.Endpoint = EndpointUser
	}
	if c.Destination.Method == "" {
		c.Destination.Method = MethodPost
	}
	c.Destination.Method = ApiMethodT(strings.ToUpper(string(c.Destination.Method)))
	if c.Destination.PollInterval == 0 {
		c.Destination.PollInterval = DefaultPollInterval
	}
	if c.JsonMapping.NestingDelimiter == "" {
		c.JsonMapping.NestingDelimiter = DefaultNestingDelimiter
	}
}

// Validate enumerates the required parameters and allowed values.
func (c *ConfigurationT) Validate() error {
	var issues []string
	if strings.TrimSpace(c.ApiKey) == "" {
		issues = append(issues, "missing required parameter #api_key")
	}
	if strings.TrimSpace(c.Secret) == "" {
		issues = append(issues, "missing required parameter #secret")
	}
	if !LoadModes[c.Destination.Mode] {
		issues = append(issues, fmt.Sprintf("destination.mode %q is not one of endpoint, users_bulk", c.Destination.Mode))
	}
	if !Endpoints[c.Destination.Endpoint] {
		issues = append(issues, fmt.Sprintf("destination.endpoint %q is not one of user, content, event, return", c.Destination.Endpoint))
	}
	if !ApiMethods[c.Destination.Method] {
		issues = append(issues, fmt.Sprintf("destination.method %q is not one of POST, DELETE", c.Destination.Method))
	}
	if c.Destination.PollInterval < MinPollInterval {
		issues = append(issues, fmt.Sprintf("destination.poll_interval must be at least %s", MinPollInterval))
	}
	if c.Destination.PollTimeout < 0 {
		issues = append(issues, "destination.poll_timeout must not be negative")
	}
	for i, rule := range c.JsonMapping.ColumnDataTypes.DatatypeOverride {
		if rule.Column == "" {
			issues = append(issues, fmt.Sprintf("json_mapping.column_data_types.datatype_override[%d]: missing column", i))
		}
		if !DataTypes[rule.Type] {
			issues = append(issues, fmt.Sprintf("json_mapping.column_data_types.datatype_override[%d]: type %q is not one of bool, string, number, object", i, rule.Type))
		}
	}
	if len(issues) > 0 {
		return misc.NewUserError("Invalid configuration: %s", strings.Join(issues, "; "))
	}
	return nil
}
