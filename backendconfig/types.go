package backendconfig

import "time"

type LoadModeT string

const (
	LoadModeEndpoint  LoadModeT = "endpoint"
	LoadModeUsersBulk LoadModeT = "users_bulk"
)

type EndpointT string

const (
	EndpointUser    EndpointT = "user"
	EndpointContent EndpointT = "content"
	EndpointEvent   EndpointT = "event"
	EndpointReturn  EndpointT = "return"
)

type ApiMethodT string

const (
	MethodPost   ApiMethodT = "POST"
	MethodDelete ApiMethodT = "DELETE"
)

type DataTypeT string

const (
	DataTypeBool   DataTypeT = "bool"
	DataTypeString DataTypeT = "string"
	DataTypeNumber DataTypeT = "number"
	DataTypeObject DataTypeT = "object"
)

var (
	LoadModes = map[LoadModeT]bool{LoadModeEndpoint: true, LoadModeUsersBulk: true}
	Endpoints = map[EndpointT]bool{
		EndpointUser:    true,
		EndpointContent: true,
		EndpointEvent:   true,
		EndpointReturn:  true,
	}
	ApiMethods = map[ApiMethodT]bool{MethodPost: true, MethodDelete: true}
	DataTypes  = map[DataTypeT]bool{
		DataTypeBool:   true,
		DataTypeString: true,
		DataTypeNumber: true,
		DataTypeObject: true,
	}
)

const (
	ActionRun            = "run"
	ActionTestConnection = "testConnection"

	DefaultApiUrl           = "https://api.sailthru.com"
	DefaultNestingDelimiter = "__"
	DefaultPollInterval     = 30 * time.Second
	MinPollInterval         = time.Second
)

type ColumnTypeRuleT struct {
	Column string    `mapstructure:"column" json:"column"`
	Type   DataTypeT `mapstructure:"type" json:"type"`
}

type ColumnDataTypesT struct {
	Autodetect       bool              `mapstructure:"autodetect" json:"autodetect"`
	DatatypeOverride []ColumnTypeRuleT `mapstructure:"datatype_override" json:"datatype_override"`
}

// Overrides returns the column type rules keyed by column name. Later rules win.
func (c ColumnDataTypesT) Overrides() map[string]DataTypeT {
	out := make(map[string]DataTypeT, len(c.DatatypeOverride))
	for _, rule := range c.DatatypeOverride {
		out[rule.Column] = rule.Type
	}
	return out
}

type DestinationT struct {
	Mode     LoadModeT  `mapstructure:"mode" json:"mode"`
	Endpoint EndpointT  `mapstructure:"endpoint" json:"endpoint"`
	Method   ApiMethodT `mapstructure:"method" json:"method"`
	// PollInterval is the pause between bulk job status checks.
	PollInterval time.Duration `mapstructure:"poll_interval" json:"poll_interval"`
	// PollTimeout bounds the whole bulk polling phase. Zero means no bound.
	PollTimeout time.Duration `mapstructure:"poll_timeout" json:"poll_timeout"`
}

type JsonMappingT struct {
	NestingDelimiter string           `mapstructure:"nesting_delimiter" json:"nesting_delimiter"`
	ColumnDataTypes  ColumnDataTypesT `mapstructure:"column_data_types" json:"column_data_types"`
}

// ConfigurationT holds the component parameters.
type ConfigurationT struct {
	ApiKey        string       `mapstructure:"#api_key" json:"#api_key"`
	Secret        string       `mapstructure:"#secret" json:"#secret"`
	ApiUrl        string       `mapstructure:"api_url" json:"api_url"`
	Debug         bool         `mapstructure:"debug" json:"debug"`
	InputEncoding string       `mapstructure:"input_encoding" json:"input_encoding"`
	Destination   DestinationT `mapstructure:"destination" json:"destination"`
	JsonMapping   JsonMappingT `mapstructure:"json_mapping" json:"json_mapping"`
}

// ComponentConfigT is the content of config.json in the data folder.
type ComponentConfigT struct {
	Action     string
	Parameters ConfigurationT
}
