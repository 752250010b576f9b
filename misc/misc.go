package misc

import (
	"fmt"
	"os"

	"github.com/bugsnag/bugsnag-go"
	"kassette.ai/sailthru-writer/utils/logger"
)

const (
	// RFC3339Milli with milli sec precision
	RFC3339Milli = "2006-01-02T15:04:05.000Z07:00"
)

var bugsnagEnabled bool

// SetupErrorReporting enables Bugsnag notifications when BUGSNAG_API_KEY is present.
func SetupErrorReporting(appVersion string) {
	apiKey := os.Getenv("BUGSNAG_API_KEY")
	if apiKey == "" {
		return
	}
	bugsnag.Configure(bugsnag.Configuration{
		APIKey:          apiKey,
		AppVersion:      appVersion,
		ReleaseStage:    GetEnvOrDefault("BUGSNAG_RELEASE_STAGE", "production"),
		ProjectPackages: []string{"main", "kassette.ai/sailthru-writer*"},
		PanicHandler:    func() {},
		Synchronous:     true,
	})
	bugsnagEnabled = true
	logger.Debug("Bugsnag error reporting enabled")
}

// NotifyError reports an unexpected error. It is a no-op unless SetupErrorReporting enabled Bugsnag.
func NotifyError(err error) {
	if err == nil || !bugsnagEnabled {
		return
	}
	if nerr := bugsnag.Notify(err); nerr != nil {
		logger.Error(fmt.Sprintf("Failed to notify bugsnag. Error: %s", nerr.Error()))
	}
}

func GetEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func TruncateStr(str string, limit int) string {
	if len(str) > limit {
		str = str[:limit]
	}
	return str
}
