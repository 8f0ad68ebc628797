package app

const (
	Name           = "espdeploy"
	SourceURL      = "https://git.skobk.in/skobkin/espdeploy"
	ConfigFilename = "config.json"
	DBFilename     = "history.db"
	LogFilename    = "espdeploy.log"

	// HistoryKeep bounds the number of stored sessions; older ones are pruned at startup.
	HistoryKeep = 500
	// DefaultHistoryLimit is how many sessions the history command lists by default.
	DefaultHistoryLimit = 20
)
