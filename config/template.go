package config

import (
	"fmt"
	"os"
)

// Template returns a fully commented configuration whose values match
// Default(), ready to be edited.
func Template() string { return template }

// WriteTemplate writes the template to path. An existing file is only
// replaced when overwrite is set.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const template = `app = "buslog"
mode = "sink"             # sink receives records, emit sends them
log_level = "info"
listen = "127.0.0.1:7481" # UDP bind address (sink)
peer = "127.0.0.1:7481"   # remote engine address (emit)
endpoint_id = 1
metrics_addr = ""         # e.g. ":9100" to expose prometheus /metrics

[engine]
queue_capacity = 256
receive_timeout = "500ms"
sweep_interval = "100ms"
handoff_timeout = "1s"

[reliability]
ack_timeout = "500ms"
max_retries = 2
window_limit = 1024
resend_rate = 0.0         # resends per second, 0 disables pacing
resend_burst = 1

[etcd]
# endpoints = ["127.0.0.1:2379"]  # uncomment to enable discovery
ttl = 10
`
