package config

import (
	"fmt"
	"os"
)

// Template is a commented starting config with every key at its default.
const Template = `# meshctl configuration
device_address = "192.168.1.50:4403"

handshake_timeout = "30s"
request_timeout = "10s"
tick_interval = "1s"
heartbeat_interval = "5m"
max_frame_bytes = 512

max_reconnect_attempts = 5
backoff_initial = "500ms"
backoff_max = "30s"
backoff_multiplier = 2.0
backoff_jitter = true

required_fragments = ["my_info", "config", "config_complete"]
dispatch_workers = 4

node_store_path = "meshctl-nodes.yaml"
activity_log_path = "meshctl-activity.log"

http_addr = "127.0.0.1:9440"
cors_origins = ["http://localhost:3000"]
# api_token = "change-me"

[private_ports]
# 300 = "SENSOR_APP"
`

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(Template), 0o600)
}
