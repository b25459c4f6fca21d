package instance

import (
	"os"

	"github.com/angelmondragon/barnlink/pkg/env"
)

// GetID identifies this process in logs and as the cron lock owner prefix.
// BARNLINK_INSTANCE_ID wins, then POD_NAME, then the hostname.
func GetID() string {
	if id := env.First("BARNLINK_INSTANCE_ID", "POD_NAME"); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "worker-0"
}
