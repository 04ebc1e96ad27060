// Package config loads the agent configuration.
//
// Load starts from Default, overlays the YAML file, then the GRAYLOGIC_*
// environment variables, and finally runs Validate, which reports every
// problem at once:
//
//	cfg, err := config.Load("/etc/graylogic-agent/config.yaml")
//	if err != nil {
//	    return fmt.Errorf("loading config: %w", err)
//	}
//
// Secrets (the MQTT password, the InfluxDB token and the JWT secret) are
// best passed through the environment, e.g. GRAYLOGIC_JWT_SECRET, so the
// file can stay world readable on the device. An empty JWT secret disables
// API authentication, which suits an API bound to the loopback interface.
package config
