package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-agent/internal/infrastructure/config"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	// In milliseconds, as paho expects.
	defaultDisconnectQuiesce = 1000
	defaultKeepAlive         = 60 * time.Second

	maxQoS        = 2
	tlsMinVersion = tls.VersionTLS12
)

// Health statuses published on the health topic.
const (
	healthUp   = "up"
	healthDown = "down"
)

// buildClientOptions maps the broker configuration onto paho options.
//
// Sessions are clean: command states are retained by the broker and
// subscriptions are restored by the client, so a persistent session would
// only replay duplicates. paho retries the first connection as well as
// later ones.
func buildClientOptions(cfg config.MQTTConfig) (*pahomqtt.ClientOptions, error) {
	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port)).
		SetClientID(cfg.Broker.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second).
		SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second).
		SetConnectTimeout(defaultConnectTimeout).
		SetKeepAlive(defaultKeepAlive)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username).SetPassword(cfg.Auth.Password)
	}

	if cfg.Broker.TLS {
		tlsCfg, err := buildTLSConfig(cfg.Broker)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	return opts, nil
}

// buildTLSConfig loads the optional CA bundle and client key pair.
func buildTLSConfig(b config.MQTTBrokerConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tlsMinVersion}

	if b.CAFile != "" {
		pem, err := os.ReadFile(b.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading mqtt ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("mqtt ca file: no PEM certificates found")
		}
		tlsCfg.RootCAs = pool
	}

	if b.CertFile != "" {
		pair, err := tls.LoadX509KeyPair(b.CertFile, b.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading mqtt client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{pair}
	}
	return tlsCfg, nil
}

// configureLWT makes the broker publish the retained "down" health status
// if the agent vanishes without closing the connection.
func configureLWT(opts *pahomqtt.ClientOptions, healthTopic string) {
	opts.SetBinaryWill(healthTopic, buildHealthPayload(healthDown), 1, true)
}

// healthPayload is the message published on the health topic.
type healthPayload struct {
	Status string `json:"status"`
	PID    int    `json:"pid,omitempty"`
	Time   int64  `json:"time,omitempty"`
}

// buildHealthPayload encodes a health message. Only "up" carries the pid
// and time; "down" is also the will, fixed when connecting.
func buildHealthPayload(status string) []byte {
	p := healthPayload{Status: status}
	if status == healthUp {
		p.PID = os.Getpid()
		p.Time = time.Now().Unix()
	}
	b, _ := json.Marshal(p) //nolint:errcheck // Plain struct
	return b
}
