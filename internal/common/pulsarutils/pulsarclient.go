package pulsarutils

import (
	"strings"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"

	commonconfig "github.com/ngageoint/scale/internal/common/config"
	"github.com/ngageoint/scale/internal/common/scaleerrors"
)

// NewPulsarClient connects to the broker at brokerURL (pulsar:// or pulsar+ssl://) using the TLS and
// authentication settings in config.
func NewPulsarClient(brokerURL string, config commonconfig.PulsarConfig) (pulsar.Client, error) {
	options, err := clientOptions(brokerURL, config)
	if err != nil {
		return nil, err
	}
	client, err := pulsar.NewClient(options)
	return client, errors.WithStack(err)
}

func clientOptions(brokerURL string, config commonconfig.PulsarConfig) (pulsar.ClientOptions, error) {
	if !strings.HasPrefix(brokerURL, "pulsar://") && !strings.HasPrefix(brokerURL, "pulsar+ssl://") {
		return pulsar.ClientOptions{}, errors.WithStack(&scaleerrors.ErrInvalidArgument{
			Name:    "pulsar.URL",
			Value:   brokerURL,
			Message: "broker URL must use the pulsar or pulsar+ssl scheme",
		})
	}
	auth, err := authentication(config)
	if err != nil {
		return pulsar.ClientOptions{}, err
	}
	maxConnections := config.MaxConnectionsPerBroker
	if maxConnections <= 0 {
		maxConnections = 1
	}
	return pulsar.ClientOptions{
		URL:                        brokerURL,
		OperationTimeout:           config.SendTimeout,
		TLSTrustCertsFilePath:      config.TLSTrustCertsFilePath,
		TLSValidateHostname:        config.TLSValidateHostname,
		TLSAllowInsecureConnection: config.TLSAllowInsecureConnection,
		MaxConnectionsPerBroker:    maxConnections,
		Authentication:             auth,
	}, nil
}

// authentication returns nil when authentication is disabled. JWT read from a file is the only supported scheme.
func authentication(config commonconfig.PulsarConfig) (pulsar.Authentication, error) {
	if !config.AuthenticationEnabled {
		return nil, nil
	}
	if !strings.EqualFold(config.AuthenticationType, "jwt") {
		return nil, errors.WithStack(&scaleerrors.ErrInvalidArgument{
			Name:    "pulsar.AuthenticationType",
			Value:   config.AuthenticationType,
			Message: "jwt is the only supported authentication type",
		})
	}
	if strings.TrimSpace(config.JwtTokenPath) == "" {
		return nil, errors.WithStack(&scaleerrors.ErrInvalidArgument{
			Name:    "pulsar.JwtTokenPath",
			Value:   config.JwtTokenPath,
			Message: "jwt authentication needs a token path",
		})
	}
	return pulsar.NewAuthenticationTokenFromFile(config.JwtTokenPath), nil
}
