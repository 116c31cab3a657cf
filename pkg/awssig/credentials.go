package awssig

import (
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/endpoints"
	"github.com/pkg/errors"
)

type CredentialsConfig struct {
	AccessKey    string
	SecretKey    string
	SessionToken string
	// Shared credentials file and profile, used when no keys are given
	File    string
	Profile string
}

// NewCredentials returns static credentials when keys are configured and
// otherwise the usual chain: environment, then the shared credentials file.
func NewCredentials(cfg CredentialsConfig) *credentials.Credentials {
	if cfg.AccessKey != "" {
		return credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken)
	}
	return credentials.NewChainCredentials([]credentials.Provider{
		&credentials.EnvProvider{},
		&credentials.SharedCredentialsProvider{Filename: cfg.File, Profile: cfg.Profile},
	})
}

// ResolveEndpoint returns the default endpoint URL and signing region for an
// AWS service in region.
func ResolveEndpoint(service, region string) (string, string, error) {
	resolved, err := endpoints.DefaultResolver().EndpointFor(service, region)
	if err != nil {
		return "", "", errors.Wrapf(err, "no %s endpoint for region %s", service, region)
	}
	signingRegion := resolved.SigningRegion
	if signingRegion == "" {
		signingRegion = region
	}
	return resolved.URL, signingRegion, nil
}
