package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// AWSSecretsManagerBackend fetches the credential bundle's token from a
// Secrets Manager secret, optionally extracting one JSON key.
type AWSSecretsManagerBackend struct {
	Client   *secretsmanager.Client
	SecretID string
	// SecretKey, when set, extracts that key from the secret's JSON value;
	// otherwise the whole SecretString is used as the token.
	SecretKey string
}

// NewAWSSecretsManagerBackend builds the backend from a loaded AWS config.
func NewAWSSecretsManagerBackend(cfg aws.Config, secretID, secretKey string) *AWSSecretsManagerBackend {
	return &AWSSecretsManagerBackend{
		Client:    secretsmanager.NewFromConfig(cfg),
		SecretID:  secretID,
		SecretKey: secretKey,
	}
}

func (b *AWSSecretsManagerBackend) Fetch(ctx context.Context) (Bundle, error) {
	out, err := b.Client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(b.SecretID),
	})
	if err != nil {
		return Bundle{}, fmt.Errorf("credentials: aws secrets manager: %w", err)
	}

	value := aws.ToString(out.SecretString)
	if b.SecretKey != "" {
		var m map[string]string
		if err := json.Unmarshal([]byte(value), &m); err != nil {
			return Bundle{}, fmt.Errorf("credentials: aws secrets manager: secret is not JSON: %w", err)
		}
		value = m[b.SecretKey]
	}

	return Bundle{Token: value, LastRefresh: time.Now()}, nil
}
