package credentials

import (
	"context"
	"fmt"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
)

// GCPSecretManagerBackend fetches the credential bundle's token from the
// latest version of a Google Secret Manager secret.
type GCPSecretManagerBackend struct {
	Client         *secretmanager.Client
	SecretResource string // e.g. "projects/p/secrets/s/versions/latest"
}

func NewGCPSecretManagerBackend(ctx context.Context, secretResource string) (*GCPSecretManagerBackend, error) {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("credentials: gcp secret manager client: %w", err)
	}
	return &GCPSecretManagerBackend{Client: client, SecretResource: secretResource}, nil
}

func (b *GCPSecretManagerBackend) Fetch(ctx context.Context) (Bundle, error) {
	resp, err := b.Client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: b.SecretResource,
	})
	if err != nil {
		return Bundle{}, fmt.Errorf("credentials: gcp secret manager: %w", err)
	}
	return Bundle{Token: string(resp.Payload.Data), LastRefresh: time.Now()}, nil
}
