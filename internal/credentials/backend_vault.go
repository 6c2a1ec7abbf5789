package credentials

import (
	"context"
	"fmt"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
)

// VaultBackend fetches the credential bundle's token from a HashiCorp Vault
// KV path (v1 or v2 layout). The Vault client token itself is not renewed.
type VaultBackend struct {
	Client     *vaultapi.Client
	SecretPath string
	SecretKey  string
}

// NewVaultBackend dials Vault with the default client config and the
// caller-supplied address, namespace and token.
func NewVaultBackend(address, namespace, token, secretPath, secretKey string) (*VaultBackend, error) {
	cfg := vaultapi.DefaultConfig()
	client, err := vaultapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("credentials: vault client: %w", err)
	}
	if err := client.SetAddress(address); err != nil {
		return nil, fmt.Errorf("credentials: vault address: %w", err)
	}
	if namespace != "" {
		client.SetNamespace(namespace)
	}
	client.SetToken(token)

	return &VaultBackend{Client: client, SecretPath: secretPath, SecretKey: secretKey}, nil
}

func (b *VaultBackend) Fetch(ctx context.Context) (Bundle, error) {
	secret, err := b.Client.Logical().ReadWithContext(ctx, b.SecretPath)
	if err != nil {
		return Bundle{}, fmt.Errorf("credentials: vault read: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return Bundle{}, fmt.Errorf("credentials: vault: no data at %s", b.SecretPath)
	}

	data := secret.Data
	if nested, ok := secret.Data["data"].(map[string]interface{}); ok {
		data = nested // KV v2 nests the actual secret under "data"
	}
	raw, ok := data[b.SecretKey]
	if !ok {
		return Bundle{}, fmt.Errorf("credentials: vault: key %q not found at %s", b.SecretKey, b.SecretPath)
	}
	token, _ := raw.(string)

	var expiry time.Time
	if secret.LeaseDuration > 0 {
		expiry = time.Now().Add(time.Duration(secret.LeaseDuration) * time.Second)
	}

	return Bundle{Token: token, LastRefresh: time.Now(), ExpiresAt: expiry}, nil
}
