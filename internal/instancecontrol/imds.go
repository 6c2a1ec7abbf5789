package instancecontrol

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const imdsTokenURL = "http://169.254.169.254/latest/api/token"
const imdsInstanceIDURL = "http://169.254.169.254/latest/meta-data/instance-id"

// fetchIMDSInstanceID uses IMDSv2 (token-gated) to read the instance id,
// with a short timeout since IMDS is unreachable off-EC2.
func fetchIMDSInstanceID(ctx context.Context) (string, error) {
	client := &http.Client{Timeout: 2 * time.Second}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	tokenReq, err := http.NewRequestWithContext(ctx, http.MethodPut, imdsTokenURL, nil)
	if err != nil {
		return "", err
	}
	tokenReq.Header.Set("X-aws-ec2-metadata-token-ttl-seconds", "60")
	tokenResp, err := client.Do(tokenReq)
	if err != nil {
		return "", fmt.Errorf("imds token request: %w", err)
	}
	defer tokenResp.Body.Close()
	tokenBytes, err := io.ReadAll(tokenResp.Body)
	if err != nil {
		return "", err
	}

	idReq, err := http.NewRequestWithContext(ctx, http.MethodGet, imdsInstanceIDURL, nil)
	if err != nil {
		return "", err
	}
	idReq.Header.Set("X-aws-ec2-metadata-token", string(tokenBytes))
	idResp, err := client.Do(idReq)
	if err != nil {
		return "", fmt.Errorf("imds instance-id request: %w", err)
	}
	defer idResp.Body.Close()
	if idResp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("imds instance-id: status %d", idResp.StatusCode)
	}
	idBytes, err := io.ReadAll(idResp.Body)
	if err != nil {
		return "", err
	}
	return string(idBytes), nil
}
