package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

const (
	vaultAPIVersion  = "7.4"
	vaultScope       = "https://vault.azure.net/.default"
	vaultHTTPTimeout = 15 * time.Second
)

// vaultSecret fetches the current version of a Key Vault secret using the
// ambient credential chain (environment, workload identity, managed
// identity, CLI).
func vaultSecret(ctx context.Context, vaultURL, name string) (string, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return "", fmt.Errorf("vault credential: %w", err)
	}
	token, err := cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{vaultScope}})
	if err != nil {
		return "", fmt.Errorf("vault token: %w", err)
	}

	endpoint := fmt.Sprintf("%s/secrets/%s?api-version=%s",
		strings.TrimRight(vaultURL, "/"), url.PathEscape(name), vaultAPIVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token.Token)

	client := &http.Client{Timeout: vaultHTTPTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("vault request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("vault returned %d for secret %q", resp.StatusCode, name)
	}

	var payload struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decode vault response: %w", err)
	}
	if payload.Value == "" {
		return "", fmt.Errorf("vault secret %q is empty", name)
	}
	return payload.Value, nil
}
