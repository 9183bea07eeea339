package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/viper"

	"github.com/genforge/backend/internal/models"
)

var providerClient = &http.Client{Timeout: 120 * time.Second}

// dispatchToProvider forwards a generation job to the configured upstream
// provider endpoint for its kind. Providers are plain HTTP: the hard part of
// this system is the ledger, not the calls. A non-2xx response is an
// expected, clean failure (no charge); transport errors are left retryable.
func dispatchToProvider(ctx context.Context, job *models.Job) models.JobResult {
	var payload models.JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return providerFailure(fmt.Sprintf("invalid payload: %v", err))
	}

	endpoint := viper.GetString("providers." + string(payload.Kind) + ".url")
	if endpoint == "" {
		return providerFailure(fmt.Sprintf("no provider configured for %s", payload.Kind))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload.Input))
	if err != nil {
		return providerFailure(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if key := viper.GetString("providers." + string(payload.Kind) + ".api_key"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := providerClient.Do(req)
	if err != nil {
		return providerFailure(err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return providerFailure(err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return providerFailure(fmt.Sprintf("provider returned %d", resp.StatusCode))
	}

	return models.JobResult{Success: true, Data: body}
}

func providerFailure(message string) models.JobResult {
	return models.JobResult{Success: false, Error: &models.JobError{
		Message: message,
		Kind:    models.KindProviderError,
	}}
}
