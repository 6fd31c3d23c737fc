// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package carematch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	cleanhttp "github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/carematch/carematch/carematch/structs"
)

// Predictor is the inference contract the blender depends on.
type Predictor interface {
	Predict(ctx context.Context, endpoint string, features *structs.FeatureVector) (*structs.Prediction, error)
}

// InferenceClient calls the model serving endpoint over HTTP. The model
// itself is trained and deployed offline; predict is an opaque RPC
// against the active registry entry's endpoint.
type InferenceClient struct {
	logger  hclog.Logger
	client  *http.Client
	timeout time.Duration
}

// NewInferenceClient builds a pooled client.
func NewInferenceClient(logger hclog.Logger, timeout time.Duration) *InferenceClient {
	return &InferenceClient{
		logger:  logger.Named("inference"),
		client:  cleanhttp.DefaultPooledClient(),
		timeout: timeout,
	}
}

type predictRequest struct {
	Features *structs.FeatureVector `json:"features"`
}

type predictResponse struct {
	PredictedScore    float64            `json:"predicted_score"`
	Confidence        float64            `json:"confidence"`
	FeatureImportance map[string]float64 `json:"feature_importance,omitempty"`
}

// Predict posts the feature vector and decodes the model's answer.
// Transient failures (5xx, network) are retried up to three times with
// exponential backoff; 4xx responses are not retried.
func (c *InferenceClient) Predict(ctx context.Context, endpoint string, features *structs.FeatureVector) (*structs.Prediction, error) {
	defer metrics.MeasureSince([]string{"carematch", "inference", "predict"}, time.Now())

	body, err := json.Marshal(&predictRequest{Features: features})
	if err != nil {
		return nil, fmt.Errorf("feature encoding failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var pred *structs.Prediction
	err = retry.Do(
		func() error {
			p, err := c.predictOnce(ctx, endpoint, body)
			if err != nil {
				return err
			}
			pred = p
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(50*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(structs.IsTransient),
	)
	if err != nil {
		metrics.IncrCounter([]string{"carematch", "inference", "errors"}, 1)
		return nil, err
	}
	return pred, nil
}

func (c *InferenceClient) predictOnce(ctx context.Context, endpoint string, body []byte) (*structs.Prediction, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("predict request: %w", structs.ErrValidation)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("predict call: %v: %w", err, structs.ErrTransient)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("predict returned %d: %w", resp.StatusCode, structs.ErrTransient)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("predict returned %d: %w", resp.StatusCode, structs.ErrValidation)
	}

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("predict decoding failed: %v: %w", err, structs.ErrTransient)
	}

	pred := &structs.Prediction{
		PredictedScore:    out.PredictedScore,
		Confidence:        out.Confidence,
		FeatureImportance: out.FeatureImportance,
	}
	if err := pred.Validate(); err != nil {
		return nil, err
	}
	return pred, nil
}
