package embedding

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/example/facereg/internal/logging"
)

// InsightFaceClient calls an InsightFace HTTP sidecar. The sidecar accepts a
// JPEG body on POST /detect and answers with a JSON array of faces, each
// carrying bbox, det_score and embedding.
type InsightFaceClient struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewInsightFaceClient builds a client for the sidecar at baseURL. A nil
// httpClient uses a client with a 30 second timeout.
func NewInsightFaceClient(baseURL string, httpClient *http.Client, logger *zap.Logger) *InsightFaceClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &InsightFaceClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		logger:  logger.Named("insightface"),
	}
}

// DetectAndEmbed implements Client.
func (c *InsightFaceClient) DetectAndEmbed(ctx context.Context, image []byte) ([]Vector, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/detect", bytes.NewReader(image))
	if err != nil {
		return nil, logging.NewOperationError("insightface.detect", "", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("sidecar request failed", zap.Error(err))
		return nil, logging.NewOperationError("insightface.detect", "", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, logging.NewOperationError("insightface.detect", "", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, logging.NewOperationError("insightface.detect", "",
			fmt.Errorf("sidecar returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	return parseInsightFaces(body)
}

func parseInsightFaces(body []byte) ([]Vector, error) {
	if !gjson.ValidBytes(body) {
		return nil, logging.NewOperationError("insightface.parse", "", fmt.Errorf("invalid JSON response"))
	}
	parsed := gjson.ParseBytes(body)
	if !parsed.IsArray() {
		return nil, logging.NewOperationError("insightface.parse", "", fmt.Errorf("expected a JSON array of faces"))
	}

	var vectors []Vector
	for i, face := range parsed.Array() {
		raw := face.Get("embedding")
		if !raw.IsArray() {
			return nil, logging.NewOperationError("insightface.parse", "", fmt.Errorf("face %d has no embedding", i))
		}
		values := raw.Array()
		vec := make(Vector, len(values))
		for j, v := range values {
			vec[j] = float32(v.Float())
		}
		vectors = append(vectors, vec)
	}
	return vectors, nil
}
