package notification

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/opensearch-project/opensearch-go/v2"

	"github.com/telhawk-systems/filegate/internal/config"
	"github.com/telhawk-systems/filegate/internal/models"
)

// NewOpenSearchClient builds a client for the alert index. It does not ping
// the cluster; a down cluster only fails individual deliveries.
func NewOpenSearchClient(cfg config.OpenSearchConfig) (*opensearch.Client, error) {
	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.TLSSkipVerify},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}
	return client, nil
}

// OpenSearchChannel indexes each alert as a document keyed by alert ID.
type OpenSearchChannel struct {
	client *opensearch.Client
	index  string
}

// NewOpenSearchChannel creates an OpenSearch notification channel.
func NewOpenSearchChannel(client *opensearch.Client, index string) *OpenSearchChannel {
	return &OpenSearchChannel{client: client, index: index}
}

func (o *OpenSearchChannel) Type() string {
	return "opensearch"
}

func (o *OpenSearchChannel) Send(ctx context.Context, alert *models.Alert) error {
	body, err := json.Marshal(alertPayload(alert))
	if err != nil {
		return fmt.Errorf("marshal opensearch document: %w", err)
	}

	resp, err := o.client.Index(o.index, bytes.NewReader(body),
		o.client.Index.WithContext(ctx),
		o.client.Index.WithDocumentID(alert.ID),
	)
	if err != nil {
		return fmt.Errorf("index alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.IsError() {
		return fmt.Errorf("opensearch returned error: %s", resp.Status())
	}
	return nil
}
