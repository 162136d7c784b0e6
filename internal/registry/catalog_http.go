package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/models"
)

// HTTPCatalog fetches campaign specs from the catalog collaborator's
// `GET /campaigns/{id}` endpoint.
type HTTPCatalog struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPCatalog(baseURL string, client *http.Client) *HTTPCatalog {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPCatalog{BaseURL: baseURL, Client: client}
}

func (c *HTTPCatalog) FetchCampaign(ctx context.Context, id string) (*models.CampaignSpec, error) {
	url := fmt.Sprintf("%s/campaigns/%s", c.BaseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog returned status %d", resp.StatusCode)
	}

	var spec models.CampaignSpec
	if err := json.NewDecoder(resp.Body).Decode(&spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// ListActive fetches the catalog collaborator's `GET /campaigns?status=active`
// listing, used once at startup to seed the Registry and to drive Ledger
// rehydration.
func (c *HTTPCatalog) ListActive(ctx context.Context) ([]*models.CampaignSpec, error) {
	url := fmt.Sprintf("%s/campaigns?status=active", c.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog returned status %d", resp.StatusCode)
	}

	var specs []*models.CampaignSpec
	if err := json.NewDecoder(resp.Body).Decode(&specs); err != nil {
		return nil, err
	}
	return specs, nil
}
