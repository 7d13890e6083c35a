package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"challenge-pledge-system/models"
	"challenge-pledge-system/utils"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AssociationSyncClient mirrors the beneficiary directory into the local
// associations table so challenge creation can validate the chosen
// association without a synchronous call to the directory service.
type AssociationSyncClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	DB         *gorm.DB
}

func NewAssociationSyncClient(db *gorm.DB) *AssociationSyncClient {
	baseURL := os.Getenv("DIRECTORY_SERVICE_URL")
	if baseURL == "" {
		log.Fatal("DIRECTORY_SERVICE_URL environment variable is required")
	}
	token := os.Getenv("PLEDGE_SERVICE_TOKEN")
	if token == "" {
		log.Fatal("PLEDGE_SERVICE_TOKEN environment variable is required for association sync")
	}

	return &AssociationSyncClient{
		BaseURL:    baseURL,
		Token:      token,
		DB:         db,
		HTTPClient: utils.HTTPClient,
	}
}

func (c *AssociationSyncClient) GetChangedAssociations(ctx context.Context, since time.Time) ([]models.Association, error) {
	since = since.UTC()

	u, err := url.Parse(fmt.Sprintf("%s/api/v1/public/associations", c.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}

	q := u.Query()
	q.Set("since", since.Format(time.RFC3339))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("X-Service-Token", c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call directory service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("directory service returned status %d: %s", resp.StatusCode, string(body))
	}

	var response struct {
		Associations []models.Association `json:"associations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode directory service response: %w", err)
	}

	return response.Associations, nil
}

// PollAssociations keeps the local mirror current.
func PollAssociations(ctx context.Context, client *AssociationSyncClient, pollInterval time.Duration) {
	log.Println("Starting association directory polling...")
	lastSyncTime := time.Now().UTC().Add(-24 * time.Hour)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Association polling stopped.")
			return
		case <-ticker.C:
			tickTime := time.Now().UTC()

			associations, err := client.GetChangedAssociations(ctx, lastSyncTime)
			if err != nil {
				log.Printf("❌ Error polling associations: %v", err)
				continue
			}

			count := len(associations)
			if count == 0 {
				continue
			}

			for i := range associations {
				associations[i].LastSyncedAt = tickTime
			}

			// Bulk upsert keyed on the external directory id
			if err := client.DB.Clauses(
				clause.OnConflict{
					Columns: []clause.Column{{Name: "id"}},
					DoUpdates: clause.AssignmentColumns([]string{
						"name",
						"slug",
						"category",
						"logo_url",
						"is_active",
						"last_synced_at",
						"updated_at",
					}),
				},
			).Create(&associations).Error; err != nil {
				log.Printf("❌ Failed to upsert %d association(s): %v", count, err)
				// Do NOT advance lastSyncTime on failure — retry same window next tick
				continue
			}

			lastSyncTime = tickTime
			log.Printf("✅ Upserted %d association(s) into the directory mirror.", count)
		}
	}
}
