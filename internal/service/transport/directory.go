package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"trustsync/internal/model"
)

// DirectoryClient talks to the relay's key-directory REST endpoints.
type DirectoryClient struct {
	Base string
	HTTP *http.Client
}

func NewDirectoryClient(base string) *DirectoryClient {
	return &DirectoryClient{Base: base, HTTP: http.DefaultClient}
}

// Publish uploads this DID's public keys so other peers can invite it.
func (c *DirectoryClient) Publish(ctx context.Context, rec *model.KeyRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	u := c.Base + "/keys/" + url.PathEscape(rec.Did)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("directory put %s: %s", rec.Did, resp.Status)
	}
	return nil
}

// Lookup fetches a DID's published keys; nil without error when unknown.
func (c *DirectoryClient) Lookup(ctx context.Context, did string) (*model.KeyRecord, error) {
	u := c.Base + "/keys/" + url.PathEscape(did)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return nil, nil
	}
	if resp.StatusCode/100 != 2 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("directory get %s: %s", did, resp.Status)
	}

	var rec model.KeyRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
