package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

var httpClient = &http.Client{Timeout: 5 * time.Second}

// getJSON issues a GET against the dlmd operator address and decodes the
// JSON response into out.
func getJSON(path string, out any) error {
	url := fmt.Sprintf("http://%s%s", serverAddr, path)
	resp, err := httpClient.Get(url)
	if err != nil {
		return fmt.Errorf("contacting dlmd at %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dlmd returned %s for %s", resp.Status, path)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response from %s: %w", path, err)
	}
	return nil
}

// postTrigger issues a bodyless POST against the dlmd operator address.
func postTrigger(path string) error {
	url := fmt.Sprintf("http://%s%s", serverAddr, path)
	resp, err := httpClient.Post(url, "application/json", nil)
	if err != nil {
		return fmt.Errorf("contacting dlmd at %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dlmd returned %s for %s", resp.Status, path)
	}
	return nil
}

// stats mirrors pkg/dlm.Stats's JSON shape.
type stats struct {
	Name            string `json:"Name"`
	NodeID          uint16 `json:"NodeID"`
	RecoveryPhase   string `json:"RecoveryPhase"`
	Members         []int  `json:"Members"`
	DirectorySize   int    `json:"DirectorySize"`
	Resources       int    `json:"Resources"`
	GrantedLocks    int    `json:"GrantedLocks"`
	ConvertingLocks int    `json:"ConvertingLocks"`
	WaitingLocks    int    `json:"WaitingLocks"`
	Waiters         int    `json:"Waiters"`
}

// lkbView mirrors cmd/dlmd/commands/httpserver.go's lkbView.
type lkbView struct {
	ID        string `json:"id"`
	Owner     string `json:"owner"`
	NodeID    uint16 `json:"node_id"`
	Granted   string `json:"granted"`
	Requested string `json:"requested"`
	State     string `json:"state"`
}

// resourceLocksView mirrors cmd/dlmd/commands/httpserver.go's
// resourceLocksView.
type resourceLocksView struct {
	Resource   string    `json:"resource"`
	Granted    []lkbView `json:"granted"`
	Converting []lkbView `json:"converting"`
	Waiting    []lkbView `json:"waiting"`
}
